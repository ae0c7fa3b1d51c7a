// Package cleanup は保持期間を過ぎた状態データの定期削除ジョブを提供する。
// 重複排除レコード、過去日の投稿カウンタ、投稿履歴、地図キャッシュを対象とし、
// いずれも冪等に削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/citybot/internal/model"
)

// DedupEvictor は保持期間を過ぎた重複排除レコードを削除する。
type DedupEvictor interface {
	Evict(ctx context.Context, now time.Time) (int64, error)
}

// QuotaPruner は指定日より前の投稿カウンタを削除する。
type QuotaPruner interface {
	DeleteBefore(ctx context.Context, day string) (int64, error)
}

// PostPruner はcutoffより前の投稿履歴を削除する。
type PostPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MapPruner は古い地図キャッシュファイルを削除する。
type MapPruner interface {
	Prune(now time.Time, maxAge time.Duration) (int, error)
}

// CleanupJob は状態データの定期削除ジョブ。
type CleanupJob struct {
	dedup  DedupEvictor
	quota  QuotaPruner
	posts  PostPruner
	maps   MapPruner
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time

	RetentionDays      int           // 投稿履歴の保持日数（デフォルト: 30）
	QuotaRetentionDays int           // 投稿カウンタの保持日数（デフォルト: 30）
	MapMaxAge          time.Duration // 地図キャッシュの保持期間（デフォルト: 7日）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// mapsがnilの場合は地図キャッシュの削除を行わない。
func NewCleanupJob(dedup DedupEvictor, quota QuotaPruner, posts PostPruner, maps MapPruner, loc *time.Location, logger *slog.Logger) *CleanupJob {
	if loc == nil {
		loc = time.UTC
	}
	return &CleanupJob{
		dedup:              dedup,
		quota:              quota,
		posts:              posts,
		maps:               maps,
		loc:                loc,
		logger:             logger,
		now:                time.Now,
		RetentionDays:      30,
		QuotaRetentionDays: 30,
		MapMaxAge:          7 * 24 * time.Hour,
	}
}

// Run は全対象の削除を1回実行する。
// ある対象の失敗で残りの削除を止めず、失敗はまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()
	var errs []error

	dedupDeleted, err := j.dedup.Evict(ctx, now)
	if err != nil {
		errs = append(errs, j.fail("dedup", err))
	}

	day := model.LocalDay(now.AddDate(0, 0, -j.QuotaRetentionDays), j.loc)
	quotaDeleted, err := j.quota.DeleteBefore(ctx, day)
	if err != nil {
		errs = append(errs, j.fail("quota", err))
	}

	cutoff := now.AddDate(0, 0, -j.RetentionDays)
	postsDeleted, err := j.posts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		errs = append(errs, j.fail("posts", err))
	}

	var mapsDeleted int
	if j.maps != nil {
		mapsDeleted, err = j.maps.Prune(now, j.MapMaxAge)
		if err != nil {
			errs = append(errs, j.fail("maps", err))
		}
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("dedup_deleted", dedupDeleted),
		slog.Int64("quota_deleted", quotaDeleted),
		slog.Int64("posts_deleted", postsDeleted),
		slog.Int("maps_deleted", mapsDeleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return errors.Join(errs...)
}

func (j *CleanupJob) fail(target string, err error) error {
	j.logger.Error("クリーンアップに失敗しました",
		slog.String("target", target),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%s のクリーンアップに失敗: %w", target, err)
}

// Start はinterval間隔でRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	// Runの失敗はfail内でログ済み
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
