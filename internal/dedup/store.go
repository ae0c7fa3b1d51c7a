// Package dedup は公開済みイベントの重複排除ストアを提供する。
// 同一フィンガープリントのイベントが二度配信されないことを保証する。
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/citybot/internal/keylock"
	"github.com/hitoshi/citybot/internal/model"
	"github.com/hitoshi/citybot/internal/repository"
)

// DefaultRetention は重複排除レコードの既定の保持期間（7日）。
const DefaultRetention = 7 * 24 * time.Hour

// Store は1都市分の重複排除ストア。
// 更新は (city, category) 単位で直列化される。
type Store struct {
	city      string
	repo      repository.DedupRepository
	retention time.Duration
	// frequencies はカテゴリごとのupdate_frequency。保持期間の下限に使う。
	frequencies map[model.Category]time.Duration
	locks       keylock.Set
	logger      *slog.Logger
}

// NewStore はStoreの新しいインスタンスを生成する。
// retentionが0以下の場合はDefaultRetentionを使用する。
func NewStore(profile *model.CityProfile, repo repository.DedupRepository, retention time.Duration, logger *slog.Logger) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	freqs := make(map[model.Category]time.Duration)
	for _, c := range model.Categories() {
		freqs[c] = profile.Category(c).UpdateFrequency
	}
	return &Store{
		city:        profile.Name,
		repo:        repo,
		retention:   retention,
		frequencies: freqs,
		logger:      logger,
	}
}

// Seen はフィンガープリントが記録済みかを返す。
// ストアにアクセスできない場合はErrDedupStoreUnavailableをラップして返す。
func (s *Store) Seen(ctx context.Context, category model.Category, fingerprint string) (bool, error) {
	unlock := s.locks.Lock(keylock.Key(s.city, string(category)))
	defer unlock()

	seen, err := s.repo.Exists(ctx, s.city, category, fingerprint)
	if err != nil {
		return false, fmt.Errorf("%w: %w", model.ErrDedupStoreUnavailable, err)
	}
	return seen, nil
}

// Record はフィンガープリントを記録する。既に記録済みの場合は何もしない。
func (s *Store) Record(ctx context.Context, category model.Category, fingerprint string, at time.Time) error {
	unlock := s.locks.Lock(keylock.Key(s.city, string(category)))
	defer unlock()

	inserted, err := s.repo.Insert(ctx, &model.DedupRecord{
		City:        s.city,
		Category:    category,
		Fingerprint: fingerprint,
		FirstSeenAt: at,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrDedupStoreUnavailable, err)
	}
	if !inserted {
		s.logger.Warn("フィンガープリントは既に記録されています",
			slog.String("city", s.city),
			slog.String("category", string(category)),
			slog.String("fingerprint", fingerprint),
		)
	}
	return nil
}

// RetentionFor はカテゴリの保持期間 max(retention, 2 × update_frequency) を返す。
func (s *Store) RetentionFor(category model.Category) time.Duration {
	keep := s.retention
	if twice := 2 * s.frequencies[category]; twice > keep {
		keep = twice
	}
	return keep
}

// Evict は保持期間を過ぎたレコードを全カテゴリについて削除し、削除件数の合計を返す。
// 正しさには影響しない容量管理のための処理。
func (s *Store) Evict(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, c := range model.Categories() {
		cutoff := now.Add(-s.RetentionFor(c))

		unlock := s.locks.Lock(keylock.Key(s.city, string(c)))
		deleted, err := s.repo.DeleteOlderThan(ctx, s.city, c, cutoff)
		unlock()
		if err != nil {
			return total, fmt.Errorf("%s の重複排除レコード削除に失敗: %w", c, err)
		}
		total += deleted
	}
	return total, nil
}
