// Package quota はカテゴリ別の投稿クォータ（1日の上限と投稿間隔）を管理する。
//
// TryAdmitは判定とカウンタ更新を (city, category) 単位のロック内で1ステップとして行う。
// 日次カウンタは都市のタイムゾーンでの暦日が変わったときに1回だけリセットされる。
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/citybot/internal/keylock"
	"github.com/hitoshi/citybot/internal/model"
	"github.com/hitoshi/citybot/internal/repository"
)

// DenyReason はクォータ拒否の理由。
type DenyReason string

const (
	// DenyDailyCapReached は1日の上限に達したことを示す。
	DenyDailyCapReached DenyReason = "daily_cap_reached"
	// DenyTooSoon は前回投稿からの間隔が不足していることを示す。
	DenyTooSoon DenyReason = "too_soon"
)

// Decision はTryAdmitの結果。拒否はエラーではなく想定された結果として扱う。
type Decision struct {
	Admitted bool
	Reason   DenyReason
	// Override はalert_overrideにより上限・間隔の判定を迂回したことを示す。
	Override   bool
	PostsToday int
	MaxDaily   int
}

// Tracker は1都市分のクォータトラッカー。
type Tracker struct {
	city     string
	location *time.Location
	policies map[model.Category]model.CategoryConfig
	repo     repository.QuotaRepository
	locks    keylock.Set
	logger   *slog.Logger
}

// NewTracker はTrackerの新しいインスタンスを生成する。
func NewTracker(profile *model.CityProfile, repo repository.QuotaRepository, logger *slog.Logger) *Tracker {
	policies := make(map[model.Category]model.CategoryConfig)
	for _, c := range model.Categories() {
		policies[c] = profile.Category(c)
	}
	return &Tracker{
		city:     profile.Name,
		location: profile.Timezone(),
		policies: policies,
		repo:     repo,
		logger:   logger,
	}
}

// TryAdmit はカテゴリの投稿枠を1つ確保できるかを判定し、確保できた場合はカウンタを更新する。
//
//   - priority=alert かつ alert_override が有効な場合は上限と間隔の判定を迂回する
//   - 迂回した場合もalert_exempt_from_countが無効ならposts_todayに加算する
//   - 更新後の状態を永続化してから許可を返す
func (t *Tracker) TryAdmit(ctx context.Context, category model.Category, priority model.Priority, now time.Time) (Decision, error) {
	policy, ok := t.policies[category]
	if !ok {
		return Decision{}, fmt.Errorf("unknown category: %s", category)
	}

	unlock := t.locks.Lock(keylock.Key(t.city, string(category)))
	defer unlock()

	state, err := t.load(ctx, category, now)
	if err != nil {
		return Decision{}, err
	}

	bypass := priority == model.PriorityAlert && policy.AlertOverride
	decision := Decision{
		PostsToday: state.PostsToday,
		MaxDaily:   policy.MaxDaily,
		Override:   bypass,
	}

	if !bypass {
		if state.PostsToday >= policy.MaxDaily {
			decision.Reason = DenyDailyCapReached
			return decision, nil
		}
		if state.LastPostAt != nil && now.Sub(*state.LastPostAt) < policy.Spacing() {
			decision.Reason = DenyTooSoon
			return decision, nil
		}
	}

	next := *state
	if !(bypass && policy.AlertExemptFromCount) {
		next.PostsToday++
	}
	at := now
	next.LastPostAt = &at
	next.UpdatedAt = now.UTC()

	if err := t.repo.Upsert(ctx, &next); err != nil {
		return Decision{}, fmt.Errorf("%w: %w", model.ErrQuotaStoreUnavailable, err)
	}

	decision.Admitted = true
	decision.PostsToday = next.PostsToday

	if bypass && state.PostsToday >= policy.MaxDaily {
		t.logger.Warn("警報のため1日の上限を超えて投稿を許可しました",
			slog.String("city", t.city),
			slog.String("category", string(category)),
			slog.Int("posts_today", next.PostsToday),
			slog.Int("max_daily", policy.MaxDaily),
		)
	}

	return decision, nil
}

// load は現在のローカル日付のカウンタを取得する。
// 当日分がない場合は0件から始め、前回投稿時刻は直近の日付から引き継ぐ。
func (t *Tracker) load(ctx context.Context, category model.Category, now time.Time) (*model.QuotaState, error) {
	day := model.LocalDay(now, t.location)

	state, err := t.repo.Find(ctx, t.city, category, day)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrQuotaStoreUnavailable, err)
	}
	if state != nil {
		return state, nil
	}

	fresh := &model.QuotaState{City: t.city, Category: category, Day: day}

	latest, err := t.repo.FindLatest(ctx, t.city, category)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrQuotaStoreUnavailable, err)
	}
	if latest != nil && latest.LastPostAt != nil {
		last := *latest.LastPostAt
		fresh.LastPostAt = &last
	}
	return fresh, nil
}

// Snapshot は全カテゴリの現在のカウンタを返す。ステータス表示用で状態は変更しない。
func (t *Tracker) Snapshot(ctx context.Context, now time.Time) ([]model.QuotaState, error) {
	out := make([]model.QuotaState, 0, len(t.policies))
	for _, c := range model.Categories() {
		unlock := t.locks.Lock(keylock.Key(t.city, string(c)))
		state, err := t.load(ctx, c, now)
		unlock()
		if err != nil {
			return nil, err
		}
		out = append(out, *state)
	}
	return out, nil
}

// Policy はカテゴリの設定を返す。
func (t *Tracker) Policy(category model.Category) model.CategoryConfig {
	return t.policies[category]
}
