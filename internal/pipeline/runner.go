// Package pipeline はカテゴリごとの取得・判定・投稿サイクルを実行するスケジューラを提供する。
//
// カテゴリごとに独立したゴルーチンでサイクルを回し、同一カテゴリ内のサイクルは逐次実行する。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/citybot/internal/dispatch"
	"github.com/hitoshi/citybot/internal/metrics"
	"github.com/hitoshi/citybot/internal/model"
	"github.com/hitoshi/citybot/internal/quota"
	"github.com/hitoshi/citybot/internal/relevance"
	"github.com/hitoshi/citybot/internal/repository"
	"github.com/hitoshi/citybot/internal/source"
)

// DefaultFetchTimeout はソース取得のタイムアウトの既定値。
const DefaultFetchTimeout = 15 * time.Second

// bookkeepingTimeout は配信後の重複排除記録と履歴保存のタイムアウト。
// 配信済みの投稿はループのキャンセル後も記録を完了させる。
const bookkeepingTimeout = 10 * time.Second

// minInterval はサイクル間隔の下限。設定値が0以下の場合に使う。
const minInterval = time.Minute

// EventFilter はRawItemを判定するインターフェース。relevance.Filterが実装する。
type EventFilter interface {
	EvaluateBatch(items []model.RawItem) ([]model.Event, []relevance.Rejection)
}

// DedupStore は重複排除ストアのインターフェース。dedup.Storeが実装する。
type DedupStore interface {
	Seen(ctx context.Context, category model.Category, fingerprint string) (bool, error)
	Record(ctx context.Context, category model.Category, fingerprint string, at time.Time) error
}

// QuotaTracker は投稿枠の判定インターフェース。quota.Trackerが実装する。
type QuotaTracker interface {
	TryAdmit(ctx context.Context, category model.Category, priority model.Priority, now time.Time) (quota.Decision, error)
}

// PostComposer は投稿の組み立てインターフェース。compose.Composerが実装する。
type PostComposer interface {
	Compose(ctx context.Context, event model.Event) (model.ComposedPost, error)
}

// PostDispatcher は配信インターフェース。dispatch.Dispatcherが実装する。
type PostDispatcher interface {
	Dispatch(ctx context.Context, post model.ComposedPost, clients []dispatch.Client) []model.PlatformResult
}

// Deps はRunnerの依存コンポーネント。
type Deps struct {
	Adapters     map[model.Category]source.Adapter
	Filter       EventFilter
	Dedup        DedupStore
	Quota        QuotaTracker
	Composer     PostComposer
	Dispatcher   PostDispatcher
	Clients      []dispatch.Client
	Posts        repository.PostRepository
	Metrics      metrics.MetricsCollector
	Logger       *slog.Logger
	FetchTimeout time.Duration
}

// Runner はカテゴリごとのサイクルを実行する。
type Runner struct {
	deps Deps
	now  func() time.Time

	mu      sync.RWMutex
	reports map[model.Category]CycleReport
}

// NewRunner はRunnerの新しいインスタンスを生成する。
func NewRunner(deps Deps) *Runner {
	if deps.FetchTimeout <= 0 {
		deps.FetchTimeout = DefaultFetchTimeout
	}
	return &Runner{
		deps:    deps,
		now:     time.Now,
		reports: make(map[model.Category]CycleReport),
	}
}

// Run は有効な全カテゴリのループを開始し、ctxがキャンセルされて全ループが終了するまでブロックする。
func (r *Runner) Run(ctx context.Context, profile *model.CityProfile) error {
	var categories []model.Category
	for _, c := range profile.EnabledCategories() {
		if _, ok := r.deps.Adapters[c]; !ok {
			r.deps.Logger.Warn("ソースアダプタが未設定のためカテゴリをスキップします",
				slog.String("city", profile.Name),
				slog.String("category", string(c)),
			)
			continue
		}
		categories = append(categories, c)
	}
	if len(categories) == 0 {
		return fmt.Errorf("no enabled categories for %s", profile.Name)
	}

	r.deps.Logger.Info("スケジューラを開始しました",
		slog.String("city", profile.Name),
		slog.Int("categories", len(categories)),
	)

	var wg sync.WaitGroup
	for _, c := range categories {
		wg.Add(1)
		go func(c model.Category) {
			defer wg.Done()
			r.loop(ctx, profile, c)
		}(c)
	}
	wg.Wait()

	r.deps.Logger.Info("スケジューラを停止しました", slog.String("city", profile.Name))
	return nil
}

// loop は1カテゴリのサイクルを逐次実行する。
func (r *Runner) loop(ctx context.Context, profile *model.CityProfile, category model.Category) {
	cfg := profile.Category(category)
	for {
		report := r.RunCycle(ctx, profile, category)
		interval := NextInterval(cfg, report.AlertSeen)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// NextInterval は次のサイクルまでの待機時間を返す。
// 直前のサイクルで警報を受理し、alert_frequencyが設定されている場合はそちらを使う。
func NextInterval(cfg model.CategoryConfig, alertSeen bool) time.Duration {
	interval := cfg.UpdateFrequency
	if alertSeen && cfg.AlertFrequency > 0 {
		interval = cfg.AlertFrequency
	}
	if interval <= 0 {
		interval = minInterval
	}
	return interval
}

// RunCycle は1サイクル（取得→判定→重複排除→クォータ→組み立て→配信）を実行する。
// サイクル内のパニックは回復してレポートに記録し、他のカテゴリには影響させない。
func (r *Runner) RunCycle(ctx context.Context, profile *model.CityProfile, category model.Category) (report CycleReport) {
	report = newCycleReport(profile.Name, category, r.now())
	log := r.deps.Logger.With(
		slog.String("city", profile.Name),
		slog.String("category", string(category)),
		slog.String("cycle_id", report.ID),
	)

	defer func() {
		if rec := recover(); rec != nil {
			report.Result = ResultPanic
			report.Error = fmt.Sprint(rec)
			log.Error("サイクル中にパニックが発生しました", slog.Any("panic", rec))
		}
		report.FinishedAt = r.now()
		r.deps.Metrics.RecordCycle(string(category), string(report.Result))
		r.store(report)
	}()

	adapter, ok := r.deps.Adapters[category]
	if !ok {
		report.fail(ResultFetchFailed, fmt.Errorf("%w: no adapter for %s", model.ErrSourceUnavailable, category))
		return report
	}

	fctx, cancel := context.WithTimeout(ctx, r.deps.FetchTimeout)
	items, err := adapter.Fetch(fctx, profile)
	cancel()
	if err != nil {
		reason := source.FailureReason(err)
		r.deps.Metrics.RecordFetchFailure(string(category), reason)
		log.Warn("ソースの取得に失敗しました。次回のサイクルで再試行します",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		report.fail(ResultFetchFailed, err)
		return report
	}
	report.Fetched = len(items)

	events, rejections := r.deps.Filter.EvaluateBatch(items)
	report.Accepted = len(events)
	for _, rej := range rejections {
		report.Rejected[string(rej.Reason)]++
		r.deps.Metrics.RecordRejection(string(category), string(rej.Reason))
		log.Debug("候補を除外しました",
			slog.String("reason", string(rej.Reason)),
			slog.String("detail", rej.Detail),
			slog.String("fingerprint", rej.Item.Fingerprint()),
		)
	}

	for _, ev := range events {
		if ev.Priority == model.PriorityAlert {
			report.AlertSeen = true
		}
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			report.fail(ResultAborted, err)
			return report
		}
		if err := r.process(ctx, log, &report, ev); err != nil {
			log.Error("重複排除ストアが利用できないためサイクルを中断します",
				slog.String("fingerprint", ev.Fingerprint),
				slog.String("error", err.Error()),
			)
			report.fail(ResultAborted, err)
			return report
		}
	}

	log.Info("サイクルが完了しました",
		slog.Int("fetched", report.Fetched),
		slog.Int("accepted", report.Accepted),
		slog.Int("duplicates", report.Duplicates),
		slog.Int("posted", report.Posted),
	)
	return report
}

// process は受理済みイベント1件を処理する。
// 返すエラーは重複排除ストアの障害のみで、それ以外の失敗はログに記録してイベントをスキップする。
func (r *Runner) process(ctx context.Context, log *slog.Logger, report *CycleReport, ev model.Event) error {
	category := ev.Category
	log = log.With(slog.String("fingerprint", ev.Fingerprint))

	seen, err := r.deps.Dedup.Seen(ctx, category, ev.Fingerprint)
	if err != nil {
		return err
	}
	if seen {
		report.Duplicates++
		r.deps.Metrics.RecordDuplicate(string(category))
		return nil
	}

	decision, err := r.deps.Quota.TryAdmit(ctx, category, ev.Priority, r.now())
	if err != nil {
		log.Error("クォータ状態を取得できないためイベントをスキップします", slog.String("error", err.Error()))
		report.Skipped++
		return nil
	}
	if !decision.Admitted {
		report.Denied[string(decision.Reason)]++
		r.deps.Metrics.RecordQuotaDenied(string(category), string(decision.Reason))
		log.Info("クォータにより投稿を見送りました",
			slog.String("reason", string(decision.Reason)),
			slog.Int("posts_today", decision.PostsToday),
			slog.Int("max_daily", decision.MaxDaily),
		)
		return nil
	}

	post, err := r.deps.Composer.Compose(ctx, ev)
	if err != nil {
		log.Error("投稿の組み立てに失敗しました", slog.String("error", err.Error()))
		report.Skipped++
		return nil
	}

	results := r.deps.Dispatcher.Dispatch(ctx, post, r.deps.Clients)

	// 投稿は既に外部に出ているため、シャットダウンで記録を失わないようにする
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if dispatch.Delivered(results) {
		if err := r.deps.Dedup.Record(bctx, category, ev.Fingerprint, r.now()); err != nil {
			return err
		}
	}
	if dispatch.Succeeded(results) > 0 {
		report.Posted++
	}
	for _, res := range results {
		if res.Operator != nil {
			report.Operator = append(report.Operator, res.Operator)
		}
	}

	r.saveHistory(bctx, log, post, results)
	return nil
}

// saveHistory はプラットフォームごとの配信結果を投稿履歴に保存する。保存失敗はログのみ。
func (r *Runner) saveHistory(ctx context.Context, log *slog.Logger, post model.ComposedPost, results []model.PlatformResult) {
	if r.deps.Posts == nil {
		return
	}
	preview := []rune(post.Text)
	if len(preview) > 100 {
		preview = preview[:100]
	}
	for _, res := range results {
		rec := &model.PostRecord{
			ID:             uuid.New().String(),
			City:           post.City,
			Category:       post.Category,
			Fingerprint:    post.Fingerprint,
			Platform:       res.Platform,
			Outcome:        res.Outcome,
			Attempts:       res.Attempts,
			ContentPreview: string(preview),
			PostedAt:       r.now().UTC(),
		}
		if res.Operator != nil {
			rec.ErrorCode = res.Operator.Code
		}
		if err := r.deps.Posts.Create(ctx, rec); err != nil {
			log.Error("投稿履歴の保存に失敗しました",
				slog.String("platform", res.Platform),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Runner) store(report CycleReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[report.Category] = report
}

// LastReport はカテゴリの直近のサイクルレポートを返す。
func (r *Runner) LastReport(category model.Category) (CycleReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.reports[category]
	return rep, ok
}

// Reports は全カテゴリの直近のサイクルレポートを固定順で返す。
func (r *Runner) Reports() []CycleReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CycleReport
	for _, c := range model.Categories() {
		if rep, ok := r.reports[c]; ok {
			out = append(out, rep)
		}
	}
	return out
}

// IsDedupFailure はサイクルが重複排除ストアの障害で中断されたかを返す。
func IsDedupFailure(err error) bool {
	return errors.Is(err, model.ErrDedupStoreUnavailable)
}
