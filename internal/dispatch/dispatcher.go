// Package dispatch は組み立て済みの投稿を複数のプラットフォームへ並行して配信する。
//
// プラットフォームごとの結果は独立しており、1つの失敗が他の配信を妨げることはない。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/citybot/internal/metrics"
	"github.com/hitoshi/citybot/internal/model"
)

// Client はプラットフォームへの投稿を行うインターフェース。
// エラーはErrPlatformAuth / ErrPlatformRateLimited / ErrContentRejected / ErrPlatformTransient のいずれかをラップする。
type Client interface {
	Name() string
	Post(ctx context.Context, content model.PostContent) error
}

const (
	// DefaultMaxAttempts は1プラットフォームあたりの最大試行回数。
	DefaultMaxAttempts = 3
	// DefaultBackoffBase は再試行の初回待機時間。
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffMax は再試行の待機時間の上限。
	DefaultBackoffMax = 30 * time.Second
	// DefaultAttemptTimeout は1回の投稿のタイムアウト。
	DefaultAttemptTimeout = 20 * time.Second
)

// Config はDispatcherの設定。
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
	// MaxRateWait はレート制限のトークン待ちの上限。超える場合は試行せず再試行可能な失敗とする。
	// 未設定の場合はAttemptTimeoutを使う。
	MaxRateWait time.Duration
	// PostsPerHour はプラットフォームごとの投稿レート上限。未設定のプラットフォームは制限しない。
	PostsPerHour map[string]int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.MaxRateWait <= 0 {
		c.MaxRateWait = c.AttemptTimeout
	}
	return c
}

// Dispatcher はプラットフォームへの配信を管理する。
type Dispatcher struct {
	cfg      Config
	limiters map[string]*rate.Limiter
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	// sleep はテストで差し替えるための待機関数。
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
func NewDispatcher(cfg Config, m metrics.MetricsCollector, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()

	limiters := make(map[string]*rate.Limiter, len(cfg.PostsPerHour))
	for platform, perHour := range cfg.PostsPerHour {
		if perHour <= 0 {
			continue
		}
		limiters[platform] = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
	}

	return &Dispatcher{
		cfg:      cfg,
		limiters: limiters,
		metrics:  m,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Dispatch は各クライアントに並行して投稿し、入力順に結果を返す。
func (d *Dispatcher) Dispatch(ctx context.Context, post model.ComposedPost, clients []Client) []model.PlatformResult {
	results := make([]model.PlatformResult, len(clients))
	content := post.Content()

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c Client) {
			defer wg.Done()
			results[i] = d.deliver(ctx, post, content, c)
		}(i, c)
	}
	wg.Wait()

	return results
}

// deliver は1プラットフォームへの投稿を再試行付きで行う。
func (d *Dispatcher) deliver(ctx context.Context, post model.ComposedPost, content model.PostContent, c Client) model.PlatformResult {
	platform := c.Name()
	result := model.PlatformResult{Platform: platform}
	log := d.logger.With(
		slog.String("city", post.City),
		slog.String("category", string(post.Category)),
		slog.String("platform", platform),
		slog.String("post_id", post.ID),
	)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.waitRate(ctx, platform); err != nil {
			lastErr = err
			log.Warn("投稿レートの上限に達したため見送ります",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			break
		}

		result.Attempts = attempt
		err := d.attempt(ctx, c, content)
		if err == nil {
			result.Outcome = model.OutcomeSuccess
			d.metrics.RecordPost(platform, string(result.Outcome))
			log.Info("投稿しました", slog.Int("attempts", attempt))
			return result
		}
		lastErr = err

		if IsPermanent(err) {
			result.Outcome = model.OutcomePermanentFailure
			result.Err = err
			if errors.Is(err, model.ErrPlatformAuth) {
				result.Operator = model.NewPlatformAuthError(platform, err)
				log.Error("認証に失敗しました。認証情報の更新が必要です",
					slog.String("code", result.Operator.Code),
					slog.String("error", err.Error()),
				)
			} else {
				result.Operator = model.NewContentRejectedError(platform, err)
				log.Error("投稿内容が拒否されました",
					slog.String("code", result.Operator.Code),
					slog.String("error", err.Error()),
				)
			}
			d.metrics.RecordPost(platform, string(result.Outcome))
			return result
		}

		if attempt == d.cfg.MaxAttempts {
			break
		}
		wait := Backoff(d.cfg.BackoffBase, d.cfg.BackoffMax, attempt)
		log.Warn("投稿に失敗したため再試行します",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		if err := d.sleep(ctx, wait); err != nil {
			break
		}
	}

	result.Outcome = model.OutcomeRetryableFailure
	result.Err = lastErr
	result.Operator = model.NewPlatformUnavailableError(platform, result.Attempts, lastErr)
	d.metrics.RecordPost(platform, string(result.Outcome))
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	log.Warn("再試行を使い切りました。一時的な障害の可能性があります",
		slog.String("code", result.Operator.Code),
		slog.Int("attempts", result.Attempts),
		slog.String("error", errMsg),
	)
	return result
}

// waitRate はプラットフォームの投稿レート枠を予約し、必要なら待機する。
// 待機がMaxRateWaitを超える場合は予約を取り消してErrPlatformRateLimitedを返す。
func (d *Dispatcher) waitRate(ctx context.Context, platform string) error {
	lim, ok := d.limiters[platform]
	if !ok {
		return nil
	}
	r := lim.Reserve()
	delay := r.Delay()
	if !r.OK() || delay > d.cfg.MaxRateWait {
		r.Cancel()
		return fmt.Errorf("%w: next slot in %s exceeds max wait %s", model.ErrPlatformRateLimited, delay, d.cfg.MaxRateWait)
	}
	if delay <= 0 {
		return nil
	}
	if err := d.sleep(ctx, delay); err != nil {
		r.Cancel()
		return fmt.Errorf("%w: rate limiter: %w", model.ErrPlatformRateLimited, err)
	}
	return nil
}

// attempt は1回分の投稿を専用のタイムアウト付きで行う。
func (d *Dispatcher) attempt(ctx context.Context, c Client, content model.PostContent) error {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	return c.Post(actx, content)
}

// IsPermanent は再試行しても成功しないエラーかを返す。
// 認証失敗と内容の拒否が該当し、それ以外（レート制限、一時障害、タイムアウト、未知）は再試行可能とする。
func IsPermanent(err error) bool {
	return errors.Is(err, model.ErrPlatformAuth) || errors.Is(err, model.ErrContentRejected)
}

// Backoff はattempt回目の失敗後の待機時間を返す。base × 2^(attempt-1)、上限max。
func Backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Delivered は少なくとも1つのプラットフォームで投稿を試行したかを返す。
// 試行済みのイベントは配信済みとして記録し、次のサイクルで再投稿しない。
func Delivered(results []model.PlatformResult) bool {
	for _, r := range results {
		if r.Attempts > 0 {
			return true
		}
	}
	return false
}

// Succeeded は成功したプラットフォーム数を返す。
func Succeeded(results []model.PlatformResult) int {
	n := 0
	for _, r := range results {
		if r.Outcome == model.OutcomeSuccess {
			n++
		}
	}
	return n
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
