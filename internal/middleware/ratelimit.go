package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/citybot/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 運用API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // 運用API全般のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 運用API全般 120 req/min/クライアント。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0), // 2 req/sec
		GeneralBurst:    120,
		CleanupInterval: 5 * time.Minute,
	}
}

// RateLimiterConfigPerMinute は1分あたりのリクエスト数からレート制限設定を生成する。
func RateLimiterConfigPerMinute(perMinute int) RateLimiterConfig {
	cfg := DefaultRateLimiterConfig()
	if perMinute > 0 {
		cfg.GeneralRate = rate.Limit(float64(perMinute) / 60.0)
		cfg.GeneralBurst = perMinute
	}
	return cfg
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
type RateLimiter struct {
	config RateLimiterConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware は運用API全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)

			if !rl.limiterFor(client).Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				rl.logger.Warn("rate limit exceeded",
					slog.String("client", client),
					slog.String("path", r.URL.Path),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// limiterFor はクライアントのリミッターを取得または作成する。
func (rl *RateLimiter) limiterFor(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, exists := rl.limiters[client]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)}
		rl.limiters[client] = cl
	}
	cl.lastAccess = time.Now()
	return cl.limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for client, cl := range rl.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.limiters, client)
		}
	}
}

// clientIP はリクエスト元のIPアドレスを返す。
// 逆プロキシのヘッダーは信用しない。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.OperatorError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	})
}
