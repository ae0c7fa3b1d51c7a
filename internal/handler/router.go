// Package handler は運用向けのHTTPエンドポイントを提供する。
// ヘルスチェック、Prometheusメトリクス、パイプラインの状態、投稿履歴を公開する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/citybot/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	City string

	// Ping はストアの疎通確認。/health で使う。
	Ping func(ctx context.Context) error

	Quota   QuotaStatus
	Reports ReportSource
	Posts   PostLister

	// Metrics は /metrics で公開するハンドラー。nilの場合はルートを登録しない。
	Metrics     http.Handler
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → RateLimit(/api のみ)
//
// /health と /metrics は監視系からの定期アクセスのためレート制限の外に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	h := NewStatusHandler(deps.City, deps.Quota, deps.Reports, deps.Posts, logger)

	r.Get("/health", NewHealthHandler(deps.Ping, logger))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}
		r.Get("/status", h.Status)
		r.Get("/posts", h.ListPosts)
	})

	return r
}
