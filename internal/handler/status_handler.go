package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/citybot/internal/middleware"
	"github.com/hitoshi/citybot/internal/model"
	"github.com/hitoshi/citybot/internal/pipeline"
)

// 投稿履歴一覧の件数
const (
	defaultPostsLimit = 20
	maxPostsLimit     = 100
)

// QuotaStatus はカテゴリ別の投稿カウンタを参照するインターフェース。
type QuotaStatus interface {
	// Snapshot は全カテゴリの現在のカウンタを返す。状態は変更しない。
	Snapshot(ctx context.Context, now time.Time) ([]model.QuotaState, error)
	// Policy はカテゴリの設定を返す。
	Policy(category model.Category) model.CategoryConfig
}

// ReportSource は直近のサイクル結果を提供するインターフェース。
type ReportSource interface {
	Reports() []pipeline.CycleReport
}

// PostLister は投稿履歴を参照するインターフェース。
type PostLister interface {
	ListRecent(ctx context.Context, city string, limit int) ([]*model.PostRecord, error)
}

// --- レスポンス型 ---

type quotaResponse struct {
	Category   model.Category `json:"category"`
	Day        string         `json:"day"`
	PostsToday int            `json:"posts_today"`
	MaxDaily   int            `json:"max_daily"`
	LastPostAt *time.Time     `json:"last_post_at,omitempty"`
}

type operatorErrorResponse struct {
	Category model.Category `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Action   string         `json:"action"`
}

type statusResponse struct {
	City           string                  `json:"city"`
	GeneratedAt    time.Time               `json:"generated_at"`
	Quota          []quotaResponse         `json:"quota"`
	Cycles         []pipeline.CycleReport  `json:"cycles"`
	OperatorErrors []operatorErrorResponse `json:"operator_errors"`
}

type postResponse struct {
	ID             string         `json:"id"`
	Category       model.Category `json:"category"`
	Fingerprint    string         `json:"fingerprint"`
	Platform       string         `json:"platform"`
	Outcome        model.Outcome  `json:"outcome"`
	Attempts       int            `json:"attempts"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ContentPreview string         `json:"content_preview"`
	PostedAt       time.Time      `json:"posted_at"`
}

type postListResponse struct {
	Posts []postResponse `json:"posts"`
}

// StatusHandler はパイプライン状態と投稿履歴のHTTPハンドラー。
type StatusHandler struct {
	city    string
	quota   QuotaStatus
	reports ReportSource
	posts   PostLister
	logger  *slog.Logger
	now     func() time.Time
}

// NewStatusHandler はStatusHandlerを生成する。
func NewStatusHandler(city string, quota QuotaStatus, reports ReportSource, posts PostLister, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		city:    city,
		quota:   quota,
		reports: reports,
		posts:   posts,
		logger:  logger,
		now:     time.Now,
	}
}

// Status はカテゴリ別の投稿カウンタと直近のサイクル結果を返す。
// GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	states, err := h.quota.Snapshot(r.Context(), h.now())
	if err != nil {
		h.handleError(w, r, model.NewStoreUnavailableError(err))
		return
	}

	resp := statusResponse{
		City:           h.city,
		GeneratedAt:    h.now().UTC(),
		Quota:          make([]quotaResponse, 0, len(states)),
		Cycles:         []pipeline.CycleReport{},
		OperatorErrors: []operatorErrorResponse{},
	}
	for _, s := range states {
		resp.Quota = append(resp.Quota, quotaResponse{
			Category:   s.Category,
			Day:        s.Day,
			PostsToday: s.PostsToday,
			MaxDaily:   h.quota.Policy(s.Category).MaxDaily,
			LastPostAt: s.LastPostAt,
		})
	}

	if h.reports != nil {
		resp.Cycles = append(resp.Cycles, h.reports.Reports()...)
	}
	for _, c := range resp.Cycles {
		for _, opErr := range c.Operator {
			resp.OperatorErrors = append(resp.OperatorErrors, operatorErrorResponse{
				Category: c.Category,
				Code:     opErr.Code,
				Message:  opErr.Message,
				Action:   opErr.Action,
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListPosts は投稿履歴を新しい順に返す。
// GET /api/posts?limit=n
func (h *StatusHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	limit := defaultPostsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPostsLimit {
			h.handleError(w, r, model.NewInvalidParameterError("limit", "1から100の整数を指定してください"))
			return
		}
		limit = n
	}

	records, err := h.posts.ListRecent(r.Context(), h.city, limit)
	if err != nil {
		h.handleError(w, r, model.NewStoreUnavailableError(err))
		return
	}

	resp := postListResponse{Posts: make([]postResponse, 0, len(records))}
	for _, rec := range records {
		resp.Posts = append(resp.Posts, postResponse{
			ID:             rec.ID,
			Category:       rec.Category,
			Fingerprint:    rec.Fingerprint,
			Platform:       rec.Platform,
			Outcome:        rec.Outcome,
			Attempts:       rec.Attempts,
			ErrorCode:      rec.ErrorCode,
			ContentPreview: rec.ContentPreview,
			PostedAt:       rec.PostedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// NewHealthHandler はストアの疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func NewHealthHandler(ping func(ctx context.Context) error, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				logger.Error("ヘルスチェックに失敗しました",
					slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
					slog.String("error", err.Error()),
				)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleError はOperatorErrorを適切なHTTPステータスコードに変換して書き込む。
func (h *StatusHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var opErr *model.OperatorError
	if !errors.As(err, &opErr) {
		h.logger.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	status := statusForCode(opErr.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("リクエストの処理に失敗しました",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("code", opErr.Code),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteErrorResponse(w, status, opErr)
}

// statusForCode はエラーコードからHTTPステータスコードにマッピングする。
func statusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalidParameter:
		return http.StatusBadRequest
	case model.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
