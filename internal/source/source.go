// Package source は外部データソース（NWS, USGS, RSS/Atom）から候補を取得するアダプタを提供する。
//
// アダプタは関連性の判定を行わず、取得した全件をmodel.RawItemとして返す。
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/citybot/internal/metrics"
	"github.com/hitoshi/citybot/internal/model"
)

// Adapter はカテゴリごとのデータ取得インターフェース。
// エラーはErrSourceUnavailable / ErrSourceRateLimited / ErrMalformedResponse のいずれかをラップする。
type Adapter interface {
	Category() model.Category
	Fetch(ctx context.Context, profile *model.CityProfile) ([]model.RawItem, error)
}

const (
	// DefaultUserAgent はソースへのリクエストに付けるUser-Agent。
	DefaultUserAgent = "citybot/1.0 (+https://github.com/hitoshi/citybot)"
	// DefaultMaxBodySize はレスポンスボディの最大サイズ（5MB）。
	DefaultMaxBodySize int64 = 5 * 1024 * 1024
	// defaultRequestInterval はアダプタごとのリクエスト間隔の下限。
	defaultRequestInterval = 500 * time.Millisecond
	defaultRequestBurst    = 4
)

// Options はアダプタ共通の設定。
type Options struct {
	Client      *http.Client
	UserAgent   string
	MaxBodySize int64
	// Limiter がnilの場合はアダプタごとに既定のリミッタを生成する。
	Limiter *rate.Limiter
	Metrics metrics.MetricsCollector
	Logger  *slog.Logger
}

// httpSource はHTTP取得の共通処理。
type httpSource struct {
	name      string
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	maxBody   int64
	metrics   metrics.MetricsCollector
}

func newHTTPSource(name string, opts Options) *httpSource {
	s := &httpSource{
		name:      name,
		client:    opts.Client,
		limiter:   opts.Limiter,
		userAgent: opts.UserAgent,
		maxBody:   opts.MaxBodySize,
		metrics:   opts.Metrics,
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 15 * time.Second}
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Every(defaultRequestInterval), defaultRequestBurst)
	}
	if s.userAgent == "" {
		s.userAgent = DefaultUserAgent
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodySize
	}
	return s
}

// response はステータス判定済みのレスポンス。
type response struct {
	status int
	header http.Header
	body   []byte
}

// notModified は条件付きGETで更新がなかったかを返す。
func (r *response) notModified() bool {
	return r.status == http.StatusNotModified
}

// get はGETリクエストを送信する。200と304以外のステータスはエラーとして返す。
func (s *httpSource) get(ctx context.Context, category model.Category, rawURL, accept string, header http.Header) (*response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: rate limiter: %w", model.ErrSourceUnavailable, s.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: リクエスト作成に失敗: %w", model.ErrSourceUnavailable, s.name, err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if s.metrics != nil {
		s.metrics.RecordFetchLatency(string(category), time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: HTTPリクエスト失敗: %w", model.ErrSourceUnavailable, s.name, err)
	}
	defer resp.Body.Close()

	if s.metrics != nil {
		s.metrics.RecordHTTPStatus(s.name, resp.StatusCode)
	}

	if err := StatusError(s.name, resp.StatusCode); err != nil {
		return nil, err
	}

	out := &response{status: resp.StatusCode, header: resp.Header}
	if out.notModified() {
		return out, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: レスポンス読み取り失敗: %w", model.ErrSourceUnavailable, s.name, err)
	}
	if int64(len(body)) > s.maxBody {
		return nil, fmt.Errorf("%w: %s: response exceeds %d bytes", model.ErrMalformedResponse, s.name, s.maxBody)
	}
	out.body = body
	return out, nil
}
