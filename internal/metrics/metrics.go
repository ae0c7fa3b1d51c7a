// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// パイプライン、ソースアダプタ、配信層から利用する。
type MetricsCollector interface {
	RecordCycle(category, result string)
	RecordFetchFailure(category, reason string)
	RecordFetchLatency(category string, duration time.Duration)
	RecordHTTPStatus(source string, statusCode int)
	RecordRejection(category, reason string)
	RecordDuplicate(category string)
	RecordQuotaDenied(category, reason string)
	RecordPost(platform, outcome string)
	RecordMapRenderFailure()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cycles       *prometheus.CounterVec
	fetchFail    *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	httpStatus   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	duplicates   *prometheus.CounterVec
	quotaDenied  *prometheus.CounterVec
	posts        *prometheus.CounterVec
	mapFailures  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citybot_cycles_total",
			Help: "カテゴリ別・結果別のサイクル実行数",
		}, []string{"category", "result"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citybot_fetch_fail_total",
			Help: "ソース取得失敗の合計数",
		}, []string{"category", "reason"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "citybot_fetch_latency_seconds",
			Help:    "ソース取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"category"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citybot_http_status_total",
			Help: "ソース別・HTTPステータスコード別のレスポンス数",
		}, []string{"source", "status_code"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citybot_rejections_total",
			Help: "関連性フィルタで不採用になった候補数",
		}, []string{"category", "reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citybot_duplicates_total",
			Help: "公開済みとして除外されたイベント数",
		}, []string{"category"}),
		quotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citybot_quota_denied_total",
			Help: "クォータにより見送られたイベント数",
		}, []string{"category", "reason"}),
		posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citybot_posts_total",
			Help: "プラットフォーム別・結果別の投稿数",
		}, []string{"platform", "outcome"}),
		mapFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citybot_map_render_fail_total",
			Help: "地図画像の生成失敗数",
		}),
	}

	reg.MustRegister(
		c.cycles,
		c.fetchFail,
		c.fetchLatency,
		c.httpStatus,
		c.rejections,
		c.duplicates,
		c.quotaDenied,
		c.posts,
		c.mapFailures,
	)

	return c
}

// RecordCycle はサイクルの実行結果を記録する。resultはok/fetch_failed/aborted/panic。
func (c *Collector) RecordCycle(category, result string) {
	c.cycles.WithLabelValues(category, result).Inc()
}

// RecordFetchFailure はソース取得失敗を記録する。
func (c *Collector) RecordFetchFailure(category, reason string) {
	c.fetchFail.WithLabelValues(category, reason).Inc()
}

// RecordFetchLatency はソース取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(category string, duration time.Duration) {
	c.fetchLatency.WithLabelValues(category).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(source string, statusCode int) {
	c.httpStatus.WithLabelValues(source, strconv.Itoa(statusCode)).Inc()
}

func (c *Collector) RecordRejection(category, reason string) {
	c.rejections.WithLabelValues(category, reason).Inc()
}

func (c *Collector) RecordDuplicate(category string) {
	c.duplicates.WithLabelValues(category).Inc()
}

func (c *Collector) RecordQuotaDenied(category, reason string) {
	c.quotaDenied.WithLabelValues(category, reason).Inc()
}

// RecordPost はプラットフォームへの配信結果を記録する。
func (c *Collector) RecordPost(platform, outcome string) {
	c.posts.WithLabelValues(platform, outcome).Inc()
}

func (c *Collector) RecordMapRenderFailure() {
	c.mapFailures.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
