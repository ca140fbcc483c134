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
// ゲートウェイとオーケストレーターから利用する。
type MetricsCollector interface {
	RecordAPIRequest(method string, statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordAuthFailure()
	RecordCacheRollback(resource string)
	RecordCheckoutOutcome(outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	apiRequests    *prometheus.CounterVec
	requestLatency prometheus.Histogram
	authFailures   prometheus.Counter
	cacheRollbacks *prometheus.CounterVec
	checkouts      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_api_requests_total",
			Help: "外部APIリクエストのメソッド・ステータスコード別合計数",
		}, []string{"method", "status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricewatch_api_request_latency_seconds",
			Help:    "外部APIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricewatch_auth_failures_total",
			Help: "401/403による資格情報破棄の合計数",
		}),
		cacheRollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_cache_rollbacks_total",
			Help: "楽観的ミューテーションのロールバック回数（リソース別）",
		}, []string{"resource"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_checkout_total",
			Help: "チェックアウトの結果別合計数",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.apiRequests,
		c.requestLatency,
		c.authFailures,
		c.cacheRollbacks,
		c.checkouts,
	)

	return c
}

// RecordAPIRequest は外部APIリクエストの完了を記録する。
func (c *Collector) RecordAPIRequest(method string, statusCode int) {
	c.apiRequests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordAuthFailure は認証失敗による資格情報破棄を記録する。
func (c *Collector) RecordAuthFailure() {
	c.authFailures.Inc()
}

// RecordCacheRollback は楽観的ミューテーションのロールバックを記録する。
func (c *Collector) RecordCacheRollback(resource string) {
	c.cacheRollbacks.WithLabelValues(resource).Inc()
}

// RecordCheckoutOutcome はチェックアウトの結果を記録する。
// outcomeには completed / payment_failed / post_payment_failed 等を渡す。
func (c *Collector) RecordCheckoutOutcome(outcome string) {
	c.checkouts.WithLabelValues(outcome).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// デバッグ用リスナー（METRICS_ADDR）で使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector。
// メトリクスが無効な構成やテストで使用する。
type NopCollector struct{}

func (NopCollector) RecordAPIRequest(method string, statusCode int) {}
func (NopCollector) RecordRequestLatency(duration time.Duration)   {}
func (NopCollector) RecordAuthFailure()                            {}
func (NopCollector) RecordCacheRollback(resource string)           {}
func (NopCollector) RecordCheckoutOutcome(outcome string)          {}
