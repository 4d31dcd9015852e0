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
// 認証状態機械やHTTP層から利用する。
type MetricsCollector interface {
	RecordTransition(from, to string)
	RecordGatewayCall(op string, kind string, duration time.Duration)
	RecordVerificationSent()
	RecordHTTPStatus(statusCode int)
	SetActiveMachines(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	transitions      *prometheus.CounterVec
	gatewayCalls     *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	verificationSent prometheus.Counter
	httpStatus       *prometheus.CounterVec
	activeMachines   prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expenseman_auth_transitions_total",
			Help: "認証状態の遷移数",
		}, []string{"from", "to"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expenseman_gateway_calls_total",
			Help: "IdP呼び出しの操作・結果別の合計数",
		}, []string{"op", "result"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "expenseman_gateway_latency_seconds",
			Help:    "IdP呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		verificationSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expenseman_verification_emails_sent_total",
			Help: "送信した確認メールの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expenseman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		activeMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expenseman_active_auth_machines",
			Help: "メモリ上の認証状態機械の数",
		}),
	}

	reg.MustRegister(
		c.transitions,
		c.gatewayCalls,
		c.gatewayLatency,
		c.verificationSent,
		c.httpStatus,
		c.activeMachines,
	)

	return c
}

// RecordTransition は状態遷移を記録する。
func (c *Collector) RecordTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

// RecordGatewayCall はIdP呼び出しの結果とレイテンシを記録する。
// kindは成功時に "ok"、失敗時はエラー分類名を渡す。
func (c *Collector) RecordGatewayCall(op string, kind string, duration time.Duration) {
	c.gatewayCalls.WithLabelValues(op, kind).Inc()
	c.gatewayLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordVerificationSent は確認メール送信を記録する。
func (c *Collector) RecordVerificationSent() {
	c.verificationSent.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetActiveMachines はメモリ上の状態機械数を設定する。
func (c *Collector) SetActiveMachines(n int) {
	c.activeMachines.Set(float64(n))
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordTransition(string, string) {}
func (Nop) RecordGatewayCall(string, string, time.Duration) {}
func (Nop) RecordVerificationSent() {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) SetActiveMachines(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
