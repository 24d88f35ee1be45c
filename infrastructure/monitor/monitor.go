package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。所有记录方法对 nil 接收者安全，
// 组件在未启用监控时可以直接传 nil。
type Monitor struct {
	registry *prometheus.Registry

	// 挂单指标
	submissions       *prometheus.CounterVec
	submissionLatency *prometheus.HistogramVec

	// 会话指标
	activeSessions  prometheus.Gauge
	requoteCycles   *prometheus.CounterVec
	sessionFailures prometheus.Counter
	quoteGeneration prometheus.Histogram

	// 行情指标
	oracleRequests *prometheus.CounterVec
	oracleLatency  prometheus.Histogram
	referencePrice *prometheus.GaugeVec
	wsConnections  prometheus.Counter
	wsDisconnects  prometheus.Counter

	// 接口指标
	httpRequests *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mm",
		Subsystem: "quoting",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,

		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ledger_submissions_total",
			Help:      "账本提交次数，按操作类型与分类结果",
		}, []string{"kind", "outcome"}),
		submissionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ledger_submission_seconds",
			Help:      "加载账户到提交完成的耗时（秒）",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"kind"}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "active_sessions",
			Help:      "当前报价会话数",
		}),
		requoteCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "requote_cycles_total",
			Help:      "重报价周期，按结果(ok/error/skipped/price_error)",
		}, []string{"result"}),
		sessionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_failures_total",
			Help:      "会话周期失败总数",
		}),
		quoteGeneration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "quote_generation",
			Help:      "提交时的报价代数",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 10, 20},
		}),

		oracleRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "oracle_requests_total",
			Help:      "参考价查询，按来源(cache/rest/stream)与结果",
		}, []string{"source", "result"}),
		oracleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "oracle_rest_seconds",
			Help:      "REST 参考价请求耗时（秒）",
			Buckets:   prometheus.DefBuckets,
		}),
		referencePrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "reference_price",
			Help:      "最近一次参考价",
		}, []string{"symbol"}),
		wsConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_connections_total",
			Help:      "WebSocket连接次数",
		}),
		wsDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_disconnects_total",
			Help:      "WebSocket断开次数",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "http_requests_total",
			Help:      "HTTP 请求，按路由与状态码",
		}, []string{"route", "code"}),
	}
}

// RecordSubmission 记录一次账本提交。outcome 为分类结果或 "error"。
func (m *Monitor) RecordSubmission(kind, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(kind, outcome).Inc()
	m.submissionLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func (m *Monitor) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Monitor) RecordRequoteCycle(result string) {
	if m == nil {
		return
	}
	m.requoteCycles.WithLabelValues(result).Inc()
}

func (m *Monitor) RecordSessionFailure() {
	if m == nil {
		return
	}
	m.sessionFailures.Inc()
}

func (m *Monitor) RecordQuoteGeneration(gen int) {
	if m == nil {
		return
	}
	m.quoteGeneration.Observe(float64(gen))
}

// 行情相关方法
func (m *Monitor) RecordOracleRequest(source, result string) {
	if m == nil {
		return
	}
	m.oracleRequests.WithLabelValues(source, result).Inc()
}

func (m *Monitor) RecordOracleLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.oracleLatency.Observe(d.Seconds())
}

func (m *Monitor) UpdateReferencePrice(symbol string, price float64) {
	if m == nil {
		return
	}
	m.referencePrice.WithLabelValues(symbol).Set(price)
}

func (m *Monitor) RecordWSConnection() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	if m == nil {
		return
	}
	m.wsDisconnects.Inc()
}

func (m *Monitor) RecordHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
