package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors of the broker. Every method is a
// no-op on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	ProviderRetriesTotal    *prometheus.CounterVec

	CallsTotal                *prometheus.CounterVec
	StreamCancellationsTotal  *prometheus.CounterVec
	SettlementsTotal          *prometheus.CounterVec
	CreditTransactionsTotal   *prometheus.CounterVec
	RateLimitRejectionsTotal  prometheus.Counter
	AuditExportsTotal         *prometheus.CounterVec
	AuditQueueDepth           prometheus.Gauge
	ServerStartTime           prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		ProviderRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_provider_requests_total",
			Help: "Total number of provider invocations by outcome.",
		}, []string{"provider", "outcome"}),

		ProviderRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_provider_request_duration_seconds",
			Help:    "Provider invocation duration in seconds, including retries.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),

		ProviderRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_provider_retries_total",
			Help: "Total number of retried provider requests.",
		}, []string{"provider"}),

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_calls_total",
			Help: "Total number of recorded calls.",
		}, []string{"provider", "status", "streamed"}),

		StreamCancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_stream_cancellations_total",
			Help: "Total number of streams cancelled by the client.",
		}, []string{"provider"}),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_settlements_total",
			Help: "Total number of job settlements by result.",
		}, []string{"result"}),

		CreditTransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_credit_transactions_total",
			Help: "Total number of credit transactions by kind.",
		}, []string{"kind"}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_ratelimit_rejections_total",
			Help: "Total number of calls rejected by the per-team rate limit.",
		}),

		AuditExportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_audit_exports_total",
			Help: "Total number of exported audit records by status.",
		}, []string{"status"}),

		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_audit_queue_depth",
			Help: "Number of audit records waiting for export.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.ProviderRetriesTotal,
		m.CallsTotal,
		m.StreamCancellationsTotal,
		m.SettlementsTotal,
		m.CreditTransactionsTotal,
		m.RateLimitRejectionsTotal,
		m.AuditExportsTotal,
		m.AuditQueueDepth,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterDBStats exposes connection pool statistics of db.
func (m *Metrics) RegisterDBStats(db *sql.DB) {
	if m == nil {
		return
	}
	m.registry.MustRegister(collectors.NewDBStatsCollector(db, "broker"))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveProviderRequest records a provider invocation.
func (m *Metrics) ObserveProviderRequest(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, outcome).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// IncProviderRetry increments the retry counter of a provider.
func (m *Metrics) IncProviderRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetriesTotal.WithLabelValues(provider).Inc()
}

// IncCall counts a recorded call.
func (m *Metrics) IncCall(provider string, succeeded, streamed bool) {
	if m == nil {
		return
	}
	status := "success"
	if !succeeded {
		status = "failed"
	}
	m.CallsTotal.WithLabelValues(provider, status, strconv.FormatBool(streamed)).Inc()
}

// IncStreamCancellation counts a client-cancelled stream.
func (m *Metrics) IncStreamCancellation(provider string) {
	if m == nil {
		return
	}
	m.StreamCancellationsTotal.WithLabelValues(provider).Inc()
}

// IncSettlement counts a settlement result: applied, not_applied or rejected.
func (m *Metrics) IncSettlement(result string) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(result).Inc()
}

// IncCreditTransaction counts a written credit transaction.
func (m *Metrics) IncCreditTransaction(kind string) {
	if m == nil {
		return
	}
	m.CreditTransactionsTotal.WithLabelValues(kind).Inc()
}

// IncRateLimitRejection counts a call rejected by the rate limiter.
func (m *Metrics) IncRateLimitRejection() {
	if m == nil {
		return
	}
	m.RateLimitRejectionsTotal.Inc()
}

// IncAuditExport counts exported (or dead-lettered) audit records.
func (m *Metrics) IncAuditExport(status string, n int) {
	if m == nil {
		return
	}
	m.AuditExportsTotal.WithLabelValues(status).Add(float64(n))
}

// SetAuditQueueDepth records the audit queue length.
func (m *Metrics) SetAuditQueueDepth(n int) {
	if m == nil {
		return
	}
	m.AuditQueueDepth.Set(float64(n))
}
