package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settings node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Flag transaction metrics
	TransactionsTotal     *prometheus.CounterVec
	NoopRequestsTotal     prometheus.Counter
	RejectedRequestsTotal prometheus.Counter
	QueuedRequests        prometheus.Gauge
	InFlightTransactions  prometheus.Gauge
	ReconcileDuration     prometheus.Histogram

	// Store metrics
	StoreOperationsTotal *prometheus.CounterVec

	// Upstream metrics
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		TransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "settingsd",
			Subsystem:   "updater",
			Name:        "transactions_total",
			Help:        "Total number of finished flag transactions by outcome",
			ConstLabels: labels,
		}, []string{"key", "outcome"}),
		NoopRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "settingsd",
			Subsystem:   "updater",
			Name:        "noop_requests_total",
			Help:        "Total number of change requests that matched the stored value",
			ConstLabels: labels,
		}),
		RejectedRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "settingsd",
			Subsystem:   "updater",
			Name:        "rejected_requests_total",
			Help:        "Total number of change requests rejected because a change was pending",
			ConstLabels: labels,
		}),
		QueuedRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "settingsd",
			Subsystem:   "updater",
			Name:        "queued_requests",
			Help:        "Number of change requests waiting behind a pending transaction",
			ConstLabels: labels,
		}),
		InFlightTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "settingsd",
			Subsystem:   "updater",
			Name:        "in_flight_transactions",
			Help:        "Number of transactions waiting for reconciliation",
			ConstLabels: labels,
		}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "settingsd",
			Subsystem:   "updater",
			Name:        "reconcile_duration_seconds",
			Help:        "Histogram of reconciliation durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}),
		StoreOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "settingsd",
			Subsystem:   "store",
			Name:        "operations_total",
			Help:        "Total number of flag store operations by op and status",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		UpstreamRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "settingsd",
			Subsystem:   "upstream",
			Name:        "requests_total",
			Help:        "Total number of upstream calls by service, operation and status",
			ConstLabels: labels,
		}, []string{"service", "operation", "status"}),
		UpstreamRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "settingsd",
			Subsystem:   "upstream",
			Name:        "request_duration_seconds",
			Help:        "Histogram of upstream call durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"service", "operation"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "settingsd",
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "settingsd",
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "Histogram of HTTP request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// RecordTransaction records a finished transaction
func (m *Metrics) RecordTransaction(key, outcome string) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(key, outcome).Inc()
}

// RecordNoop records a change request that needed no write
func (m *Metrics) RecordNoop() {
	if m == nil {
		return
	}
	m.NoopRequestsTotal.Inc()
}

// RecordRejected records a change request rejected by the pending policy
func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.RejectedRequestsTotal.Inc()
}

// AddQueued adjusts the queued request gauge
func (m *Metrics) AddQueued(delta int) {
	if m == nil {
		return
	}
	m.QueuedRequests.Add(float64(delta))
}

// AddInFlight adjusts the in-flight transaction gauge
func (m *Metrics) AddInFlight(delta int) {
	if m == nil {
		return
	}
	m.InFlightTransactions.Add(float64(delta))
}

// RecordReconcile records how long a reconciliation took
func (m *Metrics) RecordReconcile(duration float64) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(duration)
}

// RecordStoreOperation records a flag store call
func (m *Metrics) RecordStoreOperation(op string, err error) {
	if m == nil {
		return
	}
	m.StoreOperationsTotal.WithLabelValues(op, statusLabel(err)).Inc()
}

// RecordUpstream records an upstream call
func (m *Metrics) RecordUpstream(service, operation string, duration float64, err error) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(service, operation, statusLabel(err)).Inc()
	m.UpstreamRequestDuration.WithLabelValues(service, operation).Observe(duration)
}

// RecordHTTPRequest records a served HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
