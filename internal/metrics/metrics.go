package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	credits      *prometheus.CounterVec
	conflicts    prometheus.Counter
	httpRequests *prometheus.CounterVec
	quotaDenied  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slidecredit",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "slidecredit",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Duration of ledger operations including retries.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"operation"},
		),
		credits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slidecredit",
				Subsystem: "ledger",
				Name:      "credits_total",
				Help:      "Credits moved, by entry kind and direction.",
			},
			[]string{"kind", "direction"},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "slidecredit",
				Subsystem: "ledger",
				Name:      "conflicts_total",
				Help:      "Concurrent update conflicts seen by the ledger.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slidecredit",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests handled.",
			},
			[]string{"method", "route", "status"},
		),
		quotaDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "slidecredit",
				Subsystem: "quota",
				Name:      "denied_total",
				Help:      "Requests rejected by plan quotas.",
			},
			[]string{"category"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations,
		m.duration,
		m.credits,
		m.conflicts,
		m.httpRequests,
		m.quotaDenied,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) CountCredits(kind string, change int64) {
	if m == nil || change == 0 {
		return
	}
	direction := "credit"
	if change < 0 {
		direction = "debit"
		change = -change
	}
	m.credits.WithLabelValues(kind, direction).Add(float64(change))
}

func (m *Metrics) CountConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) CountHTTP(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) CountQuotaDenied(category string) {
	if m == nil {
		return
	}
	m.quotaDenied.WithLabelValues(category).Inc()
}
