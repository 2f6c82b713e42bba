package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/core/service"
)

const namespace = "inventory"

var healthLevels = []service.HealthStatus{service.HealthHealthy, service.HealthWarning, service.HealthCritical}

// Metrics is the Prometheus Recorder. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	deductions    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	coverage      *prometheus.GaugeVec
	health        *prometheus.GaugeVec
	queueOpen     *prometheus.GaugeVec
	negativeStock *prometheus.GaugeVec
}

var _ service.Recorder = (*Metrics)(nil)

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deductions_total",
			Help:      "Deduction requests by outcome.",
		}, []string{"store_id", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deduction_duration_seconds",
			Help:      "Time spent applying a deduction, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deduction_retries_total",
			Help:      "Optimistic lock retries.",
		}, []string{"store_id"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_transitions_total",
			Help:      "Queued deduction status changes by target status.",
		}, []string{"store_id", "status"}),
		coverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deduction_coverage_ratio",
			Help:      "Share of recent transactions that reached the ledger.",
		}, []string{"store_id"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_health",
			Help:      "1 for the current health status of a store, 0 otherwise.",
		}, []string{"store_id", "status"}),
		queueOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_open",
			Help:      "Queued deductions awaiting sync or approval.",
		}, []string{"store_id", "status"}),
		negativeStock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "negative_stock_items",
			Help:      "Items whose quantity is below zero.",
		}, []string{"store_id"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deductions, m.latency, m.retries, m.transitions,
		m.coverage, m.health, m.queueOpen, m.negativeStock,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) DeductionCompleted(storeID, outcome string, elapsed time.Duration) {
	m.deductions.WithLabelValues(storeID, outcome).Inc()
	m.latency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) DeductionRetried(storeID string) {
	m.retries.WithLabelValues(storeID).Inc()
}

func (m *Metrics) QueueTransitioned(storeID string, to domain.QueueStatus) {
	m.transitions.WithLabelValues(storeID, string(to)).Inc()
}

func (m *Metrics) HealthSampled(r service.HealthReport) {
	m.coverage.WithLabelValues(r.StoreID).Set(r.Coverage)
	for _, level := range healthLevels {
		v := 0.0
		if level == r.Status {
			v = 1
		}
		m.health.WithLabelValues(r.StoreID, string(level)).Set(v)
	}
	for _, st := range []domain.QueueStatus{domain.QueueStatusPending, domain.QueueStatusInsufficientStock} {
		m.queueOpen.WithLabelValues(r.StoreID, string(st)).Set(float64(r.Queue[st]))
	}
	m.negativeStock.WithLabelValues(r.StoreID).Set(float64(r.NegativeStock))
}
