package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups the scheduling metrics. A nil *Collector is valid and
// records nothing, so the engine can run without metrics in tests.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	AppointmentsTotal  *prometheus.CounterVec
	ConflictsTotal     *prometheus.CounterVec
	AuditFailuresTotal prometheus.Counter
	LockWait           *prometheus.HistogramVec
}

func NewCollector(serviceName string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		InFlightGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		AppointmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "scheduling",
			Name:      "appointments_total",
			Help:      "Scheduling operations by action and outcome.",
		}, []string{"action", "outcome"}),

		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "scheduling",
			Name:      "conflicts_total",
			Help:      "Booking attempts rejected because a resource was occupied.",
		}, []string{"resource"}),

		AuditFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "audit",
			Name:      "failures_total",
			Help:      "Audit records that could not be written. Alert if non-zero.",
		}),

		LockWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "scheduling",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for resource locks.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 3.0},
		}, []string{"operation"}),
	}
}

func (c *Collector) ObserveOperation(action, outcome string) {
	if c == nil {
		return
	}
	c.AppointmentsTotal.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) ObserveConflict(resource string) {
	if c == nil {
		return
	}
	c.ConflictsTotal.WithLabelValues(resource).Inc()
}

func (c *Collector) ObserveAuditFailure() {
	if c == nil {
		return
	}
	c.AuditFailuresTotal.Inc()
}

func (c *Collector) ObserveLockWait(operation string, d time.Duration) {
	if c == nil {
		return
	}
	c.LockWait.WithLabelValues(operation).Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
