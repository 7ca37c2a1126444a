// Package observability holds the Prometheus metrics collector, the
// OTel tracer setup, and the readiness checker. Everything is injected;
// nothing registers globally.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the sandbox
// manager, registered on a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Lifecycle metrics.
	AcquiresTotal   *prometheus.CounterVec
	AcquireDuration *prometheus.HistogramVec
	ReleasesTotal   *prometheus.CounterVec

	// Pool metrics.
	PoolWarm        *prometheus.GaugeVec
	PoolMissesTotal *prometheus.CounterVec
	FillFailures    *prometheus.CounterVec

	// Provisioning metrics.
	ProvisionDuration *prometheus.HistogramVec

	// Port metrics.
	PortsOccupied prometheus.Gauge

	// Sweep metrics.
	SweepReclaimedTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a collector with all metrics registered.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		AcquiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "lifecycle",
			Name:      "acquires_total",
			Help:      "Sandbox acquire requests.",
		}, []string{"type", "status"}),

		AcquireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "lifecycle",
			Name:      "acquire_duration_seconds",
			Help:      "Acquire latency, pool hits and misses alike.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 15, 30},
		}, []string{"type"}),

		ReleasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "lifecycle",
			Name:      "releases_total",
			Help:      "Sandbox releases by outcome.",
		}, []string{"mode"}), // mode: recycled|destroyed|noop|swept

		PoolWarm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "warm_instances",
			Help:      "Warm instances currently pooled per type.",
		}, []string{"type"}),

		PoolMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "misses_total",
			Help:      "Takes that fell through to a synchronous create.",
		}, []string{"type"}),

		FillFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "fill_failures_total",
			Help:      "Background fill attempts that failed.",
		}, []string{"type"}),

		ProvisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "backend",
			Name:      "provision_duration_seconds",
			Help:      "Container create+start duration.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"type"}),

		PortsOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "ports",
			Name:      "occupied",
			Help:      "Ports currently reserved by this deployment.",
		}),

		SweepReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "lifecycle",
			Name:      "sweep_reclaimed_total",
			Help:      "Instances force-released by the idle sweep.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests to the management API.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Management API request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight management API requests.",
		}),
	}

	reg.MustRegister(
		m.AcquiresTotal,
		m.AcquireDuration,
		m.ReleasesTotal,
		m.PoolWarm,
		m.PoolMissesTotal,
		m.FillFailures,
		m.ProvisionDuration,
		m.PortsOccupied,
		m.SweepReclaimedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)
	return m
}
