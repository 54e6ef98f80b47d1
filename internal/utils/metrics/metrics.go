package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Reconciliation metrics
	SweepsTotal          *prometheus.CounterVec
	SweepDuration        *prometheus.HistogramVec
	TasksDispatchedTotal *prometheus.CounterVec
	VerificationsTotal   *prometheus.CounterVec
	InvoiceTransitions   *prometheus.CounterVec
	EscalationsTotal     prometheus.Counter

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Gateway metrics
	GatewayCallsTotal  *prometheus.CounterVec
	GatewayCallSeconds *prometheus.HistogramVec
}

// New creates a new Metrics instance registered on the default registry.
func New(namespace string) *Metrics {
	return NewWith(namespace, prometheus.DefaultRegisterer)
}

// NewWith creates a new Metrics instance registered on the given registerer.
// Tests pass a fresh registry to avoid duplicate registration.
func NewWith(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "blockcart"
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		SweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "sweeps_total",
				Help:      "Total number of reconciliation sweeps",
			},
			[]string{"sweep", "status"},
		),
		SweepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "sweep_duration_seconds",
				Help:      "Reconciliation sweep duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sweep"},
		),
		TasksDispatchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "tasks_dispatched_total",
				Help:      "Verification tasks dispatched by sweep",
			},
			[]string{"sweep"},
		),
		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "verifications_total",
				Help:      "Verification task outcomes",
			},
			[]string{"result"},
		),
		InvoiceTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "invoice",
				Name:      "transitions_total",
				Help:      "Invoice status transitions applied",
			},
			[]string{"from", "to"},
		),
		EscalationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "escalations_total",
				Help:      "Verification tasks escalated after exhausting retries",
			},
		),

		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Webhook events received",
			},
			[]string{"provider", "status"},
		),

		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "calls_total",
				Help:      "Payment gateway calls",
			},
			[]string{"provider", "operation", "status"},
		),
		GatewayCallSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "call_duration_seconds",
				Help:      "Payment gateway call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
	}
}
