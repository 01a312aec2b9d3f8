package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the station-level metrics every workflow shares
type Metrics struct {
	DeploymentsStarted  *prometheus.CounterVec
	DeploymentsFinished *prometheus.CounterVec
	ChannelEvents       *prometheus.CounterVec
	ChannelReconnects   prometheus.Counter
	ChannelsActive      prometheus.Gauge
	ResolverOutcomes    *prometheus.CounterVec
	FixPrompts          *prometheus.CounterVec
	BackendDuration     *prometheus.HistogramVec
	HealthCheckStatus   *prometheus.GaugeVec
	ErrorsTotal         *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all station metrics
func NewMetrics() *Metrics {
	return &Metrics{
		DeploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "provstation",
				Subsystem: "deployments",
				Name:      "started_total",
				Help:      "Total number of deployment attempts submitted",
			},
			[]string{"solution", "device_type"},
		),

		DeploymentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "provstation",
				Subsystem: "deployments",
				Name:      "finished_total",
				Help:      "Total number of deployments reaching a terminal status",
			},
			[]string{"solution", "device_type", "status"},
		),

		ChannelEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "provstation",
				Subsystem: "channel",
				Name:      "events_total",
				Help:      "Total event channel messages received by type",
			},
			[]string{"type"},
		),

		ChannelReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "provstation",
				Subsystem: "channel",
				Name:      "reconnects_total",
				Help:      "Total number of event channel reconnection attempts",
			},
		),

		ChannelsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "provstation",
				Subsystem: "channel",
				Name:      "active",
				Help:      "Number of open event channels",
			},
		),

		ResolverOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "provstation",
				Subsystem: "resolver",
				Name:      "outcomes_total",
				Help:      "Connection resolution outcomes by strategy",
			},
			[]string{"strategy", "outcome"},
		),

		FixPrompts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "provstation",
				Subsystem: "autofix",
				Name:      "prompts_total",
				Help:      "Remediation prompts by fix action and user decision",
			},
			[]string{"fix_action", "decision"},
		),

		BackendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "provstation",
				Subsystem: "backend",
				Name:      "request_duration_seconds",
				Help:      "Backend request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "provstation",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "provstation",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),
	}
}

// RecordDeploymentStarted increments the started counter
func (c *Metrics) RecordDeploymentStarted(solution, deviceType string) {
	c.DeploymentsStarted.WithLabelValues(solution, deviceType).Inc()
}

// RecordDeploymentFinished increments the finished counter with its terminal
// status
func (c *Metrics) RecordDeploymentFinished(solution, deviceType, status string) {
	c.DeploymentsFinished.WithLabelValues(solution, deviceType, status).Inc()
}

// RecordChannelEvent increments the per-type event counter
func (c *Metrics) RecordChannelEvent(eventType string) {
	c.ChannelEvents.WithLabelValues(eventType).Inc()
}

// RecordChannelReconnect increments the reconnection counter
func (c *Metrics) RecordChannelReconnect() {
	c.ChannelReconnects.Inc()
}

// RecordChannelOpen adjusts the active channel gauge
func (c *Metrics) RecordChannelOpen(open bool) {
	if open {
		c.ChannelsActive.Inc()
	} else {
		c.ChannelsActive.Dec()
	}
}

// RecordResolverOutcome increments the resolution outcome counter
func (c *Metrics) RecordResolverOutcome(strategy, outcome string) {
	c.ResolverOutcomes.WithLabelValues(strategy, outcome).Inc()
}

// RecordFixPrompt increments the remediation prompt counter
func (c *Metrics) RecordFixPrompt(fixAction, decision string) {
	c.FixPrompts.WithLabelValues(fixAction, decision).Inc()
}

// RecordBackendDuration records one backend request's duration
func (c *Metrics) RecordBackendDuration(endpoint string, duration time.Duration) {
	c.BackendDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}
