// Package metrics exposes the coordination engine's Prometheus collectors.
//
// A nil *Collector is valid and records nothing, so components can take one
// as an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mosaic"

// Outcome label values.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeTimeout     = "timeout"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeFallback    = "fallback"
)

// Collector owns a private registry and the engine's metric vectors.
type Collector struct {
	registry *prometheus.Registry

	coordinations *prometheus.CounterVec
	agentCalls    *prometheus.CounterVec
	agentLatency  *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
	alerts        *prometheus.CounterVec
	healthScore   *prometheus.GaugeVec
	routed        *prometheus.CounterVec
	orchestration *prometheus.HistogramVec
}

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		coordinations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinations_total",
			Help:      "Coordination calls by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		agentCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Agent invocations by agent and outcome.",
		}, []string{"agent", "outcome"}),
		agentLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_latency_seconds",
			Help:      "Agent invocation latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"agent"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per agent (0=closed, 1=half-open, 2=open).",
		}, []string{"agent"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Performance alerts raised by severity.",
		}, []string{"severity"}),
		healthScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_health_score",
			Help:      "Rolling agent health score (0-100).",
		}, []string{"agent"}),
		routed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by selected agent.",
		}, []string{"agent"}),
		orchestration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_duration_seconds",
			Help:      "End-to-end orchestrate latency by urgency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"urgency"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveCoordination counts one coordination call.
func (c *Collector) ObserveCoordination(strategy string, success bool) {
	if c == nil {
		return
	}
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeFailure
	}
	c.coordinations.WithLabelValues(strategy, outcome).Inc()
}

// ObserveAgentCall counts one agent invocation and records its latency.
func (c *Collector) ObserveAgentCall(agentID, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.agentCalls.WithLabelValues(agentID, outcome).Inc()
	if outcome != OutcomeCircuitOpen {
		c.agentLatency.WithLabelValues(agentID).Observe(d.Seconds())
	}
}

// SetBreakerState publishes a breaker state (0 closed, 1 half-open, 2 open).
func (c *Collector) SetBreakerState(agentID string, state float64) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(agentID).Set(state)
}

// IncAlert counts a raised alert.
func (c *Collector) IncAlert(severity string) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(severity).Inc()
}

// SetHealthScore publishes an agent's health score.
func (c *Collector) SetHealthScore(agentID string, score float64) {
	if c == nil {
		return
	}
	c.healthScore.WithLabelValues(agentID).Set(score)
}

// IncRouted counts a routing decision for the selected agent.
func (c *Collector) IncRouted(agentID string) {
	if c == nil {
		return
	}
	c.routed.WithLabelValues(agentID).Inc()
}

// ObserveOrchestration records end-to-end orchestrate latency.
func (c *Collector) ObserveOrchestration(urgency string, d time.Duration) {
	if c == nil {
		return
	}
	c.orchestration.WithLabelValues(urgency).Observe(d.Seconds())
}
