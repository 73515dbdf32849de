package config

import (
	"fmt"
	"math"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateMetrics(cfg, ve)
	validateBreaker(cfg, ve)
	validateCoordination(cfg, ve)
	validateRouting(cfg, ve)
	validateMonitor(cfg, ve)
	validateBus(cfg, ve)
	validateStore(cfg, ve)
	validateScheduler(cfg, ve)
	validateAgents(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogFormats = map[string]bool{"": true, "text": true, "json": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if !cfg.Metrics.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		ve.Add("metrics.addr %q is not a valid host:port", cfg.Metrics.Addr)
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path must start with /")
	}
}

func validateBreaker(cfg *Config, ve *ValidationError) {
	if cfg.Breaker.FailureThreshold <= 0 {
		ve.Add("breaker.failure_threshold must be > 0")
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		ve.Add("breaker.success_threshold must be > 0")
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		ve.Add("breaker.open_timeout must be > 0")
	}
}

func validateCoordination(cfg *Config, ve *ValidationError) {
	c := cfg.Coordination
	if c.AgentTimeout <= 0 {
		ve.Add("coordination.agent_timeout must be > 0")
	}
	if c.CrisisTimeout <= 0 {
		ve.Add("coordination.crisis_timeout must be > 0")
	}
	if c.CrisisTimeout > c.AgentTimeout && c.AgentTimeout > 0 {
		ve.Add("coordination.crisis_timeout must not exceed coordination.agent_timeout")
	}
	if c.ConsensusThreshold <= 0 || c.ConsensusThreshold > 1 {
		ve.Add("coordination.consensus_threshold must be in (0, 1]")
	}
	if c.HighConfidence < 0 || c.HighConfidence > 1 {
		ve.Add("coordination.high_confidence must be in [0, 1]")
	}
	if c.MaxSupporting < 0 {
		ve.Add("coordination.max_supporting must be >= 0")
	}
	if c.CrisisAgentID == "" {
		ve.Add("coordination.crisis_agent_id must not be empty")
	}
}

func validateRouting(cfg *Config, ve *ValidationError) {
	w := cfg.Routing.Weights
	for name, v := range map[string]float64{
		"cultural_match":     w.CulturalMatch,
		"load_balance":       w.LoadBalance,
		"performance":        w.Performance,
		"specialization":     w.Specialization,
		"user_preference":    w.UserPreference,
		"session_continuity": w.SessionContinuity,
	} {
		if v < 0 {
			ve.Add("routing.weights.%s must be >= 0", name)
		}
	}
	if math.Abs(w.Sum()-1) > 0.01 {
		ve.Add("routing.weights must sum to 1 (got %.2f)", w.Sum())
	}
	if cfg.Routing.HistorySize <= 0 {
		ve.Add("routing.history_size must be > 0")
	}
	if cfg.Routing.EMAAlpha <= 0 || cfg.Routing.EMAAlpha > 1 {
		ve.Add("routing.ema_alpha must be in (0, 1]")
	}
	if cfg.Routing.Alternates < 0 {
		ve.Add("routing.alternates must be >= 0")
	}
}

func validateMonitor(cfg *Config, ve *ValidationError) {
	m := cfg.Monitor
	if m.MaxRecords <= 0 {
		ve.Add("monitor.max_records must be > 0")
	}
	if m.Retention <= 0 {
		ve.Add("monitor.retention must be > 0")
	}
	if m.TrendWindow < 2 {
		ve.Add("monitor.trend_window must be >= 2")
	}
	if m.ErrorWindow <= 0 {
		ve.Add("monitor.error_window must be > 0")
	}
	t := m.Thresholds
	if t.ResponseTimeWarning <= 0 || t.ResponseTimeCritical < t.ResponseTimeWarning {
		ve.Add("monitor.thresholds: response_time_warning must be > 0 and <= response_time_critical")
	}
	if t.SatisfactionCritical > t.SatisfactionWarning {
		ve.Add("monitor.thresholds: satisfaction_critical must be <= satisfaction_warning")
	}
	if t.ErrorRateWarning <= 0 || t.ErrorRateCritical < t.ErrorRateWarning {
		ve.Add("monitor.thresholds: error_rate_warning must be > 0 and <= error_rate_critical")
	}
	if t.CPUCritical < t.CPUWarning || t.MemoryCritical < t.MemoryWarning {
		ve.Add("monitor.thresholds: resource critical thresholds must be >= warning thresholds")
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	switch cfg.Bus.Transport {
	case "local", "":
	case "redis":
		if cfg.Bus.RedisURL == "" {
			ve.Add("bus.redis_url is required when bus.transport is redis")
		}
	default:
		ve.Add("bus.transport %q is invalid (want: local, redis)", cfg.Bus.Transport)
	}
	if cfg.Bus.RequestTopic == "" {
		ve.Add("bus.request_topic must not be empty")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	switch cfg.Store.Backend {
	case "memory", "":
	case "sqlite":
		if cfg.Store.Path == "" {
			ve.Add("store.path is required when store.backend is sqlite")
		}
	case "redis":
		if cfg.Store.RedisURL == "" {
			ve.Add("store.redis_url is required when store.backend is redis")
		}
	default:
		ve.Add("store.backend %q is invalid (want: memory, sqlite, redis)", cfg.Store.Backend)
	}
}

var validSchedulerActions = map[string]bool{
	"trim_history":  true,
	"health_sweep":  true,
	"auto_optimize": true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if !validSchedulerActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: trim_history, health_sweep, auto_optimize)", i, t.Action)
		}
	}
}

var validAgentKinds = map[string]bool{"http": true, "bedrock": true, "scripted": true}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.ID == "" {
			ve.Add("agents[%d].id must not be empty", i)
			continue
		}
		if seen[a.ID] {
			ve.Add("agents[%d]: duplicate agent ID %q", i, a.ID)
		}
		seen[a.ID] = true

		if !validAgentKinds[a.Kind] {
			ve.Add("agents[%d].kind %q is invalid (want: http, bedrock, scripted)", i, a.Kind)
			continue
		}
		if a.MaxConcurrency < 0 {
			ve.Add("agents[%d].max_concurrency must be >= 0", i)
		}
		switch a.Kind {
		case "http":
			if a.URL == "" {
				ve.Add("agents[%d].url is required for http agents", i)
			}
			if a.RateLimit < 0 {
				ve.Add("agents[%d].rate_limit must be >= 0", i)
			}
		case "bedrock":
			if a.Model == "" {
				ve.Add("agents[%d].model is required for bedrock agents", i)
			}
		case "scripted":
			if a.Script == nil {
				ve.Add("agents[%d].script is required for scripted agents", i)
			} else if a.Script.Confidence < 0 || a.Script.Confidence > 1 {
				ve.Add("agents[%d].script.confidence must be in [0, 1]", i)
			}
		}
	}
}
