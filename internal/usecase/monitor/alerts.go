package monitor

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"mosaic-ai/internal/domain"
)

// minErrorSamples is the fewest records an error-rate alert is judged on.
const minErrorSamples = 5

type breach struct {
	metric    string
	severity  domain.Severity
	value     float64
	threshold float64
	message   string
}

// above grades v against thresholds where larger is worse.
func above(metric, label string, v, warn, crit float64) (breach, bool) {
	switch {
	case crit > 0 && v > crit:
		return breach{metric, domain.SeverityCritical, v, crit, fmt.Sprintf("%s %.2f exceeds critical threshold %.2f", label, v, crit)}, true
	case warn > 0 && v > warn:
		return breach{metric, domain.SeverityWarning, v, warn, fmt.Sprintf("%s %.2f exceeds warning threshold %.2f", label, v, warn)}, true
	}
	return breach{}, false
}

// below grades v against thresholds where smaller is worse.
func below(metric, label string, v, warn, crit float64) (breach, bool) {
	switch {
	case v < crit:
		return breach{metric, domain.SeverityCritical, v, crit, fmt.Sprintf("%s %.2f below critical threshold %.2f", label, v, crit)}, true
	case v < warn:
		return breach{metric, domain.SeverityWarning, v, warn, fmt.Sprintf("%s %.2f below warning threshold %.2f", label, v, warn)}, true
	}
	return breach{}, false
}

func (m *Monitor) evaluate(rec domain.PerformanceRecord, recs []domain.PerformanceRecord) []breach {
	t := m.cfg.Thresholds
	var out []breach
	add := func(b breach, ok bool) {
		if ok {
			out = append(out, b)
		}
	}

	add(above(domain.MetricResponseTime, "response time (s)", rec.ResponseTime.Seconds(),
		t.ResponseTimeWarning.Seconds(), t.ResponseTimeCritical.Seconds()))
	if rec.UserSatisfaction > 0 {
		add(below(domain.MetricUserSatisfaction, "user satisfaction", rec.UserSatisfaction,
			t.SatisfactionWarning, t.SatisfactionCritical))
	}
	if w := window(recs, m.cfg.ErrorWindow); len(w) >= minErrorSamples {
		add(above(domain.MetricErrorRate, "error rate", errorRate(w), t.ErrorRateWarning, t.ErrorRateCritical))
	}
	if u := rec.ResourceUsage; u != (domain.ResourceUsage{}) {
		add(above(domain.MetricCPU, "cpu usage (%)", u.CPUPercent, t.CPUWarning, t.CPUCritical))
		add(above(domain.MetricMemory, "memory usage (%)", u.MemoryPercent, t.MemoryWarning, t.MemoryCritical))
	}
	return out
}

// checkThresholdsLocked turns breaches into alerts. A breach at the same
// severity as the open alert for that agent and metric only refreshes its
// value; a different severity supersedes it.
func (m *Monitor) checkThresholdsLocked(rec domain.PerformanceRecord, recs []domain.PerformanceRecord) (raised, superseded []domain.Alert) {
	now := m.now()
	for _, b := range m.evaluate(rec, recs) {
		key := rec.AgentID + "|" + b.metric
		if id, ok := m.active[key]; ok {
			prev := m.alerts[id]
			if prev.Severity == b.severity {
				prev.CurrentValue = b.value
				continue
			}
			prev.Resolved = true
			prev.Superseded = true
			prev.ResolvedAt = now
			superseded = append(superseded, *prev)
		}
		a := &domain.Alert{
			ID:           domain.NewPrefixedID("alert"),
			AgentID:      rec.AgentID,
			Severity:     b.severity,
			Metric:       b.metric,
			CurrentValue: b.value,
			Threshold:    b.threshold,
			Message:      b.message,
			CreatedAt:    now,
		}
		m.alerts[a.ID] = a
		m.active[key] = a.ID
		raised = append(raised, *a)
	}
	return raised, superseded
}

func (m *Monitor) announceAlert(ctx context.Context, a domain.Alert) {
	m.deps.Metrics.IncAlert(string(a.Severity))
	m.logger.Warn("alert triggered",
		"alert_id", a.ID,
		"agent_id", a.AgentID,
		"metric", a.Metric,
		"severity", string(a.Severity),
		"value", a.CurrentValue,
		"threshold", a.Threshold,
	)
	m.publish(ctx, domain.EventAlertTriggered, "", a)
	m.persist(ctx, domain.RecordKindAlert, a.ID, a)
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op.
func (m *Monitor) ResolveAlert(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError(subsystem, "Monitor.ResolveAlert", domain.ErrNotFound, id)
	}
	if a.Resolved {
		m.mu.Unlock()
		return nil
	}
	a.Resolved = true
	a.ResolvedAt = m.now()
	key := a.AgentID + "|" + a.Metric
	if m.active[key] == id {
		delete(m.active, key)
	}
	snapshot := *a
	m.mu.Unlock()

	m.logger.Info("alert resolved", "alert_id", id, "agent_id", snapshot.AgentID, "metric", snapshot.Metric)
	m.persist(ctx, domain.RecordKindAlert, id, snapshot)
	return nil
}

// Alerts lists alerts oldest first. An empty agentID lists every agent;
// activeOnly hides resolved and superseded alerts.
func (m *Monitor) Alerts(agentID string, activeOnly bool) []domain.Alert {
	m.mu.Lock()
	out := make([]domain.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		if activeOnly && a.Resolved {
			continue
		}
		out = append(out, *a)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RecordFeedback attaches a user satisfaction rating (0-5) to the agent's
// latest record for sessionID, or its latest record when sessionID is
// empty, and re-checks the thresholds.
func (m *Monitor) RecordFeedback(ctx context.Context, agentID, sessionID string, satisfaction float64) ([]domain.Alert, error) {
	if satisfaction <= 0 || satisfaction > 5 {
		return nil, domain.NewSubSystemError(subsystem, "Monitor.RecordFeedback", domain.ErrInvalidInput,
			fmt.Sprintf("satisfaction %.2f out of range", satisfaction))
	}
	m.mu.Lock()
	recs := m.records[agentID]
	idx := -1
	for i := len(recs) - 1; i >= 0; i-- {
		if sessionID == "" || recs[i].SessionID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return nil, domain.NewSubSystemError(subsystem, "Monitor.RecordFeedback", domain.ErrNotFound, agentID+"/"+sessionID)
	}
	// Readers may hold windows of the old slice.
	recs = slices.Clone(recs)
	recs[idx].UserSatisfaction = satisfaction
	m.records[agentID] = recs
	sample := domain.PerformanceRecord{AgentID: agentID, UserSatisfaction: satisfaction}
	raised, superseded := m.checkThresholdsLocked(sample, recs)
	m.mu.Unlock()

	for _, a := range superseded {
		m.persist(ctx, domain.RecordKindAlert, a.ID, a)
	}
	for _, a := range raised {
		m.announceAlert(ctx, a)
	}
	return raised, nil
}
