package monitor

import (
	"context"

	"mosaic-ai/internal/domain"
)

// Component scores by status. The overall score is their mean.
const (
	scoreHealthy  = 100.0
	scoreWarning  = 60.0
	scoreCritical = 20.0

	overallHealthy = 85.0
	overallWarning = 60.0
)

// Health component names.
const (
	ComponentPerformance  = "performance"
	ComponentQuality      = "quality"
	ComponentAvailability = "availability"
	ComponentResources    = "resources"
)

func component(name string, status domain.HealthStatus) domain.HealthComponent {
	score := scoreHealthy
	switch status {
	case domain.HealthWarning:
		score = scoreWarning
	case domain.HealthCritical:
		score = scoreCritical
	}
	return domain.HealthComponent{Name: name, Score: score, Status: status}
}

func gradeAbove(v, warn, crit float64) domain.HealthStatus {
	switch {
	case crit > 0 && v > crit:
		return domain.HealthCritical
	case warn > 0 && v > warn:
		return domain.HealthWarning
	}
	return domain.HealthHealthy
}

func gradeBelow(v, warn, crit float64) domain.HealthStatus {
	switch {
	case v < crit:
		return domain.HealthCritical
	case v < warn:
		return domain.HealthWarning
	}
	return domain.HealthHealthy
}

func worst(a, b domain.HealthStatus) domain.HealthStatus {
	if a == domain.HealthCritical || b == domain.HealthCritical {
		return domain.HealthCritical
	}
	if a == domain.HealthWarning || b == domain.HealthWarning {
		return domain.HealthWarning
	}
	return domain.HealthHealthy
}

// Health computes an agent's health over its most recent trend window.
func (m *Monitor) Health(agentID string) (domain.HealthReport, error) {
	m.mu.Lock()
	recs := window(m.records[agentID], m.cfg.TrendWindow)
	m.mu.Unlock()
	if len(recs) == 0 {
		return domain.HealthReport{}, domain.NewSubSystemError(subsystem, "Monitor.Health", domain.ErrNotFound, agentID)
	}
	t := m.cfg.Thresholds

	perf := gradeAbove(avgResponseTime(recs).Seconds(), t.ResponseTimeWarning.Seconds(), t.ResponseTimeCritical.Seconds())

	quality := domain.HealthHealthy
	if sat, ok := avgSatisfaction(recs); ok {
		quality = gradeBelow(sat, t.SatisfactionWarning, t.SatisfactionCritical)
	}

	availability := gradeAbove(errorRate(window(recs, m.cfg.ErrorWindow)), t.ErrorRateWarning, t.ErrorRateCritical)

	latest := recs[len(recs)-1].ResourceUsage
	resources := worst(
		gradeAbove(latest.CPUPercent, t.CPUWarning, t.CPUCritical),
		gradeAbove(latest.MemoryPercent, t.MemoryWarning, t.MemoryCritical),
	)

	report := domain.HealthReport{
		AgentID: agentID,
		Components: []domain.HealthComponent{
			component(ComponentPerformance, perf),
			component(ComponentQuality, quality),
			component(ComponentAvailability, availability),
			component(ComponentResources, resources),
		},
		Samples:   len(recs),
		UpdatedAt: m.now(),
	}
	var sum float64
	for _, c := range report.Components {
		sum += c.Score
	}
	report.Score = sum / float64(len(report.Components))
	switch {
	case report.Score >= overallHealthy:
		report.Status = domain.HealthHealthy
	case report.Score >= overallWarning:
		report.Status = domain.HealthWarning
	default:
		report.Status = domain.HealthCritical
	}
	return report, nil
}

// RefreshHealth recomputes an agent's health, exports it and emits
// health_updated.
func (m *Monitor) RefreshHealth(ctx context.Context, agentID string) (domain.HealthReport, error) {
	report, err := m.Health(agentID)
	if err != nil {
		return domain.HealthReport{}, err
	}
	m.deps.Metrics.SetHealthScore(agentID, report.Score)
	m.publish(ctx, domain.EventHealthUpdated, "", report)
	m.persist(ctx, domain.RecordKindPerformance, agentID, report)
	if report.Status != domain.HealthHealthy {
		m.logger.Warn("agent health degraded", "agent_id", agentID, "score", report.Score, "status", string(report.Status))
	}
	return report, nil
}

// HealthSweep refreshes the health of every agent with records.
func (m *Monitor) HealthSweep(ctx context.Context) []domain.HealthReport {
	agents := m.Agents()
	out := make([]domain.HealthReport, 0, len(agents))
	for _, id := range agents {
		if ctx.Err() != nil {
			break
		}
		report, err := m.RefreshHealth(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, report)
	}
	return out
}
