package monitor

import (
	"context"
	"sort"
	"time"

	"mosaic-ai/internal/domain"
)

// Recommendation categories.
const (
	CategoryPerformance = "performance"
	CategoryReliability = "reliability"
	CategoryQuality     = "quality"
	CategoryResources   = "resources"
)

// Actuator applies an automatic optimization.
type Actuator interface {
	Apply(ctx context.Context, rec domain.OptimizationRecommendation) error
}

// ActuatorFunc adapts a function to Actuator.
type ActuatorFunc func(ctx context.Context, rec domain.OptimizationRecommendation) error

func (f ActuatorFunc) Apply(ctx context.Context, rec domain.OptimizationRecommendation) error {
	return f(ctx, rec)
}

// regressionConfidence is the R² above which a declining trend earns its
// own recommendation.
const regressionConfidence = 0.5

// GenerateOptimizationRecommendations compares the agent's recent averages
// with the alert thresholds and proposes corrective actions. A pending
// recommendation with the same category and title is refreshed instead of
// duplicated.
func (m *Monitor) GenerateOptimizationRecommendations(agentID string) []domain.OptimizationRecommendation {
	m.mu.Lock()
	recs := window(m.records[agentID], m.cfg.TrendWindow)
	m.mu.Unlock()
	if len(recs) == 0 {
		return nil
	}
	t := m.cfg.Thresholds
	var proposals []domain.OptimizationRecommendation

	if avg := avgResponseTime(recs); avg > t.ResponseTimeWarning {
		p := domain.PriorityMedium
		if avg > t.ResponseTimeCritical {
			p = domain.PriorityHigh
		}
		proposals = append(proposals, domain.OptimizationRecommendation{
			Category:    CategoryPerformance,
			Priority:    p,
			Title:       "Optimize response time",
			Description: "Average response time " + avg.Round(time.Millisecond).String() + " exceeds the " + t.ResponseTimeWarning.String() + " target.",
			Actions: []string{
				"Cache responses for repeated prompts",
				"Trim the context passed to the agent",
				"Lower the agent timeout so slow calls fail fast",
			},
			ExpectedImpact: 100 * float64(avg-t.ResponseTimeWarning) / float64(avg),
			Effort:         domain.RatingMedium,
			Risk:           domain.RatingLow,
		})
	}

	if w := window(recs, m.cfg.ErrorWindow); len(w) >= minErrorSamples {
		if rate := errorRate(w); rate > t.ErrorRateWarning {
			p := domain.PriorityHigh
			if rate > t.ErrorRateCritical {
				p = domain.PriorityCritical
			}
			proposals = append(proposals, domain.OptimizationRecommendation{
				Category:    CategoryReliability,
				Priority:    p,
				Title:       "Reduce error rate",
				Description: "Recent error rate is above the warning threshold.",
				Actions: []string{
					"Inspect recent agent failures for a common cause",
					"Tighten the circuit breaker failure threshold",
					"Route traffic to alternates while investigating",
				},
				ExpectedImpact: 100 * (rate - t.ErrorRateWarning),
				Effort:         domain.RatingMedium,
				Risk:           domain.RatingMedium,
			})
		}
	}

	if sat, ok := avgSatisfaction(recs); ok && sat < t.SatisfactionWarning {
		p := domain.PriorityMedium
		if sat < t.SatisfactionCritical {
			p = domain.PriorityHigh
		}
		proposals = append(proposals, domain.OptimizationRecommendation{
			Category:    CategoryQuality,
			Priority:    p,
			Title:       "Improve response quality",
			Description: "User satisfaction is below target.",
			Actions: []string{
				"Review low-rated conversations",
				"Refine the agent's prompt and cultural guidance",
			},
			ExpectedImpact: 100 * (t.SatisfactionWarning - sat) / 5,
			Effort:         domain.RatingHigh,
			Risk:           domain.RatingMedium,
		})
	}

	latest := recs[len(recs)-1].ResourceUsage
	if latest.CPUPercent > t.CPUWarning || latest.MemoryPercent > t.MemoryWarning {
		p := domain.PriorityMedium
		if latest.CPUPercent > t.CPUCritical || latest.MemoryPercent > t.MemoryCritical {
			p = domain.PriorityHigh
		}
		proposals = append(proposals, domain.OptimizationRecommendation{
			Category:    CategoryResources,
			Priority:    p,
			Title:       "Reduce resource usage",
			Description: "Process CPU or memory usage is above the warning threshold.",
			Actions: []string{
				"Release cached memory back to the OS",
				"Lower agent max concurrency",
			},
			ExpectedImpact: 10,
			Effort:         domain.RatingLow,
			Risk:           domain.RatingLow,
		})
	}

	if trend, err := m.AnalyzeTrends(agentID, domain.MetricResponseTime); err == nil &&
		trend.Trend == domain.TrendDeclining && trend.Confidence >= regressionConfidence {
		proposals = append(proposals, domain.OptimizationRecommendation{
			Category:       CategoryPerformance,
			Priority:       domain.PriorityLow,
			Title:          "Investigate response time regression",
			Description:    "Response time has been rising steadily.",
			Actions:        []string{"Compare recent deployments and prompt changes against the trend start"},
			ExpectedImpact: 5,
			Effort:         domain.RatingLow,
			Risk:           domain.RatingLow,
		})
	}

	return m.storeRecommendations(agentID, proposals)
}

func (m *Monitor) storeRecommendations(agentID string, proposals []domain.OptimizationRecommendation) []domain.OptimizationRecommendation {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OptimizationRecommendation, 0, len(proposals))
	for _, p := range proposals {
		p.AgentID = agentID
		if existing := m.findPendingLocked(agentID, p.Category, p.Title); existing != nil {
			existing.Priority = p.Priority
			existing.Description = p.Description
			existing.ExpectedImpact = p.ExpectedImpact
			out = append(out, *existing)
			continue
		}
		p.ID = domain.NewPrefixedID("rec")
		p.Status = domain.RecommendationPending
		p.CreatedAt = now
		stored := p
		m.recommendations[p.ID] = &stored
		out = append(out, p)
	}
	return out
}

func (m *Monitor) findPendingLocked(agentID, category, title string) *domain.OptimizationRecommendation {
	for _, r := range m.recommendations {
		if r.AgentID == agentID && r.Category == category && r.Title == title && r.Status == domain.RecommendationPending {
			return r
		}
	}
	return nil
}

// Recommendations lists stored recommendations, oldest first. An empty
// agentID lists every agent.
func (m *Monitor) Recommendations(agentID string) []domain.OptimizationRecommendation {
	m.mu.Lock()
	out := make([]domain.OptimizationRecommendation, 0, len(m.recommendations))
	for _, r := range m.recommendations {
		if agentID == "" || r.AgentID == agentID {
			out = append(out, *r)
		}
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

// UpdateRecommendationStatus moves a recommendation through its lifecycle.
func (m *Monitor) UpdateRecommendationStatus(id string, status domain.RecommendationStatus) error {
	if !status.Valid() {
		return domain.NewSubSystemError(subsystem, "Monitor.UpdateRecommendationStatus", domain.ErrInvalidInput, string(status))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recommendations[id]
	if !ok {
		return domain.NewSubSystemError(subsystem, "Monitor.UpdateRecommendationStatus", domain.ErrNotFound, id)
	}
	r.Status = status
	return nil
}

// autoApplicable reports whether a recommendation may be applied without
// an operator: low risk and above low priority.
func autoApplicable(r domain.OptimizationRecommendation) bool {
	return r.Risk == domain.RatingLow && r.Priority != domain.PriorityLow
}

// AutoOptimize generates recommendations for every monitored agent and
// applies the low-risk, non-low-priority ones. Everything else is reported
// as skipped and left pending.
func (m *Monitor) AutoOptimize(ctx context.Context) (domain.OptimizationReport, error) {
	report := domain.OptimizationReport{RanAt: m.now()}
	for _, agentID := range m.Agents() {
		for _, rec := range m.GenerateOptimizationRecommendations(agentID) {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !autoApplicable(rec) {
				report.Skipped = append(report.Skipped, rec)
				continue
			}
			_ = m.UpdateRecommendationStatus(rec.ID, domain.RecommendationInProgress)
			if m.deps.Actuator != nil {
				if err := m.deps.Actuator.Apply(ctx, rec); err != nil {
					m.logger.Warn("auto-optimization failed", "recommendation_id", rec.ID, "agent_id", agentID, "error", err)
					_ = m.UpdateRecommendationStatus(rec.ID, domain.RecommendationPending)
					report.Skipped = append(report.Skipped, rec)
					continue
				}
			}
			_ = m.UpdateRecommendationStatus(rec.ID, domain.RecommendationCompleted)
			rec.Status = domain.RecommendationCompleted
			report.Applied = append(report.Applied, rec)
		}
	}

	m.logger.Info("auto-optimization finished", "applied", len(report.Applied), "skipped", len(report.Skipped))
	m.publish(ctx, domain.EventOptimizationCompleted, "", report)
	return report, nil
}
