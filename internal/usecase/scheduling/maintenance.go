package scheduling

import (
	"context"
	"log/slog"
	"time"

	"mosaic-ai/internal/domain"
)

// HistoryTrimmer drops routing history older than maxAge.
type HistoryTrimmer interface {
	TrimHistory(maxAge time.Duration) int
}

// PerformanceJobs is the monitor surface maintenance tasks drive.
type PerformanceJobs interface {
	Trim() int
	HealthSweep(ctx context.Context) []domain.HealthReport
	AutoOptimize(ctx context.Context) (domain.OptimizationReport, error)
}

// Maintenance binds the built-in actions to the router and monitor.
type Maintenance struct {
	Router    HistoryTrimmer  // optional
	Monitor   PerformanceJobs // optional
	Retention time.Duration
	Logger    *slog.Logger
}

// Register installs every built-in action on s. Actions whose collaborator
// is missing are not registered, so tasks naming them fail AddTask.
func (m Maintenance) Register(s *Scheduler) {
	if m.Router != nil || m.Monitor != nil {
		s.RegisterAction(ActionTrimHistory, m.trimHistory)
	}
	if m.Monitor != nil {
		s.RegisterAction(ActionHealthSweep, m.healthSweep)
		s.RegisterAction(ActionAutoOptimize, m.autoOptimize)
	}
}

func (m Maintenance) trimHistory(context.Context) error {
	var routed, records int
	if m.Router != nil {
		routed = m.Router.TrimHistory(m.Retention)
	}
	if m.Monitor != nil {
		records = m.Monitor.Trim()
	}
	m.Logger.Debug("history trimmed", "routing_entries", routed, "performance_records", records)
	return nil
}

func (m Maintenance) healthSweep(ctx context.Context) error {
	reports := m.Monitor.HealthSweep(ctx)
	unhealthy := 0
	for _, r := range reports {
		if r.Status != domain.HealthHealthy {
			unhealthy++
		}
	}
	m.Logger.Debug("health sweep", "agents", len(reports), "unhealthy", unhealthy)
	return ctx.Err()
}

func (m Maintenance) autoOptimize(ctx context.Context) error {
	report, err := m.Monitor.AutoOptimize(ctx)
	if err != nil {
		return err
	}
	m.Logger.Debug("auto-optimization", "applied", len(report.Applied), "skipped", len(report.Skipped))
	return nil
}

// AddTasks schedules tasks, stopping at the first invalid one.
func AddTasks(s *Scheduler, tasks []Task) error {
	for _, t := range tasks {
		if err := s.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}
