// Package monitor is the Performance Monitor. It keeps a bounded history of
// per-interaction records for every agent and derives alerts, health scores,
// regression trends, predictions and optimization recommendations from it.
package monitor

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
	"mosaic-ai/internal/infra/metrics"
	"mosaic-ai/internal/usecase/coordination"
)

const subsystem = "monitor"

// Deps are the optional collaborators of a Monitor.
type Deps struct {
	Source   MetricsSource      // resource sampling; nil skips it
	Store    domain.RecordStore // alert and health persistence; nil keeps them in memory only
	Bus      domain.EventBus
	Metrics  *metrics.Collector
	Actuator Actuator // applies auto-optimizations; nil only marks them completed
}

// Monitor records agent performance and evaluates it. Safe for concurrent use.
type Monitor struct {
	cfg    config.MonitorConfig
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu              sync.Mutex
	records         map[string][]domain.PerformanceRecord // oldest first, per agent
	alerts          map[string]*domain.Alert
	active          map[string]string // agent|metric -> unresolved alert id
	recommendations map[string]*domain.OptimizationRecommendation
}

// New creates a Monitor. Zero config fields take the package defaults.
func New(cfg config.MonitorConfig, deps Deps, logger *slog.Logger) *Monitor {
	d := config.Defaults().Monitor
	if cfg.Thresholds == (config.ThresholdsConfig{}) {
		cfg.Thresholds = d.Thresholds
	}
	if cfg.Retention <= 0 {
		cfg.Retention = d.Retention
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = d.MaxRecords
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = d.TrendWindow
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = d.ErrorWindow
	}
	return &Monitor{
		cfg:             cfg,
		deps:            deps,
		logger:          logger,
		now:             time.Now,
		records:         make(map[string][]domain.PerformanceRecord),
		alerts:          make(map[string]*domain.Alert),
		active:          make(map[string]string),
		recommendations: make(map[string]*domain.OptimizationRecommendation),
	}
}

// Record appends one interaction and checks it against the alert
// thresholds. It returns the alerts raised by this record.
func (m *Monitor) Record(ctx context.Context, rec domain.PerformanceRecord) ([]domain.Alert, error) {
	if rec.AgentID == "" {
		return nil, domain.NewSubSystemError(subsystem, "Monitor.Record", domain.ErrInvalidInput, "agent id is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	if rec.ResourceUsage == (domain.ResourceUsage{}) && m.deps.Source != nil {
		usage, err := m.deps.Source.Sample(ctx)
		if err != nil {
			m.logger.Debug("resource sample failed", "error", err)
		} else {
			rec.ResourceUsage = usage
		}
	}

	m.mu.Lock()
	recs := append(m.records[rec.AgentID], rec)
	recs = m.retain(recs, m.now())
	m.records[rec.AgentID] = recs
	raised, superseded := m.checkThresholdsLocked(rec, recs)
	m.mu.Unlock()

	for _, a := range superseded {
		m.persist(ctx, domain.RecordKindAlert, a.ID, a)
	}
	for _, a := range raised {
		m.announceAlert(ctx, a)
	}
	return raised, nil
}

// ObserveCall records a dispatcher outcome.
func (m *Monitor) ObserveCall(ctx context.Context, o coordination.CallOutcome) {
	rec := domain.PerformanceRecord{
		AgentID:      o.AgentID,
		SessionID:    o.SessionID,
		ResponseTime: o.Duration,
		Success:      o.Err == nil,
	}
	if o.Response != nil {
		rec.CulturalRelevance = o.Response.CulturalRelevance
	}
	if _, err := m.Record(ctx, rec); err != nil {
		m.logger.Warn("record call outcome failed", "agent_id", o.AgentID, "error", err)
	}
}

var _ coordination.CallObserver = (*Monitor)(nil)

// retain drops records older than the retention window and keeps at most
// MaxRecords of the newest.
func (m *Monitor) retain(recs []domain.PerformanceRecord, now time.Time) []domain.PerformanceRecord {
	cutoff := now.Add(-m.cfg.Retention)
	start := sort.Search(len(recs), func(i int) bool { return !recs[i].Timestamp.Before(cutoff) })
	if over := len(recs) - start - m.cfg.MaxRecords; over > 0 {
		start += over
	}
	if start == 0 {
		return recs
	}
	return slices.Clone(recs[start:])
}

// Trim applies the retention policy to every agent and prunes resolved
// alerts past retention. It returns the number of records dropped.
func (m *Monitor) Trim() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id, recs := range m.records {
		kept := m.retain(recs, now)
		dropped += len(recs) - len(kept)
		if len(kept) == 0 {
			delete(m.records, id)
			continue
		}
		m.records[id] = kept
	}
	cutoff := now.Add(-m.cfg.Retention)
	for id, a := range m.alerts {
		if a.Resolved && a.ResolvedAt.Before(cutoff) {
			delete(m.alerts, id)
		}
	}
	return dropped
}

// Records returns a copy of an agent's retained records, oldest first.
func (m *Monitor) Records(agentID string) []domain.PerformanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records[agentID])
}

// Agents returns the ids of agents with retained records, sorted.
func (m *Monitor) Agents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Monitor) publish(ctx context.Context, t domain.EventType, sessionID string, payload any) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Publish(ctx, domain.NewEvent(t, sessionID, payload))
}

func (m *Monitor) persist(ctx context.Context, kind, id string, v any) {
	if m.deps.Store == nil {
		return
	}
	rec, err := domain.NewRecord(kind, id, v)
	if err == nil {
		err = m.deps.Store.Put(ctx, rec)
	}
	if err != nil {
		m.logger.Warn("persist monitor record failed", "kind", kind, "id", id, "error", err)
	}
}

// window returns the last n records.
func window(recs []domain.PerformanceRecord, n int) []domain.PerformanceRecord {
	if n > 0 && len(recs) > n {
		return recs[len(recs)-n:]
	}
	return recs
}

func avgResponseTime(recs []domain.PerformanceRecord) time.Duration {
	if len(recs) == 0 {
		return 0
	}
	var total time.Duration
	for _, r := range recs {
		total += r.ResponseTime
	}
	return total / time.Duration(len(recs))
}

func errorRate(recs []domain.PerformanceRecord) float64 {
	if len(recs) == 0 {
		return 0
	}
	failed := 0
	for _, r := range recs {
		if !r.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(recs))
}

// avgSatisfaction averages the rated records only.
func avgSatisfaction(recs []domain.PerformanceRecord) (float64, bool) {
	var sum float64
	n := 0
	for _, r := range recs {
		if r.UserSatisfaction > 0 {
			sum += r.UserSatisfaction
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
