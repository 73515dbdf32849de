package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/metrics"
)

// Registry holds exactly one CircuitBreaker per agent id.
type Registry struct {
	settings Settings
	logger   *slog.Logger
	bus      domain.EventBus     // optional
	metrics  *metrics.Collector // optional

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry. bus and collector may be nil.
func NewRegistry(settings Settings, bus domain.EventBus, collector *metrics.Collector, logger *slog.Logger) *Registry {
	return &Registry{
		settings: settings.withDefaults(),
		logger:   logger,
		bus:      bus,
		metrics:  collector,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for agentID, creating it on first use.
func (r *Registry) Get(agentID string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[agentID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[agentID]; ok {
		return b
	}
	b = New(agentID, r.settings, r.logger, r.stateChanged)
	r.breakers[agentID] = b
	r.metrics.SetBreakerState(agentID, float64(StateClosed))
	return b
}

// Lookup returns the breaker for agentID without creating one.
func (r *Registry) Lookup(agentID string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[agentID]
	return b, ok
}

// Remove drops an agent's breaker.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	delete(r.breakers, agentID)
	r.mu.Unlock()
}

// Execute runs fn through agentID's breaker.
func (r *Registry) Execute(agentID string, fn func() (*domain.AgentResponse, error)) (*domain.AgentResponse, error) {
	return r.Get(agentID).Execute(fn)
}

// State returns agentID's breaker state; unknown agents are closed.
func (r *Registry) State(agentID string) State {
	if b, ok := r.Lookup(agentID); ok {
		return b.State()
	}
	return StateClosed
}

// IsAvailable reports whether agentID's breaker would admit a call.
func (r *Registry) IsAvailable(agentID string) bool {
	if b, ok := r.Lookup(agentID); ok {
		return b.CanExecute()
	}
	return true
}

// Reset forces one agent's breaker closed.
func (r *Registry) Reset(agentID string) error {
	b, ok := r.Lookup(agentID)
	if !ok {
		return domain.NewSubSystemError("agent", "Breaker.Reset", domain.ErrNotFound, agentID)
	}
	b.Reset()
	return nil
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	for _, b := range r.all() {
		b.Reset()
	}
}

func (r *Registry) all() []*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].agentID < out[j].agentID })
	return out
}

// HealthReport aggregates every breaker's state.
type HealthReport struct {
	Total    int        `json:"total"`
	Closed   int        `json:"closed"`
	HalfOpen int        `json:"half_open"`
	Open     int        `json:"open"`
	Healthy  bool       `json:"healthy"` // no breaker open
	Breakers []Snapshot `json:"breakers"`
}

// HealthReport returns the aggregate health of all breakers, sorted by agent id.
func (r *Registry) HealthReport() HealthReport {
	var rep HealthReport
	for _, b := range r.all() {
		s := b.Snapshot()
		rep.Breakers = append(rep.Breakers, s)
		switch s.State {
		case StateClosed:
			rep.Closed++
		case StateHalfOpen:
			rep.HalfOpen++
		case StateOpen:
			rep.Open++
		}
	}
	rep.Total = len(rep.Breakers)
	rep.Healthy = rep.Open == 0
	return rep
}

type stateChangePayload struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// stateChanged may run under gobreaker's lock; it only publishes.
func (r *Registry) stateChanged(agentID string, from, to State) {
	r.metrics.SetBreakerState(agentID, float64(to))
	if r.bus != nil {
		r.bus.Publish(context.Background(), domain.NewEvent(domain.EventBreakerStateChanged, "",
			stateChangePayload{AgentID: agentID, From: from.String(), To: to.String()}))
	}
}
