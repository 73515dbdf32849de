// Package multiagent holds the explicit agent registry and the broker that
// serves registered agents on the Coordination Bus.
package multiagent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"mosaic-ai/internal/domain"
)

// AgentInstance bundles a registered agent with its in-flight call count.
type AgentInstance struct {
	Agent  domain.Agent
	active atomic.Int32
}

// ActiveSessions returns the number of calls currently running on the agent.
func (i *AgentInstance) ActiveSessions() int { return int(i.active.Load()) }

// Registry holds all registered agents and provides lookup. It is
// constructed once at startup and passed to the engine.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*AgentInstance
	defaultID string
	bus       domain.EventBus // optional
	logger    *slog.Logger
}

// NewRegistry creates a Registry with the given default agent ID.
func NewRegistry(defaultID string, bus domain.EventBus, logger *slog.Logger) *Registry {
	return &Registry{
		agents:    make(map[string]*AgentInstance),
		defaultID: defaultID,
		bus:       bus,
		logger:    logger,
	}
}

// Register adds an agent. Returns ErrDuplicate if its ID is taken.
func (r *Registry) Register(agent domain.Agent) error {
	d := agent.Descriptor()
	if d.ID == "" {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "empty agent id")
	}

	r.mu.Lock()
	if _, exists := r.agents[d.ID]; exists {
		r.mu.Unlock()
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, d.ID)
	}
	r.agents[d.ID] = &AgentInstance{Agent: agent}
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent_id", d.ID, "name", d.Name, "type", string(d.Type))
	r.publish(domain.EventAgentRegistered, d)
	return nil
}

// Get returns the instance for agentID, or ErrNotFound.
func (r *Registry) Get(agentID string) (*AgentInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.agents[agentID]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, agentID)
	}
	return inst, nil
}

// Default returns the default agent instance.
func (r *Registry) Default() (*AgentInstance, error) {
	return r.Get(r.defaultID)
}

// DefaultID returns the configured default agent ID.
func (r *Registry) DefaultID() string { return r.defaultID }

// Descriptors returns every registered agent's descriptor, sorted by ID.
func (r *Registry) Descriptors() []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentDescriptor, 0, len(r.agents))
	for _, inst := range r.agents {
		out = append(out, inst.Agent.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns a status snapshot for every registered agent, sorted by ID.
// ActiveSessions reflects calls in flight through this registry.
func (r *Registry) List() []domain.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]domain.AgentStatus, 0, len(r.agents))
	for _, inst := range r.agents {
		st := inst.Agent.Status()
		st.ActiveSessions = inst.ActiveSessions()
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// ActiveSessions returns agentID's in-flight call count; zero when unknown.
func (r *Registry) ActiveSessions(agentID string) int {
	inst, err := r.Get(agentID)
	if err != nil {
		return 0
	}
	return inst.ActiveSessions()
}

// Remove unregisters an agent. Returns ErrNotFound if not present.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	if _, ok := r.agents[agentID]; !ok {
		r.mu.Unlock()
		return domain.NewSubSystemError("agent", "Registry.Remove", domain.ErrNotFound, agentID)
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	r.logger.Info("agent removed", "agent_id", agentID)
	r.publish(domain.EventAgentRemoved, map[string]string{"agent_id": agentID})
	return nil
}

// Acquire reserves a concurrency slot on agentID. The returned release func
// must be called exactly once. Returns ErrAgentBusy at MaxConcurrency.
func (r *Registry) Acquire(agentID string) (release func(), err error) {
	inst, err := r.Get(agentID)
	if err != nil {
		return nil, err
	}
	limit := int32(inst.Agent.Descriptor().MaxConcurrency)
	for {
		cur := inst.active.Load()
		if limit > 0 && cur >= limit {
			return nil, domain.NewSubSystemError("agent", "Registry.Acquire", domain.ErrAgentBusy, agentID)
		}
		if inst.active.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	var once sync.Once
	return func() { once.Do(func() { inst.active.Add(-1) }) }, nil
}

// InvokeAgent runs req on the local agent, holding a concurrency slot for
// the duration of the call.
func (r *Registry) InvokeAgent(ctx context.Context, agentID string, req domain.AgentRequest) (*domain.AgentResponse, error) {
	release, err := r.Acquire(agentID)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := r.Get(agentID)
	if err != nil {
		return nil, err
	}
	resp, err := inst.Agent.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.AgentID == "" {
		resp.AgentID = agentID
	}
	return resp, nil
}

func (r *Registry) publish(t domain.EventType, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(context.Background(), domain.NewEvent(t, "", payload))
}

var _ domain.AgentInvoker = (*Registry)(nil)
