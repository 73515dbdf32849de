package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/metrics"
	"mosaic-ai/internal/usecase/breaker"
	"mosaic-ai/internal/usecase/coordination"
	"mosaic-ai/internal/usecase/eventbus"
	"mosaic-ai/internal/usecase/routing"
	"mosaic-ai/internal/usecase/workflow"
)

type behaviour struct {
	resp  domain.AgentResponse
	err   error
	delay time.Duration
}

type fakeAgents struct {
	mu    sync.Mutex
	plan  map[string]behaviour
	calls []string
}

func (f *fakeAgents) InvokeAgent(ctx context.Context, agentID string, _ domain.AgentRequest) (*domain.AgentResponse, error) {
	f.mu.Lock()
	b, ok := f.plan[agentID]
	f.calls = append(f.calls, agentID)
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown agent")
	}
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	r := b.resp
	return &r, nil
}

func (f *fakeAgents) called(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == id {
			n++
		}
	}
	return n
}

type directory struct {
	agents []domain.AgentDescriptor
	active map[string]int
}

func (d directory) Descriptors() []domain.AgentDescriptor { return d.agents }
func (d directory) ActiveSessions(id string) int          { return d.active[id] }

type memStore struct {
	mu   sync.Mutex
	recs map[string]domain.Record
}

func newMemStore() *memStore { return &memStore{recs: make(map[string]domain.Record)} }

func (s *memStore) Put(_ context.Context, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Kind+"/"+rec.ID] = rec
	return nil
}

func (s *memStore) Get(_ context.Context, kind, id string) (*domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[kind+"/"+id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (s *memStore) List(context.Context, string) ([]domain.Record, error) { return nil, nil }
func (s *memStore) Delete(context.Context, string, string) error          { return nil }
func (s *memStore) Close() error                                          { return nil }

// slowStore blocks every call until delay passes or ctx ends.
type slowStore struct {
	*memStore
	delay time.Duration
}

func (s *slowStore) wait(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowStore) Get(ctx context.Context, kind, id string) (*domain.Record, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.memStore.Get(ctx, kind, id)
}

func (s *slowStore) Put(ctx context.Context, rec domain.Record) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.memStore.Put(ctx, rec)
}

type events struct {
	mu  sync.Mutex
	all []domain.Event
}

func (e *events) handler(_ context.Context, ev domain.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) ofType(t domain.EventType) []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Event
	for _, ev := range e.all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	agents   *fakeAgents
	breakers *breaker.Registry
	dispatch *coordination.Dispatcher
	router   *routing.Router
	store    *memStore
	bus      *eventbus.Bus
	events   *events
	metrics  *metrics.Collector
}

func newHarness(t *testing.T, dir directory, plan map[string]behaviour, opts Options) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	bus := eventbus.New(logger)
	ev := &events{}
	bus.SubscribeAll(ev.handler)
	m := metrics.New()

	agents := &fakeAgents{plan: plan}
	breakers := breaker.NewRegistry(breaker.Settings{FailureThreshold: 1, OpenTimeout: time.Hour}, nil, nil, logger)
	router := routing.New(routing.Options{}, nil, nil, logger)
	d := coordination.NewDispatcher(agents, breakers, nil, time.Second, logger, router)
	c := coordination.New(d, coordination.Options{}, nil, logger)
	detector := workflow.NewDetector([]string{"overdose"})
	engine, err := workflow.NewEngine(c, detector, bus, logger)
	require.NoError(t, err)

	store := newMemStore()
	if opts.CrisisAgentID == "" {
		opts.CrisisAgentID = "crisis"
	}
	o := New(opts, Deps{
		Directory:  dir,
		Dispatcher: d,
		Engine:     engine,
		Router:     router,
		Detector:   detector,
		Store:      store,
		Bus:        bus,
		Metrics:    m,
	}, logger)
	return &harness{orch: o, agents: agents, breakers: breakers, dispatch: d, router: router, store: store, bus: bus, events: ev, metrics: m}
}

// trip opens agentID's breaker with one failed call.
func (h *harness) trip(t *testing.T, agentID string) {
	t.Helper()
	h.agents.mu.Lock()
	saved, had := h.agents.plan[agentID]
	h.agents.plan[agentID] = behaviour{err: errors.New("boom")}
	h.agents.mu.Unlock()

	_, err := h.dispatch.Call(context.Background(), agentID, domain.AgentRequest{}, time.Second)
	require.Error(t, err)
	require.False(t, h.breakers.IsAvailable(agentID))

	h.agents.mu.Lock()
	if had {
		h.agents.plan[agentID] = saved
	} else {
		delete(h.agents.plan, agentID)
	}
	h.agents.calls = nil
	h.agents.mu.Unlock()
}

func agentsDir() directory {
	return directory{agents: []domain.AgentDescriptor{
		{ID: "crisis", Type: domain.AgentTypeCrisis, Capabilities: []string{"crisis_intervention"}},
		{ID: "cultural", Type: domain.AgentTypeCultural, Specializations: []string{"latinx"}},
		{ID: "therapy", Type: domain.AgentTypeTherapy, Specializations: []string{"anxiety"}},
	}}
}

func okPlan() map[string]behaviour {
	return map[string]behaviour{
		"crisis":   {resp: domain.AgentResponse{AgentID: "crisis", Content: "you are safe here", Confidence: 0.9}},
		"cultural": {resp: domain.AgentResponse{AgentID: "cultural", Content: "family matters", Confidence: 0.8}},
		"therapy":  {resp: domain.AgentResponse{AgentID: "therapy", Content: "let's breathe", Confidence: 0.7}},
	}
}

func TestOrchestrate_CriticalGoesStraightToCrisisAgent(t *testing.T) {
	plan := okPlan()
	plan["crisis"] = behaviour{resp: domain.AgentResponse{AgentID: "crisis", Content: "calling for help", EscalationNeeded: true, Confidence: 0.95}}
	h := newHarness(t, agentsDir(), plan, Options{CrisisTimeout: 200 * time.Millisecond})
	h.trip(t, "therapy")
	h.trip(t, "cultural")

	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", UserID: "u1", Input: "help", Urgency: domain.UrgencyCritical,
	})
	h.bus.Close()

	assert.Equal(t, StrategyCrisis, res.Strategy)
	assert.False(t, res.Fallback)
	assert.True(t, res.Escalated)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, "crisis", res.Responses[0].AgentID)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, 1, h.agents.called("crisis"))
	assert.Zero(t, h.agents.called("therapy"))

	crises := h.events.ofType(domain.EventCrisisDetected)
	require.Len(t, crises, 1)
	var ce domain.CrisisEvent
	require.NoError(t, json.Unmarshal(crises[0].Payload, &ce))
	assert.Equal(t, "critical_path", ce.Source)
	assert.Equal(t, "crisis", ce.AgentID)
}

func TestOrchestrate_CrisisAgentTimeoutFallsBack(t *testing.T) {
	plan := okPlan()
	plan["crisis"] = behaviour{delay: time.Second, resp: domain.AgentResponse{AgentID: "crisis"}}
	h := newHarness(t, agentsDir(), plan, Options{CrisisTimeout: 30 * time.Millisecond})

	start := time.Now()
	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "help", Urgency: domain.UrgencyCritical,
	})
	h.bus.Close()

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, res.Fallback)
	assert.True(t, res.Escalated)
	assert.Equal(t, StrategyCrisis, res.Strategy)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, domain.SystemFallbackAgentID, res.Responses[0].AgentID)
	assert.Equal(t, domain.SystemFallbackMessage, res.Synthesis)
	assert.Len(t, h.events.ofType(domain.EventCrisisDetected), 1)
}

func TestOrchestrate_SlowStoreDoesNotHoldCrisisTurn(t *testing.T) {
	h := newHarness(t, agentsDir(), okPlan(), Options{CrisisTimeout: 50 * time.Millisecond})
	h.orch.deps.Store = &slowStore{memStore: newMemStore(), delay: 5 * time.Second}

	start := time.Now()
	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "help", Urgency: domain.UrgencyCritical,
	})
	h.bus.Close()

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Fallback)
	assert.Equal(t, StrategyCrisis, res.Strategy)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, "crisis", res.Responses[0].AgentID)
}

func TestOrchestrate_SlowStoreBoundedOnStandardPath(t *testing.T) {
	h := newHarness(t, agentsDir(), okPlan(), Options{CrisisTimeout: 50 * time.Millisecond})
	h.orch.deps.Store = &slowStore{memStore: newMemStore(), delay: 5 * time.Second}

	start := time.Now()
	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "I feel anxious", RequiredCapabilities: []string{"anxiety"},
	})
	h.bus.Close()

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Fallback)
	require.NotNil(t, res.Routing)
	assert.Equal(t, "therapy", res.Routing.SelectedAgent)
}

func TestOrchestrate_CrisisKeywordUpgradesUrgency(t *testing.T) {
	h := newHarness(t, agentsDir(), okPlan(), Options{})

	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "I think about an Overdose", Urgency: domain.UrgencyLow,
	})
	h.bus.Close()

	assert.Equal(t, StrategyCrisis, res.Strategy)
	assert.Equal(t, 1, h.agents.called("crisis"))
	assert.Zero(t, h.agents.called("therapy"))
}

func TestOrchestrate_InvalidInputFallsBack(t *testing.T) {
	h := newHarness(t, agentsDir(), okPlan(), Options{})

	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{SessionID: "s1", Urgency: "panic"})
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Responses[0].Metadata["fallback_reason"], "panic")

	res = h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{Input: "hi"})
	assert.True(t, res.Fallback)
	h.bus.Close()
	assert.Empty(t, h.agents.calls)
}

func TestOrchestrate_SingleAgentRouted(t *testing.T) {
	h := newHarness(t, agentsDir(), okPlan(), Options{})

	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "I feel anxious", RequiredCapabilities: []string{"anxiety"},
	})
	h.bus.Close()

	assert.False(t, res.Fallback)
	assert.Equal(t, StrategySingle, res.Strategy)
	require.NotNil(t, res.Routing)
	assert.Equal(t, "therapy", res.Routing.SelectedAgent)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, "therapy", res.Responses[0].AgentID)
	n, err := testutil.GatherAndCount(h.metrics.Registry(), "mosaic_orchestration_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOrchestrate_ExcludedAndOpenBreakerAgentsSkipped(t *testing.T) {
	h := newHarness(t, agentsDir(), okPlan(), Options{})
	h.trip(t, "therapy")

	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "hello", ExcludedAgents: []string{"crisis"}, RequiredCapabilities: []string{"anxiety"},
	})
	h.bus.Close()

	assert.False(t, res.Fallback)
	require.NotNil(t, res.Routing)
	assert.Equal(t, "cultural", res.Routing.SelectedAgent)
	assert.Zero(t, h.agents.called("therapy"))
	assert.Zero(t, h.agents.called("crisis"))
}

func TestOrchestrate_NoEligibleAgentsFallsBack(t *testing.T) {
	h := newHarness(t, agentsDir(), okPlan(), Options{})

	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "hello", ExcludedAgents: []string{"crisis", "cultural", "therapy"},
	})
	h.bus.Close()

	assert.True(t, res.Fallback)
	assert.Equal(t, domain.SystemFallbackAgentID, res.Strategy)
	assert.Empty(t, h.agents.calls)
}

func TestOrchestrate_CollaborativePartialSuccess(t *testing.T) {
	plan := okPlan()
	plan["therapy"] = behaviour{err: errors.New("overloaded")}
	h := newHarness(t, agentsDir(), plan, Options{MaxSupporting: 2})

	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "hello", CulturalProfile: []string{"latinx"},
	})
	h.bus.Close()

	assert.Equal(t, StrategyCollaborative, res.Strategy)
	assert.False(t, res.Fallback)
	require.NotNil(t, res.Coordination)
	assert.Len(t, res.Coordination.Responses, 2)
	assert.Len(t, res.Coordination.Errors, 1)
	assert.NotEmpty(t, res.Synthesis)
}

func TestOrchestrate_TotalFailureFallsBack(t *testing.T) {
	plan := map[string]behaviour{
		"cultural": {err: errors.New("down")},
		"therapy":  {err: errors.New("down")},
	}
	dir := directory{agents: agentsDir().agents[1:]}
	h := newHarness(t, dir, plan, Options{})

	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "hello", CulturalProfile: []string{"latinx"},
	})
	h.bus.Close()

	assert.True(t, res.Fallback)
	assert.Equal(t, StrategyCollaborative, res.Strategy)
	require.Len(t, res.Responses, 1)
	assert.Equal(t, domain.SystemFallbackAgentID, res.Responses[0].AgentID)
	assert.Contains(t, res.Responses[0].Metadata["fallback_reason"], "all agents failed")
}

func TestOrchestrate_HierarchicalLeadsWithCoordinator(t *testing.T) {
	dir := directory{agents: []domain.AgentDescriptor{
		{ID: "care_coordinator", Type: domain.AgentTypeCoordinator},
		{ID: "therapy", Type: domain.AgentTypeTherapy, Specializations: []string{"anxiety", "grief"}},
	}}
	plan := map[string]behaviour{
		"care_coordinator": {resp: domain.AgentResponse{AgentID: "care_coordinator", Content: "plan", Confidence: 0.8}},
		"therapy":          {resp: domain.AgentResponse{AgentID: "therapy", Content: "support", Confidence: 0.7}},
	}
	h := newHarness(t, dir, plan, Options{})

	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "hello", RequiredCapabilities: []string{"anxiety", "grief"},
	})
	h.bus.Close()

	assert.Equal(t, StrategyHierarchical, res.Strategy)
	require.NotNil(t, res.Coordination)
	assert.Equal(t, []string{"care_coordinator", "therapy"}, res.Coordination.CompletedAgents())
}

func TestOrchestrate_SessionRecordPersisted(t *testing.T) {
	h := newHarness(t, agentsDir(), okPlan(), Options{})
	ctx := context.Background()
	oc := domain.OrchestrationContext{SessionID: "s1", UserID: "u1", Input: "hello", RequiredCapabilities: []string{"anxiety"}}

	h.orch.Orchestrate(ctx, oc)
	oc.RequiredCapabilities = nil
	res := h.orch.Orchestrate(ctx, oc)
	h.bus.Close()

	rec, err := h.store.Get(ctx, domain.RecordKindSession, "s1")
	require.NoError(t, err)
	var session domain.SessionRecord
	require.NoError(t, rec.Decode(&session))
	assert.Equal(t, 2, session.Turns)
	assert.Equal(t, "u1", session.UserID)
	assert.Equal(t, "therapy", session.LastAgentID)
	assert.Equal(t, []string{"therapy"}, session.RecentAgents)
	// Continuity keeps the second turn with the first turn's agent.
	assert.Equal(t, "therapy", res.Routing.SelectedAgent)
}

func TestOrchestrate_MaxResponseTimeBoundsAgents(t *testing.T) {
	plan := map[string]behaviour{"therapy": {delay: time.Second, resp: domain.AgentResponse{AgentID: "therapy"}}}
	dir := directory{agents: []domain.AgentDescriptor{{ID: "therapy", Type: domain.AgentTypeTherapy}}}
	h := newHarness(t, dir, plan, Options{AgentTimeout: 5 * time.Second})

	start := time.Now()
	res := h.orch.Orchestrate(context.Background(), domain.OrchestrationContext{
		SessionID: "s1", Input: "hello", MaxResponseTime: 30 * time.Millisecond,
	})
	h.bus.Close()

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, res.Fallback)
}

func TestFeedback(t *testing.T) {
	h := newHarness(t, agentsDir(), okPlan(), Options{})
	ctx := context.Background()
	h.orch.Orchestrate(ctx, domain.OrchestrationContext{SessionID: "s1", Input: "hi", RequiredCapabilities: []string{"anxiety"}})
	h.bus.Close()

	before, ok := h.router.Stats("therapy")
	require.True(t, ok)
	require.NoError(t, h.orch.Feedback(ctx, "s1", "therapy", 5))
	after, _ := h.router.Stats("therapy")
	assert.Greater(t, after.Satisfaction, before.Satisfaction)
}

func TestLoadBalanceOrdersByCapacityThenID(t *testing.T) {
	dir := directory{
		agents: []domain.AgentDescriptor{{ID: "b"}, {ID: "a"}, {ID: "c", MaxConcurrency: 2}},
		active: map[string]int{"a": 3, "c": 1},
	}
	o := New(Options{}, Deps{Directory: dir}, slog.New(slog.DiscardHandler))

	got := o.loadBalance(dir.agents)
	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = d.ID
	}
	// b: free; c: half full; a: 3 sessions.
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestTeam(t *testing.T) {
	o := New(Options{MaxSupporting: 1}, Deps{}, slog.New(slog.DiscardHandler))
	ordered := descs("x", "y", "lead_coordinator")
	strategies := DefaultStrategies()

	assert.Equal(t, []string{"y"}, o.team(strategies[0], "y", ordered))
	assert.Equal(t, []string{"y", "x"}, o.team(strategies[1], "y", ordered))
	assert.Equal(t, []string{"lead_coordinator", "y"}, o.team(strategies[3], "y", ordered))
}
