package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/usecase/breaker"
	"mosaic-ai/internal/usecase/coordination"
	"mosaic-ai/internal/usecase/eventbus"
)

type scripted map[string]domain.AgentResponse

func (s scripted) InvokeAgent(_ context.Context, agentID string, _ domain.AgentRequest) (*domain.AgentResponse, error) {
	r, ok := s[agentID]
	if !ok {
		return nil, errors.New("unavailable")
	}
	return &r, nil
}

type capture struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *capture) handler(_ context.Context, ev domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) ofType(t domain.EventType) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T, agents scripted) (*Engine, *eventbus.Bus, *capture) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	breakers := breaker.NewRegistry(breaker.Settings{}, nil, nil, logger)
	d := coordination.NewDispatcher(agents, breakers, nil, time.Second, logger)
	c := coordination.New(d, coordination.Options{}, nil, logger)
	bus := eventbus.New(logger)
	rec := &capture{}
	bus.SubscribeAll(rec.handler)
	e, err := NewEngine(c, NewDetector([]string{"overdose"}), bus, logger)
	require.NoError(t, err)
	return e, bus, rec
}

func req(strategy domain.Strategy, ids ...string) domain.CoordinationRequest {
	return domain.CoordinationRequest{SessionID: "s1", UserID: "u1", AgentIDs: ids, Strategy: strategy, Task: domain.Task{Input: "hi"}}
}

func TestEngineNormalPath(t *testing.T) {
	e, bus, rec := newTestEngine(t, scripted{
		"therapy":  {Content: "breathe", Confidence: 0.7},
		"cultural": {Content: "context", Confidence: 0.9},
	})

	res, err := e.Run(context.Background(), req(domain.StrategyParallel, "therapy", "cultural", "ghost"))
	require.NoError(t, err)
	bus.Close()

	assert.True(t, res.Success)
	assert.False(t, res.Escalated)
	assert.Len(t, res.Responses, 2)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, "context\n\nbreathe", res.Synthesis)
	assert.NotEmpty(t, res.CoordinationID)

	assert.Len(t, rec.ofType(domain.EventCoordinationStarted), 1)
	assert.Len(t, rec.ofType(domain.EventCoordinationCompleted), 1)
	assert.Empty(t, rec.ofType(domain.EventCrisisDetected))
}

func TestEngineEmergencyBranchForEveryStrategy(t *testing.T) {
	for _, strategy := range []domain.Strategy{
		domain.StrategyParallel,
		domain.StrategySequential,
		domain.StrategyHierarchical,
		domain.StrategyConsensus,
	} {
		t.Run(string(strategy), func(t *testing.T) {
			e, bus, rec := newTestEngine(t, scripted{
				"coordinator": {Content: "plan", Confidence: 0.9},
				"crisis":      {Content: "stay safe", Confidence: 0.9, EscalationNeeded: true},
			})
			res, err := e.Run(context.Background(), req(strategy, "coordinator", "crisis"))
			require.NoError(t, err)
			bus.Close()

			assert.True(t, res.Escalated)
			crises := rec.ofType(domain.EventCrisisDetected)
			require.Len(t, crises, 1)
			var payload domain.CrisisEvent
			require.NoError(t, json.Unmarshal(crises[0].Payload, &payload))
			assert.Equal(t, "crisis", payload.AgentID)
			assert.Equal(t, "u1", payload.UserID)
			assert.Equal(t, "workflow."+string(strategy), payload.Source)
			assert.Contains(t, payload.Indicators, "escalation:crisis")
		})
	}
}

func TestEngineKeywordTriggersEscalation(t *testing.T) {
	e, bus, rec := newTestEngine(t, scripted{
		"therapy": {Content: "They described an overdose.", Confidence: 0.6},
	})
	res, err := e.Run(context.Background(), req(domain.StrategySequential, "therapy"))
	require.NoError(t, err)
	bus.Close()

	assert.True(t, res.Escalated)
	assert.Len(t, rec.ofType(domain.EventCrisisDetected), 1)
}

func TestEngineConfigurationErrorPropagates(t *testing.T) {
	e, _, _ := newTestEngine(t, scripted{"a": {Content: "x"}})

	_, err := e.Run(context.Background(), req(domain.StrategyHierarchical, "a", "b"))
	assert.True(t, errors.Is(err, domain.ErrConfiguration))

	_, err = e.Run(context.Background(), req("broadcast", "a"))
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}
