package multiagent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/usecase/messaging"
)

func newBusPair(t *testing.T) (caller, worker *messaging.Bus) {
	t.Helper()
	tr := messaging.NewLocalTransport()
	var err error
	caller, err = messaging.New(context.Background(), tr, "caller", testLogger())
	require.NoError(t, err)
	worker, err = messaging.New(context.Background(), tr, "worker", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		caller.Close()
		worker.Close()
		tr.Close()
	})
	return caller, worker
}

func startBroker(t *testing.T, worker *messaging.Bus, agents ...domain.Agent) *Broker {
	t.Helper()
	r := NewRegistry("", nil, testLogger())
	for _, a := range agents {
		require.NoError(t, r.Register(a))
	}
	b := NewBroker(r, worker, time.Second, testLogger())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

func TestBrokerRoundTrip(t *testing.T) {
	caller, worker := newBusPair(t)
	startBroker(t, worker, newStub("therapy", 0))

	inv := NewBusInvoker(caller, time.Second)
	resp, err := inv.InvokeAgent(context.Background(), "therapy", domain.AgentRequest{
		SessionID: "s1",
		Input:     "hello",
		Context:   map[string]any{domain.ContextCoordinationID: "coord-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "therapy", resp.AgentID)
	assert.Equal(t, "reply from therapy: hello", resp.Content)
	assert.Equal(t, 0, caller.Pending())
}

func TestBrokerCarriesAgentError(t *testing.T) {
	caller, worker := newBusPair(t)
	bad := newStub("bad", 0)
	bad.err = domain.NewDomainError("stub.Invoke", domain.ErrAgentInvocation, "model offline")
	startBroker(t, worker, bad)

	_, err := NewBusInvoker(caller, time.Second).InvokeAgent(context.Background(), "bad", domain.AgentRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAgentInvocation))
	assert.Contains(t, err.Error(), "model offline")
}

func TestBrokerBusyAgent(t *testing.T) {
	caller, worker := newBusPair(t)
	slow := newStub("slow", 1)
	slow.delay = 100 * time.Millisecond
	startBroker(t, worker, slow)

	inv := NewBusInvoker(caller, time.Second)
	first := make(chan error, 1)
	go func() {
		_, err := inv.InvokeAgent(context.Background(), "slow", domain.AgentRequest{Context: map[string]any{domain.ContextCoordinationID: "c1"}})
		first <- err
	}()
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, 2*time.Millisecond)

	_, err := inv.InvokeAgent(context.Background(), "slow", domain.AgentRequest{Context: map[string]any{domain.ContextCoordinationID: "c2"}})
	assert.True(t, errors.Is(err, domain.ErrAgentBusy))
	assert.NoError(t, <-first)
}

func TestBusInvokerTimesOutForUnservedAgent(t *testing.T) {
	caller, worker := newBusPair(t)
	startBroker(t, worker, newStub("therapy", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := NewBusInvoker(caller, time.Minute).InvokeAgent(ctx, "nobody", domain.AgentRequest{})
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.Equal(t, 0, caller.Pending())
}

func TestBrokerDropsRedeliveredRequest(t *testing.T) {
	caller, worker := newBusPair(t)
	stub := newStub("therapy", 0)
	startBroker(t, worker, stub)

	req := domain.AgentRequest{Input: "x"}
	msg, err := caller.Request(context.Background(), "therapy", "dup:therapy", req, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Payload)

	_, err = caller.Request(context.Background(), "therapy", "dup:therapy", req, 50*time.Millisecond)
	assert.True(t, errors.Is(err, domain.ErrTimeout), "a redelivered request is not answered twice")
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestBrokerDedupWindowExpires(t *testing.T) {
	b := NewBroker(NewRegistry("", nil, testLogger()), nil, 0, testLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	assert.False(t, b.duplicate("x"))
	assert.True(t, b.duplicate("x"))
	now = now.Add(defaultDedupTTL + time.Second)
	assert.False(t, b.duplicate("x"))
	assert.False(t, b.duplicate(""))
	assert.False(t, b.duplicate(""))
}

func TestAgentFromTopic(t *testing.T) {
	assert.Equal(t, "crisis", agentFromTopic("agent.crisis.request"))
	assert.Equal(t, "team.lead", agentFromTopic(messaging.AgentTopic("team.lead")))
}
