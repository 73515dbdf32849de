package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic-ai/internal/domain"
)

func newTestBus(t *testing.T) (*Bus, *LocalTransport) {
	t.Helper()
	tr := NewLocalTransport()
	b, err := New(context.Background(), tr, "test", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Close()
		tr.Close()
	})
	return b, tr
}

// echoAgent replies to requests on agentID's topic with the decoded input,
// replying dup times per request.
func echoAgent(t *testing.T, b *Bus, agentID string, dup int) {
	t.Helper()
	_, err := b.Subscribe(AgentTopic(agentID), func(ctx context.Context, msg Message) {
		var req domain.AgentRequest
		if err := msg.Decode(&req); err != nil {
			_ = b.Reply(ctx, msg, nil, err)
			return
		}
		for i := 0; i < dup; i++ {
			_ = b.Reply(ctx, msg, domain.AgentResponse{AgentID: agentID, Content: req.Input, Confidence: float64(i + 1)}, nil)
		}
	})
	require.NoError(t, err)
}

func TestPublishSubscribePattern(t *testing.T) {
	b, _ := newTestBus(t)

	var mu sync.Mutex
	var topics []string
	done := make(chan struct{}, 4)
	_, err := b.Subscribe("agent.*.request", func(_ context.Context, msg Message) {
		mu.Lock()
		topics = append(topics, msg.Topic)
		mu.Unlock()
		done <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "agent.crisis.request", map[string]string{"x": "y"}))
	require.NoError(t, b.Publish(context.Background(), "agent.therapy.request", nil))
	require.NoError(t, b.Publish(context.Background(), "orchestration.request", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"agent.crisis.request", "agent.therapy.request"}, topics)
}

func TestRequestRoundTrip(t *testing.T) {
	b, _ := newTestBus(t)
	echoAgent(t, b, "therapy", 1)

	msg, err := b.Request(context.Background(), "therapy", CorrelationKey("c1", "therapy"),
		domain.AgentRequest{SessionID: "s1", Input: "hello"}, time.Second)
	require.NoError(t, err)
	require.NoError(t, msg.Err())

	var resp domain.AgentResponse
	require.NoError(t, msg.Decode(&resp))
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "c1:therapy", msg.CorrelationID)
	assert.Equal(t, 0, b.Pending())
}

func TestCallArbitraryTopic(t *testing.T) {
	b, _ := newTestBus(t)
	_, err := b.Subscribe("orchestration.request", func(ctx context.Context, msg Message) {
		_ = b.Reply(ctx, msg, map[string]string{"echo": string(msg.Payload)}, nil)
	})
	require.NoError(t, err)

	msg, err := b.Call(context.Background(), "orchestration.request", "call-1", "ping", time.Second)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, msg.Decode(&out))
	assert.Equal(t, `"ping"`, out["echo"])
}

func TestFirstReplyWins(t *testing.T) {
	b, _ := newTestBus(t)
	echoAgent(t, b, "dup", 3)

	msg, err := b.Request(context.Background(), "dup", "c2:dup", domain.AgentRequest{Input: "x"}, time.Second)
	require.NoError(t, err)
	var resp domain.AgentResponse
	require.NoError(t, msg.Decode(&resp))
	assert.Contains(t, []float64{1, 2, 3}, resp.Confidence)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, b.Pending(), "late duplicates must not re-register a waiter")
}

func TestRemoteErrorPropagates(t *testing.T) {
	b, _ := newTestBus(t)
	_, err := b.Subscribe(AgentTopic("broken"), func(ctx context.Context, msg Message) {
		_ = b.Reply(ctx, msg, nil, domain.NewDomainError("agent.Invoke", domain.ErrAgentInvocation, "boom"))
	})
	require.NoError(t, err)

	msg, err := b.Request(context.Background(), "broken", "c3:broken", domain.AgentRequest{}, time.Second)
	require.NoError(t, err)
	rerr := msg.Err()
	require.Error(t, rerr)
	assert.True(t, errors.Is(rerr, domain.ErrAgentInvocation))
	assert.Contains(t, rerr.Error(), "boom")
}

func TestAwaitTimeoutRemovesWaiter(t *testing.T) {
	b, _ := newTestBus(t)

	start := time.Now()
	_, err := b.Request(context.Background(), "silent", "c4:silent", domain.AgentRequest{}, 40*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0, b.Pending())

	_, err = b.AwaitResponse(context.Background(), "c5:none", 10*time.Millisecond)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.Equal(t, 0, b.Pending())
}

func TestAwaitContextDeadlineIsTimeout(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.AwaitResponse(ctx, "c6:x", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrTimeout))

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = b.AwaitResponse(ctx2, "c7:x", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.Pending())
}

func TestDuplicateWaiterRejected(t *testing.T) {
	b, _ := newTestBus(t)

	errs := make(chan error, 1)
	go func() {
		_, err := b.AwaitResponse(context.Background(), "c8:x", 200*time.Millisecond)
		errs <- err
	}()
	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, err := b.AwaitResponse(context.Background(), "c8:x", 10*time.Millisecond)
	assert.True(t, errors.Is(err, domain.ErrDuplicate))
	assert.True(t, errors.Is(<-errs, domain.ErrTimeout))
}

func TestCloseRejectsPendingWaiters(t *testing.T) {
	tr := NewLocalTransport()
	defer tr.Close()
	b, err := New(context.Background(), tr, "", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.NotEmpty(t, b.NodeID())

	var rejected atomic.Int32
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := b.AwaitResponse(context.Background(), "c9:"+id, time.Minute)
			if errors.Is(err, domain.ErrClosed) {
				rejected.Add(1)
			}
		}(id)
	}
	require.Eventually(t, func() bool { return b.Pending() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
	wg.Wait()
	assert.Equal(t, int32(3), rejected.Load())
	assert.Equal(t, 0, b.Pending())

	err = b.Publish(context.Background(), "x", nil)
	assert.True(t, errors.Is(err, domain.ErrClosed))
	_, err = b.Subscribe("x", func(context.Context, Message) {})
	assert.True(t, errors.Is(err, domain.ErrClosed))
	assert.NoError(t, b.Close())
}

func TestReplyRequiresReplyTopic(t *testing.T) {
	b, _ := newTestBus(t)
	err := b.Reply(context.Background(), Message{CorrelationID: "x"}, nil, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestTwoBusesShareTransport(t *testing.T) {
	tr := NewLocalTransport()
	defer tr.Close()
	caller, err := New(context.Background(), tr, "caller", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer caller.Close()
	worker, err := New(context.Background(), tr, "worker", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer worker.Close()

	echoAgent(t, worker, "cultural", 1)

	msg, err := caller.Request(context.Background(), "cultural", "c10:cultural", domain.AgentRequest{Input: "hola"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker", msg.Sender)
	var resp domain.AgentResponse
	require.NoError(t, msg.Decode(&resp))
	assert.Equal(t, "hola", resp.Content)
}
