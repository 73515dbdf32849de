package transport

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/usecase/messaging"
)

func newTransport(t *testing.T, mr *miniredis.Miniredis) *RedisTransport {
	t.Helper()
	tr, err := NewRedisTransport(context.Background(), "redis://"+mr.Addr(), "test.", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

type inbox struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func (in *inbox) deliver(topic string, data []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.msgs == nil {
		in.msgs = make(map[string][]string)
	}
	in.msgs[topic] = append(in.msgs[topic], string(data))
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, m := range in.msgs {
		n += len(m)
	}
	return n
}

func TestRedisTransport_PatternDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTransport(t, mr)
	ctx := context.Background()

	got := &inbox{}
	_, err := tr.Subscribe(ctx, "agent.*.request", got.deliver)
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, "agent.crisis.request", []byte("help")))
	require.NoError(t, tr.Publish(ctx, "agent.crisis.reply", []byte("ignored")))

	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	got.mu.Lock()
	assert.Equal(t, []string{"help"}, got.msgs["agent.crisis.request"])
	got.mu.Unlock()
}

func TestRedisTransport_Unsubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTransport(t, mr)
	ctx := context.Background()

	got := &inbox{}
	cancel, err := tr.Subscribe(ctx, "t", got.deliver)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, "t", []byte("1")))
	require.Eventually(t, func() bool { return got.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	cancel()
	require.NoError(t, tr.Publish(ctx, "t", []byte("2")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got.count())
}

func TestRedisTransport_Closed(t *testing.T) {
	mr := miniredis.RunT(t)
	tr := newTransport(t, mr)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Publish(context.Background(), "t", nil), domain.ErrClosed)
	_, err := tr.Subscribe(context.Background(), "t", func(string, []byte) {})
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestRedisTransport_InvalidURL(t *testing.T) {
	_, err := NewRedisTransport(context.Background(), "::", "", slog.New(slog.DiscardHandler))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

// Two buses on separate transports share one Redis: a request from one is
// answered by a handler on the other.
func TestRedisTransport_BusRequestReply(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	server, err := messaging.New(ctx, newTransport(t, mr), "server", logger)
	require.NoError(t, err)
	defer server.Close()
	client, err := messaging.New(ctx, newTransport(t, mr), "client", logger)
	require.NoError(t, err)
	defer client.Close()

	_, err = server.Subscribe(messaging.AgentTopic("echo"), func(ctx context.Context, msg messaging.Message) {
		var in string
		if err := msg.Decode(&in); err != nil {
			return
		}
		server.Reply(ctx, msg, "echo: "+in, nil)
	})
	require.NoError(t, err)

	reply, err := client.Request(ctx, "echo", "corr-1", "hello", 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, reply.Err())
	var out string
	require.NoError(t, reply.Decode(&out))
	assert.Equal(t, "echo: hello", out)
}
