// Package transport carries the Coordination Bus between processes.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/usecase/messaging"
)

const defaultChannelPrefix = "mosaic."

// RedisTransport maps bus topics onto Redis pub/sub channels. Subscriptions
// use PSUBSCRIBE, whose glob syntax matches messaging.MatchTopic for
// dot-separated topics.
type RedisTransport struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*goredis.PubSub
	nextID uint64
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewRedisTransport connects to redisURL and verifies the connection.
func NewRedisTransport(ctx context.Context, redisURL, channelPrefix string, logger *slog.Logger) (*RedisTransport, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, domain.NewSubSystemError("transport", "NewRedisTransport", domain.ErrConfiguration,
			fmt.Sprintf("parse redis URL: %v", err))
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus redis ping: %w", err)
	}
	return NewRedisTransportFromClient(client, channelPrefix, logger), nil
}

// NewRedisTransportFromClient wraps an existing client. The transport owns
// it and closes it on Close.
func NewRedisTransportFromClient(client *goredis.Client, channelPrefix string, logger *slog.Logger) *RedisTransport {
	if channelPrefix == "" {
		channelPrefix = defaultChannelPrefix
	}
	return &RedisTransport{
		client: client,
		prefix: channelPrefix,
		logger: logger,
		subs:   make(map[uint64]*goredis.PubSub),
	}
}

// Publish sends data on the channel for topic.
func (t *RedisTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if t.closed.Load() {
		return domain.NewSubSystemError("transport", "RedisTransport.Publish", domain.ErrClosed, topic)
	}
	if err := t.client.Publish(ctx, t.prefix+topic, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe pattern-subscribes to pattern. It returns once Redis has
// confirmed the subscription, so a publish made after Subscribe returns is
// delivered.
func (t *RedisTransport) Subscribe(ctx context.Context, pattern string, deliver func(topic string, data []byte)) (func(), error) {
	if pattern == "" {
		return nil, domain.NewSubSystemError("transport", "RedisTransport.Subscribe", domain.ErrInvalidInput, "empty pattern")
	}
	if t.closed.Load() {
		return nil, domain.NewSubSystemError("transport", "RedisTransport.Subscribe", domain.ErrClosed, pattern)
	}

	ps := t.client.PSubscribe(ctx, t.prefix+pattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = ps
	t.mu.Unlock()

	ch := ps.Channel()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for msg := range ch {
			topic := strings.TrimPrefix(msg.Channel, t.prefix)
			deliver(topic, []byte(msg.Payload))
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			if err := ps.Close(); err != nil {
				t.logger.Debug("redis unsubscribe failed", "pattern", pattern, "error", err)
			}
		})
	}
	context.AfterFunc(ctx, cancel)
	return cancel, nil
}

// Close ends every subscription, waits for in-flight deliveries and closes
// the client.
func (t *RedisTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	subs := make([]*goredis.PubSub, 0, len(t.subs))
	for id, ps := range t.subs {
		subs = append(subs, ps)
		delete(t.subs, id)
	}
	t.mu.Unlock()
	for _, ps := range subs {
		ps.Close()
	}
	t.wg.Wait()
	return t.client.Close()
}

var _ messaging.Transport = (*RedisTransport)(nil)
