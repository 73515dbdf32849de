package messaging

import (
	"context"
	"path"
	"sync"
	"sync/atomic"

	"mosaic-ai/internal/domain"
)

// Transport moves encoded messages between Bus instances. Topic patterns use
// glob syntax ('*', '?', '[...]'), matching Redis PSUBSCRIBE.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe calls deliver for every message whose topic matches pattern
	// until the returned cancel func runs or ctx ends.
	Subscribe(ctx context.Context, pattern string, deliver func(topic string, data []byte)) (cancel func(), err error)
	Close() error
}

// MatchTopic reports whether topic matches the glob pattern.
func MatchTopic(pattern, topic string) bool {
	ok, err := path.Match(pattern, topic)
	return err == nil && ok
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return domain.NewDomainError("Transport.Subscribe", domain.ErrInvalidInput, "empty pattern")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return domain.NewDomainError("Transport.Subscribe", domain.ErrInvalidInput, pattern)
	}
	return nil
}

type localSub struct {
	pattern string
	deliver func(topic string, data []byte)
}

// LocalTransport delivers messages within the process. Each delivery runs on
// its own goroutine, so handlers may publish without deadlocking.
type LocalTransport struct {
	mu     sync.RWMutex
	subs   map[uint64]localSub
	nextID uint64
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewLocalTransport creates an in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{subs: make(map[uint64]localSub)}
}

// Publish delivers data to every matching subscription.
func (t *LocalTransport) Publish(_ context.Context, topic string, data []byte) error {
	if t.closed.Load() {
		return domain.NewDomainError("LocalTransport.Publish", domain.ErrClosed, topic)
	}

	t.mu.RLock()
	targets := make([]localSub, 0, len(t.subs))
	for _, s := range t.subs {
		if MatchTopic(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range targets {
		buf := make([]byte, len(data))
		copy(buf, data)
		t.wg.Add(1)
		go func(s localSub) {
			defer t.wg.Done()
			s.deliver(topic, buf)
		}(s)
	}
	return nil
}

// Subscribe registers deliver for pattern.
func (t *LocalTransport) Subscribe(ctx context.Context, pattern string, deliver func(topic string, data []byte)) (func(), error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	if t.closed.Load() {
		return nil, domain.NewDomainError("LocalTransport.Subscribe", domain.ErrClosed, pattern)
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = localSub{pattern: pattern, deliver: deliver}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, cancel)
	return cancel, nil
}

// Close rejects further publishes and waits for in-flight deliveries.
func (t *LocalTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.wg.Wait()
	return nil
}

var _ Transport = (*LocalTransport)(nil)
