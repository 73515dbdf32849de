package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mosaic-ai/internal/domain"
)

type result struct {
	msg Message
	err error
}

// Bus is the Coordination Bus. Every Bus owns a private reply topic; replies
// are matched to waiters by correlation id, and the first reply for an id
// resolves it. Later duplicates find no waiter and are dropped.
type Bus struct {
	transport  Transport
	nodeID     string
	replyTopic string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan result
	unsubs  []func()
	closed  bool
}

// New creates a Bus on transport and subscribes to its reply topic.
// An empty nodeID gets a generated one.
func New(ctx context.Context, transport Transport, nodeID string, logger *slog.Logger) (*Bus, error) {
	if nodeID == "" {
		nodeID = domain.NewPrefixedID("node")
	}
	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &Bus{
		transport:  transport,
		nodeID:     nodeID,
		replyTopic: "reply." + nodeID,
		logger:     logger,
		ctx:        bctx,
		cancel:     cancel,
		pending:    make(map[string]chan result),
	}

	if _, err := b.Subscribe(b.replyTopic, func(_ context.Context, msg Message) {
		if msg.Kind == KindResponse {
			b.resolve(msg)
		}
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe reply topic: %w", err)
	}
	return b, nil
}

// NodeID returns this bus instance's id.
func (b *Bus) NodeID() string { return b.nodeID }

// ReplyTopic returns the topic this bus receives replies on.
func (b *Bus) ReplyTopic() string { return b.replyTopic }

// Publish sends payload on topic as an event message.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return b.send(ctx, Message{Kind: KindEvent, Topic: topic, Payload: raw})
}

// Subscribe delivers every message on topics matching pattern to h.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(pattern string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, domain.NewDomainError("Bus.Subscribe", domain.ErrClosed, pattern)
	}
	b.mu.Unlock()

	cancel, err := b.transport.Subscribe(b.ctx, pattern, func(topic string, data []byte) {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("dropping undecodable message", "topic", topic, "error", err)
			return
		}
		if msg.Topic == "" {
			msg.Topic = topic
		}
		h(b.ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.unsubs = append(b.unsubs, cancel)
	b.mu.Unlock()
	return cancel, nil
}

// SendToAgent publishes msg on agentID's request topic.
func (b *Bus) SendToAgent(ctx context.Context, agentID string, msg Message) error {
	msg.Topic = AgentTopic(agentID)
	if msg.Kind == "" {
		msg.Kind = KindRequest
	}
	return b.send(ctx, msg)
}

// Request sends payload to agentID and waits up to timeout for the reply
// correlated by correlationID. The waiter is registered before the send, so
// a fast reply cannot be missed.
func (b *Bus) Request(ctx context.Context, agentID, correlationID string, payload any, timeout time.Duration) (Message, error) {
	return b.Call(ctx, AgentTopic(agentID), correlationID, payload, timeout)
}

// Call is Request for an arbitrary topic, such as an orchestration server's
// request topic.
func (b *Bus) Call(ctx context.Context, topic, correlationID string, payload any, timeout time.Duration) (Message, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Message{}, err
	}
	ch, err := b.expect(correlationID)
	if err != nil {
		return Message{}, err
	}
	err = b.send(ctx, Message{
		Kind:          KindRequest,
		Topic:         topic,
		CorrelationID: correlationID,
		ReplyTo:       b.replyTopic,
		Payload:       raw,
	})
	if err != nil {
		b.forget(correlationID)
		return Message{}, err
	}
	return b.wait(ctx, correlationID, ch, timeout)
}

// AwaitResponse waits up to timeout for the reply with correlationID.
// Replies that arrive before the wait is registered are dropped; use Request
// to send and wait without that gap.
func (b *Bus) AwaitResponse(ctx context.Context, correlationID string, timeout time.Duration) (Message, error) {
	ch, err := b.expect(correlationID)
	if err != nil {
		return Message{}, err
	}
	return b.wait(ctx, correlationID, ch, timeout)
}

// Reply answers req on its reply topic. A non-nil callErr is carried as the
// reply's error and code.
func (b *Bus) Reply(ctx context.Context, req Message, payload any, callErr error) error {
	if req.ReplyTo == "" {
		return domain.NewDomainError("Bus.Reply", domain.ErrInvalidInput, "request has no reply topic")
	}
	msg := Message{Kind: KindResponse, Topic: req.ReplyTo, CorrelationID: req.CorrelationID}
	if callErr != nil {
		msg.Error = callErr.Error()
		msg.ErrorCode = domain.ErrorCodeOf(callErr)
	} else {
		raw, err := encodePayload(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	return b.send(ctx, msg)
}

// Pending returns the number of registered waiters.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close rejects every pending waiter with ErrClosed and drops all
// subscriptions. The transport is left open for its owner to close.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]chan result)
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()

	for id, ch := range pending {
		ch <- result{err: domain.NewDomainError("Bus.AwaitResponse", domain.ErrClosed, id)}
	}
	for _, u := range unsubs {
		u()
	}
	b.cancel()
	if len(pending) > 0 {
		b.logger.Info("coordination bus closed", "rejected_waiters", len(pending))
	}
	return nil
}

func (b *Bus) send(ctx context.Context, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return domain.NewDomainError("Bus.Publish", domain.ErrClosed, msg.Topic)
	}

	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	msg.Sender = b.nodeID
	msg.SentAt = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.transport.Publish(ctx, msg.Topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *Bus) expect(correlationID string) (chan result, error) {
	if correlationID == "" {
		return nil, domain.NewDomainError("Bus.AwaitResponse", domain.ErrInvalidInput, "empty correlation id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domain.NewDomainError("Bus.AwaitResponse", domain.ErrClosed, correlationID)
	}
	if _, ok := b.pending[correlationID]; ok {
		return nil, domain.NewDomainError("Bus.AwaitResponse", domain.ErrDuplicate, correlationID)
	}
	ch := make(chan result, 1)
	b.pending[correlationID] = ch
	return ch, nil
}

func (b *Bus) forget(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

func (b *Bus) resolve(msg Message) {
	b.mu.Lock()
	ch, ok := b.pending[msg.CorrelationID]
	if ok {
		delete(b.pending, msg.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("dropping unmatched reply", "correlation_id", msg.CorrelationID)
		return
	}
	ch <- result{msg: msg}
}

func (b *Bus) wait(ctx context.Context, correlationID string, ch chan result, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-timer.C:
		b.forget(correlationID)
		return Message{}, domain.NewDomainError("Bus.AwaitResponse", domain.ErrTimeout,
			fmt.Sprintf("%s after %s", correlationID, timeout))
	case <-ctx.Done():
		b.forget(correlationID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, domain.NewDomainError("Bus.AwaitResponse", domain.ErrTimeout, correlationID)
		}
		return Message{}, ctx.Err()
	}
}
