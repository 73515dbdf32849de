package multiagent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/usecase/messaging"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultDedupTTL    = 5 * time.Minute
)

// Broker serves the registry's agents on the Coordination Bus. It listens on
// every agent request topic, invokes the local agent and replies on the
// request's reply topic. Requests for agents not registered here are left
// for other nodes. Redelivered requests are answered once.
type Broker struct {
	registry    *Registry
	bus         *messaging.Bus
	logger      *slog.Logger
	callTimeout time.Duration
	dedupTTL    time.Duration
	now         func() time.Time

	mu    sync.Mutex
	seen  map[string]time.Time
	unsub func()
}

// NewBroker creates a Broker. callTimeout bounds each agent call; zero
// means 30s.
func NewBroker(registry *Registry, bus *messaging.Bus, callTimeout time.Duration, logger *slog.Logger) *Broker {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Broker{
		registry:    registry,
		bus:         bus,
		logger:      logger,
		callTimeout: callTimeout,
		dedupTTL:    defaultDedupTTL,
		now:         time.Now,
		seen:        make(map[string]time.Time),
	}
}

// Start subscribes to agent request topics.
func (b *Broker) Start(_ context.Context) error {
	unsub, err := b.bus.Subscribe(messaging.AgentTopicPattern, b.handle)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.unsub = unsub
	b.mu.Unlock()
	b.logger.Info("agent broker started", "node_id", b.bus.NodeID())
	return nil
}

// Stop unsubscribes from the bus.
func (b *Broker) Stop() {
	b.mu.Lock()
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (b *Broker) handle(ctx context.Context, msg messaging.Message) {
	if msg.Kind != messaging.KindRequest {
		return
	}
	agentID := agentFromTopic(msg.Topic)
	if _, err := b.registry.Get(agentID); err != nil {
		b.logger.Debug("request for agent not served here", "agent_id", agentID, "topic", msg.Topic)
		return
	}
	if b.duplicate(msg.CorrelationID) {
		b.logger.Debug("dropping redelivered request", "agent_id", agentID, "correlation_id", msg.CorrelationID)
		return
	}

	var req domain.AgentRequest
	if err := msg.Decode(&req); err != nil {
		b.reply(ctx, msg, nil, err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	resp, err := b.registry.InvokeAgent(callCtx, agentID, req)
	if err != nil {
		b.logger.Warn("agent call failed", "agent_id", agentID, "correlation_id", msg.CorrelationID, "error", err)
	}
	b.reply(ctx, msg, resp, err)
}

func (b *Broker) reply(ctx context.Context, req messaging.Message, resp *domain.AgentResponse, err error) {
	if req.ReplyTo == "" {
		return
	}
	var payload any
	if resp != nil {
		payload = resp
	}
	if rerr := b.bus.Reply(ctx, req, payload, err); rerr != nil {
		b.logger.Warn("reply failed", "correlation_id", req.CorrelationID, "error", rerr)
	}
}

// duplicate records correlationID and reports whether it was already seen
// within the dedup window. Expired entries are pruned on the way.
func (b *Broker) duplicate(correlationID string) bool {
	if correlationID == "" {
		return false
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, at := range b.seen {
		if now.Sub(at) > b.dedupTTL {
			delete(b.seen, id)
		}
	}
	if _, ok := b.seen[correlationID]; ok {
		return true
	}
	b.seen[correlationID] = now
	return false
}

// agentFromTopic extracts <id> from "agent.<id>.request".
func agentFromTopic(topic string) string {
	id := strings.TrimPrefix(topic, "agent.")
	return strings.TrimSuffix(id, ".request")
}

// BusInvoker invokes agents through the Coordination Bus. Each call is
// correlated by coordination id and agent id.
type BusInvoker struct {
	bus     *messaging.Bus
	timeout time.Duration
}

// NewBusInvoker creates a BusInvoker. timeout applies when the caller's
// context carries no deadline.
func NewBusInvoker(bus *messaging.Bus, timeout time.Duration) *BusInvoker {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &BusInvoker{bus: bus, timeout: timeout}
}

// InvokeAgent sends req to agentID and waits for its reply.
func (i *BusInvoker) InvokeAgent(ctx context.Context, agentID string, req domain.AgentRequest) (*domain.AgentResponse, error) {
	coordID, _ := req.Context[domain.ContextCoordinationID].(string)
	if coordID == "" {
		coordID = domain.NewID()
	}
	timeout := i.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	msg, err := i.bus.Request(ctx, agentID, messaging.CorrelationKey(coordID, agentID), req, timeout)
	if err != nil {
		return nil, err
	}
	if err := msg.Err(); err != nil {
		return nil, err
	}
	var resp domain.AgentResponse
	if err := msg.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.AgentID == "" {
		resp.AgentID = agentID
	}
	return &resp, nil
}

var _ domain.AgentInvoker = (*BusInvoker)(nil)
