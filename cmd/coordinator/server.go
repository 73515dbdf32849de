package main

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/usecase/messaging"
)

// orchestrator runs one user turn.
type orchestrator interface {
	Orchestrate(ctx context.Context, oc domain.OrchestrationContext) domain.OrchestrationResult
}

// mentionResolver extracts an @agent prefix from user input.
type mentionResolver interface {
	Resolve(input string) (agentID, rest string, ok bool)
}

// orchestrationServer answers orchestration requests arriving on the
// Coordination Bus. Each request carries an OrchestrationContext and gets
// the OrchestrationResult on its reply topic.
type orchestrationServer struct {
	orch     orchestrator
	bus      *messaging.Bus
	topic    string
	mentions mentionResolver // optional
	logger   *slog.Logger

	mu       sync.Mutex
	unsub    func()
	inflight sync.WaitGroup
}

func newOrchestrationServer(orch orchestrator, bus *messaging.Bus, topic string, mentions mentionResolver, logger *slog.Logger) *orchestrationServer {
	return &orchestrationServer{
		orch:     orch,
		bus:      bus,
		topic:    topic,
		mentions: mentions,
		logger:   logger,
	}
}

func (s *orchestrationServer) Start() error {
	unsub, err := s.bus.Subscribe(s.topic, s.handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
	s.logger.Info("orchestration server listening", "topic", s.topic, "node_id", s.bus.NodeID())
	return nil
}

// Stop unsubscribes and waits for in-flight turns to be answered.
func (s *orchestrationServer) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.inflight.Wait()
}

func (s *orchestrationServer) handle(ctx context.Context, msg messaging.Message) {
	if msg.Kind != messaging.KindRequest {
		return
	}
	s.inflight.Add(1)
	defer s.inflight.Done()

	var oc domain.OrchestrationContext
	if err := msg.Decode(&oc); err != nil {
		s.logger.Warn("rejecting orchestration request", "correlation_id", msg.CorrelationID, "error", err)
		s.reply(ctx, msg, nil, err)
		return
	}
	if s.mentions != nil {
		if agentID, rest, ok := s.mentions.Resolve(oc.Input); ok {
			if rest != "" {
				oc.Input = rest
			}
			if !slices.Contains(oc.PreferredAgents, agentID) {
				oc.PreferredAgents = append([]string{agentID}, oc.PreferredAgents...)
			}
		}
	}

	res := s.orch.Orchestrate(ctx, oc)
	s.reply(ctx, msg, res, nil)
}

func (s *orchestrationServer) reply(ctx context.Context, req messaging.Message, payload any, err error) {
	if req.ReplyTo == "" {
		return
	}
	if rerr := s.bus.Reply(ctx, req, payload, err); rerr != nil {
		s.logger.Warn("orchestration reply failed", "correlation_id", req.CorrelationID, "error", rerr)
	}
}
