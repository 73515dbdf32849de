// Package agent provides domain.Agent implementations: remote HTTP agents,
// Bedrock-backed LLM agents and deterministic scripted agents.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
)

const subsystem = "agent"

// base carries the descriptor and call counters shared by every agent kind.
type base struct {
	desc domain.AgentDescriptor

	active atomic.Int64

	mu       sync.Mutex
	calls    int64
	failures int64
	total    time.Duration
	lastCall time.Time
}

func newBase(desc domain.AgentDescriptor) *base {
	return &base{desc: desc}
}

func (b *base) Descriptor() domain.AgentDescriptor { return b.desc }

func (b *base) Status() domain.AgentStatus {
	active := int(b.active.Load())
	return domain.AgentStatus{
		ID:             b.desc.ID,
		Name:           b.desc.Name,
		Type:           b.desc.Type,
		ActiveSessions: active,
		Available:      b.desc.MaxConcurrency <= 0 || active < b.desc.MaxConcurrency,
	}
}

func (b *base) Metrics() domain.AgentMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := domain.AgentMetrics{TotalCalls: b.calls, Failures: b.failures, LastCall: b.lastCall}
	if b.calls > 0 {
		m.AvgResponseTime = b.total / time.Duration(b.calls)
	}
	return m
}

// track runs one invocation, keeping the active count and counters.
func (b *base) track(ctx context.Context, req domain.AgentRequest, fn func(context.Context, domain.AgentRequest) (*domain.AgentResponse, error)) (*domain.AgentResponse, error) {
	b.active.Add(1)
	defer b.active.Add(-1)

	start := time.Now()
	resp, err := fn(ctx, req)
	elapsed := time.Since(start)

	b.mu.Lock()
	b.calls++
	b.total += elapsed
	b.lastCall = start
	if err != nil {
		b.failures++
	}
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	resp.AgentID = b.desc.ID
	if resp.ProcessingTime == 0 {
		resp.ProcessingTime = elapsed
	}
	return resp, nil
}

// DescriptorFromConfig maps an agent instance config to its descriptor.
func DescriptorFromConfig(cfg config.AgentInstanceConfig) domain.AgentDescriptor {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	typ := domain.AgentType(cfg.Type)
	if typ == "" {
		typ = domain.AgentTypeGeneral
	}
	return domain.AgentDescriptor{
		ID:              cfg.ID,
		Name:            name,
		Type:            typ,
		Capabilities:    cfg.Capabilities,
		Specializations: cfg.Specializations,
		MaxConcurrency:  cfg.MaxConcurrency,
		Metadata:        cfg.Metadata,
	}
}

// New builds the agent described by cfg.
func New(ctx context.Context, cfg config.AgentInstanceConfig, logger *slog.Logger) (domain.Agent, error) {
	switch cfg.Kind {
	case "http":
		return NewHTTPAgent(cfg, logger)
	case "bedrock":
		return NewBedrockAgent(ctx, cfg, logger)
	case "", "scripted":
		script := config.ScriptConfig{Response: "I'm here with you.", Confidence: 0.7}
		if cfg.Script != nil {
			script = *cfg.Script
		}
		return NewScriptedAgent(DescriptorFromConfig(cfg), script), nil
	default:
		return nil, domain.NewSubSystemError(subsystem, "New", domain.ErrConfiguration,
			fmt.Sprintf("agent %q: unknown kind %q", cfg.ID, cfg.Kind))
	}
}

// invocationErr wraps a failed call so the dispatcher classifies it as an
// agent invocation failure.
func invocationErr(op, agentID string, err error) error {
	return domain.NewSubSystemError(subsystem, op, domain.ErrAgentInvocation, fmt.Sprintf("%s: %v", agentID, err))
}
