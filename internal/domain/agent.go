package domain

import (
	"context"
	"slices"
	"strings"
	"time"
)

// AgentType names an agent's specialization.
type AgentType string

const (
	AgentTypeCrisis      AgentType = "crisis"
	AgentTypeCultural    AgentType = "cultural"
	AgentTypeTherapy     AgentType = "therapy"
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeGeneral     AgentType = "general"
)

// CoordinatorMarker is the role marker that designates the lead agent of a
// hierarchical coordination when it appears in an agent ID.
const CoordinatorMarker = "coordinator"

// AgentDescriptor is the immutable identity of a registered agent.
type AgentDescriptor struct {
	ID              string            `json:"id"               yaml:"id"`
	Name            string            `json:"name"             yaml:"name"`
	Type            AgentType         `json:"type"             yaml:"type"`
	Capabilities    []string          `json:"capabilities"     yaml:"capabilities"`
	Specializations []string          `json:"specializations"  yaml:"specializations"`
	MaxConcurrency  int               `json:"max_concurrency"  yaml:"max_concurrency"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// HasCapability reports whether the agent declares the given capability.
func (d AgentDescriptor) HasCapability(c string) bool {
	return slices.ContainsFunc(d.Capabilities, func(have string) bool {
		return strings.EqualFold(have, c)
	})
}

// Declares reports whether term appears among the agent's capabilities or
// specializations.
func (d AgentDescriptor) Declares(term string) bool {
	return d.HasCapability(term) || slices.ContainsFunc(d.Specializations, func(have string) bool {
		return strings.EqualFold(have, term)
	})
}

// IsCrisisCapable reports whether the agent can take the critical path.
func (d AgentDescriptor) IsCrisisCapable() bool {
	return d.Type == AgentTypeCrisis || d.HasCapability("crisis_intervention")
}

// IsCoordinatorID reports whether agentID carries the coordinator role marker.
func IsCoordinatorID(agentID string) bool {
	return strings.Contains(strings.ToLower(agentID), CoordinatorMarker)
}

// AgentRequest is the input handed to an agent for one turn.
type AgentRequest struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Input     string         `json:"input"`
	Context   map[string]any `json:"context,omitempty"`
}

// AgentResponse is the output of a single agent invocation.
type AgentResponse struct {
	AgentID           string         `json:"agent_id"`
	Content           string         `json:"content"`
	Confidence        float64        `json:"confidence"`
	EscalationNeeded  bool           `json:"escalation_needed"`
	CulturalRelevance float64        `json:"cultural_relevance,omitempty"`
	ActionItems       []string       `json:"action_items,omitempty"`
	ProcessingTime    time.Duration  `json:"processing_time"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// AgentStatus is a read-only snapshot of a running agent instance.
type AgentStatus struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           AgentType `json:"type"`
	ActiveSessions int       `json:"active_sessions"`
	Available      bool      `json:"available"`
}

// AgentMetrics are the counters an agent keeps about its own invocations.
type AgentMetrics struct {
	TotalCalls      int64         `json:"total_calls"`
	Failures        int64         `json:"failures"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastCall        time.Time     `json:"last_call,omitempty"`
}

// SuccessRate returns the fraction of successful calls, 1 when nothing ran yet.
func (m AgentMetrics) SuccessRate() float64 {
	if m.TotalCalls == 0 {
		return 1
	}
	return float64(m.TotalCalls-m.Failures) / float64(m.TotalCalls)
}

// Agent is a unit offering one specialization.
type Agent interface {
	Descriptor() AgentDescriptor
	Invoke(ctx context.Context, req AgentRequest) (*AgentResponse, error)
	Status() AgentStatus
	Metrics() AgentMetrics
}

// AgentInvoker dispatches a request to an agent by ID. The coordination
// layer depends on this narrow contract rather than on concrete agents.
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, agentID string, req AgentRequest) (*AgentResponse, error)
}

// AgentInvokerFunc adapts a function to AgentInvoker.
type AgentInvokerFunc func(ctx context.Context, agentID string, req AgentRequest) (*AgentResponse, error)

func (f AgentInvokerFunc) InvokeAgent(ctx context.Context, agentID string, req AgentRequest) (*AgentResponse, error) {
	return f(ctx, agentID, req)
}
