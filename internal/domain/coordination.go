package domain

import (
	"fmt"
	"time"
)

// Strategy names how a task fans out to agents and how results merge.
type Strategy string

const (
	StrategyParallel     Strategy = "parallel"
	StrategySequential   Strategy = "sequential"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyConsensus    Strategy = "consensus"
)

// Valid reports whether s is one of the known coordination strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyParallel, StrategySequential, StrategyHierarchical, StrategyConsensus:
		return true
	}
	return false
}

// Task is the unit of work handed to every agent of a coordination.
type Task struct {
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Context map[string]any `json:"context,omitempty"`
}

// WithContext returns a copy of the task with key set in its context.
// The original context map is never mutated, so concurrent agents may
// each derive their own view of the same task.
func (t Task) WithContext(key string, value any) Task {
	ctx := make(map[string]any, len(t.Context)+1)
	for k, v := range t.Context {
		ctx[k] = v
	}
	ctx[key] = value
	t.Context = ctx
	return t
}

// Task context keys injected by the coordination strategies.
const (
	ContextPreviousResponses   = "previous_responses"
	ContextCoordinatorResponse = "coordinator_response"
	ContextDeliberation        = "deliberation"
	ContextCoordinationID      = "coordination_id"
)

// CoordinationRequest describes one coordination call.
type CoordinationRequest struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id,omitempty"`
	AgentIDs  []string      `json:"agent_ids"`
	Strategy  Strategy      `json:"strategy"`
	Task      Task          `json:"task"`
	Timeout   time.Duration `json:"timeout"`
	Priority  int           `json:"priority"`
	StartTime time.Time     `json:"start_time"`
}

// AgentError is a per-agent failure collected during a fan-out.
type AgentError struct {
	AgentID string    `json:"agent_id"`
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
	Err     error     `json:"-"`
}

// NewAgentError builds an AgentError from a failed call.
func NewAgentError(agentID string, err error) AgentError {
	return AgentError{AgentID: agentID, Message: err.Error(), Code: ErrorCodeOf(err), Err: err}
}

func (e AgentError) Error() string {
	return fmt.Sprintf("agent %q: %s", e.AgentID, e.Message)
}

func (e AgentError) Unwrap() error { return e.Err }

// CoordinationResult is the immutable outcome of a coordination call.
// len(Responses)+len(Errors) equals the number of agent dispatches.
type CoordinationResult struct {
	CoordinationID string          `json:"coordination_id"`
	Strategy       Strategy        `json:"strategy"`
	Responses      []AgentResponse `json:"responses"`
	Errors         []AgentError    `json:"errors,omitempty"`
	Success        bool            `json:"success"`
	TotalTime      time.Duration   `json:"total_time"`
	Rounds         int             `json:"rounds,omitempty"`
	ConsensusScore float64         `json:"consensus_score,omitempty"`
	Escalated      bool            `json:"escalated,omitempty"`
	Synthesis      string          `json:"synthesis,omitempty"`
}

// CompletedAgents returns the ids of agents that produced a response.
func (r CoordinationResult) CompletedAgents() []string {
	ids := make([]string, 0, len(r.Responses))
	seen := make(map[string]struct{}, len(r.Responses))
	for _, resp := range r.Responses {
		if _, ok := seen[resp.AgentID]; ok {
			continue
		}
		seen[resp.AgentID] = struct{}{}
		ids = append(ids, resp.AgentID)
	}
	return ids
}
