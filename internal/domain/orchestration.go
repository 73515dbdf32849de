package domain

import "time"

// SystemFallbackAgentID is the agent id carried by the synthetic response
// returned when orchestration cannot produce a real one.
const SystemFallbackAgentID = "system_fallback"

// SystemFallbackMessage is the human-readable content of the fallback response.
const SystemFallbackMessage = "I'm having a little trouble responding right now. Please try again in a moment, " +
	"and if you need immediate help, reach out to someone you trust or a local crisis line."

// OrchestrationContext is the input to one orchestrate call.
type OrchestrationContext struct {
	SessionID            string         `json:"session_id"`
	UserID               string         `json:"user_id,omitempty"`
	Input                string         `json:"input"`
	Urgency              Urgency        `json:"urgency"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	ExcludedAgents       []string       `json:"excluded_agents,omitempty"`
	PreferredAgents      []string       `json:"preferred_agents,omitempty"`
	CulturalProfile      []string       `json:"cultural_profile,omitempty"`
	MaxResponseTime      time.Duration  `json:"max_response_time,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// RoutingContext projects the orchestration input onto the router's view.
func (c OrchestrationContext) RoutingContext() RoutingContext {
	return RoutingContext{
		SessionID:            c.SessionID,
		UserID:               c.UserID,
		Input:                c.Input,
		Urgency:              c.Urgency,
		CulturalProfile:      c.CulturalProfile,
		PreferredAgents:      c.PreferredAgents,
		Blacklist:            c.ExcludedAgents,
		RequiredCapabilities: c.RequiredCapabilities,
		Requirements:         RoutingRequirements{MaxResponseTime: c.MaxResponseTime},
	}
}

// SystemFallbackResponse builds the well-formed response returned instead of an error.
func SystemFallbackResponse(reason string) AgentResponse {
	return AgentResponse{
		AgentID:    SystemFallbackAgentID,
		Content:    SystemFallbackMessage,
		Confidence: 0,
		Metadata:   map[string]any{"fallback_reason": reason},
	}
}

// SessionRecord is the per-session state the orchestrator persists between turns.
type SessionRecord struct {
	SessionID          string    `json:"session_id"`
	UserID             string    `json:"user_id,omitempty"`
	LastAgentID        string    `json:"last_agent_id"`
	RecentAgents       []string  `json:"recent_agents,omitempty"`
	EscalationRequired bool      `json:"escalation_required"`
	Turns              int       `json:"turns"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// RememberAgent records agentID as the latest agent of the session, keeping
// at most limit distinct recent agents, most recent first.
func (s *SessionRecord) RememberAgent(agentID string, limit int) {
	s.LastAgentID = agentID
	recent := []string{agentID}
	for _, id := range s.RecentAgents {
		if id != agentID && len(recent) < limit {
			recent = append(recent, id)
		}
	}
	s.RecentAgents = recent
}

// OrchestrationResult is what orchestrate returns. It is always well formed:
// on total failure Responses holds the system fallback response.
type OrchestrationResult struct {
	SessionID    string              `json:"session_id"`
	Strategy     string              `json:"strategy"`
	Responses    []AgentResponse     `json:"responses"`
	Synthesis    string              `json:"synthesis"`
	Routing      *RoutingDecision    `json:"routing,omitempty"`
	Coordination *CoordinationResult `json:"coordination,omitempty"`
	Escalated    bool                `json:"escalated"`
	Fallback     bool                `json:"fallback"`
	Duration     time.Duration       `json:"duration"`
}
