package domain

import "time"

// Urgency grades how time-critical a user turn is.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency level.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// RoutingFactors is the per-factor score breakdown, each in [0,1].
type RoutingFactors struct {
	CulturalMatch     float64 `json:"cultural_match"     yaml:"cultural_match"`
	LoadBalance       float64 `json:"load_balance"       yaml:"load_balance"`
	Performance       float64 `json:"performance"        yaml:"performance"`
	Specialization    float64 `json:"specialization"     yaml:"specialization"`
	UserPreference    float64 `json:"user_preference"    yaml:"user_preference"`
	SessionContinuity float64 `json:"session_continuity" yaml:"session_continuity"`
}

// Weighted returns the dot product of f with the weights w.
func (f RoutingFactors) Weighted(w RoutingFactors) float64 {
	return f.CulturalMatch*w.CulturalMatch +
		f.LoadBalance*w.LoadBalance +
		f.Performance*w.Performance +
		f.Specialization*w.Specialization +
		f.UserPreference*w.UserPreference +
		f.SessionContinuity*w.SessionContinuity
}

// Sum returns the total of all six factors.
func (f RoutingFactors) Sum() float64 {
	return f.CulturalMatch + f.LoadBalance + f.Performance + f.Specialization + f.UserPreference + f.SessionContinuity
}

// RoutingRequirements are hard constraints applied before scoring.
type RoutingRequirements struct {
	MinSuccessRate  float64       `json:"min_success_rate,omitempty"`
	MaxResponseTime time.Duration `json:"max_response_time,omitempty"`
}

// RoutingContext is everything the router knows about the turn being routed.
type RoutingContext struct {
	SessionID            string              `json:"session_id"`
	UserID               string              `json:"user_id,omitempty"`
	Input                string              `json:"input"`
	Urgency              Urgency             `json:"urgency"`
	CulturalProfile      []string            `json:"cultural_profile,omitempty"`
	PreferredAgents      []string            `json:"preferred_agents,omitempty"`
	Blacklist            []string            `json:"blacklist,omitempty"`
	RequiredCapabilities []string            `json:"required_capabilities,omitempty"`
	Requirements         RoutingRequirements `json:"requirements"`
	// ActiveAgent is the agent that handled the session's previous turn.
	ActiveAgent string `json:"active_agent,omitempty"`
	// PriorEscalation is set when the previous turn required escalation.
	PriorEscalation bool `json:"prior_escalation,omitempty"`
}

// ScoredAgent is one ranked candidate.
type ScoredAgent struct {
	AgentID string         `json:"agent_id"`
	Score   float64        `json:"score"`
	Factors RoutingFactors `json:"factors"`
}

// RoutingDecision is the router's ranked pick for one turn.
type RoutingDecision struct {
	SelectedAgent string         `json:"selected_agent"`
	Score         float64        `json:"score"`
	Factors       RoutingFactors `json:"factors"`
	Alternatives  []ScoredAgent  `json:"alternatives,omitempty"`
	Confidence    float64        `json:"confidence"`
	Urgency       Urgency        `json:"urgency"`
	DecidedAt     time.Time      `json:"decided_at"`
}
