package routing

import "time"

// AgentStats are exponential moving averages of an agent's recent calls.
type AgentStats struct {
	SuccessRate  float64       `json:"success_rate"`
	ResponseTime time.Duration `json:"response_time"`
	Satisfaction float64       `json:"satisfaction"` // 0-5
	Samples      int           `json:"samples"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// defaultSatisfaction seeds the satisfaction average until feedback arrives.
const defaultSatisfaction = 3.5

// UpdateAgentPerformance folds one observation into the agent's moving
// averages. The first observation initialises them. A nil satisfaction leaves
// that average unchanged.
func (r *Router) UpdateAgentPerformance(agentID string, responseTime time.Duration, success bool, satisfaction *float64) {
	if agentID == "" {
		return
	}
	ok := 0.0
	if success {
		ok = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, found := r.stats[agentID]
	if !found {
		st = &AgentStats{SuccessRate: ok, ResponseTime: responseTime, Satisfaction: defaultSatisfaction}
		if satisfaction != nil {
			st.Satisfaction = *satisfaction
		}
		st.Samples = 1
		st.UpdatedAt = r.now()
		r.stats[agentID] = st
		return
	}

	a := r.opts.EMAAlpha
	st.SuccessRate = a*ok + (1-a)*st.SuccessRate
	st.ResponseTime = time.Duration(a*float64(responseTime) + (1-a)*float64(st.ResponseTime))
	if satisfaction != nil {
		st.Satisfaction = a**satisfaction + (1-a)*st.Satisfaction
	}
	st.Samples++
	st.UpdatedAt = r.now()
}

// Stats returns a copy of the agent's moving averages.
func (r *Router) Stats(agentID string) (AgentStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stats[agentID]
	if !ok {
		return AgentStats{}, false
	}
	return *st, true
}

// RecordSatisfaction folds a user rating into an agent's satisfaction
// average. Ratings for agents with no recorded calls are dropped.
func (r *Router) RecordSatisfaction(agentID string, satisfaction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stats[agentID]
	if !ok {
		return
	}
	a := r.opts.EMAAlpha
	st.Satisfaction = a*satisfaction + (1-a)*st.Satisfaction
	st.UpdatedAt = r.now()
}
