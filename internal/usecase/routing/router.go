// Package routing is the intelligent router: it filters candidate agents on
// hard constraints, scores the survivors on six weighted factors and returns
// a ranked decision. Scoring is deterministic for identical inputs.
package routing

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
	"mosaic-ai/internal/infra/metrics"
	"mosaic-ai/internal/usecase/coordination"
)

// Candidate is one agent offered to the router with its live state.
type Candidate struct {
	Descriptor     domain.AgentDescriptor
	ActiveSessions int
	// BreakerOpen is true while the agent's circuit rejects calls.
	BreakerOpen bool
}

// Options configures a Router.
type Options struct {
	Weights     domain.RoutingFactors
	HistorySize int
	EMAAlpha    float64
	Alternates  int
	// ResponseTimeCeiling normalises response times; at or above it the
	// response-time component scores zero.
	ResponseTimeCeiling time.Duration
}

// OptionsFromConfig maps the routing config section.
func OptionsFromConfig(cfg config.RoutingConfig, ceiling time.Duration) Options {
	w := cfg.Weights
	return Options{
		Weights: domain.RoutingFactors{
			CulturalMatch:     w.CulturalMatch,
			LoadBalance:       w.LoadBalance,
			Performance:       w.Performance,
			Specialization:    w.Specialization,
			UserPreference:    w.UserPreference,
			SessionContinuity: w.SessionContinuity,
		},
		HistorySize:         cfg.HistorySize,
		EMAAlpha:            cfg.EMAAlpha,
		Alternates:          cfg.Alternates,
		ResponseTimeCeiling: ceiling,
	}
}

// DefaultWeights apply to low and medium urgency.
var DefaultWeights = domain.RoutingFactors{
	CulturalMatch:     0.20,
	LoadBalance:       0.15,
	Performance:       0.25,
	Specialization:    0.20,
	UserPreference:    0.10,
	SessionContinuity: 0.10,
}

var (
	highWeights = domain.RoutingFactors{
		CulturalMatch:     0.10,
		LoadBalance:       0.15,
		Performance:       0.35,
		Specialization:    0.25,
		UserPreference:    0.075,
		SessionContinuity: 0.075,
	}
	criticalWeights = domain.RoutingFactors{
		CulturalMatch:     0.05,
		LoadBalance:       0.15,
		Performance:       0.40,
		Specialization:    0.30,
		UserPreference:    0.05,
		SessionContinuity: 0.05,
	}
)

func (o Options) withDefaults() Options {
	if o.Weights.Sum() == 0 {
		o.Weights = DefaultWeights
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 50
	}
	if o.EMAAlpha <= 0 || o.EMAAlpha > 1 {
		o.EMAAlpha = 0.2
	}
	if o.Alternates <= 0 {
		o.Alternates = 3
	}
	if o.ResponseTimeCeiling <= 0 {
		o.ResponseTimeCeiling = 10 * time.Second
	}
	return o
}

// Router scores and ranks agents.
type Router struct {
	opts    Options
	bus     domain.EventBus    // optional
	metrics *metrics.Collector // optional
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	stats   map[string]*AgentStats
	history map[string][]domain.RoutingDecision
}

// New creates a Router.
func New(opts Options, bus domain.EventBus, collector *metrics.Collector, logger *slog.Logger) *Router {
	return &Router{
		opts:    opts.withDefaults(),
		bus:     bus,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
		stats:   make(map[string]*AgentStats),
		history: make(map[string][]domain.RoutingDecision),
	}
}

// WeightsFor returns the factor weights applied at urgency u.
func (r *Router) WeightsFor(u domain.Urgency) domain.RoutingFactors {
	switch u {
	case domain.UrgencyCritical:
		return criticalWeights
	case domain.UrgencyHigh:
		return highWeights
	default:
		return r.opts.Weights
	}
}

// Route ranks candidates for rc. Returns ErrNoEligibleAgents when the hard
// constraints leave nobody.
func (r *Router) Route(ctx context.Context, candidates []Candidate, rc domain.RoutingContext) (domain.RoutingDecision, error) {
	eligible := r.prefilter(candidates, rc)
	if len(eligible) == 0 {
		return domain.RoutingDecision{}, domain.NewDomainError("Router.Route", domain.ErrNoEligibleAgents,
			"all candidates filtered by hard constraints")
	}

	weights := r.WeightsFor(rc.Urgency)
	recent := r.recentAgents(rc.SessionID)

	scored := make([]domain.ScoredAgent, 0, len(eligible))
	crisis := make(map[string]bool, len(eligible))
	for _, c := range eligible {
		f := r.factors(c, rc, recent)
		scored = append(scored, domain.ScoredAgent{
			AgentID: c.Descriptor.ID,
			Score:   clamp01(f.Weighted(weights)),
			Factors: f,
		})
		crisis[c.Descriptor.ID] = c.Descriptor.IsCrisisCapable()
	}
	// Crisis agents lose ties below critical urgency so they stay free for
	// the critical path.
	critical := rc.Urgency == domain.UrgencyCritical
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if a, b := crisis[scored[i].AgentID], crisis[scored[j].AgentID]; !critical && a != b {
			return b
		}
		return scored[i].AgentID < scored[j].AgentID
	})

	top := scored[0]
	decision := domain.RoutingDecision{
		SelectedAgent: top.AgentID,
		Score:         top.Score,
		Factors:       top.Factors,
		Confidence:    confidence(scored),
		Urgency:       rc.Urgency,
		DecidedAt:     r.now(),
	}
	if n := min(r.opts.Alternates, len(scored)-1); n > 0 {
		decision.Alternatives = append([]domain.ScoredAgent(nil), scored[1:1+n]...)
	}

	r.remember(rc.SessionID, decision)
	r.metrics.IncRouted(decision.SelectedAgent)
	if r.bus != nil {
		r.bus.Publish(ctx, domain.NewEvent(domain.EventAgentRouted, rc.SessionID, decision))
	}
	r.logger.Debug("agent routed",
		"session_id", rc.SessionID,
		"agent_id", decision.SelectedAgent,
		"score", decision.Score,
		"confidence", decision.Confidence,
		"urgency", string(rc.Urgency),
	)
	return decision, nil
}

// prefilter drops open-circuit, blacklisted, saturated and under-performing
// agents.
func (r *Router) prefilter(candidates []Candidate, rc domain.RoutingContext) []Candidate {
	blocked := make(map[string]struct{}, len(rc.Blacklist))
	for _, id := range rc.Blacklist {
		blocked[id] = struct{}{}
	}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		d := c.Descriptor
		if _, ok := blocked[d.ID]; ok || c.BreakerOpen {
			continue
		}
		if d.MaxConcurrency > 0 && c.ActiveSessions >= d.MaxConcurrency {
			continue
		}
		if st, ok := r.Stats(d.ID); ok && st.Samples > 0 {
			if req := rc.Requirements.MinSuccessRate; req > 0 && st.SuccessRate < req {
				continue
			}
			if req := rc.Requirements.MaxResponseTime; req > 0 && st.ResponseTime > req {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func (r *Router) factors(c Candidate, rc domain.RoutingContext, recent []string) domain.RoutingFactors {
	d := c.Descriptor
	return domain.RoutingFactors{
		CulturalMatch:     culturalMatch(d, rc.CulturalProfile),
		LoadBalance:       loadBalance(d, c.ActiveSessions),
		Performance:       r.performance(d.ID),
		Specialization:    specialization(d, rc),
		UserPreference:    userPreference(d.ID, rc.PreferredAgents, recent),
		SessionContinuity: sessionContinuity(d, rc, recent),
	}
}

// culturalMatch is the share of the requester's cultural profile covered by
// the agent's specializations and capabilities; 0.5 when no profile is given.
func culturalMatch(d domain.AgentDescriptor, profile []string) float64 {
	if len(profile) == 0 {
		return 0.5
	}
	have := termSet(append(append([]string(nil), d.Specializations...), d.Capabilities...))
	matched := 0
	for _, p := range profile {
		if _, ok := have[normalize(p)]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(profile))
}

// loadBalance is the inverse of utilisation. Agents without a concurrency
// limit decay as 1/(1+active).
func loadBalance(d domain.AgentDescriptor, active int) float64 {
	if d.MaxConcurrency > 0 {
		return clamp01(1 - float64(active)/float64(d.MaxConcurrency))
	}
	return 1 / float64(1+active)
}

// unknownPerformance scores agents with no recorded calls.
const unknownPerformance = 0.7

func (r *Router) performance(agentID string) float64 {
	st, ok := r.Stats(agentID)
	if !ok || st.Samples == 0 {
		return unknownPerformance
	}
	rt := 1 - math.Min(1, float64(st.ResponseTime)/float64(r.opts.ResponseTimeCeiling))
	return clamp01(0.5*st.SuccessRate + 0.3*rt + 0.2*(st.Satisfaction/5))
}

// specialization blends keyword overlap between the input and the agent's
// declared terms with coverage of the required capabilities. Crisis-capable
// agents get a boost at critical urgency.
func specialization(d domain.AgentDescriptor, rc domain.RoutingContext) float64 {
	terms := termSet(append(append([]string(nil), d.Specializations...), d.Capabilities...))
	words := termSet(strings.Fields(rc.Input))
	matched := 0
	for t := range terms {
		if _, ok := words[t]; ok {
			matched++
		}
	}
	keyword := math.Min(1, 0.34*float64(matched))

	coverage := 1.0
	if len(rc.RequiredCapabilities) > 0 {
		hits := 0
		for _, c := range rc.RequiredCapabilities {
			if d.Declares(c) {
				hits++
			}
		}
		coverage = float64(hits) / float64(len(rc.RequiredCapabilities))
	}

	score := 0.6*keyword + 0.4*coverage
	if rc.Urgency == domain.UrgencyCritical && d.IsCrisisCapable() {
		score += 0.5
	}
	return clamp01(score)
}

func userPreference(agentID string, preferred, recent []string) float64 {
	for _, id := range preferred {
		if id == agentID {
			return 1
		}
	}
	for _, id := range recent {
		if id == agentID {
			return 0.3
		}
	}
	return 0
}

// sessionContinuity favours the agent already serving the session, falling
// back to the last routed agent when the caller does not say.
func sessionContinuity(d domain.AgentDescriptor, rc domain.RoutingContext, recent []string) float64 {
	active := rc.ActiveAgent
	if active == "" && len(recent) > 0 {
		active = recent[0]
	}
	var score float64
	if active == d.ID {
		score = 1
	}
	if rc.PriorEscalation && d.IsCrisisCapable() {
		score += 0.5
	}
	return clamp01(score)
}

// confidence grows with the gap between the top two scores. A lone
// candidate is a certain pick.
func confidence(scored []domain.ScoredAgent) float64 {
	if len(scored) < 2 {
		return 1
	}
	return clamp01(0.5 + 2*(scored[0].Score-scored[1].Score))
}

func (r *Router) remember(sessionID string, d domain.RoutingDecision) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := append(r.history[sessionID], d)
	if len(h) > r.opts.HistorySize {
		h = h[len(h)-r.opts.HistorySize:]
	}
	r.history[sessionID] = h
}

// recentAgents returns the session's previously selected agents, newest first.
func (r *Router) recentAgents(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := r.history[sessionID]
	out := make([]string, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out = append(out, h[i].SelectedAgent)
	}
	return out
}

// History returns a copy of the session's routing decisions, oldest first.
func (r *Router) History(sessionID string) []domain.RoutingDecision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.RoutingDecision(nil), r.history[sessionID]...)
}

// TrimHistory drops sessions whose latest decision is older than maxAge and
// returns how many were removed.
func (r *Router) TrimHistory(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, h := range r.history {
		if len(h) == 0 || h[len(h)-1].DecidedAt.Before(cutoff) {
			delete(r.history, id)
			removed++
		}
	}
	return removed
}

// ObserveCall feeds dispatcher outcomes into the performance averages.
func (r *Router) ObserveCall(_ context.Context, o coordination.CallOutcome) {
	r.UpdateAgentPerformance(o.AgentID, o.Duration, o.Err == nil, nil)
}

var _ coordination.CallObserver = (*Router)(nil)

func termSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		for _, part := range strings.FieldsFunc(it, func(r rune) bool { return r == '_' || r == '-' || r == ' ' }) {
			if n := normalize(part); n != "" {
				out[n] = struct{}{}
			}
		}
		if n := normalize(it); n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.Trim(s, " \t\n.,;:!?\"'()"))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
