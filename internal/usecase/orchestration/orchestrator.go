// Package orchestration is the top-level entry point: it takes one user
// turn, short-circuits crises to the crisis agent, otherwise filters and
// load-balances agents, picks an orchestration strategy and runs it through
// the workflow engine. Callers always get a well-formed result.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
	"mosaic-ai/internal/infra/metrics"
	"mosaic-ai/internal/infra/tracer"
	"mosaic-ai/internal/usecase/coordination"
	"mosaic-ai/internal/usecase/monitor"
	"mosaic-ai/internal/usecase/routing"
	"mosaic-ai/internal/usecase/workflow"
)

// Directory lists the agents available to orchestrate.
type Directory interface {
	Descriptors() []domain.AgentDescriptor
	ActiveSessions(agentID string) int
}

// Options tunes an Orchestrator.
type Options struct {
	AgentTimeout  time.Duration
	CrisisTimeout time.Duration
	CrisisAgentID string
	MaxSupporting int
	RecentAgents  int        // distinct agents kept per session record
	Strategies    []Strategy // nil uses DefaultStrategies
}

// OptionsFromConfig maps the coordination config section.
func OptionsFromConfig(cfg config.CoordinationConfig) Options {
	return Options{
		AgentTimeout:  cfg.AgentTimeout,
		CrisisTimeout: cfg.CrisisTimeout,
		CrisisAgentID: cfg.CrisisAgentID,
		MaxSupporting: cfg.MaxSupporting,
	}
}

func (o Options) withDefaults() Options {
	if o.AgentTimeout <= 0 {
		o.AgentTimeout = 30 * time.Second
	}
	if o.CrisisTimeout <= 0 {
		o.CrisisTimeout = 5 * time.Second
	}
	if o.CrisisAgentID == "" {
		o.CrisisAgentID = "crisis"
	}
	if o.MaxSupporting <= 0 {
		o.MaxSupporting = 2
	}
	if o.RecentAgents <= 0 {
		o.RecentAgents = 5
	}
	if len(o.Strategies) == 0 {
		o.Strategies = DefaultStrategies()
	}
	return o
}

// Deps are the Orchestrator's collaborators. Directory, Dispatcher and
// Engine are required.
type Deps struct {
	Directory  Directory
	Dispatcher *coordination.Dispatcher
	Engine     *workflow.Engine
	Router     *routing.Router    // nil orders agents by load balance only
	Monitor    *monitor.Monitor   // receives satisfaction feedback
	Detector   *workflow.Detector // upgrades turns whose input carries crisis keywords
	Store      domain.RecordStore // session records
	Bus        domain.EventBus
	Metrics    *metrics.Collector
}

// Orchestrator runs user turns.
type Orchestrator struct {
	opts   Options
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(opts Options, deps Deps, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		opts:   opts.withDefaults(),
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// Orchestrate handles one user turn. It never fails: when no agent can
// answer, the result carries the system fallback response.
func (o *Orchestrator) Orchestrate(ctx context.Context, oc domain.OrchestrationContext) domain.OrchestrationResult {
	start := o.now()
	if oc.Urgency == "" {
		oc.Urgency = domain.UrgencyMedium
	}

	ctx, span := tracer.StartSpan(ctx, "orchestration.orchestrate")
	span.SetAttributes(
		tracer.StringAttr("session.id", oc.SessionID),
		tracer.StringAttr("orchestration.urgency", string(oc.Urgency)),
	)

	var res domain.OrchestrationResult
	switch {
	case !oc.Urgency.Valid():
		res = fallback(fmt.Sprintf("unknown urgency %q", oc.Urgency))
	case oc.SessionID == "":
		res = fallback("session id is required")
	default:
		if oc.Urgency != domain.UrgencyCritical && o.deps.Detector != nil {
			if hits := o.deps.Detector.MatchInput(oc.Input); len(hits) > 0 {
				o.logger.Warn("crisis keywords in input, escalating to critical",
					"session_id", oc.SessionID, "keywords", hits)
				oc.Urgency = domain.UrgencyCritical
			}
		}
		var session *domain.SessionRecord
		if oc.Urgency == domain.UrgencyCritical {
			// The crisis agent is called before any store I/O.
			res = o.crisisPath(ctx, oc)
			session = o.loadSession(ctx, oc.SessionID, oc.UserID)
		} else {
			session = o.loadSession(ctx, oc.SessionID, oc.UserID)
			res = o.standardPath(ctx, oc, session)
		}
		o.saveSession(ctx, session, res)
	}

	res.SessionID = oc.SessionID
	res.Duration = o.now().Sub(start)
	o.deps.Metrics.ObserveOrchestration(string(oc.Urgency), res.Duration)

	span.SetAttributes(
		tracer.StringAttr("orchestration.strategy", res.Strategy),
		tracer.BoolAttr("orchestration.fallback", res.Fallback),
		tracer.BoolAttr("orchestration.escalated", res.Escalated),
	)
	tracer.End(span, nil)

	log := o.logger.Info
	if res.Fallback {
		log = o.logger.Error
	}
	log("orchestration finished",
		"session_id", oc.SessionID,
		"urgency", string(oc.Urgency),
		"strategy", res.Strategy,
		"responses", len(res.Responses),
		"fallback", res.Fallback,
		"escalated", res.Escalated,
		"duration", res.Duration,
	)
	return res
}

// crisisPath sends the turn straight to the crisis agent under the crisis
// timeout, skipping routing and strategy selection.
func (o *Orchestrator) crisisPath(ctx context.Context, oc domain.OrchestrationContext) domain.OrchestrationResult {
	agentID := o.opts.CrisisAgentID
	req := domain.AgentRequest{
		SessionID: oc.SessionID,
		UserID:    oc.UserID,
		Input:     oc.Input,
		Context:   taskContext(oc),
	}
	resp, err := o.deps.Dispatcher.Call(ctx, agentID, req, o.opts.CrisisTimeout)
	if err != nil {
		o.logger.Error("crisis agent unreachable", "agent_id", agentID, "session_id", oc.SessionID, "error", err)
		// Someone must still hear about this turn.
		o.publish(ctx, domain.EventCrisisDetected, oc.SessionID, domain.CrisisEvent{
			SessionID:  oc.SessionID,
			UserID:     oc.UserID,
			AgentID:    agentID,
			Source:     "critical_path",
			Indicators: []string{"crisis_agent_unreachable"},
		})
		res := fallback("crisis agent unreachable: " + err.Error())
		res.Strategy = StrategyCrisis
		res.Escalated = true
		return res
	}

	res := domain.OrchestrationResult{
		Strategy:  StrategyCrisis,
		Responses: []domain.AgentResponse{*resp},
		Synthesis: resp.Content,
		Escalated: resp.EscalationNeeded,
	}
	if resp.EscalationNeeded {
		o.publish(ctx, domain.EventCrisisDetected, oc.SessionID, domain.CrisisEvent{
			SessionID:  oc.SessionID,
			UserID:     oc.UserID,
			AgentID:    agentID,
			Source:     "critical_path",
			Indicators: []string{"escalation:" + agentID},
		})
	}
	return res
}

func (o *Orchestrator) standardPath(ctx context.Context, oc domain.OrchestrationContext, session *domain.SessionRecord) domain.OrchestrationResult {
	eligible := o.eligible(oc)
	if len(eligible) == 0 {
		return fallback(domain.ErrNoEligibleAgents.Error())
	}
	ordered := o.loadBalance(eligible)

	var decision *domain.RoutingDecision
	primary := ordered[0].ID
	if o.deps.Router != nil {
		rc := oc.RoutingContext()
		rc.ActiveAgent = session.LastAgentID
		rc.PriorEscalation = session.EscalationRequired
		d, err := o.deps.Router.Route(ctx, o.candidates(ordered), rc)
		if err != nil {
			if errors.Is(err, domain.ErrNoEligibleAgents) {
				return fallback(err.Error())
			}
			o.logger.Warn("routing failed, using load balance order", "session_id", oc.SessionID, "error", err)
		} else {
			decision = &d
			primary = d.SelectedAgent
		}
	}

	strat, score := selectStrategy(ctx, o.opts.Strategies, oc, ordered)
	agents := o.team(strat, primary, ordered)
	o.logger.Debug("orchestration plan",
		"session_id", oc.SessionID,
		"strategy", strat.Name(),
		"strategy_score", score,
		"agents", agents,
	)

	timeout := o.opts.AgentTimeout
	if oc.MaxResponseTime > 0 && oc.MaxResponseTime < timeout {
		timeout = oc.MaxResponseTime
	}
	coord, err := o.deps.Engine.Run(ctx, domain.CoordinationRequest{
		SessionID: oc.SessionID,
		UserID:    oc.UserID,
		AgentIDs:  agents,
		Strategy:  strat.Coordination(),
		Task:      domain.Task{Type: strat.Name(), Input: oc.Input, Context: taskContext(oc)},
		Timeout:   timeout,
	})
	if err != nil {
		res := fallback(err.Error())
		res.Strategy = strat.Name()
		res.Routing = decision
		return res
	}
	if !coord.Success {
		res := fallback(summarizeErrors(coord.Errors))
		res.Strategy = strat.Name()
		res.Routing = decision
		res.Coordination = &coord
		res.Escalated = coord.Escalated
		return res
	}
	return domain.OrchestrationResult{
		Strategy:     strat.Name(),
		Responses:    coord.Responses,
		Synthesis:    coord.Synthesis,
		Routing:      decision,
		Coordination: &coord,
		Escalated:    coord.Escalated,
	}
}

// eligible drops excluded agents and agents whose breaker rejects calls.
func (o *Orchestrator) eligible(oc domain.OrchestrationContext) []domain.AgentDescriptor {
	breakers := o.deps.Dispatcher.Breakers()
	var out []domain.AgentDescriptor
	for _, d := range o.deps.Directory.Descriptors() {
		if slices.Contains(oc.ExcludedAgents, d.ID) {
			continue
		}
		if !breakers.IsAvailable(d.ID) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// loadBalance orders agents by a blend of free capacity and recent success
// rate, best first. Ties keep ID order.
func (o *Orchestrator) loadBalance(agents []domain.AgentDescriptor) []domain.AgentDescriptor {
	type scored struct {
		d     domain.AgentDescriptor
		score float64
	}
	list := make([]scored, len(agents))
	for i, d := range agents {
		active := o.deps.Directory.ActiveSessions(d.ID)
		load := 1 / float64(1+active)
		if d.MaxConcurrency > 0 {
			load = clamp01(1 - float64(active)/float64(d.MaxConcurrency))
		}
		success := 1.0
		if o.deps.Router != nil {
			if st, ok := o.deps.Router.Stats(d.ID); ok && st.Samples > 0 {
				success = st.SuccessRate
			}
		}
		list[i] = scored{d: d, score: 0.6*load + 0.4*success}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].d.ID < list[j].d.ID
	})
	out := make([]domain.AgentDescriptor, len(list))
	for i, s := range list {
		out[i] = s.d
	}
	return out
}

func (o *Orchestrator) candidates(agents []domain.AgentDescriptor) []routing.Candidate {
	out := make([]routing.Candidate, len(agents))
	for i, d := range agents {
		out[i] = routing.Candidate{Descriptor: d, ActiveSessions: o.deps.Directory.ActiveSessions(d.ID)}
	}
	return out
}

// team picks the agents a strategy runs with: the primary plus, for
// collaborative strategies, up to MaxSupporting others in load-balance
// order. Hierarchical teams always lead with a coordinator.
func (o *Orchestrator) team(s Strategy, primary string, ordered []domain.AgentDescriptor) []string {
	agents := []string{primary}
	if !s.Collaborative() {
		return agents
	}
	if s.Coordination() == domain.StrategyHierarchical {
		if lead := coordinatorOf(ordered); lead != "" && lead != primary {
			agents = []string{lead, primary}
		}
	}
	for _, d := range ordered {
		if len(agents) >= 1+o.opts.MaxSupporting {
			break
		}
		if !slices.Contains(agents, d.ID) {
			agents = append(agents, d.ID)
		}
	}
	return agents
}

// Feedback records a user's satisfaction rating (0-5) for the agent that
// answered a session's turn.
func (o *Orchestrator) Feedback(ctx context.Context, sessionID, agentID string, satisfaction float64) error {
	if o.deps.Router != nil {
		o.deps.Router.RecordSatisfaction(agentID, satisfaction)
	}
	if o.deps.Monitor == nil {
		return nil
	}
	_, err := o.deps.Monitor.RecordFeedback(ctx, agentID, sessionID, satisfaction)
	return err
}

// loadSession and saveSession bound store I/O by the crisis timeout so a slow
// store cannot hold a turn past it.
func (o *Orchestrator) loadSession(ctx context.Context, sessionID, userID string) *domain.SessionRecord {
	session := &domain.SessionRecord{SessionID: sessionID, UserID: userID}
	if o.deps.Store == nil {
		return session
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.CrisisTimeout)
	defer cancel()
	rec, err := o.deps.Store.Get(ctx, domain.RecordKindSession, sessionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("load session failed", "session_id", sessionID, "error", err)
		}
		return session
	}
	if err := rec.Decode(session); err != nil {
		o.logger.Warn("decode session failed", "session_id", sessionID, "error", err)
		return &domain.SessionRecord{SessionID: sessionID, UserID: userID}
	}
	return session
}

func (o *Orchestrator) saveSession(ctx context.Context, session *domain.SessionRecord, res domain.OrchestrationResult) {
	session.Turns++
	session.EscalationRequired = res.Escalated
	session.UpdatedAt = o.now()
	switch {
	case res.Fallback:
	case res.Routing != nil:
		session.RememberAgent(res.Routing.SelectedAgent, o.opts.RecentAgents)
	case len(res.Responses) > 0:
		session.RememberAgent(res.Responses[0].AgentID, o.opts.RecentAgents)
	}
	if o.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.CrisisTimeout)
	defer cancel()
	rec, err := domain.NewRecord(domain.RecordKindSession, session.SessionID, session)
	if err == nil {
		err = o.deps.Store.Put(ctx, rec)
	}
	if err != nil {
		o.logger.Warn("save session failed", "session_id", session.SessionID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, sessionID string, payload any) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(ctx, domain.NewEvent(t, sessionID, payload))
}

// Task context keys set from the orchestration input.
const (
	ContextCulturalProfile = "cultural_profile"
	ContextUrgency         = "urgency"
)

func taskContext(oc domain.OrchestrationContext) map[string]any {
	ctx := make(map[string]any, len(oc.Metadata)+2)
	for k, v := range oc.Metadata {
		ctx[k] = v
	}
	ctx[ContextUrgency] = string(oc.Urgency)
	if len(oc.CulturalProfile) > 0 {
		ctx[ContextCulturalProfile] = oc.CulturalProfile
	}
	return ctx
}

func fallback(reason string) domain.OrchestrationResult {
	resp := domain.SystemFallbackResponse(reason)
	return domain.OrchestrationResult{
		Strategy:  domain.SystemFallbackAgentID,
		Responses: []domain.AgentResponse{resp},
		Synthesis: resp.Content,
		Fallback:  true,
	}
}

func summarizeErrors(errs []domain.AgentError) string {
	if len(errs) == 0 {
		return "no agent responded"
	}
	msg := "all agents failed: " + errs[0].Error()
	if len(errs) > 1 {
		msg += fmt.Sprintf(" (and %d more)", len(errs)-1)
	}
	return msg
}
