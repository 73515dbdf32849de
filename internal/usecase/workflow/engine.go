package workflow

import (
	"context"
	"log/slog"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/usecase/coordination"
)

// Node names.
const (
	NodeInitialize          = "initialize"
	NodeDispatch            = "dispatch"
	NodeCollect             = "collect"
	NodeCheckEmergency      = "check_emergency"
	NodeEmergencyEscalation = "emergency_escalation"
	NodeSynthesize          = "synthesize"
)

// Engine runs coordinations through one graph per strategy.
type Engine struct {
	coordinator *coordination.Coordinator
	detector    *Detector
	bus         domain.EventBus // optional
	logger      *slog.Logger
	now         func() time.Time
	graphs      map[domain.Strategy]*Graph
}

// NewEngine builds the four strategy graphs.
func NewEngine(coordinator *coordination.Coordinator, detector *Detector, bus domain.EventBus, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		coordinator: coordinator,
		detector:    detector,
		bus:         bus,
		logger:      logger,
		now:         time.Now,
		graphs:      make(map[domain.Strategy]*Graph),
	}
	for _, s := range []domain.Strategy{
		domain.StrategyParallel,
		domain.StrategySequential,
		domain.StrategyHierarchical,
		domain.StrategyConsensus,
	} {
		g := e.build(s)
		if err := g.Validate(); err != nil {
			return nil, err
		}
		e.graphs[s] = g
	}
	return e, nil
}

func (e *Engine) build(strategy domain.Strategy) *Graph {
	return NewGraph(string(strategy)).
		AddNode(NodeInitialize, e.initialize(strategy)).
		AddNode(NodeDispatch, e.dispatch).
		AddNode(NodeCollect, collectNode).
		AddNode(NodeCheckEmergency, e.checkEmergency).
		AddNode(NodeEmergencyEscalation, e.escalate).
		AddNode(NodeSynthesize, e.synthesize).
		AddEdge(NodeInitialize, NodeDispatch).
		AddEdge(NodeDispatch, NodeCollect).
		AddEdge(NodeCollect, NodeCheckEmergency).
		AddConditionalEdge(NodeCheckEmergency, func(s State) string {
			if s.Emergency {
				return NodeEmergencyEscalation
			}
			return NodeSynthesize
		}).
		AddEdge(NodeEmergencyEscalation, NodeSynthesize).
		AddEdge(NodeSynthesize, End)
}

// Run coordinates req through the graph for req.Strategy.
func (e *Engine) Run(ctx context.Context, req domain.CoordinationRequest) (domain.CoordinationResult, error) {
	g, ok := e.graphs[req.Strategy]
	if !ok {
		return domain.CoordinationResult{}, domain.NewDomainError("Engine.Run", domain.ErrConfiguration,
			"unknown strategy "+string(req.Strategy))
	}
	final, err := g.Run(ctx, State{Request: req})
	if err != nil {
		return domain.CoordinationResult{}, err
	}
	return final.Result, nil
}

func (e *Engine) initialize(strategy domain.Strategy) NodeFunc {
	return func(ctx context.Context, s State) (Patch, error) {
		req := s.Request
		req.Strategy = strategy
		if req.ID == "" {
			req.ID = domain.NewPrefixedID("coord")
		}
		if req.StartTime.IsZero() {
			req.StartTime = e.now()
		}
		e.publish(ctx, domain.EventCoordinationStarted, req.SessionID, map[string]any{
			"coordination_id": req.ID,
			"strategy":        string(strategy),
			"agent_ids":       req.AgentIDs,
		})
		return Patch{Request: &req}, nil
	}
}

func (e *Engine) dispatch(ctx context.Context, s State) (Patch, error) {
	res, err := e.coordinator.Coordinate(ctx, s.Request)
	if err != nil {
		return Patch{}, err
	}
	return Patch{Result: &res}, nil
}

func collectNode(_ context.Context, s State) (Patch, error) {
	return Patch{
		Responses: s.Result.Responses,
		Completed: s.Result.CompletedAgents(),
		Errors:    s.Result.Errors,
	}, nil
}

func (e *Engine) checkEmergency(_ context.Context, s State) (Patch, error) {
	emergency, indicators := e.detector.Scan(s.Responses)
	return Patch{Emergency: &emergency, Indicators: indicators}, nil
}

func (e *Engine) escalate(ctx context.Context, s State) (Patch, error) {
	agentID := ""
	for _, r := range s.Responses {
		if r.EscalationNeeded {
			agentID = r.AgentID
			break
		}
	}
	e.logger.Warn("emergency escalation",
		"coordination_id", s.Request.ID,
		"session_id", s.Request.SessionID,
		"indicators", s.Indicators,
	)
	e.publish(ctx, domain.EventCrisisDetected, s.Request.SessionID, domain.CrisisEvent{
		SessionID:  s.Request.SessionID,
		UserID:     s.Request.UserID,
		AgentID:    agentID,
		Source:     "workflow." + string(s.Request.Strategy),
		Indicators: s.Indicators,
	})
	escalated := true
	return Patch{Escalated: &escalated}, nil
}

func (e *Engine) synthesize(ctx context.Context, s State) (Patch, error) {
	res := s.Result
	res.Responses = s.Responses
	res.Errors = s.Errors
	res.Escalated = s.Escalated
	res.Success = len(s.Responses) > 0
	res.TotalTime = e.now().Sub(s.Request.StartTime)

	e.publish(ctx, domain.EventCoordinationCompleted, s.Request.SessionID, map[string]any{
		"coordination_id": res.CoordinationID,
		"strategy":        string(res.Strategy),
		"success":         res.Success,
		"responses":       len(res.Responses),
		"errors":          len(res.Errors),
		"escalated":       res.Escalated,
		"total_time_ms":   res.TotalTime.Milliseconds(),
	})
	return Patch{Result: &res, Synthesis: &res.Synthesis}, nil
}

func (e *Engine) publish(ctx context.Context, t domain.EventType, sessionID string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.NewEvent(t, sessionID, payload))
}
