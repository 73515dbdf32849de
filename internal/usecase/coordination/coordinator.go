// Package coordination fans a task out to several agents under one of four
// strategies (parallel, sequential, hierarchical, consensus) and merges the
// results. Per-agent failures are collected into the result, never thrown.
package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/metrics"
	"mosaic-ai/internal/infra/tracer"
)

// Default consensus settings.
const (
	DefaultConsensusThreshold = 0.8
	DefaultHighConfidence     = 0.8
)

// Options tunes a Coordinator.
type Options struct {
	ConsensusThreshold float64 // round 2 runs below this score
	HighConfidence     float64 // consensus synthesis keeps responses above this
}

func (o Options) withDefaults() Options {
	if o.ConsensusThreshold <= 0 {
		o.ConsensusThreshold = DefaultConsensusThreshold
	}
	if o.HighConfidence <= 0 {
		o.HighConfidence = DefaultHighConfidence
	}
	return o
}

// Coordinator runs coordination strategies over a Dispatcher.
type Coordinator struct {
	dispatcher *Dispatcher
	opts       Options
	metrics    *metrics.Collector // optional
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Coordinator.
func New(dispatcher *Dispatcher, opts Options, collector *metrics.Collector, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		metrics:    collector,
		logger:     logger,
		now:        time.Now,
	}
}

// Dispatcher returns the dispatcher making the agent calls.
func (c *Coordinator) Dispatcher() *Dispatcher { return c.dispatcher }

// Coordinate runs req under its strategy. Only a configuration problem
// (unknown strategy, no agents, hierarchical without a coordinator) returns
// an error; agent failures land in the result's Errors.
func (c *Coordinator) Coordinate(ctx context.Context, req domain.CoordinationRequest) (domain.CoordinationResult, error) {
	if req.ID == "" {
		req.ID = domain.NewPrefixedID("coord")
	}
	if req.StartTime.IsZero() {
		req.StartTime = c.now()
	}
	if len(req.AgentIDs) == 0 {
		return domain.CoordinationResult{}, domain.NewDomainError("Coordinate", domain.ErrNoEligibleAgents, req.ID)
	}

	ctx, span := tracer.StartSpan(ctx, "coordination."+string(req.Strategy))
	span.SetAttributes(
		tracer.StringAttr("coordination.id", req.ID),
		tracer.StringAttr("session.id", req.SessionID),
		tracer.IntAttr("coordination.agents", len(req.AgentIDs)),
	)

	var (
		res domain.CoordinationResult
		err error
	)
	switch req.Strategy {
	case domain.StrategyParallel:
		res = c.parallel(ctx, req)
	case domain.StrategySequential:
		res = c.sequential(ctx, req)
	case domain.StrategyHierarchical:
		res, err = c.hierarchical(ctx, req)
	case domain.StrategyConsensus:
		res = c.consensus(ctx, req)
	default:
		err = domain.NewDomainError("Coordinate", domain.ErrConfiguration, fmt.Sprintf("unknown strategy %q", req.Strategy))
	}
	if err != nil {
		tracer.End(span, err)
		return domain.CoordinationResult{}, err
	}

	res.CoordinationID = req.ID
	res.Strategy = req.Strategy
	res.Success = len(res.Responses) > 0
	res.TotalTime = c.now().Sub(req.StartTime)

	c.metrics.ObserveCoordination(string(req.Strategy), res.Success)
	span.SetAttributes(
		tracer.IntAttr("coordination.responses", len(res.Responses)),
		tracer.IntAttr("coordination.errors", len(res.Errors)),
	)
	tracer.End(span, nil)

	log := c.logger.Info
	if !res.Success {
		log = c.logger.Error
	}
	log("coordination finished",
		"coordination_id", req.ID,
		"session_id", req.SessionID,
		"strategy", string(req.Strategy),
		"responses", len(res.Responses),
		"errors", len(res.Errors),
		"total_time", res.TotalTime,
	)
	return res, nil
}

// requestFor builds the agent request for one dispatch of task.
func requestFor(req domain.CoordinationRequest, task domain.Task, dispatchID string) domain.AgentRequest {
	task = task.WithContext(domain.ContextCoordinationID, dispatchID)
	return domain.AgentRequest{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Input:     task.Input,
		Context:   task.Context,
	}
}

func (c *Coordinator) parallel(ctx context.Context, req domain.CoordinationRequest) domain.CoordinationResult {
	calls := c.dispatcher.settleAll(ctx, req.AgentIDs, func(string) domain.AgentRequest {
		return requestFor(req, req.Task, req.ID)
	}, req.Timeout)
	responses, errs := collect(calls)
	return domain.CoordinationResult{
		Responses: responses,
		Errors:    errs,
		Rounds:    1,
		Synthesis: Synthesize(domain.StrategyParallel, responses, "", c.opts.HighConfidence),
	}
}

// sequential runs agents one at a time in list order. Each agent sees every
// earlier response; a failure is recorded and the chain continues.
func (c *Coordinator) sequential(ctx context.Context, req domain.CoordinationRequest) domain.CoordinationResult {
	var res domain.CoordinationResult
	for _, id := range req.AgentIDs {
		task := req.Task
		if len(res.Responses) > 0 {
			task = task.WithContext(domain.ContextPreviousResponses, summaries(res.Responses))
		}
		resp, err := c.dispatcher.Call(ctx, id, requestFor(req, task, req.ID), req.Timeout)
		if err != nil {
			res.Errors = append(res.Errors, domain.NewAgentError(id, err))
			continue
		}
		res.Responses = append(res.Responses, *resp)
	}
	res.Rounds = 1
	res.Synthesis = Synthesize(domain.StrategySequential, res.Responses, "", c.opts.HighConfidence)
	return res
}

// hierarchical calls the coordinator first and hands its response to the
// subordinates, which then run in parallel.
func (c *Coordinator) hierarchical(ctx context.Context, req domain.CoordinationRequest) (domain.CoordinationResult, error) {
	coordinatorID := ""
	subordinates := make([]string, 0, len(req.AgentIDs))
	for _, id := range req.AgentIDs {
		if coordinatorID == "" && domain.IsCoordinatorID(id) {
			coordinatorID = id
			continue
		}
		subordinates = append(subordinates, id)
	}
	if coordinatorID == "" {
		return domain.CoordinationResult{}, domain.NewDomainError("Coordinate", domain.ErrConfiguration,
			"hierarchical strategy requires a coordinator agent")
	}

	var res domain.CoordinationResult
	task := req.Task
	lead, err := c.dispatcher.Call(ctx, coordinatorID, requestFor(req, task, req.ID), req.Timeout)
	if err != nil {
		res.Errors = append(res.Errors, domain.NewAgentError(coordinatorID, err))
	} else {
		res.Responses = append(res.Responses, *lead)
		task = task.WithContext(domain.ContextCoordinatorResponse, summary(*lead))
	}

	if len(subordinates) > 0 {
		calls := c.dispatcher.settleAll(ctx, subordinates, func(string) domain.AgentRequest {
			return requestFor(req, task, req.ID)
		}, req.Timeout)
		responses, errs := collect(calls)
		res.Responses = append(res.Responses, responses...)
		res.Errors = append(res.Errors, errs...)
	}
	res.Rounds = 1
	res.Synthesis = Synthesize(domain.StrategyHierarchical, res.Responses, coordinatorID, c.opts.HighConfidence)
	return res, nil
}

// consensus runs a parallel round and, when agreement is low and at least two
// agents answered, a second deliberation round that sees round one.
func (c *Coordinator) consensus(ctx context.Context, req domain.CoordinationRequest) domain.CoordinationResult {
	round1 := c.dispatcher.settleAll(ctx, req.AgentIDs, func(string) domain.AgentRequest {
		return requestFor(req, req.Task, req.ID)
	}, req.Timeout)
	responses, errs := collect(round1)
	score := ConsensusScore(confidences(responses))

	res := domain.CoordinationResult{Rounds: 1, ConsensusScore: score}
	if len(responses) >= 2 && score < c.opts.ConsensusThreshold {
		c.logger.Info("consensus below threshold, deliberating",
			"coordination_id", req.ID,
			"score", score,
			"threshold", c.opts.ConsensusThreshold,
		)
		task := req.Task.WithContext(domain.ContextDeliberation, summaries(responses))
		// Round two gets its own correlation space so late round-one
		// replies cannot resolve it.
		round2 := c.dispatcher.settleAll(ctx, req.AgentIDs, func(string) domain.AgentRequest {
			return requestFor(req, task, req.ID+".r2")
		}, req.Timeout)
		r2, e2 := collect(round2)
		responses = append(responses, r2...)
		errs = append(errs, e2...)
		res.Rounds = 2
	}
	res.Responses = responses
	res.Errors = errs
	res.Synthesis = Synthesize(domain.StrategyConsensus, responses, "", c.opts.HighConfidence)
	return res
}

// maxConfidenceVariance bounds the population variance of values in [0,1]
// (an even split between 0 and 1).
const maxConfidenceVariance = 0.25

// ConsensusScore is max(0, 1 - variance) with the population variance of the
// confidences expressed as a share of maxConfidenceVariance, so a perfect
// split scores 0 and unanimity scores 1. An empty set scores 0.
func ConsensusScore(confs []float64) float64 {
	if len(confs) == 0 {
		return 0
	}
	var mean float64
	for _, v := range confs {
		mean += v
	}
	mean /= float64(len(confs))
	var variance float64
	for _, v := range confs {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(confs))
	return math.Max(0, math.Min(1, 1-variance/maxConfidenceVariance))
}

func confidences(responses []domain.AgentResponse) []float64 {
	out := make([]float64, len(responses))
	for i, r := range responses {
		out[i] = r.Confidence
	}
	return out
}

// ResponseSummary is what later agents see of an earlier response.
type ResponseSummary struct {
	AgentID    string  `json:"agent_id"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

func summary(r domain.AgentResponse) ResponseSummary {
	return ResponseSummary{AgentID: r.AgentID, Content: r.Content, Confidence: r.Confidence}
}

func summaries(rs []domain.AgentResponse) []ResponseSummary {
	out := make([]ResponseSummary, len(rs))
	for i, r := range rs {
		out[i] = summary(r)
	}
	return out
}
