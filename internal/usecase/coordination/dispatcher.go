package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/metrics"
	"mosaic-ai/internal/infra/tracer"
	"mosaic-ai/internal/usecase/breaker"
)

const defaultAgentTimeout = 30 * time.Second

// CallOutcome describes one finished agent call.
type CallOutcome struct {
	AgentID   string
	SessionID string
	Duration  time.Duration
	Response  *domain.AgentResponse
	Err       error
}

// CallObserver is told about every agent call that reached the agent.
// Calls rejected by an open breaker are not observed.
type CallObserver interface {
	ObserveCall(ctx context.Context, outcome CallOutcome)
}

// CallObserverFunc adapts a function to CallObserver.
type CallObserverFunc func(ctx context.Context, outcome CallOutcome)

func (f CallObserverFunc) ObserveCall(ctx context.Context, outcome CallOutcome) { f(ctx, outcome) }

// Dispatcher makes guarded agent calls: each call goes through the agent's
// circuit breaker under a per-call timeout.
type Dispatcher struct {
	invoker   domain.AgentInvoker
	breakers  *breaker.Registry
	metrics   *metrics.Collector // optional
	observers []CallObserver
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. timeout is the default per-call
// timeout; zero means 30s.
func NewDispatcher(invoker domain.AgentInvoker, breakers *breaker.Registry, collector *metrics.Collector, timeout time.Duration, logger *slog.Logger, observers ...CallObserver) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}
	return &Dispatcher{
		invoker:   invoker,
		breakers:  breakers,
		metrics:   collector,
		observers: observers,
		timeout:   timeout,
		logger:    logger,
	}
}

// AddObserver registers an additional call observer. Not safe for use
// concurrently with Call.
func (d *Dispatcher) AddObserver(o CallObserver) {
	d.observers = append(d.observers, o)
}

// Breakers returns the breaker registry guarding calls.
func (d *Dispatcher) Breakers() *breaker.Registry { return d.breakers }

// Call invokes agentID with req. A zero timeout uses the dispatcher default.
// Errors are classified: an expired call wraps ErrTimeout, a rejected call
// is a *domain.CircuitOpenError, and an uncategorised agent error wraps
// ErrAgentInvocation.
func (d *Dispatcher) Call(ctx context.Context, agentID string, req domain.AgentRequest, timeout time.Duration) (*domain.AgentResponse, error) {
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, span := tracer.StartSpan(ctx, "agent.invoke")
	span.SetAttributes(
		tracer.StringAttr("agent.id", agentID),
		tracer.StringAttr("session.id", req.SessionID),
	)

	var elapsed time.Duration
	resp, err := d.breakers.Execute(agentID, func() (*domain.AgentResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		r, err := d.invoker.InvokeAgent(callCtx, agentID, req)
		elapsed = time.Since(start)
		err = classify(callCtx, agentID, timeout, err)
		if err == nil && r == nil {
			err = domain.NewDomainError("agent.invoke", domain.ErrAgentInvocation, agentID+": empty response")
		}
		if err == nil {
			if r.AgentID == "" {
				r.AgentID = agentID
			}
			if r.ProcessingTime == 0 {
				r.ProcessingTime = elapsed
			}
		}
		return r, err
	})

	var coe *domain.CircuitOpenError
	rejected := errors.As(err, &coe)
	switch {
	case rejected:
		d.metrics.ObserveAgentCall(agentID, metrics.OutcomeCircuitOpen, 0)
	case errors.Is(err, domain.ErrTimeout):
		d.metrics.ObserveAgentCall(agentID, metrics.OutcomeTimeout, elapsed)
	case err != nil:
		d.metrics.ObserveAgentCall(agentID, metrics.OutcomeFailure, elapsed)
	default:
		d.metrics.ObserveAgentCall(agentID, metrics.OutcomeSuccess, elapsed)
	}

	if err != nil {
		d.logger.Warn("agent call failed",
			"agent_id", agentID,
			"session_id", req.SessionID,
			"code", string(domain.ErrorCodeOf(err)),
			"error", err,
		)
	}
	if !rejected && !errors.Is(err, context.Canceled) {
		outcome := CallOutcome{AgentID: agentID, SessionID: req.SessionID, Duration: elapsed, Response: resp, Err: err}
		for _, o := range d.observers {
			o.ObserveCall(ctx, outcome)
		}
	}

	tracer.End(span, err)
	return resp, err
}

func classify(callCtx context.Context, agentID string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		if errors.Is(err, domain.ErrTimeout) {
			return err
		}
		return domain.NewDomainError("agent.invoke", domain.ErrTimeout, fmt.Sprintf("%s after %s", agentID, timeout))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if domain.ErrorCodeOf(err) == domain.CodeUnknown {
		return fmt.Errorf("%w: %s: %w", domain.ErrAgentInvocation, agentID, err)
	}
	return err
}

// settled is one entry of a fan-out, in dispatch order.
type settled struct {
	agentID string
	resp    *domain.AgentResponse
	err     error
}

// settleAll calls every agent concurrently and waits for all of them,
// successes and failures alike. One failure never cancels the others.
func (d *Dispatcher) settleAll(ctx context.Context, agentIDs []string, build func(agentID string) domain.AgentRequest, timeout time.Duration) []settled {
	out := make([]settled, len(agentIDs))
	var wg sync.WaitGroup
	for i, id := range agentIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			resp, err := d.Call(ctx, id, build(id), timeout)
			out[i] = settled{agentID: id, resp: resp, err: err}
		}(i, id)
	}
	wg.Wait()
	return out
}

// collect splits settled calls into responses and per-agent errors.
func collect(calls []settled) ([]domain.AgentResponse, []domain.AgentError) {
	var responses []domain.AgentResponse
	var errs []domain.AgentError
	for _, c := range calls {
		if c.err != nil {
			errs = append(errs, domain.NewAgentError(c.agentID, c.err))
			continue
		}
		responses = append(responses, *c.resp)
	}
	return responses, errs
}
