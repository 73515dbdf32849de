// Package breaker isolates failing agents behind per-agent circuit breakers.
//
// Each CircuitBreaker wraps a sony/gobreaker instance with MaxRequests set to
// the half-open trial budget. gobreaker's own consecutive-failure count resets
// on any success; agents here instead keep a decaying count (a success in the
// closed state decrements it by one) that ReadyToTrip consults.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
)

// State is a breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// Default settings.
const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 1
	defaultOpenTimeout      = 60 * time.Second
)

// Settings configures a CircuitBreaker.
type Settings struct {
	FailureThreshold int
	// SuccessThreshold is the number of half-open trial calls admitted; that many
	// consecutive trial successes close the breaker.
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// SettingsFromConfig maps the breaker config section.
func SettingsFromConfig(cfg config.BreakerConfig) Settings {
	return Settings{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenTimeout:      cfg.OpenTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = defaultFailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = defaultSuccessThreshold
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = defaultOpenTimeout
	}
	return s
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(agentID string, from, to State)

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	AgentID          string    `json:"agent_id"`
	State            State     `json:"-"`
	StateName        string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	NextRetry        time.Time `json:"next_retry,omitempty"`
	TotalCalls       int64     `json:"total_calls"`
	TotalFailures    int64     `json:"total_failures"`
	Rejected         int64     `json:"rejected"`
}

type agentBreaker = gobreaker.CircuitBreaker[*domain.AgentResponse]

// CircuitBreaker guards calls to a single agent.
type CircuitBreaker struct {
	agentID  string
	settings Settings
	logger   *slog.Logger
	onChange StateChangeFunc

	cb atomic.Pointer[agentBreaker]

	// mu guards the fields below. It is never held while calling into
	// gobreaker, whose callbacks take it under gobreaker's own lock.
	mu          sync.Mutex
	failures    int
	generation  uint64
	state       State
	lastFailure time.Time
	nextRetry   time.Time

	calls    atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64
}

// New creates a closed breaker for agentID.
func New(agentID string, settings Settings, logger *slog.Logger, onChange StateChangeFunc) *CircuitBreaker {
	b := &CircuitBreaker{
		agentID:  agentID,
		settings: settings.withDefaults(),
		logger:   logger,
		onChange: onChange,
	}
	b.cb.Store(b.newGobreaker())
	return b
}

func (b *CircuitBreaker) newGobreaker() *agentBreaker {
	var self *agentBreaker
	self = gobreaker.NewCircuitBreaker[*domain.AgentResponse](gobreaker.Settings{
		Name:        "agent:" + b.agentID,
		MaxRequests: uint32(b.settings.SuccessThreshold),
		Timeout:     b.settings.OpenTimeout,
		ReadyToTrip: func(gobreaker.Counts) bool {
			b.mu.Lock()
			defer b.mu.Unlock()
			return b.failures >= b.settings.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			// Transitions of an instance replaced by Reset are stale.
			if b.cb.Load() != self {
				return
			}
			b.transition(fromGobreaker(from), fromGobreaker(to))
		},
		// A caller abandoning the call is not the agent's fault.
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})
	return self
}

// transition runs under gobreaker's lock.
func (b *CircuitBreaker) transition(from, to State) {
	b.mu.Lock()
	b.generation++
	b.state = to
	b.failures = 0
	switch to {
	case StateOpen:
		b.nextRetry = time.Now().Add(b.settings.OpenTimeout)
	case StateClosed:
		b.nextRetry = time.Time{}
		b.lastFailure = time.Time{}
	}
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state change",
		"agent_id", b.agentID,
		"from", from.String(),
		"to", to.String(),
	)
	if b.onChange != nil {
		b.onChange(b.agentID, from, to)
	}
}

// AgentID returns the guarded agent's id.
func (b *CircuitBreaker) AgentID() string { return b.agentID }

// Execute runs fn unless the breaker rejects the call, in which case a
// *domain.CircuitOpenError is returned without invoking fn. fn's own error
// is returned unchanged.
func (b *CircuitBreaker) Execute(fn func() (*domain.AgentResponse, error)) (*domain.AgentResponse, error) {
	resp, err := b.cb.Load().Execute(func() (*domain.AgentResponse, error) {
		gen := b.currentGeneration()
		r, err := fn()
		b.record(gen, err)
		return r, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(1)
		return nil, &domain.CircuitOpenError{AgentID: b.agentID, NextRetry: b.NextRetry()}
	}
	return resp, err
}

func (b *CircuitBreaker) currentGeneration() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// record updates the decaying failure count before gobreaker evaluates
// ReadyToTrip for this outcome.
func (b *CircuitBreaker) record(gen uint64, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	b.calls.Add(1)
	if err != nil {
		b.failed.Add(1)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}
	if err != nil {
		b.lastFailure = time.Now()
		if b.state == StateClosed {
			b.failures++
		}
		return
	}
	if b.state == StateClosed && b.failures > 0 {
		b.failures--
	}
}

// State returns the current state. An expired open breaker reports half-open.
func (b *CircuitBreaker) State() State {
	return fromGobreaker(b.cb.Load().State())
}

// CanExecute reports whether a call would be admitted right now.
func (b *CircuitBreaker) CanExecute() bool {
	cb := b.cb.Load()
	switch fromGobreaker(cb.State()) {
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.Counts().Requests < uint32(b.settings.SuccessThreshold)
	default:
		return true
	}
}

// NextRetry returns when an open breaker will admit a trial call; zero otherwise.
func (b *CircuitBreaker) NextRetry() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.nextRetry
}

// Reset forces the breaker closed and clears its failure history.
func (b *CircuitBreaker) Reset() {
	prev := b.State()
	b.cb.Store(b.newGobreaker())

	b.mu.Lock()
	b.generation++
	b.state = StateClosed
	b.failures = 0
	b.lastFailure = time.Time{}
	b.nextRetry = time.Time{}
	b.mu.Unlock()

	if prev != StateClosed {
		b.logger.Warn("circuit breaker reset", "agent_id", b.agentID, "from", prev.String())
		if b.onChange != nil {
			b.onChange(b.agentID, prev, StateClosed)
		}
	}
}

// Snapshot returns the breaker's current view.
func (b *CircuitBreaker) Snapshot() Snapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		AgentID:          b.agentID,
		State:            state,
		StateName:        state.String(),
		FailureCount:     b.failures,
		FailureThreshold: b.settings.FailureThreshold,
		LastFailure:      b.lastFailure,
		TotalCalls:       b.calls.Load(),
		TotalFailures:    b.failed.Load(),
		Rejected:         b.rejected.Load(),
	}
	if state == StateOpen {
		s.NextRetry = b.nextRetry
	}
	return s
}
