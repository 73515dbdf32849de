package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels shared across subsystems.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrClosed       = fmt.Errorf("closed")
)

// Coordination sentinels. Per-agent failures during a fan-out are wrapped
// around one of these and collected into CoordinationResult.Errors.
var (
	ErrCircuitOpen      = fmt.Errorf("circuit breaker open")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrAgentInvocation  = fmt.Errorf("agent invocation failed")
	ErrConfiguration    = fmt.Errorf("invalid coordination configuration")
	ErrNoEligibleAgents = fmt.Errorf("no eligible agents")
	ErrAgentBusy        = fmt.Errorf("agent at capacity")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrStore            = fmt.Errorf("record store operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Coordinator.Parallel")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "routing", "breaker")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CircuitOpenError is returned when an agent's breaker rejects a call.
// It carries the earliest time at which a trial call will be admitted.
type CircuitOpenError struct {
	AgentID   string
	NextRetry time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.NextRetry.IsZero() {
		return fmt.Sprintf("agent %q: %s", e.AgentID, ErrCircuitOpen)
	}
	return fmt.Sprintf("agent %q: %s (retry after %s)", e.AgentID, ErrCircuitOpen, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrAgentBusy)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeClosed            ErrorCode = "CLOSED"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeAgentInvocation   ErrorCode = "AGENT_INVOCATION"
	CodeConfiguration     ErrorCode = "CONFIGURATION"
	CodeNoEligibleAgents  ErrorCode = "NO_ELIGIBLE_AGENTS"
	CodeAgentBusy         ErrorCode = "AGENT_BUSY"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeStore             ErrorCode = "STORE"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate    ErrorCode = "AGENT_DUPLICATE"
	CodeAlertNotFound     ErrorCode = "ALERT_NOT_FOUND"
	CodeRecommendNotFound ErrorCode = "RECOMMENDATION_NOT_FOUND"
	CodeRecordNotFound    ErrorCode = "RECORD_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrInvalidInput:     CodeInvalidInput,
	ErrClosed:           CodeClosed,
	ErrCircuitOpen:      CodeCircuitOpen,
	ErrTimeout:          CodeTimeout,
	ErrAgentInvocation:  CodeAgentInvocation,
	ErrConfiguration:    CodeConfiguration,
	ErrNoEligibleAgents: CodeNoEligibleAgents,
	ErrAgentBusy:        CodeAgentBusy,
	ErrConfigLoad:       CodeConfigLoad,
	ErrStore:            CodeStore,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":          CodeAgentNotFound,
		"alert":          CodeAlertNotFound,
		"recommendation": CodeRecommendNotFound,
		"store":          CodeRecordNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// DomainErrors tagged with a SubSystem resolve to the subsystem-specific code
// when one exists. Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Coordination sentinels take priority over the generic categories
	// when an error chain wraps more than one.
	for _, sentinel := range []error{ErrCircuitOpen, ErrTimeout, ErrNoEligibleAgents, ErrConfiguration, ErrAgentBusy, ErrAgentInvocation} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

// SentinelOf returns the category sentinel for code, or nil when the code
// has none. Subsystem codes resolve to their category.
func SentinelOf(code ErrorCode) error {
	for sentinel, c := range errorCodeMap {
		if c == code {
			return sentinel
		}
	}
	for sentinel, subs := range subSystemCodeMap {
		for _, c := range subs {
			if c == code {
				return sentinel
			}
		}
	}
	return nil
}

// RemoteError is an error decoded from another process. It carries the
// original message and unwraps to the sentinel named by its code.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return SentinelOf(e.Code) }
