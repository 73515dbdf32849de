package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Coordinator.Hierarchical", ErrConfiguration, "no coordinator in [a b]")
	want := "Coordinator.Hierarchical: no coordinator in [a b]: invalid coordination configuration"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Router.Route", ErrNoEligibleAgents, "")
	want := "Router.Route: no eligible agents"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Bus.Await", ErrTimeout, "c1:agent-a")
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is should match ErrTimeout")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewDomainError("Registry.Get", ErrNotFound, "agent-x"))
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Registry.Get" {
		t.Errorf("Op = %q, want %q", de.Op, "Registry.Get")
	}
}

// --- CircuitOpenError ---

func TestCircuitOpenError_Is(t *testing.T) {
	retry := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := &CircuitOpenError{AgentID: "crisis", NextRetry: retry}
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Contains(t, err.Error(), "2026-01-02T03:04:05Z")
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(err))
}

func TestCircuitOpenError_NoRetryTime(t *testing.T) {
	err := &CircuitOpenError{AgentID: "crisis"}
	assert.False(t, strings.Contains(err.Error(), "retry after"))
}

// --- ErrorCode ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeTimeout, ErrorCodeOf(ErrTimeout))
	assert.Equal(t, CodeConfiguration, ErrorCodeOf(ErrConfiguration))
	assert.Equal(t, CodeNoEligibleAgents, ErrorCodeOf(ErrNoEligibleAgents))
	assert.Equal(t, CodeAgentInvocation, ErrorCodeOf(ErrAgentInvocation))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("agent b: %w", ErrTimeout)
	assert.Equal(t, CodeTimeout, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_CoordinationSentinelWins(t *testing.T) {
	// A timeout wrapped inside an invocation error reports the timeout.
	err := fmt.Errorf("%w: %w", ErrAgentInvocation, ErrTimeout)
	assert.Equal(t, CodeTimeout, ErrorCodeOf(err))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		subsystem string
		sentinel  error
		want      ErrorCode
	}{
		{"agent", ErrNotFound, CodeAgentNotFound},
		{"agent", ErrDuplicate, CodeAgentDuplicate},
		{"alert", ErrNotFound, CodeAlertNotFound},
		{"recommendation", ErrNotFound, CodeRecommendNotFound},
		{"store", ErrNotFound, CodeRecordNotFound},
		{"unknown", ErrNotFound, CodeNotFound},
		{"agent", ErrTimeout, CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.subsystem+"/"+string(tt.want), func(t *testing.T) {
			err := NewSubSystemError(tt.subsystem, "Op", tt.sentinel, "x")
			assert.Equal(t, tt.want, ErrorCodeOf(err))
			assert.Equal(t, tt.subsystem, err.SubSystem)
		})
	}
}

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("alert", "Monitor.ResolveAlert", ErrNotFound, "alert_1")
	// SubSystem is metadata, not part of Error().
	assert.Equal(t, "Monitor.ResolveAlert: alert_1: not found", err.Error())
}

// --- WrapOp ---

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))

	err := WrapOp("Store.Get", ErrNotFound)
	assert.Equal(t, "Store.Get: not found", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))

	outer := WrapOp("outer", WrapOp("inner", ErrAgentInvocation))
	assert.Equal(t, "outer: inner: agent invocation failed", outer.Error())
	assert.Equal(t, CodeAgentInvocation, ErrorCodeOf(outer))
}

// --- IsRetryableError ---

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(ErrTimeout))
	assert.True(t, IsRetryableError(&CircuitOpenError{AgentID: "a"}))
	assert.True(t, IsRetryableError(fmt.Errorf("x: %w", ErrAgentBusy)))
	assert.False(t, IsRetryableError(ErrConfiguration))
	assert.False(t, IsRetryableError(nil))
}

func TestAgentError(t *testing.T) {
	ae := NewAgentError("b", fmt.Errorf("call: %w", ErrTimeout))
	assert.Equal(t, "b", ae.AgentID)
	assert.Equal(t, CodeTimeout, ae.Code)
	assert.True(t, errors.Is(ae, ErrTimeout))
	assert.Equal(t, `agent "b": call: operation timed out`, ae.Error())
}

func TestRemoteErrorUnwrapsToSentinel(t *testing.T) {
	err := &RemoteError{Code: CodeTimeout, Message: "agent \"b\": deadline"}
	if !errors.Is(err, ErrTimeout) {
		t.Error("expected remote timeout to match ErrTimeout")
	}
	if ErrorCodeOf(err) != CodeTimeout {
		t.Errorf("code = %s", ErrorCodeOf(err))
	}

	nf := &RemoteError{Code: CodeAgentNotFound, Message: "gone"}
	if !errors.Is(nf, ErrNotFound) {
		t.Error("subsystem code should resolve to its category")
	}

	unknown := &RemoteError{Code: "WHATEVER", Message: "x"}
	if errors.Unwrap(unknown) != nil {
		t.Error("unknown code should not unwrap")
	}
}
