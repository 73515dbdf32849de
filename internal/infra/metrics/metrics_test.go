package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mosaic-ai/internal/infra/config"
)

func TestCollectorCounts(t *testing.T) {
	c := New()

	c.ObserveCoordination("parallel", true)
	c.ObserveCoordination("parallel", true)
	c.ObserveCoordination("consensus", false)
	c.ObserveAgentCall("crisis", OutcomeSuccess, 120*time.Millisecond)
	c.ObserveAgentCall("crisis", OutcomeCircuitOpen, 0)
	c.IncAlert("critical")
	c.SetBreakerState("crisis", 2)
	c.SetHealthScore("crisis", 87.5)
	c.IncRouted("therapy")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.coordinations.WithLabelValues("parallel", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.coordinations.WithLabelValues("consensus", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentCalls.WithLabelValues("crisis", OutcomeCircuitOpen)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.alerts.WithLabelValues("critical")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("crisis")))
	assert.Equal(t, 87.5, testutil.ToFloat64(c.healthScore.WithLabelValues("crisis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.routed.WithLabelValues("therapy")))
	// Rejected calls never reach the agent, so they carry no latency sample.
	assert.Equal(t, 1, testutil.CollectAndCount(c.agentLatency))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveCoordination("parallel", true)
	c.ObserveAgentCall("a", OutcomeSuccess, time.Second)
	c.SetBreakerState("a", 0)
	c.IncAlert("warning")
	c.SetHealthScore("a", 1)
	c.IncRouted("a")
	c.ObserveOrchestration("low", time.Second)
	assert.Nil(t, c.Registry())
}

func TestServerEndpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New()
	c.ObserveCoordination("sequential", true)

	var healthy atomic.Bool
	healthy.Store(true)
	srv := NewServer(ctx, config.MetricsConfig{Addr: ":0", Path: "/metrics"}, c,
		func(context.Context) (map[string]any, error) {
			if healthy.Load() {
				return map[string]any{"agents": 3}, nil
			}
			return nil, errors.New("store unreachable")
		}, slog.New(slog.DiscardHandler))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `mosaic_coordinations_total{outcome="success",strategy="sequential"} 1`))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"agents":3`)

	healthy.Store(false)
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
