package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
)

const defaultHTTPTimeout = 30 * time.Second

// errorBody is the JSON error shape remote agents return.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HTTPAgent forwards turns to a remote agent service: it POSTs the
// domain.AgentRequest as JSON and expects a domain.AgentResponse back.
type HTTPAgent struct {
	*base
	client  *resty.Client
	url     string
	limiter *rate.Limiter // nil when unlimited
	logger  *slog.Logger
}

// NewHTTPAgent creates an HTTPAgent from its instance config.
func NewHTTPAgent(cfg config.AgentInstanceConfig, logger *slog.Logger) (*HTTPAgent, error) {
	if cfg.URL == "" {
		return nil, domain.NewSubSystemError(subsystem, "NewHTTPAgent", domain.ErrConfiguration,
			fmt.Sprintf("agent %q: url is required", cfg.ID))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	a := &HTTPAgent{
		base:   newBase(DescriptorFromConfig(cfg)),
		client: client,
		url:    cfg.URL,
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		logger.Debug("agent http response",
			"agent_id", a.desc.ID,
			"status", resp.StatusCode(),
			"duration", resp.Time(),
		)
		return nil
	})
	return a, nil
}

// Invoke sends one turn to the remote agent. It waits for a rate-limit
// token first; a wait that would outlast ctx fails with ErrAgentBusy.
func (a *HTTPAgent) Invoke(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	return a.track(ctx, req, a.post)
}

func (a *HTTPAgent) post(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.NewSubSystemError(subsystem, "HTTPAgent.Invoke", domain.ErrAgentBusy,
				fmt.Sprintf("%s: rate limited: %v", a.desc.ID, err))
		}
	}

	var (
		out     domain.AgentResponse
		errResp errorBody
	)
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&errResp).
		Post(a.url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, invocationErr("HTTPAgent.Invoke", a.desc.ID, err)
	}

	if resp.IsError() {
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status()
		}
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() == http.StatusServiceUnavailable {
			return nil, domain.NewSubSystemError(subsystem, "HTTPAgent.Invoke", domain.ErrAgentBusy,
				fmt.Sprintf("%s: %s", a.desc.ID, msg))
		}
		return nil, invocationErr("HTTPAgent.Invoke", a.desc.ID, fmt.Errorf("status %d: %s", resp.StatusCode(), msg))
	}
	return &out, nil
}

var _ domain.Agent = (*HTTPAgent)(nil)
