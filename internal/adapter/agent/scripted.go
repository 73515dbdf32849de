package agent

import (
	"context"
	"slices"
	"strings"
	"time"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
)

// ScriptedAgent answers every turn with a fixed response after a fixed
// latency. Inputs containing an escalate_on phrase set the escalation flag.
// It backs demos, local runs and load tests.
type ScriptedAgent struct {
	*base
	script config.ScriptConfig
}

// NewScriptedAgent creates a ScriptedAgent.
func NewScriptedAgent(desc domain.AgentDescriptor, script config.ScriptConfig) *ScriptedAgent {
	return &ScriptedAgent{base: newBase(desc), script: script}
}

// Invoke waits out the scripted latency, honouring ctx.
func (a *ScriptedAgent) Invoke(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	return a.track(ctx, req, a.respond)
}

func (a *ScriptedAgent) respond(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	if d := a.script.Latency; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	input := strings.ToLower(req.Input)
	escalate := slices.ContainsFunc(a.script.EscalateOn, func(p string) bool {
		p = strings.ToLower(strings.TrimSpace(p))
		return p != "" && strings.Contains(input, p)
	})
	return &domain.AgentResponse{
		Content:           a.script.Response,
		Confidence:        a.script.Confidence,
		CulturalRelevance: a.script.CulturalRelevance,
		EscalationNeeded:  escalate,
		ActionItems:       slices.Clone(a.script.ActionItems),
		Metadata:          map[string]any{"kind": "scripted"},
	}, nil
}

var _ domain.Agent = (*ScriptedAgent)(nil)
