package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
	"mosaic-ai/internal/infra/tracer"
)

const (
	defaultBedrockRegion    = "us-east-1"
	defaultBedrockMaxTokens = 1024
	// unstructuredConfidence is assigned when the model ignores the reply format.
	unstructuredConfidence = 0.5
)

// replyFormat is appended to the system prompt so the model answers with
// the fields an AgentResponse carries.
const replyFormat = `Reply with a single JSON object and nothing else:
{"content": string, "confidence": number 0-1, "escalation_needed": boolean,
 "cultural_relevance": number 0-1, "action_items": [string]}
Set escalation_needed to true only if the user may be at risk of harm.`

// converseAPI abstracts the Bedrock runtime method the agent uses.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockAgent answers turns with a Bedrock-hosted model through the
// Converse API.
type BedrockAgent struct {
	*base
	model     string
	system    string
	maxTokens int32
	client    converseAPI
	logger    *slog.Logger
}

// NewBedrockAgent creates a BedrockAgent using the default AWS credential chain.
func NewBedrockAgent(ctx context.Context, cfg config.AgentInstanceConfig, logger *slog.Logger) (*BedrockAgent, error) {
	if cfg.Model == "" {
		return nil, domain.NewSubSystemError(subsystem, "NewBedrockAgent", domain.ErrConfiguration,
			fmt.Sprintf("agent %q: model is required", cfg.ID))
	}
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockAgentWithClient(cfg, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockAgentWithClient(cfg config.AgentInstanceConfig, client converseAPI, logger *slog.Logger) *BedrockAgent {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultBedrockMaxTokens
	}
	system := strings.TrimSpace(cfg.SystemPrompt)
	if system != "" {
		system += "\n\n"
	}
	return &BedrockAgent{
		base:      newBase(DescriptorFromConfig(cfg)),
		model:     cfg.Model,
		system:    system + replyFormat,
		maxTokens: int32(maxTokens),
		client:    client,
		logger:    logger,
	}
}

// Invoke runs one Converse call for the turn.
func (a *BedrockAgent) Invoke(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	return a.track(ctx, req, a.converse)
}

func (a *BedrockAgent) converse(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.bedrock",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", a.desc.ID),
			tracer.StringAttr("llm.model", a.model),
		),
	)
	defer span.End()

	out, err := a.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(a.model),
		System:  []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: a.system}},
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: userPrompt(req)}},
		}},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(a.maxTokens)},
	})
	if err != nil {
		tracer.RecordError(span, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, a.mapError(err)
	}

	text := outputText(out)
	if out.Usage != nil {
		span.SetAttributes(
			tracer.IntAttr("llm.input_tokens", int(aws.ToInt32(out.Usage.InputTokens))),
			tracer.IntAttr("llm.output_tokens", int(aws.ToInt32(out.Usage.OutputTokens))),
		)
	}
	tracer.SetOK(span)

	resp := parseReply(text)
	resp.Metadata = map[string]any{"kind": "bedrock", "model": a.model, "stop_reason": string(out.StopReason)}
	a.logger.Debug("bedrock agent replied",
		"agent_id", a.desc.ID,
		"model", a.model,
		"confidence", resp.Confidence,
		"escalation_needed", resp.EscalationNeeded,
	)
	return resp, nil
}

// userPrompt renders the turn and any coordination context the strategy
// injected (previous responses, coordinator guidance).
func userPrompt(req domain.AgentRequest) string {
	var b strings.Builder
	b.WriteString(req.Input)
	if len(req.Context) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("\n\nContext:")
	for _, k := range keys {
		v, err := json.Marshal(req.Context[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %s", k, v)
	}
	return b.String()
}

func outputText(out *bedrockruntime.ConverseOutput) string {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var parts []string
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			parts = append(parts, t.Value)
		}
	}
	return strings.Join(parts, "")
}

// parseReply decodes the JSON reply format. Free text is kept as content
// with a middling confidence.
func parseReply(text string) *domain.AgentResponse {
	var reply struct {
		Content           string   `json:"content"`
		Confidence        float64  `json:"confidence"`
		EscalationNeeded  bool     `json:"escalation_needed"`
		CulturalRelevance float64  `json:"cultural_relevance"`
		ActionItems       []string `json:"action_items"`
	}
	trimmed := strings.TrimSpace(text)
	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &reply); err == nil && reply.Content != "" {
			return &domain.AgentResponse{
				Content:           reply.Content,
				Confidence:        clamp01(reply.Confidence),
				EscalationNeeded:  reply.EscalationNeeded,
				CulturalRelevance: clamp01(reply.CulturalRelevance),
				ActionItems:       reply.ActionItems,
			}
		}
	}
	return &domain.AgentResponse{Content: trimmed, Confidence: unstructuredConfidence}
}

func (a *BedrockAgent) mapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException",
			"ModelNotReadyException", "ServiceUnavailableException":
			return domain.NewSubSystemError(subsystem, "BedrockAgent.Invoke", domain.ErrAgentBusy,
				fmt.Sprintf("%s: %s", a.desc.ID, apiErr.ErrorMessage()))
		}
	}
	return invocationErr("BedrockAgent.Invoke", a.desc.ID, err)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

var _ domain.Agent = (*BedrockAgent)(nil)
