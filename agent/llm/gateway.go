package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	openrouterx "github.com/tanpawarit/mission-engine/pkg/openrouter"
)

// ErrTransient marks gateway failures that may succeed on a later attempt.
var ErrTransient = errors.New("transient")

// IsTransient reports whether a gateway error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

var _ contractx.Generator = (*OpenAIGateway)(nil)

// OpenAIGateway is the Generator backed by an OpenAI-compatible chat completions API.
type OpenAIGateway struct {
	client      *openai.Client
	maxTokens   int
	temperature float32
	logger      zerolog.Logger
}

type GatewayOption func(*OpenAIGateway)

func WithLogger(logger zerolog.Logger) GatewayOption {
	return func(g *OpenAIGateway) {
		g.logger = logger
	}
}

// WithClient overrides the SDK client built from Config.
func WithClient(client *openai.Client) GatewayOption {
	return func(g *OpenAIGateway) {
		if client != nil {
			g.client = client
		}
	}
}

// NewOpenAIGateway builds a gateway. A missing API key is reported on the first call.
func NewOpenAIGateway(cfg Config, opts ...GatewayOption) *OpenAIGateway {
	g := &OpenAIGateway{
		client:      openrouterx.NewClient(cfg.ClientConfig()),
		maxTokens:   cfg.MaxCompletionToken,
		temperature: cfg.Temperature,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func (g *OpenAIGateway) Generate(ctx context.Context, req contractx.GenerateRequest) (*contractx.GenerateResponse, error) {
	if g.client == nil {
		return nil, fmt.Errorf("%w: api key is not configured", contractx.ErrAIAuthentication)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, fmt.Errorf("%w: model is required", contractx.ErrValidation)
	}

	messages, err := toOpenAIMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if g.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(g.maxTokens))
	}
	if g.temperature > 0 {
		params.Temperature = openai.Float(float64(g.temperature))
	}
	if tier := strings.TrimSpace(req.ServiceTier); tier != "" {
		params.ServiceTier = openai.ChatCompletionNewParamsServiceTier(tier)
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}

	g.logger.Debug().
		Str("model", model).
		Int("messages", len(messages)).
		Int("tools", len(req.Tools)).
		Msg("chat completion request")

	resp, err := g.client.Chat.Completions.New(ctx, params, openrouterx.RequestOptions(model)...)
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %w: response has no choices", contractx.ErrAIAPI, contractx.ErrAIMalformedResponse)
	}

	choice := resp.Choices[0].Message
	out := &contractx.GenerateResponse{
		Message: contractx.ChatMessage{
			Role:    contractx.RoleAssistant,
			Content: choice.Content,
		},
		Usage: contractx.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, contractx.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		code := apierr.StatusCode
		msg := strings.TrimSpace(apierr.Message)
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return fmt.Errorf("%w: status=%d: %s", contractx.ErrAIAuthentication, code, msg)
		case code == http.StatusRequestTimeout,
			code == http.StatusConflict,
			code == http.StatusTooManyRequests,
			code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w: status=%d: %s", contractx.ErrAIAPI, ErrTransient, code, msg)
		default:
			return fmt.Errorf("%w: status=%d: %s", contractx.ErrAIAPI, code, msg)
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %w: %v", contractx.ErrAIAPI, contractx.ErrAIMalformedResponse, err)
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", contractx.ErrAIAPI, err)
	}

	// Transport failures and deadlines.
	return fmt.Errorf("%w: %w: %v", contractx.ErrAIAPI, ErrTransient, err)
}

func toOpenAIMessages(in []contractx.ChatMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(in))
	for i, m := range in {
		switch m.Role {
		case contractx.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case contractx.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case contractx.RoleAssistant:
			msg := openai.AssistantMessage(m.Content)
			for _, tc := range m.ToolCalls {
				msg.OfAssistant.ToolCalls = append(msg.OfAssistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, msg)
		case contractx.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("%w: message %d has unknown role %q", contractx.ErrValidation, i, m.Role)
		}
	}
	return out, nil
}

func toOpenAITools(specs []contractx.ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		fn := openai.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: openai.FunctionParameters(params),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}
