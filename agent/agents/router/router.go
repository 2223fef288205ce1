package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	promptx "github.com/tanpawarit/mission-engine/agent/prompt"
)

// HistoryLimit is how many recent messages the router sees.
const HistoryLimit = 5

type Request struct {
	User    contractx.User
	Tenant  *contractx.Tenant
	Text    string
	History []contractx.ChatMessage
	// FallbackModel is used when the catalog has no router model.
	FallbackModel string
}

type Result struct {
	Verb  string
	Model string
	Usage contractx.TokenUsage
}

// Router classifies a free-text message into one of the user's allowed action verbs.
type Router struct {
	capabilities contractx.CapabilityDirectory
	models       contractx.ModelCatalog
	generator    contractx.Generator
	prompts      promptx.PromptSet
	fallback     string
	logger       zerolog.Logger
}

type Option func(*Router)

// WithFallbackModel sets the model used when neither the catalog nor the request names a router model.
func WithFallbackModel(identifier string) Option {
	return func(r *Router) {
		r.fallback = strings.TrimSpace(identifier)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

func New(
	capabilities contractx.CapabilityDirectory,
	models contractx.ModelCatalog,
	generator contractx.Generator,
	prompts promptx.PromptSet,
	opts ...Option,
) (*Router, error) {
	if capabilities == nil {
		return nil, errors.New("capability directory is required")
	}
	if models == nil {
		return nil, errors.New("model catalog is required")
	}
	if generator == nil {
		return nil, errors.New("generator is required")
	}

	r := &Router{
		capabilities: capabilities,
		models:       models,
		generator:    generator,
		prompts:      prompts,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With().Str("component", "router").Logger()
	return r, nil
}

// Route returns the chosen verb. Gateway errors are returned unchanged.
func (r *Router) Route(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.User.ID) == "" {
		return Result{}, fmt.Errorf("%w: router requires a user", contractx.ErrValidation)
	}

	actions, err := r.capabilities.ListActions(ctx, req.User, req.Tenant)
	if err != nil {
		return Result{}, fmt.Errorf("list actions for user=%s: %w", req.User.ID, err)
	}
	if len(actions) == 0 {
		r.logger.Debug().Str("user_id", req.User.ID).Msg("no actions available, using general chat")
		return Result{Verb: contractx.GeneralChatVerb}, nil
	}

	instructions, err := r.prompts.RouterInstructions(actions)
	if err != nil {
		return Result{}, err
	}

	model, err := r.selectModel(req.FallbackModel)
	if err != nil {
		return Result{}, err
	}

	messages := make([]contractx.ChatMessage, 0, len(req.History)+2)
	messages = append(messages, contractx.ChatMessage{Role: contractx.RoleSystem, Content: instructions})
	messages = append(messages, req.History...)
	messages = append(messages, contractx.ChatMessage{Role: contractx.RoleUser, Content: req.Text})

	resp, err := r.generator.Generate(ctx, contractx.GenerateRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return Result{}, err
	}

	verb := match(resp.Message.Content, actions)
	r.logger.Debug().
		Str("user_id", req.User.ID).
		Str("model", model).
		Str("verb", verb).
		Msg("intent routed")

	return Result{Verb: verb, Model: model, Usage: resp.Usage}, nil
}

func (r *Router) selectModel(requested string) (string, error) {
	if m, ok := r.models.RouterModel(); ok && m.Identifier != "" {
		return m.Identifier, nil
	}
	if requested = strings.TrimSpace(requested); requested != "" {
		return requested, nil
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	if m, ok := r.models.DefaultModel(); ok && m.Identifier != "" {
		return m.Identifier, nil
	}
	return "", fmt.Errorf("%w: no router model configured", contractx.ErrNoModelAvailable)
}

// match compares the cleaned reply literally against the menu verbs.
func match(reply string, actions []contractx.Action) string {
	cleaned := strings.TrimSpace(strings.NewReplacer("'", "", `"`, "").Replace(reply))
	for _, a := range actions {
		if a.Verb == cleaned {
			return a.Verb
		}
	}
	return contractx.GeneralChatVerb
}
