package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

// ActingUserArg is injected into every tool call with the id of the user the mission runs for.
const ActingUserArg = "user_id"

var ErrDuplicateTool = errors.New("tool already registered")

// Handler runs one tool call. A returned error becomes an error result.
type Handler func(ctx context.Context, args map[string]any) (contractx.ToolResult, error)

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

var _ contractx.ToolExecutor = (*Registry)(nil)

// Registry maps tool names to handlers.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger zerolog.Logger
}

func NewRegistry(logger zerolog.Logger, tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:  make(map[string]Tool, len(tools)),
		logger: logger.With().Str("component", "tool_registry").Logger(),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("%w: tool name is empty", contractx.ErrValidation)
	}
	if t.Handler == nil {
		return fmt.Errorf("%w: tool=%s has no handler", contractx.ErrValidation, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	t.Name = name
	r.tools[name] = t
	return nil
}

// Spec describes one registered tool to the model.
func (r *Registry) Spec(name string) (contractx.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return contractx.ToolSpec{}, false
	}
	return contractx.ToolSpec{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}, true
}

// Execute runs a tool call. Failures of any kind come back as error results, never as Go errors.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON string, actingUserID string) contractx.ToolResult {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn().Str("tool", name).Msg("unknown tool requested")
		return errorResult(name, fmt.Sprintf("tool=%s is unavailable", name))
	}

	args := map[string]any{}
	if trimmed := strings.TrimSpace(argsJSON); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			return errorResult(name, fmt.Sprintf("invalid arguments: %v", err))
		}
		if args == nil {
			args = map[string]any{}
		}
	}
	args[ActingUserArg] = actingUserID

	result, err := r.invoke(ctx, t, args)
	if err != nil {
		r.logger.Error().Err(err).Str("tool", name).Msg("tool execution failed")
		return errorResult(name, fmt.Sprintf("internal error: %v", err))
	}

	result.Tool = name
	if result.Status == "" {
		result.Status = contractx.ToolStatusSuccess
	}
	r.logger.Info().Str("tool", name).Str("status", string(result.Status)).Msg("tool executed")
	return result
}

func (r *Registry) invoke(ctx context.Context, t Tool, args map[string]any) (result contractx.ToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.Handler(ctx, args)
}

func errorResult(tool, message string) contractx.ToolResult {
	return contractx.ToolResult{
		Tool:    tool,
		Status:  contractx.ToolStatusError,
		Message: message,
	}
}

func successResult(message string, data map[string]any) contractx.ToolResult {
	return contractx.ToolResult{
		Status:  contractx.ToolStatusSuccess,
		Message: message,
		Data:    data,
	}
}

// Builtins returns the tools shipped with the engine.
func Builtins(activator AccountActivator) []Tool {
	return []Tool{
		ActivateUserTool(activator),
		CalculateTool(),
	}
}
