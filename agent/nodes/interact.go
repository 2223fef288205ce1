package orchestratornode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
	llmx "github.com/tanpawarit/mission-engine/agent/llm"
	promptx "github.com/tanpawarit/mission-engine/agent/prompt"
	statex "github.com/tanpawarit/mission-engine/agent/state"
)

// MaxToolRounds bounds how many tool-call rounds one interaction may run.
const MaxToolRounds = 1

type InteractDeps struct {
	Generator     contractx.Generator
	Tools         contractx.ToolExecutor
	Conversations ConversationStore
	Prompts       promptx.PromptSet
	// MaxRetries is how many extra attempts a transient gateway failure gets.
	MaxRetries   int
	RetryBackoff time.Duration
}

// Interact runs the model round-trips, executes tool calls and records the outcome on the process.
func Interact(ctx context.Context, in *MissionState, deps InteractDeps) (*MissionState, error) {
	if in == nil || in.User == nil || in.Process == nil || in.Conversation == nil {
		return nil, fmt.Errorf("%w: mission context is not resolved", contractx.ErrValidation)
	}

	system, err := deps.Prompts.SystemPrompt(*in.User, in.Action.Instructions)
	if err != nil {
		return nil, err
	}
	history, err := deps.Conversations.History(ctx, in.Conversation.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	messages := make([]contractx.ChatMessage, 0, len(history)+4)
	messages = append(messages, contractx.ChatMessage{Role: contractx.RoleSystem, Content: system})
	messages = append(messages, toTranscript(history)...)

	if in.Mission.Kind == contractx.MissionReactive {
		body := in.Mission.Trigger.MessageBody
		if _, err := deps.Conversations.AppendMessage(ctx, in.Conversation.ID, statex.DirectionInbound, body, statex.MessageSent); err != nil {
			return nil, fmt.Errorf("persist inbound message: %w", err)
		}
		messages = append(messages, contractx.ChatMessage{Role: contractx.RoleUser, Content: body})
	}

	tools := actionTools(in.Action, deps.Tools)

	var (
		reply       string
		toolsCalled bool
		toolsFailed bool
	)
	for round := 0; ; round++ {
		offered := tools
		if round >= MaxToolRounds {
			offered = nil
		}

		resp, err := generate(ctx, deps, contractx.GenerateRequest{
			Model:       in.Model,
			Messages:    messages,
			Tools:       offered,
			ServiceTier: in.ServiceTier,
		}, in)
		if err != nil {
			return nil, err
		}
		in.Usage = in.Usage.Add(resp.Usage)
		reply = resp.Message.Content

		if len(resp.Message.ToolCalls) == 0 {
			break
		}
		if len(offered) == 0 {
			in.Log().Warn().Int("tool_calls", len(resp.Message.ToolCalls)).Msg("ignoring tool calls past the round limit")
			break
		}

		toolsCalled = true
		messages = append(messages, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			result := deps.Tools.Execute(ctx, call.Name, call.Arguments, in.User.ID)
			if result.Failed() {
				toolsFailed = true
			}
			in.ToolResults = append(in.ToolResults, result)

			content, err := json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("marshal tool result %s: %w", call.Name, err)
			}
			messages = append(messages, contractx.ChatMessage{
				Role:       contractx.RoleTool,
				Content:    string(content),
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			in.Log().Info().
				Str("tool", call.Name).
				Str("status", string(result.Status)).
				Msg("tool executed")
		}
	}

	if err := applyOutcome(in, toolsCalled, toolsFailed); err != nil {
		return nil, err
	}

	in.Reply = reply
	msg, err := deps.Conversations.AppendMessage(ctx, in.Conversation.ID, statex.DirectionOutbound, reply, statex.MessageSent)
	if err != nil {
		return nil, fmt.Errorf("persist outbound message: %w", err)
	}
	if msg != nil {
		in.ReplyMessageID = msg.ID
	}
	return in, nil
}

// ToolCatalog describes registered tools to the model.
type ToolCatalog interface {
	Spec(name string) (contractx.ToolSpec, bool)
}

// actionTools offers a single tool named after the action's verb. The action's own
// parameter schema wins; otherwise the registered tool of that name describes itself.
func actionTools(action contractx.Action, tools contractx.ToolExecutor) []contractx.ToolSpec {
	if len(action.ParametersSchema) > 0 {
		return []contractx.ToolSpec{{
			Name:        action.Verb,
			Description: action.Name,
			Parameters:  action.ParametersSchema,
		}}
	}
	if catalog, ok := tools.(ToolCatalog); ok {
		if spec, ok := catalog.Spec(action.Verb); ok {
			return []contractx.ToolSpec{spec}
		}
	}
	return nil
}

func applyOutcome(in *MissionState, toolsCalled, toolsFailed bool) error {
	var (
		target      statex.ProcessStatus
		finishConv  bool
		keepCurrent bool
	)
	switch {
	case toolsCalled && !toolsFailed:
		target, finishConv = statex.StatusFinished, true
	case toolsCalled:
		target = statex.StatusPendingUserResponse
	case in.Mission.Kind == contractx.MissionProactive:
		target = statex.StatusPendingUserResponse
	default:
		keepCurrent = true
	}
	if keepCurrent || in.Process.Status == target {
		return nil
	}

	now := in.clock()
	if in.Process.Status != statex.StatusProcessing {
		if err := in.Process.Advance(statex.StatusProcessing, now); err != nil {
			return err
		}
	}
	if err := in.Process.Advance(target, now); err != nil {
		return err
	}
	if finishConv && in.Conversation.Status == statex.ConversationActive {
		in.Conversation.Status = statex.ConversationFinished
		in.Conversation.UpdatedAt = now
	}
	return nil
}

// generate calls the gateway, retrying transient failures up to MaxRetries times.
func generate(ctx context.Context, deps InteractDeps, req contractx.GenerateRequest, in *MissionState) (*contractx.GenerateResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := deps.Generator.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= deps.MaxRetries || !llmx.IsTransient(err) {
			return nil, err
		}

		wait := deps.RetryBackoff * time.Duration(attempt+1)
		in.Log().Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", wait).Msg("transient model failure, retrying")
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
}
