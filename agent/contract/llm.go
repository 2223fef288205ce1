package contract

import "encoding/json"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one provider-neutral transcript turn.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec is a function schema offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type GenerateRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []ToolSpec
	ServiceTier string
}

type GenerateResponse struct {
	Message ChatMessage
	Usage   TokenUsage
}

type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
)

// ToolResult is fed back to the model as the tool turn content.
type ToolResult struct {
	Tool    string         `json:"-"`
	Status  ToolStatus     `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"-"`
}

func (r ToolResult) Failed() bool {
	return r.Status != ToolStatusSuccess
}

// MarshalJSON flattens Data next to status and message.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Data)+2)
	for k, v := range r.Data {
		out[k] = v
	}
	status := r.Status
	if status == "" {
		status = ToolStatusError
	}
	out["status"] = status
	if r.Message != "" {
		out["message"] = r.Message
	}
	return json.Marshal(out)
}
