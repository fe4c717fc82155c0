// Package llm defines the model client boundary. Providers live in
// internal/provider; the session only sees this interface.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolCalls are set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolID links a tool-role message to the call it answers.
	ToolID string `json:"tool_id,omitempty"`
}

// ToolCall is a model request to invoke a tool. Arguments is the raw
// JSON object the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Required    []string               `json:"required,omitempty"`
}

// Request is one completion request.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	MaxTokens    int
	Temperature  float64
}

// Usage is the token accounting for one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is one completion result.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Client is implemented by every model provider.
type Client interface {
	// Complete performs one completion round-trip.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// ModelName identifies the configured model.
	ModelName() string
}
