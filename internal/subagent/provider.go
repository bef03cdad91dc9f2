package subagent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/coda/internal/skills"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of an executed tool call, fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Message is one turn of the provider conversation.
type Message struct {
	// Role is "user", "assistant", or "tool".
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ChatRequest asks the provider for the next action.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []skills.ToolDefinition
	MaxTokens int
}

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is the provider's next action: final text, or tool calls to
// execute before asking again.
type ChatResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider abstracts the language-model worker behind a single chat
// operation with usage metrics.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
