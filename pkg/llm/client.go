// Package llm defines the contract with the external LLM provider. The
// provider itself is an external collaborator; the runtime only depends on
// this interface.
package llm

import (
	"context"
)

// Client is the interface for calling the LLM provider.
type Client interface {
	// Generate sends one conversation turn to the LLM and returns the
	// assembled response: text, requested tool calls, stop reason, and token
	// counts.
	Generate(ctx context.Context, input *GenerateInput) (*Response, error)

	// Close releases the provider connection.
	Close() error
}

// GenerateInput is one LLM turn request.
type GenerateInput struct {
	SessionID    string
	TaskID       string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition // nil = no tools
}

// Message is one conversation turn.
type Message struct {
	Role       string // "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // for assistant messages
	ToolCallID string     // for tool result messages
	ToolName   string     // for tool result messages
}

// ToolDefinition describes a tool available to the LLM. PromptCache marks
// the entry for upstream prompt caching, sourced from the skill's cache
// policy.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
	PromptCache      bool
}

// ToolCall is the LLM's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// StopReason is why the LLM ended its turn.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonError     StopReason = "error"
)

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is one completed LLM turn.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// Empty reports whether the response carries no content at all: no text and
// no tool calls. An empty end_turn response is an operational hazard the
// task loop must diagnose rather than retry.
func (r *Response) Empty() bool {
	return r.Text == "" && len(r.ToolCalls) == 0
}
