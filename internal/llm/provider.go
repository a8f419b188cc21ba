// Package llm is the boundary to the reasoning model service.
package llm

import (
	"context"
	"errors"
)

// ErrRetriesExhausted is returned when transient failures outlast the retry budget.
var ErrRetriesExhausted = errors.New("llm: retries exhausted")

// ErrFatal marks non-retryable provider failures (auth, billing, bad request).
var ErrFatal = errors.New("llm: fatal provider error")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the prompt.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages
	ToolCallID string     // tool messages
	ToolName   string     // tool messages
	IsError    bool       // tool messages
}

// ToolCall is a directive returned by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
	// RawArgs holds the undecodable argument text; Args is nil when it is set.
	RawArgs string
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ChatRequest is one reasoning call.
type ChatRequest struct {
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// ChatResponse is either final text (no ToolCalls) or tool-call directives.
type ChatResponse struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Provider is implemented by model adapters.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

// Chat calls f.
func (f ProviderFunc) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}
