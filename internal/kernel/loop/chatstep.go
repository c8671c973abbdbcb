// Package loop drives the per-process think/act/observe reasoning cycle.
package loop

import (
	"context"

	"github.com/aether/aether/internal/kernel/toolhost"
)

// Message roles in the running transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript entry handed to the reasoning step.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Tool    string `json:"tool,omitempty"`
}

// ToolCall is a tool invocation requested by the reasoning step.
type ToolCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Usage is the token accounting reported by a provider, when available.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// StepResult is the outcome of one reasoning step.
type StepResult struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Usage     Usage      `json:"usage"`
	Done      bool       `json:"done"`
}

// ChatStep produces one reasoning step from the transcript and the
// advertised tool surface. Providers (or scripted test steps) implement
// it; the loop is deterministic given a deterministic ChatStep.
type ChatStep interface {
	Step(ctx context.Context, messages []Message, tools []toolhost.Spec) (*StepResult, error)
}
