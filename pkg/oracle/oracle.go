// Package oracle defines the completion oracle contract. The control plane
// treats the model as an opaque prompt-to-completion function with token
// accounting; provider transports live behind this interface and never leak
// into orchestration code.
package oracle

import (
	"context"
)

// Message is one turn of the prompt.
type Message struct {
	Role    string `json:"role"` // system|user|assistant|tool
	Content string `json:"content"`
}

// ToolDefinition advertises a callable tool to the oracle.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation requested by the oracle.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Prompt is one completion request.
type Prompt struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ModelTier   string           `json:"model_tier,omitempty"`
	MaxTokens   int64            `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Seed        int64            `json:"seed,omitempty"`
}

// Completion is the oracle's answer. TokensUsed covers prompt and completion
// together; the budget tracker charges it as one draw.
type Completion struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	TokensUsed   int64      `json:"tokens_used"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Oracle is the completion contract.
type Oracle interface {
	Complete(ctx context.Context, p Prompt) (Completion, error)
}
