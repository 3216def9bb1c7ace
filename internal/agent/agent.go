// Package agent defines the chat/tool collaborator contract the execution
// engine dispatches against, plus the shipped CLI-backed implementation.
package agent

import "context"

// TokenUsage is the token accounting reported by the underlying model.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatResult is a successful chat invocation.
type ChatResult struct {
	Content string      `json:"content"`
	Model   string      `json:"model,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

// Tool describes one tool registered with the agent.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Agent is the external chat/tool collaborator. Chat blocks until the
// agent answers or ctx is done; domain failures come back as errors.
type Agent interface {
	Chat(ctx context.Context, prompt string) (*ChatResult, error)
	Tools() []Tool
}
