// Package llm provides the pluggable model-provider surface the evaluation
// engine calls per test case, plus the replay/strict wrappers that forbid
// network calls when a run is driven entirely from a trace file.
package llm

import "context"

// Request is the provider-agnostic shape of one completion call.
type Request struct {
	Model         string
	Prompt        string
	SystemPrompts []string
	Temperature   *float64
	MaxTokens     int
	Tools         []ToolSpec
}

// ToolSpec is a tool definition passed through to a provider that supports
// tool calling.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is one tool invocation a provider reports in its response.
type ToolCall struct {
	Name string
	Args map[string]any
}

// Response is the provider-agnostic completion result.
type Response struct {
	Text      string
	Model     string
	ToolCalls []ToolCall
	Meta      map[string]any
}

// Client is the minimal surface the Evaluation Engine needs from a model
// provider. Both concrete providers and the replay/strict wrappers implement
// it, so the runner never has a provider-specific branch.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
