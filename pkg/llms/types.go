// Package llms provides the chat completion provider used by the
// reranking and compression stages.
package llms

import "context"

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a single completion call. The zero Temperature is
// meaningful (deterministic scoring), callers set MaxTokens explicitly.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// Model overrides the configured model when set. Compression calls
	// use a dedicated model name.
	Model string
}

// Usage reports token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider is a synchronous chat completion backend.
type Provider interface {
	// Complete returns the first choice text for the request.
	Complete(ctx context.Context, req *Request) (string, Usage, error)

	// Model returns the default model name.
	Model() string
}
