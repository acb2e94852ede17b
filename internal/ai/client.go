// Package ai is the LLM provider client: chat completions through the
// Anthropic API and embeddings through a Voyage-compatible endpoint, wrapped
// in retry, circuit-breaker, concurrency, and rate limiting.
package ai

import (
	"context"
)

// ChatRequest is one chat completion request.
type ChatRequest struct {
	Prompt      string
	System      string
	Model       string // empty means the client default
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// ChatResult carries the completion text and token accounting.
type ChatResult struct {
	Content    string
	TokensUsed int64
}

// EmbedRequest is one embedding request.
type EmbedRequest struct {
	Input      string
	Model      string // empty means the client default
	Dimensions int
}

// EmbedResult carries the embedding vector and token accounting.
type EmbedResult struct {
	Embedding  []float64
	TokensUsed int64
}

// Client is the provider seam the orchestrators depend on. Production code
// uses Provider; tests substitute fakes.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResult, error)
}
