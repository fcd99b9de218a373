// Package adapter defines the contract between the chat pipeline and the
// upstream dialect translators, plus shared HTTP plumbing.
package adapter

import (
	"context"

	gateway "github.com/khazad/mellon/internal"
)

// Adapter translates canonical chat-completion requests into one upstream
// dialect and normalises the responses back.
type Adapter interface {
	// Name identifies the dialect ("openai", "anthropic", "gemini").
	Name() string

	// Call performs a non-streaming completion against the upstream using
	// the given model. The adapter owns error classification: non-2xx
	// responses surface as *APIError.
	Call(ctx context.Context, req *gateway.ChatRequest, model string) (*gateway.ChatResponse, error)

	// Stream performs a streaming completion. The returned channel carries
	// serialized chat.completion.chunk payloads and is closed after a Done
	// sentinel or an error chunk.
	Stream(ctx context.Context, req *gateway.ChatRequest, model string) (<-chan gateway.StreamChunk, error)
}
