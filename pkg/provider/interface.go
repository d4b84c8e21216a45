// Package provider defines the external capabilities the dispatch engine
// is built against: the cross-provider LLM transport, token counting, and
// model discovery. Implementations are injected at client construction.
package provider

import (
	"context"
	"io"

	"github.com/blueberrycongee/keymux/pkg/types"
)

// LLMClient performs the actual provider call with a concrete credential.
// Errors it returns are classified by pkg/errors before any rotation
// decision is made.
type LLMClient interface {
	// Complete sends a non-streaming chat completion request.
	Complete(ctx context.Context, providerName, model, apiKey string, req *types.ChatRequest) (*types.ChatResponse, error)

	// StreamComplete opens a streaming chat completion and returns the raw
	// SSE byte stream. The caller owns the ReadCloser.
	StreamComplete(ctx context.Context, providerName, model, apiKey string, req *types.ChatRequest) (io.ReadCloser, error)

	// Embed sends an embedding request.
	Embed(ctx context.Context, providerName, model, apiKey string, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error)
}

// TokenCounter estimates token counts when the provider does not report
// usage, e.g. for a stream abandoned before its final usage event.
type TokenCounter interface {
	Count(model, text string) int
}

// Registry exposes model discovery per provider. It replaces runtime
// plugin scanning with an explicit, injectable catalog.
type Registry interface {
	// Providers returns the names of all known providers.
	Providers() []string

	// Models returns the model identifiers a provider serves, already
	// prefixed with the provider name.
	Models(ctx context.Context, providerName, apiKey string) ([]string, error)
}

// StaticRegistry is a Registry backed by a fixed provider → models map.
type StaticRegistry map[string][]string

// Providers returns the configured provider names.
func (r StaticRegistry) Providers() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

// Models returns the configured models for a provider, prefixed.
func (r StaticRegistry) Models(_ context.Context, providerName, _ string) ([]string, error) {
	models := r[providerName]
	out := make([]string, 0, len(models))
	for _, m := range models {
		out = append(out, providerName+"/"+m)
	}
	return out, nil
}

// HeuristicTokenCounter approximates tokens as ceil(len/4), the usual
// rule of thumb for English text. Good enough for accounting fallback.
type HeuristicTokenCounter struct{}

// Count returns the approximate token count for text.
func (HeuristicTokenCounter) Count(_, text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
