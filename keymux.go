// Package keymux provides a resilient API-key rotation and dispatch
// engine for fronting multiple LLM providers. It selects an eligible
// credential per request, dispatches the call, and transparently
// recovers from transient and credential-specific failures by rotating
// keys, all bounded by a strict end-to-end deadline.
//
// One key may serve many distinct models concurrently, but use of the
// same key against the same model is serialized. Failures feed a
// per-(key, model) cooldown state machine with escalating backoff,
// key-wide lockouts, and daily reset.
//
// Basic usage:
//
//	client, err := keymux.New(
//	    keymux.WithKeys("openai", os.Getenv("OPENAI_API_KEY")),
//	    keymux.WithKeys("gemini", geminiKey1, geminiKey2),
//	    keymux.WithSnapshotFile("usage.json"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.ChatCompletion(ctx, &keymux.ChatRequest{
//	    Model: "openai/gpt-4o",
//	    Messages: []keymux.ChatMessage{
//	        {Role: "user", Content: json.RawMessage(`"Hello!"`)},
//	    },
//	})
package keymux

import (
	"github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/provider"
	"github.com/blueberrycongee/keymux/pkg/types"
)

// Version is the current version of keymux.
const Version = "1.0.0"

// Re-export core request/response types for convenience.
// Users can write keymux.ChatRequest instead of types.ChatRequest.
type (
	// ChatRequest represents an OpenAI-compatible chat completion request.
	ChatRequest = types.ChatRequest

	// ChatResponse represents an OpenAI-compatible chat completion response.
	ChatResponse = types.ChatResponse

	// ChatMessage represents a single message in the conversation.
	ChatMessage = types.ChatMessage

	// StreamChunk represents a single chunk in a streaming response.
	StreamChunk = types.StreamChunk

	// Usage contains token usage statistics for the request.
	Usage = types.Usage

	// Choice represents a single completion choice.
	Choice = types.Choice

	// StreamChoice represents a choice in a streaming response.
	StreamChoice = types.StreamChoice

	// StreamDelta contains the incremental content in a stream chunk.
	StreamDelta = types.StreamDelta

	// EmbeddingRequest represents an OpenAI-compatible embedding request.
	EmbeddingRequest = types.EmbeddingRequest

	// EmbeddingResponse represents an OpenAI-compatible embedding response.
	EmbeddingResponse = types.EmbeddingResponse

	// EmbeddingInput accepts a single string or an array of strings.
	EmbeddingInput = types.EmbeddingInput

	// Model describes a model available through a configured provider.
	Model = types.Model
)

// Re-export capability interfaces.
type (
	// LLMClient performs the actual provider call with a credential.
	LLMClient = provider.LLMClient

	// TokenCounter estimates token counts for usage accounting.
	TokenCounter = provider.TokenCounter

	// Registry exposes model discovery per provider.
	Registry = provider.Registry

	// StaticRegistry is a Registry backed by a fixed map.
	StaticRegistry = provider.StaticRegistry

	// LLMError is the standardized provider error.
	LLMError = errors.LLMError
)
