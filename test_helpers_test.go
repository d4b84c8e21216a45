package keymux

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/keymux/pkg/types"
)

type fakeCall struct {
	provider string
	model    string
	key      string
}

// fakeLLM is an in-memory LLMClient driven by per-test callbacks.
type fakeLLM struct {
	mu    sync.Mutex
	calls []fakeCall

	complete func(call fakeCall, req *types.ChatRequest) (*types.ChatResponse, error)
	stream   func(call fakeCall, req *types.ChatRequest) (io.ReadCloser, error)
	embed    func(call fakeCall, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error)
}

func (f *fakeLLM) record(providerName, model, key string) fakeCall {
	call := fakeCall{provider: providerName, model: model, key: key}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return call
}

func (f *fakeLLM) Complete(_ context.Context, providerName, model, key string, req *types.ChatRequest) (*types.ChatResponse, error) {
	call := f.record(providerName, model, key)
	if f.complete == nil {
		return nil, fmt.Errorf("complete not configured")
	}
	return f.complete(call, req)
}

func (f *fakeLLM) StreamComplete(_ context.Context, providerName, model, key string, req *types.ChatRequest) (io.ReadCloser, error) {
	call := f.record(providerName, model, key)
	if f.stream == nil {
		return nil, fmt.Errorf("stream not configured")
	}
	return f.stream(call, req)
}

func (f *fakeLLM) Embed(_ context.Context, providerName, model, key string, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	call := f.record(providerName, model, key)
	if f.embed == nil {
		return nil, fmt.Errorf("embed not configured")
	}
	return f.embed(call, req)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) keysUsed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		keys = append(keys, c.key)
	}
	return keys
}

func newTestClient(t *testing.T, llm *fakeLLM, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithKeys("openai", "K1"),
		WithLLMClient(llm),
	}, opts...)
	client, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func userRequest(model, content string) *types.ChatRequest {
	return &types.ChatRequest{
		Model: model,
		Messages: []types.ChatMessage{
			{Role: "user", Content: json.RawMessage(fmt.Sprintf("%q", content))},
		},
	}
}

func okResponse(content string, promptTokens, completionTokens int) *types.ChatResponse {
	return &types.ChatResponse{
		ID:    "chatcmpl-test",
		Model: "gpt-x",
		Choices: []types.Choice{{
			Message:      types.ChatMessage{Role: "assistant", Content: json.RawMessage(fmt.Sprintf("%q", content))},
			FinishReason: "stop",
		}},
		Usage: &types.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// sseBody frames the given payloads as SSE data events.
func sseBody(payloads ...string) io.ReadCloser {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

func contentChunk(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`, content)
}

func usageChunk(promptTokens, completionTokens int) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d,"total_tokens":%d}}`,
		promptTokens, completionTokens, promptTokens+completionTokens)
}

// drainStream consumes a stream to completion, returning concatenated
// content.
func drainStream(t *testing.T, s *StreamReader) string {
	t.Helper()
	var b strings.Builder
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return b.String()
		}
		require.NoError(t, err)
		for _, c := range chunk.Choices {
			b.WriteString(c.Delta.Content)
		}
	}
}

// singleFingerprint returns the only key fingerprint in the snapshot.
func singleFingerprint(t *testing.T, c *Client) string {
	t.Helper()
	snap := c.UsageSnapshot()
	require.Len(t, snap.Keys, 1)
	for fp := range snap.Keys {
		return fp
	}
	return ""
}
