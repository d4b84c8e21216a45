package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	llmerrors "github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/types"
)

// defaultBaseURLs maps providers with OpenAI-compatible endpoints to their
// public API roots. Unknown providers must be configured explicitly.
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"together":   "https://api.together.xyz/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai",
	"chutes":     "https://llm.chutes.ai/v1",
}

// HTTPClient is the default LLMClient. It speaks the OpenAI wire format
// to any compatible endpoint. One HTTPClient carries one pooled transport
// shared by all concurrent requests.
type HTTPClient struct {
	httpClient *http.Client
	baseURLs   map[string]string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithBaseURL overrides or adds the endpoint root for a provider.
func WithBaseURL(providerName, baseURL string) HTTPOption {
	return func(c *HTTPClient) {
		c.baseURLs[providerName] = baseURL
	}
}

// WithHTTPClient replaces the underlying http.Client. The replacement's
// transport should pool at least as many connections as the dispatcher's
// concurrency.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// NewHTTPClient creates the default OpenAI-compatible transport.
func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURLs: make(map[string]string, len(defaultBaseURLs)),
	}
	for name, url := range defaultBaseURLs {
		c.baseURLs[name] = url
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends a non-streaming chat completion request.
func (c *HTTPClient) Complete(ctx context.Context, providerName, model, apiKey string, req *types.ChatRequest) (*types.ChatResponse, error) {
	body := *req
	body.Model = model
	body.Stream = false

	resp, err := c.post(ctx, providerName, model, apiKey, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out types.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// StreamComplete opens a streaming completion and returns the raw SSE body.
func (c *HTTPClient) StreamComplete(ctx context.Context, providerName, model, apiKey string, req *types.ChatRequest) (io.ReadCloser, error) {
	body := *req
	body.Model = model
	body.Stream = true
	if body.StreamOptions == nil {
		body.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}

	resp, err := c.post(ctx, providerName, model, apiKey, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Embed sends an embedding request.
func (c *HTTPClient) Embed(ctx context.Context, providerName, model, apiKey string, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	body := *req
	body.Model = model

	resp, err := c.post(ctx, providerName, model, apiKey, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out types.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (c *HTTPClient) post(ctx context.Context, providerName, model, apiKey, path string, payload any) (*http.Response, error) {
	base, ok := c.baseURLs[providerName]
	if !ok {
		return nil, llmerrors.NewInvalidRequestError(providerName, model,
			fmt.Sprintf("no endpoint configured for provider %q", providerName))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, llmerrors.FromStatus(resp.StatusCode, providerName, model, errorMessage(raw))
	}
	return resp, nil
}

// errorMessage extracts the provider's error message from a response body,
// falling back to the raw body.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(raw)
}
