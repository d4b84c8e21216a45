// Package types defines the request and response structures the dispatch
// engine passes between callers, providers, and the stream machinery.
// All types follow OpenAI's Chat Completion wire format.
package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// ChatRequest represents an OpenAI-compatible chat completion request.
// Unknown provider parameters are preserved in Extra and forwarded unchanged.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`

	// Extra holds provider-specific parameters that are passed through
	// unchanged to the upstream call.
	Extra map[string]json.RawMessage `json:"-"`
}

var chatRequestFields = map[string]struct{}{
	"model":             {},
	"messages":          {},
	"stream":            {},
	"max_tokens":        {},
	"temperature":       {},
	"top_p":             {},
	"n":                 {},
	"stop":              {},
	"presence_penalty":  {},
	"frequency_penalty": {},
	"user":              {},
	"tools":             {},
	"tool_choice":       {},
	"response_format":   {},
	"stream_options":    {},
}

// MarshalJSON merges Extra fields into the payload without overriding
// explicitly set fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type plain ChatRequest

	base, err := json.Marshal(plain(r))
	if err != nil || len(r.Extra) == 0 {
		return base, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(base, &payload); err != nil {
		return nil, err
	}
	for key, value := range r.Extra {
		if _, exists := payload[key]; !exists {
			payload[key] = value
		}
	}
	return json.Marshal(payload)
}

// UnmarshalJSON captures unknown fields into Extra for passthrough.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type plain ChatRequest

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	var parsed plain
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*r = ChatRequest(parsed)

	for key := range chatRequestFields {
		delete(payload, key)
	}
	if len(payload) > 0 {
		r.Extra = payload
	} else {
		r.Extra = nil
	}
	return nil
}

// PromptText concatenates the textual content of all messages.
// Non-string content parts are ignored. Used for token estimation.
func (r *ChatRequest) PromptText() string {
	var out []byte
	for _, m := range r.Messages {
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			if len(out) > 0 {
				out = append(out, '\n')
			}
			out = append(out, s...)
		}
	}
	return string(out)
}

// ChatMessage represents a single message in the conversation.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Tool represents a function that the model can call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall represents a function call made by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ResponseFormat specifies the output format for the model.
type ResponseFormat struct {
	Type string `json:"type"`
}

// StreamOptions specifies options for streaming responses.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}
