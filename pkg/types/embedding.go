package types //nolint:revive // package name is intentional

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model      string         `json:"model"`
	Input      EmbeddingInput `json:"input"`
	Dimensions int            `json:"dimensions,omitempty"`
	User       string         `json:"user,omitempty"`
}

// EmbeddingInput accepts either a single string or an array of strings.
type EmbeddingInput struct {
	Text  *string
	Texts []string
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (e *EmbeddingInput) UnmarshalJSON(data []byte) error {
	e.Text = nil
	e.Texts = nil

	if bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("input cannot be null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Text = &s
		return nil
	}

	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		e.Texts = ss
		return nil
	}

	return fmt.Errorf("input must be string or []string")
}

// MarshalJSON implements custom JSON marshaling.
func (e EmbeddingInput) MarshalJSON() ([]byte, error) {
	if e.Text != nil {
		return json.Marshal(*e.Text)
	}
	if e.Texts != nil {
		return json.Marshal(e.Texts)
	}
	return nil, fmt.Errorf("embedding input is empty")
}

// Validate checks whether the input is non-empty.
func (e *EmbeddingInput) Validate() error {
	if e.Text != nil {
		if *e.Text == "" {
			return fmt.Errorf("input string cannot be empty")
		}
		return nil
	}
	if len(e.Texts) == 0 {
		return fmt.Errorf("input is required")
	}
	return nil
}

// AsText joins the input into a single string for token estimation.
func (e *EmbeddingInput) AsText() string {
	if e.Text != nil {
		return *e.Text
	}
	return strings.Join(e.Texts, "\n")
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// EmbeddingData holds a single embedding vector.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}
