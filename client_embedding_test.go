package keymux

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/types"
)

func embeddingRequest(model string, inputs ...string) *types.EmbeddingRequest {
	req := &types.EmbeddingRequest{Model: model}
	if len(inputs) == 1 {
		req.Input = types.EmbeddingInput{Text: &inputs[0]}
	} else {
		req.Input = types.EmbeddingInput{Texts: inputs}
	}
	return req
}

func TestEmbedding_Success(t *testing.T) {
	llm := &fakeLLM{
		embed: func(_ fakeCall, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
			return &types.EmbeddingResponse{
				Object: "list",
				Model:  req.Model,
				Data:   []types.EmbeddingData{{Object: "embedding", Index: 0, Embedding: []float64{0.1, 0.2}}},
				Usage:  &types.Usage{PromptTokens: 3, TotalTokens: 3},
			}, nil
		},
	}
	client := newTestClient(t, llm)

	resp, err := client.Embedding(context.Background(), embeddingRequest("openai/text-embedding-3-small", "hello"))
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)

	usage := client.UsageSnapshot().Keys[singleFingerprint(t, client)]
	assert.Equal(t, int64(1), usage.UsageToday.Calls)
	assert.Equal(t, int64(3), usage.UsageToday.PromptTokens)
}

func TestEmbedding_RotatesOnRateLimit(t *testing.T) {
	llm := &fakeLLM{
		embed: func(call fakeCall, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
			if call.key == "THROTTLED" {
				return nil, llmerrors.NewRateLimitError(call.provider, call.model, "rate limit reached")
			}
			return &types.EmbeddingResponse{Object: "list", Model: req.Model}, nil
		},
	}
	client := newTestClient(t, llm, WithKeys("mistral", "THROTTLED", "FRESH"))

	_, err := client.Embedding(context.Background(), embeddingRequest("mistral/mistral-embed", "hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{"THROTTLED", "FRESH"}, llm.keysUsed())
}

func TestEmbedding_ValidatesInput(t *testing.T) {
	client := newTestClient(t, &fakeLLM{})

	_, err := client.Embedding(context.Background(), &types.EmbeddingRequest{Model: "openai/embed"})
	assert.Error(t, err)

	_, err = client.Embedding(context.Background(), nil)
	assert.Error(t, err)
}
