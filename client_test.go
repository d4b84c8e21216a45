package keymux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/types"
)

func TestNew_RequiresKeys(t *testing.T) {
	_, err := New()
	require.Error(t, err)
}

func TestChatCompletion_SingleKeySuccess(t *testing.T) {
	llm := &fakeLLM{
		complete: func(_ fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			return okResponse("hi!", 1, 1), nil
		},
	}
	client := newTestClient(t, llm)

	resp, err := client.ChatCompletion(context.Background(), userRequest("openai/gpt-x", "hi"))
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)

	snap := client.UsageSnapshot()
	usage := snap.Keys[singleFingerprint(t, client)]
	assert.Equal(t, int64(1), usage.UsageToday.Calls)
	assert.Equal(t, int64(1), usage.UsageToday.PromptTokens)
	assert.Equal(t, int64(1), usage.UsageToday.CompletionTokens)
	assert.Equal(t, "openai", usage.Provider)
}

func TestChatCompletion_RotatesOnAuthFailure(t *testing.T) {
	llm := &fakeLLM{
		complete: func(call fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			if call.key == "BAD" {
				return nil, llmerrors.NewAuthenticationError(call.provider, call.model, "invalid api key")
			}
			return okResponse("ok", 2, 3), nil
		},
	}
	client := newTestClient(t, llm, WithKeys("gemini", "BAD", "GOOD"))

	resp, err := client.ChatCompletion(context.Background(), userRequest("gemini/pro", "hi"))
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, []string{"BAD", "GOOD"}, llm.keysUsed())

	// The bad key is cooling; the next request goes straight to GOOD.
	_, err = client.ChatCompletion(context.Background(), userRequest("gemini/pro", "again"))
	require.NoError(t, err)
	assert.Equal(t, "GOOD", llm.keysUsed()[2])
}

func TestChatCompletion_TransientRetriesSameKey(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	llm := &fakeLLM{
		complete: func(call fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return nil, llmerrors.NewServerError(503, call.provider, call.model, "upstream down")
			}
			return okResponse("ok", 1, 1), nil
		},
	}
	client := newTestClient(t, llm, WithRetry(2, time.Millisecond))

	_, err := client.ChatCompletion(context.Background(), userRequest("openai/gpt-x", "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"K1", "K1"}, llm.keysUsed())

	usage := client.UsageSnapshot().Keys[singleFingerprint(t, client)]
	assert.Equal(t, int64(1), usage.UsageToday.Calls)
}

func TestChatCompletion_DeadlineExhaustion(t *testing.T) {
	llm := &fakeLLM{
		complete: func(call fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			return nil, llmerrors.NewServerError(500, call.provider, call.model, "boom")
		},
	}
	// Backoff of 1s against a 200ms deadline: every retry is skipped,
	// both keys rotate through, then the pool is exhausted.
	client := newTestClient(t, llm,
		WithKeys("openai", "K2"),
		WithGlobalTimeout(200*time.Millisecond),
		WithRetry(2, time.Second),
	)

	start := time.Now()
	_, err := client.ChatCompletion(context.Background(), userRequest("openai/gpt-x", "hi"))
	require.ErrorIs(t, err, ErrExhausted)
	assert.Less(t, time.Since(start), time.Second)

	for _, usage := range client.UsageSnapshot().Keys {
		assert.Zero(t, usage.UsageToday.Calls)
	}
}

func TestChatCompletion_FatalSurfacesWithoutRotation(t *testing.T) {
	llm := &fakeLLM{
		complete: func(call fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			return nil, llmerrors.NewInvalidRequestError(call.provider, call.model, "unknown parameter")
		},
	}
	client := newTestClient(t, llm, WithKeys("openai", "K2"))

	_, err := client.ChatCompletion(context.Background(), userRequest("openai/gpt-x", "hi"))
	require.Error(t, err)

	var llmErr *llmerrors.LLMError
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, llmerrors.KindBadRequest, llmerrors.Classify(err))
	assert.Equal(t, 1, llm.callCount())
}

func TestChatCompletion_ContextLengthSurfaces(t *testing.T) {
	llm := &fakeLLM{
		complete: func(call fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			return nil, llmerrors.NewContextLengthError(call.provider, call.model, "maximum context length exceeded")
		},
	}
	client := newTestClient(t, llm)

	_, err := client.ChatCompletion(context.Background(), userRequest("openai/gpt-x", "hi"))
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindContextLength, llmerrors.Classify(err))
}

func TestChatCompletion_InvalidModel(t *testing.T) {
	client := newTestClient(t, &fakeLLM{})

	for _, model := range []string{"no-slash", "UPPER/model", "bad provider/model", ""} {
		req := userRequest(model, "hi")
		if model == "" {
			req.Model = ""
		}
		_, err := client.ChatCompletion(context.Background(), req)
		assert.Error(t, err, "model %q", model)
	}
}

func TestChatCompletion_SameModelSerializesOnOneKey(t *testing.T) {
	const callLatency = 120 * time.Millisecond
	llm := &fakeLLM{
		complete: func(_ fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			time.Sleep(callLatency)
			return okResponse("ok", 1, 1), nil
		},
	}
	client := newTestClient(t, llm)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.ChatCompletion(context.Background(), userRequest("openai/gpt-x", "hi"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	// Second request had to wait for the first's (key, model) mutex.
	assert.GreaterOrEqual(t, time.Since(start), 2*callLatency)
}

func TestChatCompletion_DistinctModelsRunConcurrently(t *testing.T) {
	const callLatency = 120 * time.Millisecond
	llm := &fakeLLM{
		complete: func(_ fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			time.Sleep(callLatency)
			return okResponse("ok", 1, 1), nil
		},
	}
	client := newTestClient(t, llm)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, model := range []string{"openai/model-a", "openai/model-b"} {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			_, errs[i] = client.ChatCompletion(context.Background(), userRequest(model, "hi"))
		}(i, model)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	// One key serves both models at once.
	assert.Less(t, time.Since(start), 2*callLatency)
}

func TestChatCompletion_UnknownErrorSingleRetryThenRotate(t *testing.T) {
	llm := &fakeLLM{
		complete: func(call fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			if call.key == "K1" {
				return nil, errors.New("something inexplicable")
			}
			return okResponse("ok", 1, 1), nil
		},
	}
	client := newTestClient(t, llm, WithKeys("openai", "K2"), WithRetry(5, time.Millisecond))

	_, err := client.ChatCompletion(context.Background(), userRequest("openai/gpt-x", "hi"))
	require.NoError(t, err)
	// K1 gets exactly one capped retry before rotation despite the
	// generous retry budget.
	assert.Equal(t, []string{"K1", "K1", "K2"}, llm.keysUsed())
}

func TestClient_ClosedRejectsCalls(t *testing.T) {
	client := newTestClient(t, &fakeLLM{})
	require.NoError(t, client.Close())

	_, err := client.ChatCompletion(context.Background(), userRequest("openai/gpt-x", "hi"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = client.Embedding(context.Background(), &types.EmbeddingRequest{Model: "openai/embed"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_CancelledContextSurfaces(t *testing.T) {
	llm := &fakeLLM{
		complete: func(call fakeCall, _ *types.ChatRequest) (*types.ChatResponse, error) {
			return nil, llmerrors.NewServerError(500, call.provider, call.model, "boom")
		},
	}
	client := newTestClient(t, llm, WithRetry(5, 50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.ChatCompletion(ctx, userRequest("openai/gpt-x", "hi"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestListModels(t *testing.T) {
	client := newTestClient(t, &fakeLLM{},
		WithRegistry(StaticRegistry{"openai": {"gpt-x", "gpt-y"}}),
	)

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "openai/gpt-x", models[0].ID)
	assert.Equal(t, "openai", models[0].Provider)
}

func TestTokenCount(t *testing.T) {
	client := newTestClient(t, &fakeLLM{})

	n, err := client.TokenCount(userRequest("openai/gpt-x", "abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = client.TokenCount(&types.ChatRequest{Model: "no-slash"})
	assert.Error(t, err)
}
