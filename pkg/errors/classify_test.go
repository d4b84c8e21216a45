package errors

import (
	"context"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_LLMErrorTypes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"auth constructor", NewAuthenticationError("openai", "gpt-x", "invalid key"), KindAuthentication},
		{"rate limit constructor", NewRateLimitError("gemini", "pro", "slow down"), KindRateLimit},
		{"quota constructor", NewQuotaExhaustedError("openai", "gpt-x", "quota exceeded"), KindQuotaExhausted},
		{"bad request constructor", NewInvalidRequestError("openai", "gpt-x", "unknown field"), KindBadRequest},
		{"context length constructor", NewContextLengthError("openai", "gpt-x", "prompt is too long"), KindContextLength},
		{"server error constructor", NewServerError(503, "openai", "gpt-x", "upstream down"), KindTransientServer},
		{"429 with quota marker", &LLMError{StatusCode: 429, Message: "You exceeded your current quota"}, KindQuotaExhausted},
		{"429 plain", &LLMError{StatusCode: 429, Message: "Too Many Requests"}, KindRateLimit},
		{"400 with context marker", &LLMError{StatusCode: 400, Message: "maximum context length is 8192 tokens"}, KindContextLength},
		{"400 plain", &LLMError{StatusCode: 400, Message: "schema mismatch"}, KindBadRequest},
		{"403", &LLMError{StatusCode: 403, Message: "forbidden"}, KindAuthentication},
		{"408", &LLMError{StatusCode: 408, Message: "timed out"}, KindTransientServer},
		{"500", &LLMError{StatusCode: 500, Message: "internal"}, KindTransientServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_TransportErrors(t *testing.T) {
	assert.Equal(t, KindTransientServer, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTransientServer, Classify(fmt.Errorf("dial: %w", syscall.ECONNRESET)))
	assert.Equal(t, KindTransientServer, Classify(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
}

func TestClassify_MessageMarkers(t *testing.T) {
	assert.Equal(t, KindAuthentication, Classify(fmt.Errorf("provider said: Invalid API key provided")))
	assert.Equal(t, KindRateLimit, Classify(fmt.Errorf("Rate limit reached for requests")))
	assert.Equal(t, KindQuotaExhausted, Classify(fmt.Errorf("RESOURCE_EXHAUSTED: daily limit reached")))
	assert.Equal(t, KindUnknown, Classify(fmt.Errorf("something odd happened")))
}

func TestKind_Predicates(t *testing.T) {
	assert.True(t, KindRateLimit.Credential())
	assert.True(t, KindAuthentication.Credential())
	assert.True(t, KindQuotaExhausted.Credential())
	assert.False(t, KindTransientServer.Credential())
	assert.False(t, KindBadRequest.Credential())

	assert.True(t, KindBadRequest.Fatal())
	assert.True(t, KindContextLength.Fatal())
	assert.False(t, KindUnknown.Fatal())
}

func TestFromStatus(t *testing.T) {
	e := FromStatus(http.StatusTooManyRequests, "openai", "gpt-x", "insufficient_quota: top up billing")
	assert.Equal(t, TypeQuotaExhausted, e.Type)

	e = FromStatus(http.StatusTooManyRequests, "openai", "gpt-x", "slow down")
	assert.Equal(t, TypeRateLimit, e.Type)

	e = FromStatus(http.StatusBadGateway, "openai", "gpt-x", "upstream reset")
	assert.Equal(t, TypeServerError, e.Type)
	require.Equal(t, http.StatusBadGateway, e.HTTPStatusCode())

	e = FromStatus(http.StatusBadRequest, "openai", "gpt-x", "maximum context length exceeded")
	assert.Equal(t, TypeContextLength, e.Type)
}
