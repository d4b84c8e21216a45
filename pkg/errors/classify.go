package errors

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind is the closed taxonomy every failure is mapped into.
// The dispatch loop keys its retry/rotate/surface decision on it.
type Kind string

const (
	// KindTransientServer covers 5xx responses, network timeouts, and
	// connection resets. Retried on the same key with backoff.
	KindTransientServer Kind = "transient_server"
	// KindRateLimit covers 429 and per-key throttling. Rotates with a
	// (key, model) cooldown.
	KindRateLimit Kind = "rate_limit"
	// KindAuthentication covers 401/403 and invalid-key responses.
	// Rotates with a long cooldown and counts toward a key lockout.
	KindAuthentication Kind = "authentication"
	// KindQuotaExhausted covers spent daily or monthly caps. Rotates with
	// a cooldown lasting until the next local midnight.
	KindQuotaExhausted Kind = "quota_exhausted"
	// KindBadRequest covers schema and semantic errors. Surfaced to the
	// caller; no key state is touched.
	KindBadRequest Kind = "bad_request"
	// KindContextLength covers oversized input. Surfaced to the caller.
	KindContextLength Kind = "context_length"
	// KindUnknown covers anything uncategorized. Treated as transient
	// with a single capped retry, then rotated.
	KindUnknown Kind = "unknown"
)

// Credential reports whether the kind is specific to the credential used,
// i.e. rotating to a different key may succeed.
func (k Kind) Credential() bool {
	switch k {
	case KindRateLimit, KindAuthentication, KindQuotaExhausted:
		return true
	}
	return false
}

// Fatal reports whether the kind must be surfaced to the caller because
// neither retry nor rotation can resolve it.
func (k Kind) Fatal() bool {
	return k == KindBadRequest || k == KindContextLength
}

// Provider message markers, matched case-insensitively. Absence of any
// marker implies KindUnknown for uncategorized errors.
var (
	quotaMarkers = []string{
		"insufficient_quota",
		"exceeded your current quota",
		"quota exceeded",
		"billing",
		"resource_exhausted",
		"daily limit",
		"monthly limit",
	}
	authMarkers = []string{
		"invalid api key",
		"incorrect api key",
		"invalid_api_key",
		"api key not valid",
		"unauthorized",
		"permission denied",
		"authentication",
	}
	rateLimitMarkers = []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"overloaded",
	}
	contextLengthMarkers = []string{
		"context length",
		"context_length_exceeded",
		"maximum context",
		"context window",
		"too many tokens",
		"prompt is too long",
	}
)

// Classify maps an arbitrary failure into the taxonomy. It is a pure
// function of the error's type, HTTP status when present, and provider
// message substrings.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return classifyLLMError(llmErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientServer
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransientServer
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return KindTransientServer
	}

	return classifyMessage(err.Error())
}

func classifyLLMError(e *LLMError) Kind {
	switch e.Type {
	case TypeAuthentication:
		return KindAuthentication
	case TypeRateLimit:
		return KindRateLimit
	case TypeQuotaExhausted:
		return KindQuotaExhausted
	case TypeContextLength:
		return KindContextLength
	case TypeInvalidRequest:
		return KindBadRequest
	case TypeTimeout, TypeServerError:
		return KindTransientServer
	}

	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return KindAuthentication
	case e.StatusCode == 429:
		if matchesAny(e.Message, quotaMarkers) {
			return KindQuotaExhausted
		}
		return KindRateLimit
	case e.StatusCode == 400:
		if matchesAny(e.Message, contextLengthMarkers) {
			return KindContextLength
		}
		return KindBadRequest
	case e.StatusCode >= 500, e.StatusCode == 408:
		return KindTransientServer
	}
	return classifyMessage(e.Message)
}

func classifyMessage(msg string) Kind {
	switch {
	case matchesAny(msg, quotaMarkers):
		return KindQuotaExhausted
	case matchesAny(msg, authMarkers):
		return KindAuthentication
	case matchesAny(msg, rateLimitMarkers):
		return KindRateLimit
	case matchesAny(msg, contextLengthMarkers):
		return KindContextLength
	}
	return KindUnknown
}

func matchesAny(msg string, markers []string) bool {
	lower := strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
