package keymux

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/keymux/internal/keypool"
	"github.com/blueberrycongee/keymux/pkg/provider"
	"github.com/blueberrycongee/keymux/pkg/store"
)

// ClientConfig holds all configuration for the keymux client.
type ClientConfig struct {
	// Pools maps provider names to their credential lists, in priority
	// order.
	Pools map[string][]string

	// Dispatch
	GlobalTimeout time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration

	// Streaming
	MaxEventBytes int

	// Cooldown and locking machinery
	Pool keypool.Config

	// Capabilities
	LLM          provider.LLMClient
	TokenCounter provider.TokenCounter
	Registry     provider.Registry

	// Persistence
	Store store.Store

	// Pricing
	PricingFile string

	// Infrastructure
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *ClientConfig {
	return &ClientConfig{
		Pools:         make(map[string][]string),
		GlobalTimeout: 30 * time.Second,
		MaxRetries:    2,
		RetryBackoff:  time.Second,
		MaxEventBytes: 1 << 20, // 1MiB
		Clock:         clockwork.NewRealClock(),
		Logger:        slog.Default(),
	}
}

// WithKeys adds credentials for a provider. Keys keep the order they are
// given; earlier keys win selection ties.
//
// Example:
//
//	keymux.WithKeys("openai", os.Getenv("OPENAI_API_KEY")),
//	keymux.WithKeys("gemini", key1, key2, key3),
func WithKeys(providerName string, keys ...string) Option {
	return func(c *ClientConfig) {
		c.Pools[providerName] = append(c.Pools[providerName], keys...)
	}
}

// WithGlobalTimeout sets the end-to-end deadline applied to every
// request, covering selection, retries, and rotation.
func WithGlobalTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.GlobalTimeout = d
	}
}

// WithRetry configures same-key retry behavior for transient failures.
// count: retry attempts before rotating (0 = rotate immediately)
// backoff: initial backoff duration (exponential backoff is applied)
func WithRetry(count int, backoff time.Duration) Option {
	return func(c *ClientConfig) {
		c.MaxRetries = count
		c.RetryBackoff = backoff
	}
}

// WithLLMClient sets the transport used to reach providers. Defaults to
// the OpenAI-compatible HTTP client.
func WithLLMClient(llm provider.LLMClient) Option {
	return func(c *ClientConfig) {
		c.LLM = llm
	}
}

// WithTokenCounter sets the counter used to estimate stream usage when
// the provider reports none.
func WithTokenCounter(tc provider.TokenCounter) Option {
	return func(c *ClientConfig) {
		c.TokenCounter = tc
	}
}

// WithRegistry sets the model-discovery registry backing ListModels.
func WithRegistry(r provider.Registry) Option {
	return func(c *ClientConfig) {
		c.Registry = r
	}
}

// WithCooldown tunes the failure cooldown machinery. Zero fields keep
// their defaults (base 30s, exponent cap 6).
func WithCooldown(base time.Duration, maxExp int) Option {
	return func(c *ClientConfig) {
		c.Pool.CooldownBase = base
		c.Pool.CooldownCap = maxExp
	}
}

// WithLockout tunes the key-wide lockout: a key failing on threshold
// distinct models is benched for window.
func WithLockout(threshold int, window time.Duration) Option {
	return func(c *ClientConfig) {
		c.Pool.DistinctFailureThreshold = threshold
		c.Pool.LockoutWindow = window
	}
}

// WithMaxConcurrentModelsPerKey bounds how many distinct models may use
// one key at the same time.
func WithMaxConcurrentModelsPerKey(n int) Option {
	return func(c *ClientConfig) {
		c.Pool.MaxConcurrentModelsPerKey = n
	}
}

// WithMaxEventBytes caps the bytes buffered while reassembling a single
// streamed event before the stream is failed.
func WithMaxEventBytes(n int) Option {
	return func(c *ClientConfig) {
		c.MaxEventBytes = n
	}
}

// WithSnapshotFile persists usage counters to a JSON file with atomic
// replace. Keys are stored by fingerprint only.
func WithSnapshotFile(path string) Option {
	return func(c *ClientConfig) {
		c.Store = store.NewFileStore(path)
	}
}

// WithRedisSnapshot persists usage counters to Redis instead of disk.
// An empty key uses the default.
func WithRedisSnapshot(client *redis.Client, key string) Option {
	return func(c *ClientConfig) {
		c.Store = store.NewRedisStore(client, key)
	}
}

// WithSnapshotFlushInterval sets the debounce window for usage writes.
func WithSnapshotFlushInterval(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.Pool.FlushInterval = d
	}
}

// WithPricingFile merges a JSON price table over the embedded defaults
// and hot-reloads it on change.
func WithPricingFile(path string) Option {
	return func(c *ClientConfig) {
		c.PricingFile = path
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *ClientConfig) {
		c.Clock = clock
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithMetrics registers the engine's Prometheus instruments with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *ClientConfig) {
		c.Registerer = reg
	}
}
