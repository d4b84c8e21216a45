package keymux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, 30*time.Second, cfg.GlobalTimeout)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryBackoff)
	assert.Equal(t, 1<<20, cfg.MaxEventBytes)
	assert.NotNil(t, cfg.Clock)
	assert.NotNil(t, cfg.Logger)
}

func TestOptions_Apply(t *testing.T) {
	cfg := defaultConfig()
	for _, opt := range []Option{
		WithKeys("openai", "a", "b"),
		WithKeys("openai", "c"),
		WithGlobalTimeout(5 * time.Second),
		WithRetry(4, 100*time.Millisecond),
		WithCooldown(10*time.Second, 4),
		WithLockout(2, time.Minute),
		WithMaxConcurrentModelsPerKey(3),
		WithMaxEventBytes(512),
		WithSnapshotFlushInterval(2 * time.Second),
	} {
		opt(cfg)
	}

	assert.Equal(t, []string{"a", "b", "c"}, cfg.Pools["openai"])
	assert.Equal(t, 5*time.Second, cfg.GlobalTimeout)
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, 10*time.Second, cfg.Pool.CooldownBase)
	assert.Equal(t, 4, cfg.Pool.CooldownCap)
	assert.Equal(t, 2, cfg.Pool.DistinctFailureThreshold)
	assert.Equal(t, time.Minute, cfg.Pool.LockoutWindow)
	assert.Equal(t, 3, cfg.Pool.MaxConcurrentModelsPerKey)
	assert.Equal(t, 512, cfg.MaxEventBytes)
	assert.Equal(t, 2*time.Second, cfg.Pool.FlushInterval)
}
