package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		LastResetDate: "2026-08-06",
		Keys: map[string]KeyUsage{
			"a1b2c3d4e5f60718": {
				Provider:   "openai",
				UsageToday: Usage{Calls: 3, PromptTokens: 120, CompletionTokens: 48, CostUSD: 0.0012},
				UsageTotal: Usage{Calls: 90, PromptTokens: 4400, CompletionTokens: 1900, CostUSD: 0.05},
			},
		},
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "usage.json")
	s := NewFileStore(path)
	ctx := context.Background()

	want := sampleSnapshot()
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStore_LoadMissing(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))

	snap, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Keys)
	assert.NotNil(t, snap.Keys)
}

func TestFileStore_SaveReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.json")
	s := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleSnapshot()))
	second := sampleSnapshot()
	second.LastResetDate = "2026-08-07"
	require.NoError(t, s.Save(ctx, second))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-07", got.LastResetDate)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "")
	ctx := context.Background()

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Keys)

	want := sampleSnapshot()
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
