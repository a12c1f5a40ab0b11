package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "semcache.db", cfg.SQLitePath)
	assert.Equal(t, "semcache", cfg.IndexName)
	assert.Equal(t, 1536, cfg.EmbeddingDim)
	assert.False(t, cfg.EmbeddingsEnabled)
	assert.Equal(t, 24*time.Hour, cfg.DefaultTTL)
	assert.True(t, cfg.FaultTolerant)
	assert.Equal(t, 40, cfg.HistoryWindow)
	assert.Equal(t, 2, cfg.HistoryDynamic)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SEMCACHE_BACKEND", "redis")
	t.Setenv("SEMCACHE_REDIS_URL", "redis://cache.internal:6380/2")
	t.Setenv("SEMCACHE_EMBEDDING_DIM", "768")
	t.Setenv("SEMCACHE_FAULT_TOLERANT", "off")
	t.Setenv("SEMCACHE_DEFAULT_TTL", "1d12h")
	t.Setenv("SEMCACHE_HISTORY_WINDOW", "  60 ")
	t.Setenv("SEMCACHE_LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, "redis://cache.internal:6380/2", cfg.RedisURL)
	assert.Equal(t, 768, cfg.EmbeddingDim)
	assert.False(t, cfg.FaultTolerant)
	assert.Equal(t, 36*time.Hour, cfg.DefaultTTL)
	assert.Equal(t, 60, cfg.HistoryWindow)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	t.Setenv("SEMCACHE_EMBEDDING_DIM", "lots")
	t.Setenv("SEMCACHE_DEFAULT_TTL", "soon")
	t.Setenv("SEMCACHE_FAULT_TOLERANT", "maybe")

	cfg := Load()
	assert.Equal(t, 1536, cfg.EmbeddingDim)
	assert.Equal(t, 24*time.Hour, cfg.DefaultTTL)
	assert.True(t, cfg.FaultTolerant)
}

func TestValidate(t *testing.T) {
	good := Load()
	require.NoError(t, good.Validate())

	bad := good
	bad.Backend = "memcached"
	assert.ErrorContains(t, bad.Validate(), "SEMCACHE_BACKEND")

	bad = good
	bad.EmbeddingDim = -1
	assert.ErrorContains(t, bad.Validate(), "SEMCACHE_EMBEDDING_DIM")

	bad = good
	bad.HistoryWindow = 2
	bad.HistoryDynamic = 2
	assert.ErrorContains(t, bad.Validate(), "history window")

	bad = good
	bad.EmbeddingsEnabled = true
	bad.EmbeddingURL = ""
	assert.ErrorContains(t, bad.Validate(), "SEMCACHE_EMBEDDING_URL")

	ok := good
	ok.Backend = "embedded"
	assert.NoError(t, ok.Validate())
}
