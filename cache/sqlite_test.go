package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songline/semcache/logger"
)

func newTestSQLite(t *testing.T, opts ...Option) Backend {
	t.Helper()
	b, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"), logger.NewTest(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLitePutGet(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	id, err := b.Put(ctx, PutRequest{
		Tenant:    "songs",
		User:      "chat-1",
		Signature: "sig-1",
		Text:      "колыбельная для дочери",
		Metadata:  map[string]interface{}{"genre": "lullaby"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entry, err := b.Get(ctx, id, 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "songs", entry.Tenant)
	assert.Equal(t, "chat-1", entry.User)
	assert.Equal(t, UserHash("chat-1"), entry.UserHash)
	assert.Equal(t, "колыбельная для дочери", entry.Text)
	assert.Equal(t, "lullaby", entry.Metadata["genre"])
	assert.True(t, entry.ExpiresAt.After(entry.CreatedAt))

	bySig, err := b.GetBySignature(ctx, "songs", "sig-1", 0)
	require.NoError(t, err)
	require.NotNil(t, bySig)
	assert.Equal(t, id, bySig.ID)

	// Unknown id and signature are misses, not errors.
	entry, err = b.Get(ctx, "nope", 0)
	assert.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = b.GetBySignature(ctx, "songs", "nope", 0)
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSQLiteTTLExpiry(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	_, err := b.Put(ctx, PutRequest{
		Tenant:    "songs",
		Signature: "short-lived",
		Text:      "text",
		TTL:       50 * time.Millisecond,
	})
	require.NoError(t, err)

	entry, err := b.GetBySignature(ctx, "songs", "short-lived", 0)
	require.NoError(t, err)
	assert.NotNil(t, entry)

	time.Sleep(120 * time.Millisecond)

	entry, err = b.GetBySignature(ctx, "songs", "short-lived", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSQLiteSlidingExpiration(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	_, err := b.Put(ctx, PutRequest{
		Tenant:    "songs",
		Signature: "sliding",
		Text:      "text",
		TTL:       80 * time.Millisecond,
	})
	require.NoError(t, err)

	// Reading with extendTTL bumps the expiry forward.
	entry, err := b.GetBySignature(ctx, "songs", "sliding", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, entry)

	time.Sleep(120 * time.Millisecond)

	entry, err = b.GetBySignature(ctx, "songs", "sliding", 0)
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestSQLiteOverwriteOnSignature(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	id1, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "dup", Text: "first"})
	require.NoError(t, err)
	id2, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "dup", Text: "second"})
	require.NoError(t, err)
	// A refreshing write keeps the entry's id.
	assert.Equal(t, id1, id2)

	entry, err := b.GetBySignature(ctx, "songs", "dup", 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "second", entry.Text)

	stats, err := b.Stats(ctx, "songs")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Entries)
}

func TestSQLiteTextSearchCyrillic(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	_, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "s1", Text: "привет мир этой песни"})
	require.NoError(t, err)
	_, err = b.Put(ctx, PutRequest{Tenant: "songs", Signature: "s2", Text: "прощание с миром"})
	require.NoError(t, err)

	res, err := b.TextSearch(ctx, TextQuery{Tenant: "songs", Query: "привет", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "s1", res.Hits[0].Entry.Signature)

	// Identical inputs rank identically.
	again, err := b.TextSearch(ctx, TextQuery{Tenant: "songs", Query: "привет", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, res.Hits[0].Entry.ID, again.Hits[0].Entry.ID)
}

func TestSQLiteTenantIsolation(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	// Identical signature and text in both tenants.
	_, err := b.Put(ctx, PutRequest{Tenant: "tenant_a", Signature: "same", Text: "общий текст x"})
	require.NoError(t, err)
	_, err = b.Put(ctx, PutRequest{Tenant: "tenant_b", Signature: "same", Text: "общий текст x"})
	require.NoError(t, err)

	res, err := b.TextSearch(ctx, TextQuery{Tenant: "tenant_a", Query: "общий", Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "tenant_a", res.Hits[0].Entry.Tenant)

	entry, err := b.GetBySignature(ctx, "tenant_b", "same", 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "tenant_b", entry.Tenant)

	removed, err := b.ClearTenant(ctx, "tenant_a")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// tenant_b survives tenant_a's clear.
	entry, err = b.GetBySignature(ctx, "tenant_b", "same", 0)
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestSQLiteUserScopedSearch(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	_, err := b.Put(ctx, PutRequest{Tenant: "songs", User: "alice", Signature: "a", Text: "песня про море"})
	require.NoError(t, err)
	_, err = b.Put(ctx, PutRequest{Tenant: "songs", User: "bob", Signature: "b", Text: "песня про горы"})
	require.NoError(t, err)

	res, err := b.TextSearch(ctx, TextQuery{Tenant: "songs", Query: "песня", User: "alice", Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "alice", res.Hits[0].Entry.User)
}

func TestSQLiteKNNSearch(t *testing.T) {
	b := newTestSQLite(t, WithDimensions(3))
	ctx := context.Background()

	vectors := map[string][]float32{
		"v1": {1, 0, 0},
		"v2": {0.9, 0.1, 0},
		"v3": {0, 1, 0},
		"v4": {0, 0, 1},
		"v5": {0.5, 0.5, 0},
	}
	for sig, vec := range vectors {
		_, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: sig, Text: sig, Embedding: vec})
		require.NoError(t, err)
	}
	// An entry without a vector never participates.
	_, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "noVec", Text: "text only"})
	require.NoError(t, err)

	res, err := b.KNNSearch(ctx, KNNQuery{Tenant: "songs", Vector: []float32{1, 0, 0}, K: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Hits), 3)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "v1", res.Hits[0].Entry.Signature)
	// Scores are similarity descending.
	for i := 1; i < len(res.Hits); i++ {
		assert.GreaterOrEqual(t, res.Hits[i-1].Score, res.Hits[i].Score)
	}
}

func TestSQLiteKNNDimensionFiltering(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	_, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "d3", Text: "x", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	_, err = b.Put(ctx, PutRequest{Tenant: "songs", Signature: "d4", Text: "y", Embedding: []float32{1, 0, 0, 0}})
	require.NoError(t, err)

	// A 4-dim query must never match the 3-dim entry.
	res, err := b.KNNSearch(ctx, KNNQuery{Tenant: "songs", Vector: []float32{1, 0, 0, 0}, K: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "d4", res.Hits[0].Entry.Signature)
}

func TestSQLiteEnsureSchemaIdempotent(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	sb := b.(*sqliteBackend)
	require.NoError(t, sb.EnsureSchema(ctx))
	require.NoError(t, sb.EnsureSchema(ctx))

	info, err := b.IndexInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.Tables["cache_entries"])
	assert.True(t, info.Tables["cache_fts"])
}

func TestSQLiteHealthCheck(t *testing.T) {
	b := newTestSQLite(t)
	h := b.HealthCheck(context.Background())
	assert.True(t, h.Connected)
	assert.True(t, h.IndexReady)
	assert.Equal(t, "sqlite", h.Backend)
}

func TestSQLiteStats(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	_, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "a", Text: "x", Embedding: []float32{1, 0}})
	require.NoError(t, err)
	_, err = b.Put(ctx, PutRequest{Tenant: "songs", Signature: "b", Text: "y"})
	require.NoError(t, err)
	_, err = b.Put(ctx, PutRequest{Tenant: "other", Signature: "c", Text: "z"})
	require.NoError(t, err)

	stats, err := b.Stats(ctx, "songs")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Entries)
	assert.EqualValues(t, 1, stats.WithEmbedding)

	all, err := b.Stats(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, all.Entries)
}

func TestSQLiteBackgroundSweep(t *testing.T) {
	b := newTestSQLite(t, WithExpiryCheck(30*time.Millisecond))
	ctx := context.Background()

	_, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "sweep", Text: "x", TTL: 20 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	// The sweeper physically removed the row, visible in raw stats.
	stats, err := b.Stats(ctx, "songs")
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.Expired)
}

func TestSQLiteDelete(t *testing.T) {
	b := newTestSQLite(t)
	ctx := context.Background()

	id, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "gone", Text: "x"})
	require.NoError(t, err)

	removed, err := b.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed)

	entry, err := b.GetBySignature(ctx, "songs", "gone", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}
