package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songline/semcache/logger"
)

func newTestFile(t *testing.T, opts ...Option) Backend {
	t.Helper()
	return NewFile(t.TempDir(), logger.NewTest(), opts...)
}

func TestFilePutGet(t *testing.T) {
	b := newTestFile(t)
	ctx := context.Background()

	id, err := b.Put(ctx, PutRequest{
		Tenant:    "songs",
		User:      "chat-1",
		Signature: "sig-1",
		Text:      "текст, с запятой и \"кавычками\"",
		Metadata:  map[string]interface{}{"genre": "rock"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entry, err := b.GetBySignature(ctx, "songs", "sig-1", 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "текст, с запятой и \"кавычками\"", entry.Text)
	assert.Equal(t, "chat-1", entry.User)
	assert.Equal(t, "rock", entry.Metadata["genre"])

	byID, err := b.Get(ctx, id, 0)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "sig-1", byID.Signature)

	entry, err = b.GetBySignature(ctx, "songs", "missing", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestFileLastWriteWins(t *testing.T) {
	b := newTestFile(t)
	ctx := context.Background()

	id1, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "dup", Text: "first"})
	require.NoError(t, err)
	id2, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "dup", Text: "second"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	entry, err := b.GetBySignature(ctx, "songs", "dup", 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "second", entry.Text)

	stats, err := b.Stats(ctx, "songs")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Entries)
}

func TestFileDeleteTombstone(t *testing.T) {
	b := newTestFile(t)
	ctx := context.Background()

	id, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "gone", Text: "x"})
	require.NoError(t, err)

	removed, err := b.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	entry, err := b.GetBySignature(ctx, "songs", "gone", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = b.Get(ctx, id, 0)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// A later put under the same signature resurrects the slot.
	_, err = b.Put(ctx, PutRequest{Tenant: "songs", Signature: "gone", Text: "back"})
	require.NoError(t, err)
	entry, err = b.GetBySignature(ctx, "songs", "gone", 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "back", entry.Text)
}

func TestFileTTLExpiry(t *testing.T) {
	b := newTestFile(t)
	ctx := context.Background()

	_, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "short", Text: "x", TTL: time.Second})
	require.NoError(t, err)

	time.Sleep(2100 * time.Millisecond)

	entry, err := b.GetBySignature(ctx, "songs", "short", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestFileClearTenant(t *testing.T) {
	b := newTestFile(t)
	ctx := context.Background()

	for _, sig := range []string{"a", "b"} {
		_, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: sig, Text: sig})
		require.NoError(t, err)
	}
	_, err := b.Put(ctx, PutRequest{Tenant: "other", Signature: "c", Text: "c"})
	require.NoError(t, err)

	removed, err := b.ClearTenant(ctx, "songs")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entry, err := b.GetBySignature(ctx, "songs", "a", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = b.GetBySignature(ctx, "other", "c", 0)
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestFileTenantNameCollisions(t *testing.T) {
	b := newTestFile(t)
	ctx := context.Background()

	// Both sanitize to the same base name; the hash suffix keeps them apart.
	_, err := b.Put(ctx, PutRequest{Tenant: "a/b", Signature: "s", Text: "slash"})
	require.NoError(t, err)
	_, err = b.Put(ctx, PutRequest{Tenant: "a:b", Signature: "s", Text: "colon"})
	require.NoError(t, err)

	e1, err := b.GetBySignature(ctx, "a/b", "s", 0)
	require.NoError(t, err)
	require.NotNil(t, e1)
	assert.Equal(t, "slash", e1.Text)

	e2, err := b.GetBySignature(ctx, "a:b", "s", 0)
	require.NoError(t, err)
	require.NotNil(t, e2)
	assert.Equal(t, "colon", e2.Text)
}

func TestFileSearchesDegrade(t *testing.T) {
	b := newTestFile(t)
	ctx := context.Background()

	_, err := b.Put(ctx, PutRequest{Tenant: "songs", Signature: "s", Text: "текст"})
	require.NoError(t, err)

	res, err := b.TextSearch(ctx, TextQuery{Tenant: "songs", Query: "текст"})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)

	res, err = b.KNNSearch(ctx, KNNQuery{Tenant: "songs", Vector: []float32{1}, K: 3})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestFileHealth(t *testing.T) {
	b := newTestFile(t)
	h := b.HealthCheck(context.Background())
	assert.True(t, h.Connected)
	assert.False(t, h.IndexReady)
	assert.Equal(t, "file", h.Backend)
}
