package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignatureDeterminism(t *testing.T) {
	a := Signature("session-1", "38", "50")
	b := Signature("session-1", "38", "50")
	assert.Equal(t, a, b)

	// Changing any part changes the signature.
	assert.NotEqual(t, a, Signature("session-2", "38", "50"))
	assert.NotEqual(t, a, Signature("session-1", "37", "50"))
	assert.NotEqual(t, a, Signature("session-1", "38", "51"))
}

func TestSignatureBoundaries(t *testing.T) {
	// Parts must not bleed into each other.
	assert.NotEqual(t, Signature("ab", "c"), Signature("a", "bc"))
	assert.NotEqual(t, Signature("a"), Signature("a", ""))
}

func TestUserHash(t *testing.T) {
	assert.Equal(t, UserHash("user-42"), UserHash("user-42"))
	assert.NotEqual(t, UserHash("user-42"), UserHash("user-43"))
	assert.Empty(t, UserHash(""))
	// One-way: the hash never contains the input.
	assert.NotContains(t, UserHash("user-42"), "user-42")
}

func TestCanonicalText(t *testing.T) {
	s, err := CanonicalText("уже строка")
	assert.NoError(t, err)
	assert.Equal(t, "уже строка", s)

	s, err = CanonicalText(map[string]interface{}{"k": "v"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, s)

	s, err = CanonicalText([]byte("raw"))
	assert.NoError(t, err)
	assert.Equal(t, "raw", s)

	_, err = CanonicalText(make(chan int))
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "прив", truncateRunes("привет", 4))
	assert.Equal(t, "привет", truncateRunes("привет", 10))
	assert.Equal(t, "привет", truncateRunes("привет", 0))
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75}
	assert.Equal(t, vec, decodeVector(encodeVector(vec)))
	assert.Nil(t, encodeVector(nil))
	assert.Nil(t, decodeVector([]byte{1, 2, 3})) // not a multiple of 4
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	// Mismatched lengths never match.
	assert.Zero(t, cosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
}
