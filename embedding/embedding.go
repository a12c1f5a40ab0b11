// Package embedding defines the embedding provider contract used by the
// cache for semantic search. Providers are optional collaborators: when
// one fails or is absent, callers degrade to text and key lookups.
package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the provider could not produce a vector
// (network failure, quota, disabled). Callers treat it as a signal to
// degrade, never as a fatal error.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider turns text into a fixed-dimension float vector.
type Provider interface {
	// Embed returns the vector for text. Implementations must return the
	// same dimensionality for every call.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions reports the vector length the provider produces.
	Dimensions() int
}
