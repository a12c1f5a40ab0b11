package embedding

import (
	"context"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Static is a deterministic in-process provider for tests and local
// development. Vectors can be preset per text; unknown texts get a
// pseudo-random but stable vector derived from a content digest, so equal
// texts always embed equally.
type Static struct {
	dims int

	mu      sync.RWMutex
	vectors map[string][]float32
	fail    bool
}

var _ Provider = (*Static)(nil)

// NewStatic returns a Static provider producing dims-length vectors.
func NewStatic(dims int) *Static {
	return &Static{
		dims:    dims,
		vectors: make(map[string][]float32),
	}
}

func (s *Static) Dimensions() int {
	return s.dims
}

// SetVector presets the vector returned for text.
func (s *Static) SetVector(text string, vec []float32) {
	s.mu.Lock()
	s.vectors[text] = vec
	s.mu.Unlock()
}

// SetFailing makes every Embed call return ErrUnavailable, for exercising
// degradation paths.
func (s *Static) SetFailing(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *Static) Embed(_ context.Context, text string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail {
		return nil, ErrUnavailable
	}
	if vec, ok := s.vectors[text]; ok {
		return vec, nil
	}
	// Derive a stable unit-length vector from the text digest.
	vec := make([]float32, s.dims)
	seed := xxhash.Sum64String(text)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>11)) / float64(1<<52)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
