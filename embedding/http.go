package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// HTTPConfig configures an OpenAI-compatible embeddings endpoint.
type HTTPConfig struct {
	// URL is the full endpoint, e.g. https://api.openai.com/v1/embeddings.
	URL    string
	Model  string
	APIKey string
	// Dimensions the model produces.
	Dimensions int
	// Timeout per request. Defaults to 10s.
	Timeout time.Duration
	// Client overrides the HTTP client. Optional.
	Client *http.Client
}

// HTTPProvider calls an OpenAI-compatible embeddings API. Identical texts
// are deduplicated with singleflight and memoized by a stable content
// digest, so repeated writes of the same payload cost one round trip.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
	group  singleflight.Group

	mu   sync.RWMutex
	memo map[uint64][]float32
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTP returns a provider for an OpenAI-compatible embeddings endpoint.
func NewHTTP(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: client,
		memo:   make(map[uint64][]float32),
	}
}

func (p *HTTPProvider) Dimensions() int {
	return p.cfg.Dimensions
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := xxhash.Sum64String(text)

	p.mu.RLock()
	vec, ok := p.memo[key]
	p.mu.RUnlock()
	if ok {
		return vec, nil
	}

	v, err, _ := p.group.Do(strconv.FormatUint(key, 16), func() (interface{}, error) {
		return p.fetch(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	vec = v.([]float32)

	p.mu.Lock()
	p.memo[key] = vec
	p.mu.Unlock()
	return vec, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, payload)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding in response", ErrUnavailable)
	}
	vec := out.Data[0].Embedding
	if p.cfg.Dimensions > 0 && len(vec) != p.cfg.Dimensions {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrUnavailable, len(vec), p.cfg.Dimensions)
	}
	return vec, nil
}
