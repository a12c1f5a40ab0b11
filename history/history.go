// Package history caches conversation message windows incrementally: the
// large "stable" prefix of a session's history is cached as one blob while
// the small "dynamic" tail is always re-read from the authoritative
// database. The cache is a derived, evictable view: on any cache failure
// the full window is served from the database instead.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/songline/semcache/cache"
	"github.com/songline/semcache/logger"
)

// Message is one conversation message in chronological order.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Source is the authoritative database contract. The cache is always a
// derived view over it.
type Source interface {
	// Messages returns the most recent limit messages of the session in
	// chronological order (oldest first). Fewer may be returned when the
	// session is shorter.
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// Count returns the total number of messages in the session.
	Count(ctx context.Context, sessionID string) (int, error)
}

// EntryCache is the slice of the cache Manager this package needs.
// *cache.Manager satisfies it.
type EntryCache interface {
	Put(ctx context.Context, req cache.PutRequest) (string, error)
	GetBySignature(ctx context.Context, tenant, signature string, extendTTL time.Duration) (*cache.Entry, error)
}

// Defaults for the caching policy.
const (
	// DefaultWindow is the history length N served per request.
	DefaultWindow = 40
	// DefaultDynamicTail is the suffix size D always re-read from the
	// database, because those messages may still be mutated.
	DefaultDynamicTail = 2
	// DefaultTTL bounds how long an unreachable stable blob lingers after
	// signature drift makes it unreachable.
	DefaultTTL = 24 * time.Hour
	// Tenant is the cache namespace for stable-history blobs.
	Tenant = "history"
)

// Option configures a Cache.
type Option func(*Cache)

// WithWindow sets the default history length N. Defaults to
// DefaultWindow.
func WithWindow(n int) Option {
	return func(c *Cache) { c.window = n }
}

// WithDynamicTail sets the always-fresh suffix size D. Defaults to
// DefaultDynamicTail.
func WithDynamicTail(d int) Option {
	return func(c *Cache) { c.dynamic = d }
}

// WithTTL sets the stable-blob TTL. Defaults to DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithTenant overrides the cache namespace. Defaults to Tenant.
func WithTenant(tenant string) Option {
	return func(c *Cache) { c.tenant = tenant }
}

// WithSlidingTTL controls whether a cache hit extends the blob's expiry.
// Enabled by default so hot sessions stay cached.
func WithSlidingTTL(enabled bool) Option {
	return func(c *Cache) { c.sliding = enabled }
}

// Cache is the incremental conversation-history cache.
type Cache struct {
	src     Source
	store   EntryCache
	log     logger.Logger
	window  int
	dynamic int
	ttl     time.Duration
	tenant  string
	sliding bool
	group   singleflight.Group
}

// New returns a Cache over the authoritative source and the given entry
// cache.
func New(src Source, store EntryCache, log logger.Logger, opts ...Option) *Cache {
	c := &Cache{
		src:     src,
		store:   store,
		log:     log.WithPrefix("[history]"),
		window:  DefaultWindow,
		dynamic: DefaultDynamicTail,
		ttl:     DefaultTTL,
		tenant:  Tenant,
		sliding: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignatureFor computes the deterministic signature under which a stable
// blob is cached. Identical inputs always yield identical signatures, and
// changing any input changes the signature. New messages shift the total
// and silently strand the old blob, which then ages out by TTL
// (signature-drift eviction).
func SignatureFor(sessionID string, stableCount, total int) string {
	return cache.Signature(sessionID, strconv.Itoa(stableCount), strconv.Itoa(total))
}

// Messages returns the most recent limit messages of the session in
// chronological order, serving the stable prefix from cache when
// possible. limit <= 0 means the configured window.
//
// A limit different from the configured window bypasses the cache for
// this call (the signature space is keyed per window, so a foreign limit
// is an accepted direct-read path, not an error). Cache failures of any
// kind degrade to a direct database read; the caller never fails because
// the cache is unavailable.
func (c *Cache) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = c.window
	}
	if limit != c.window {
		c.log.Debug("window mismatch (%d != %d), bypassing cache for session %s", limit, c.window, sessionID)
		return c.src.Messages(ctx, sessionID, limit)
	}

	total, err := c.src.Count(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("counting messages for session %s: %w", sessionID, err)
	}
	// Too few messages to benefit from splitting.
	if total <= c.dynamic {
		return c.src.Messages(ctx, sessionID, limit)
	}

	stableCount := min(limit-c.dynamic, total-c.dynamic)
	if stableCount <= 0 {
		return c.src.Messages(ctx, sessionID, limit)
	}
	signature := SignatureFor(sessionID, stableCount, total)

	extend := time.Duration(0)
	if c.sliding {
		extend = c.ttl
	}
	entry, err := c.store.GetBySignature(ctx, c.tenant, signature, extend)
	if err != nil {
		c.log.Warn("cache read failed, serving session %s from database: %v", sessionID, err)
		return c.src.Messages(ctx, sessionID, limit)
	}

	if entry != nil {
		stable, err := decodeStable(entry.Text)
		if err == nil && len(stable) == stableCount {
			tail, err := c.src.Messages(ctx, sessionID, c.dynamic)
			if err != nil {
				return nil, fmt.Errorf("fetching dynamic tail for session %s: %w", sessionID, err)
			}
			return append(stable, tail...), nil
		}
		// A corrupt or short blob is treated as a miss and overwritten.
		c.log.Warn("discarding unusable stable blob for session %s: %v", sessionID, err)
	}

	return c.populate(ctx, sessionID, signature, limit, stableCount)
}

// populate serves a miss: read the full window, cache the stable prefix
// and return the window. Concurrent misses for the same signature collapse
// into one database read.
func (c *Cache) populate(ctx context.Context, sessionID, signature string, limit, stableCount int) ([]Message, error) {
	v, err, _ := c.group.Do(signature, func() (interface{}, error) {
		window, err := c.src.Messages(ctx, sessionID, limit)
		if err != nil {
			return nil, err
		}
		split := len(window) - c.dynamic
		if split > stableCount {
			split = stableCount
		}
		if split > 0 {
			text, err := encodeStable(window[:split])
			if err != nil {
				c.log.Warn("cannot encode stable blob for session %s: %v", sessionID, err)
				return window, nil
			}
			if _, err := c.store.Put(ctx, cache.PutRequest{
				Tenant:    c.tenant,
				User:      sessionID,
				Signature: signature,
				Text:      text,
				TTL:       c.ttl,
			}); err != nil {
				// Write failures demote this call to a plain read.
				c.log.Warn("cache write failed for session %s: %v", sessionID, err)
			}
		}
		return window, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching window for session %s: %w", sessionID, err)
	}
	return v.([]Message), nil
}

// encodeStable canonicalizes messages to JSON, the textual form the cache
// stores and indexes.
func encodeStable(msgs []Message) (string, error) {
	buf, err := json.Marshal(msgs)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func decodeStable(text string) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal([]byte(text), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
