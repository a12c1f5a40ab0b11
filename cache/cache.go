package cache

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Backends wrap their native failures into
// ErrCacheUnavailable at the boundary so callers have a single condition
// to fall back on. Caller-bug errors (ErrSerialization) stay distinct and
// are never converted.
var (
	// ErrCacheUnavailable indicates a transient infrastructure failure:
	// connection refused, timeout, malformed response. Callers should fall
	// back to a simpler backend or to the authoritative database.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrSchema indicates the embedded backend's tables or indexes are
	// missing or malformed. Recovered by re-running EnsureSchema once,
	// then escalated to ErrCacheUnavailable.
	ErrSchema = errors.New("cache schema missing or malformed")

	// ErrDimensionMismatch indicates an embedding of the wrong length was
	// supplied. The entry is stored without its vector rather than
	// rejecting the whole write.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrSerialization indicates a non-string payload could not be
	// canonicalized to text. This is a caller bug, not an infra fault.
	ErrSerialization = errors.New("payload cannot be serialized")
)

// unavailable wraps a backend-native error into ErrCacheUnavailable,
// preserving the cause for logs.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
}

// IsUnavailable reports whether err is (or wraps) ErrCacheUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrCacheUnavailable)
}

// DefaultTTL is the default time-to-live for entries written without an
// explicit TTL.
const DefaultTTL = 24 * time.Hour

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (SQLite, Redis). Prevents indefinite hangs on slow or
// unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

// DefaultIndexName is the search index name used by the networked backend.
const DefaultIndexName = "semcache"

// config holds the resolved configuration for a backend implementation.
type config struct {
	defaultTTL   time.Duration
	queryTimeout time.Duration
	expiryCheck  time.Duration
	prefix       string
	indexName    string
	dimensions   int
	maxTextLen   int
}

// Option configures a Backend implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultTTL:   DefaultTTL,
		queryTimeout: DefaultQueryTimeout,
		expiryCheck:  time.Minute,
		indexName:    DefaultIndexName,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithDefaultTTL sets the TTL used when Put is called with TTL <= 0.
// Defaults to DefaultTTL (24 hours).
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed backends
// (SQLite, Redis). Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup.
// Applies to the SQLite backend. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix sets the key prefix for namespacing cache keys.
// Applies to the Redis backend. Defaults to empty (no prefix).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithIndexName sets the search index name for the Redis backend.
// Defaults to DefaultIndexName.
func WithIndexName(name string) Option {
	return func(c *config) { c.indexName = name }
}

// WithDimensions sets the expected embedding dimensionality. Entries whose
// vector length differs are stored without their vector; vectors of a
// different length never participate in KNN results. Zero means vectors of
// any single consistent length are accepted per query.
func WithDimensions(d int) Option {
	return func(c *config) { c.dimensions = d }
}

// WithMaxTextLen caps stored payload text at n runes. Zero means no cap.
// Truncation is rune-safe so multi-byte text is never cut mid-character.
func WithMaxTextLen(n int) Option {
	return func(c *config) { c.maxTextLen = n }
}
