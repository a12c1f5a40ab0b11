package cache

import (
	"context"
	"time"
)

// Backend is the storage contract implemented by the Redis, SQLite and
// file backends. The Manager depends only on this interface.
//
// Every operation that cannot reach the backing store returns an error
// wrapping ErrCacheUnavailable rather than a backend-specific error, so
// callers can fall back uniformly. Absent entries are (nil, nil), not an
// error.
//
// An entry whose TTL has elapsed is never returned, even if its physical
// deletion is deferred.
type Backend interface {
	// Put writes an entry, overwriting any existing entry with the same
	// (tenant, signature). Returns the entry id, which is stable across
	// refreshing writes.
	Put(ctx context.Context, req PutRequest) (string, error)

	// Get retrieves an entry by id. If extendTTL > 0 and the entry exists
	// and is unexpired, its expiry is bumped forward (sliding expiration)
	// as a side effect.
	Get(ctx context.Context, id string, extendTTL time.Duration) (*Entry, error)

	// GetBySignature has Get semantics, keyed by (tenant, signature)
	// instead of id.
	GetBySignature(ctx context.Context, tenant, signature string, extendTTL time.Duration) (*Entry, error)

	// Delete removes an entry by id. Returns true iff something was
	// removed.
	Delete(ctx context.Context, id string) (bool, error)

	// ClearTenant removes every entry in the tenant and returns the count
	// removed.
	ClearTenant(ctx context.Context, tenant string) (int, error)

	// TextSearch performs ranked lexical search over stored text. Ranking
	// order is backend-defined but stable for identical inputs.
	TextSearch(ctx context.Context, q TextQuery) (*SearchResults, error)

	// KNNSearch returns up to q.K entries ordered by similarity
	// descending. Only entries with a stored embedding matching the query
	// vector's dimensionality participate.
	KNNSearch(ctx context.Context, q KNNQuery) (*SearchResults, error)

	// HealthCheck reports reachability and index readiness. It never
	// returns an error; failures are reflected in the Health fields.
	HealthCheck(ctx context.Context) Health

	// IndexInfo reports the physical structures backing the cache.
	IndexInfo(ctx context.Context) (*IndexInfo, error)

	// Stats reports entry counts. An empty tenant means all tenants.
	Stats(ctx context.Context, tenant string) (*Stats, error)

	// Name identifies the backend kind ("redis", "sqlite", "file").
	Name() string

	// Close releases backend resources. Safe to call more than once.
	Close() error
}
