// Package cache implements a multi-tenant, TTL-governed store of
// text+vector entries with exact-key, full-text and nearest-neighbor
// lookup, behind a single backend-agnostic interface.
//
// # Data model
//
// The unit of storage is [Entry]: a tenant-scoped payload text with an
// optional embedding vector and opaque metadata. Entries are deduplicated
// by (tenant, signature): a second [Backend.Put] with the same signature
// refreshes the entry (content replaced, TTL reset, id kept) instead of
// creating a duplicate. Expired entries are never returned by reads or
// searches, even when their physical deletion is deferred.
//
// # Backends
//
// Three implementations are provided, each with different tradeoffs:
//
//   - [NewRedis]: backed by Redis using [github.com/redis/go-redis/v9].
//     Entries are hashes with native TTL; lexical and KNN search use the
//     RediSearch module when present (FT.CREATE over the key prefix).
//     Without the module the backend still serves key-value operations
//     and reports index_ready=false. The caller owns the [redis.Client]
//     lifecycle. Each operation uses a per-query timeout
//     ([DefaultQueryTimeout]).
//
//   - [NewSQLite]: backed by a single-file SQLite database using
//     [modernc.org/sqlite] (pure Go, no CGO). Full-text search uses an
//     FTS5 table with the unicode61 tokenizer (Cyrillic payloads tokenize
//     correctly); embeddings are float32 blobs searched with in-process
//     cosine similarity. WAL mode plus busy_timeout serializes concurrent
//     writers across processes. The right choice when no networked
//     service is available; for small-to-medium tenants it performs
//     comparably to the Redis backend since it avoids the network round
//     trip.
//
//   - [NewFile]: append-only per-tenant CSV logs. Disaster-recovery
//     only: key-value subset, no search, coarse TTL. Never fails.
//
// # Manager
//
// [Manager] is the public API surface. It selects a backend at startup,
// verifies it with a health check, embeds payloads through an optional
// [embedding.Provider], and converts backend failures into graceful
// degradation: in fault-tolerant mode the first ErrCacheUnavailable
// permanently re-routes to the file backend, so cache failures never
// reach a caller-facing response path.
//
// # Errors
//
// Infrastructure faults surface as [ErrCacheUnavailable] regardless of
// backend. [ErrSerialization] marks caller bugs and stays loud.
// [ErrSchema] and [ErrDimensionMismatch] are handled internally
// (schema re-creation, text-only degradation) and appear in logs rather
// than in return values.
package cache
