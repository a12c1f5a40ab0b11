package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/songline/semcache/embedding"
	"github.com/songline/semcache/logger"
)

// Backend kind names accepted by ManagerOptions.Backend.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	// Backend selects the preferred backend: "redis", "sqlite" (alias
	// "embedded") or "file" (alias "csv").
	Backend string

	// RedisURL is parsed with redis.ParseURL when RedisClient is nil.
	RedisURL string
	// RedisClient, when set, is used as-is; the Manager does not close it.
	RedisClient *redis.Client

	// SQLitePath is the database file for the sqlite backend; empty means
	// in-memory.
	SQLitePath string

	// FileDir is the directory for the file fallback backend.
	FileDir string

	// Embedder, when set and enabled, is used to embed payloads on Put and
	// queries on SemanticSearch.
	Embedder          embedding.Provider
	EmbeddingsEnabled bool

	// FaultTolerant controls degradation. When true, a preferred backend
	// that cannot be constructed or fails its health check is replaced by
	// the file backend at startup, and the first ErrCacheUnavailable at
	// runtime permanently re-routes to the file backend. When false,
	// errors propagate to the caller.
	FaultTolerant bool

	Logger  logger.Logger
	Options []Option
}

// Manager is the public cache API: it owns backend selection and fallback,
// signature generation, TTL bookkeeping and embedding. It is an explicit
// handle meant to be constructed once at the composition root and
// injected, not a process global.
type Manager struct {
	log               logger.Logger
	cfg               config
	embedder          embedding.Provider
	embeddingsEnabled bool
	faultTolerant     bool

	current  atomic.Pointer[backendHolder]
	degraded atomic.Bool
	fallback Backend

	ownedClient *redis.Client
}

type backendHolder struct {
	b Backend
}

// NewManager constructs the configured backend, verifies it with a health
// check and returns a Manager wired to it. In fault-tolerant mode a dead
// preferred backend degrades to the file backend instead of failing.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewConsole(logger.GetLevelFromEnv())
	}
	log = log.WithPrefix("[cache]")

	m := &Manager{
		log:               log,
		cfg:               applyOptions(opts.Options),
		embedder:          opts.Embedder,
		embeddingsEnabled: opts.EmbeddingsEnabled && opts.Embedder != nil,
		faultTolerant:     opts.FaultTolerant,
		fallback:          NewFile(opts.FileDir, log, opts.Options...),
	}

	preferred, err := m.construct(ctx, opts)
	if err == nil {
		if h := preferred.HealthCheck(ctx); !h.Connected {
			err = unavailable(fmt.Errorf("health check failed: %s", h.Detail))
			preferred.Close()
		}
	}
	if err != nil {
		if !opts.FaultTolerant {
			return nil, err
		}
		log.Error("backend %q unavailable at startup, degrading to file fallback: %v", opts.Backend, err)
		m.degraded.Store(true)
		m.current.Store(&backendHolder{m.fallback})
		return m, nil
	}

	m.current.Store(&backendHolder{preferred})
	return m, nil
}

func (m *Manager) construct(ctx context.Context, opts ManagerOptions) (Backend, error) {
	switch opts.Backend {
	case BackendRedis:
		client := opts.RedisClient
		if client == nil {
			ropts, err := redis.ParseURL(opts.RedisURL)
			if err != nil {
				return nil, unavailable(err)
			}
			client = redis.NewClient(ropts)
			m.ownedClient = client
		}
		return NewRedis(ctx, client, m.log, opts.Options...)
	case BackendSQLite, "embedded":
		return NewSQLite(ctx, opts.SQLitePath, m.log, opts.Options...)
	case BackendFile, "csv":
		return m.fallback, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}

// backend returns the currently selected backend.
func (m *Manager) backend() Backend {
	return m.current.Load().b
}

// Degraded reports whether the Manager has swapped to the file fallback.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// failover re-routes all subsequent calls to the file backend. The swap
// happens at most once per process; concurrent failures race harmlessly
// on the CompareAndSwap.
func (m *Manager) failover(err error) {
	if m.degraded.CompareAndSwap(false, true) {
		m.log.Error("cache backend unavailable, re-routing to file fallback: %v", err)
		m.current.Store(&backendHolder{m.fallback})
	}
}

// recover retries op on the file fallback after an unavailable error.
// Returns false when the error should propagate instead.
func (m *Manager) recover(err error) bool {
	if err == nil || !m.faultTolerant || !IsUnavailable(err) {
		return false
	}
	m.failover(err)
	return true
}

// embed produces the payload vector, degrading to nil on any provider
// failure or dimension mismatch.
func (m *Manager) embed(ctx context.Context, text string) []float32 {
	if !m.embeddingsEnabled {
		return nil
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		m.log.Warn("embedding failed, storing text-only: %v", err)
		return nil
	}
	if m.cfg.dimensions > 0 && len(vec) != m.cfg.dimensions {
		m.log.Warn("%v: got %d, want %d; storing text-only", ErrDimensionMismatch, len(vec), m.cfg.dimensions)
		return nil
	}
	return vec
}

// Put writes an entry. When no embedding is supplied and a provider is
// enabled, the payload is embedded; provider failure degrades to a
// text-only entry. A vector of the wrong dimensionality is dropped (the
// text is still cached) rather than failing the write.
func (m *Manager) Put(ctx context.Context, req PutRequest) (string, error) {
	if req.Embedding == nil {
		req.Embedding = m.embed(ctx, req.Text)
	} else if m.cfg.dimensions > 0 && len(req.Embedding) != m.cfg.dimensions {
		m.log.Warn("%v: got %d, want %d; storing text-only", ErrDimensionMismatch, len(req.Embedding), m.cfg.dimensions)
		req.Embedding = nil
	}
	id, err := m.backend().Put(ctx, req)
	if m.recover(err) {
		return m.fallback.Put(ctx, req)
	}
	return id, err
}

// Get retrieves an entry by id, optionally sliding its expiry forward.
func (m *Manager) Get(ctx context.Context, id string, extendTTL time.Duration) (*Entry, error) {
	entry, err := m.backend().Get(ctx, id, extendTTL)
	if m.recover(err) {
		return m.fallback.Get(ctx, id, extendTTL)
	}
	return entry, err
}

// GetBySignature retrieves an entry by (tenant, signature), optionally
// sliding its expiry forward.
func (m *Manager) GetBySignature(ctx context.Context, tenant, signature string, extendTTL time.Duration) (*Entry, error) {
	entry, err := m.backend().GetBySignature(ctx, tenant, signature, extendTTL)
	if m.recover(err) {
		return m.fallback.GetBySignature(ctx, tenant, signature, extendTTL)
	}
	return entry, err
}

// Delete removes an entry by id.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	removed, err := m.backend().Delete(ctx, id)
	if m.recover(err) {
		return m.fallback.Delete(ctx, id)
	}
	return removed, err
}

// ClearTenant removes every entry in the tenant.
func (m *Manager) ClearTenant(ctx context.Context, tenant string) (int, error) {
	removed, err := m.backend().ClearTenant(ctx, tenant)
	if m.recover(err) {
		return m.fallback.ClearTenant(ctx, tenant)
	}
	return removed, err
}

// TextSearch performs ranked lexical search within the tenant.
func (m *Manager) TextSearch(ctx context.Context, q TextQuery) (*SearchResults, error) {
	res, err := m.backend().TextSearch(ctx, q)
	if m.recover(err) {
		return m.fallback.TextSearch(ctx, q)
	}
	return res, err
}

// KNNSearch returns the k nearest stored vectors within the tenant.
func (m *Manager) KNNSearch(ctx context.Context, q KNNQuery) (*SearchResults, error) {
	res, err := m.backend().KNNSearch(ctx, q)
	if m.recover(err) {
		return m.fallback.KNNSearch(ctx, q)
	}
	return res, err
}

// SemanticSearch embeds the query text and performs a KNN search. When
// the provider is absent or fails, it degrades to lexical search over the
// same query.
func (m *Manager) SemanticSearch(ctx context.Context, tenant, query string, k int, user string) (*SearchResults, error) {
	if m.embeddingsEnabled {
		vec, err := m.embedder.Embed(ctx, query)
		if err == nil {
			return m.KNNSearch(ctx, KNNQuery{Tenant: tenant, Vector: vec, K: k, User: user})
		}
		m.log.Warn("embedding failed, falling back to text search: %v", err)
	}
	return m.TextSearch(ctx, TextQuery{Tenant: tenant, Query: query, User: user, Limit: k})
}

// HealthCheck reports the current backend's health.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	return m.backend().HealthCheck(ctx)
}

// IndexInfo reports the current backend's physical index state.
func (m *Manager) IndexInfo(ctx context.Context) (*IndexInfo, error) {
	info, err := m.backend().IndexInfo(ctx)
	if m.recover(err) {
		return m.fallback.IndexInfo(ctx)
	}
	return info, err
}

// Stats reports entry counts for one tenant, or all tenants when tenant
// is empty.
func (m *Manager) Stats(ctx context.Context, tenant string) (*Stats, error) {
	stats, err := m.backend().Stats(ctx, tenant)
	if m.recover(err) {
		return m.fallback.Stats(ctx, tenant)
	}
	return stats, err
}

// BackendName reports the currently selected backend kind.
func (m *Manager) BackendName() string {
	return m.backend().Name()
}

// Close releases the selected backend, the fallback, and any Redis client
// the Manager created itself.
func (m *Manager) Close() error {
	var errs []error
	if b := m.backend(); b != m.fallback {
		errs = append(errs, b.Close())
	}
	errs = append(errs, m.fallback.Close())
	if m.ownedClient != nil {
		errs = append(errs, m.ownedClient.Close())
	}
	return errors.Join(errs...)
}
