package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/songline/semcache/logger"
)

// sqliteBackend implements Backend atop a single-file SQLite database:
// a standard table for entries, an FTS5 external-content table over text
// (unicode61 tokenizer, so Cyrillic payloads tokenize correctly) kept in
// sync by triggers, and embeddings stored as float32 blobs searched with
// in-process cosine similarity. The engine's own locking (WAL +
// busy_timeout) serializes concurrent writers across processes.
type sqliteBackend struct {
	db        *sql.DB
	cfg       config
	log       logger.Logger
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	closeErr  error
}

var _ Backend = (*sqliteBackend)(nil)

// NewSQLite returns a Backend backed by SQLite at dbPath. If dbPath is
// empty or ":memory:", an in-memory database is used. Schema creation is
// idempotent and runs on every start.
func NewSQLite(ctx context.Context, dbPath string, log logger.Logger, opts ...Option) (Backend, error) {
	cfg := applyOptions(opts)
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, unavailable(err)
	}
	// The embedded engine serializes writers with its own locking; keep a
	// single connection so in-memory databases and write transactions
	// behave predictably.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, unavailable(err)
		}
	}

	childCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := &sqliteBackend{
		db:     db,
		cfg:    cfg,
		log:    log.WithPrefix("[sqlite]"),
		cancel: cancel,
	}

	if err := b.EnsureSchema(ctx); err != nil {
		cancel()
		db.Close()
		return nil, err
	}

	b.waitGroup.Add(1)
	go b.run(childCtx)

	return b, nil
}

// EnsureSchema creates the tables, FTS index and triggers if missing.
// Safe to call on every process start.
func (b *sqliteBackend) EnsureSchema(ctx context.Context) error {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			id         TEXT NOT NULL UNIQUE,
			tenant     TEXT NOT NULL,
			user       TEXT NOT NULL DEFAULT '',
			user_hash  TEXT NOT NULL DEFAULT '',
			sig        TEXT NOT NULL,
			text       TEXT NOT NULL,
			metadata   BLOB,
			embedding  BLOB,
			dims       INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			UNIQUE(tenant, sig)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_tenant ON cache_entries(tenant)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS cache_fts USING fts5(
			text,
			content='cache_entries',
			content_rowid='rowid',
			tokenize='unicode61 remove_diacritics 2'
		)`,
		`CREATE TRIGGER IF NOT EXISTS cache_entries_ai AFTER INSERT ON cache_entries BEGIN
			INSERT INTO cache_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS cache_entries_ad AFTER DELETE ON cache_entries BEGIN
			INSERT INTO cache_fts(cache_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS cache_entries_au AFTER UPDATE ON cache_entries BEGIN
			INSERT INTO cache_fts(cache_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
			INSERT INTO cache_fts(rowid, text) VALUES (new.rowid, new.text);
		END`,
	} {
		if _, err := b.db.ExecContext(qctx, stmt); err != nil {
			return fmt.Errorf("%w: %v", ErrSchema, err)
		}
	}
	return nil
}

func (b *sqliteBackend) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, b.cfg.queryTimeout)
}

// withSchemaRetry runs op; if it fails with a missing-schema error, the
// schema is recreated once and op retried. Remaining failures escalate to
// ErrCacheUnavailable.
func (b *sqliteBackend) withSchemaRetry(ctx context.Context, op func(ctx context.Context) error) error {
	qctx, cancel := b.queryCtx(ctx)
	err := op(qctx)
	cancel()
	if err == nil {
		return nil
	}
	if !isMissingSchema(err) {
		return unavailable(err)
	}
	if serr := b.EnsureSchema(ctx); serr != nil {
		return unavailable(serr)
	}
	qctx, cancel = b.queryCtx(ctx)
	defer cancel()
	if err := op(qctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func isMissingSchema(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func (b *sqliteBackend) Put(ctx context.Context, req PutRequest) (string, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = b.cfg.defaultTTL
	}
	var meta []byte
	if req.Metadata != nil {
		var err error
		meta, err = msgpack.Marshal(req.Metadata)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSerialization, err)
		}
	}
	vec := encodeVector(req.Embedding)
	text := truncateRunes(req.Text, b.cfg.maxTextLen)
	now := time.Now()

	var id string
	err := b.withSchemaRetry(ctx, func(qctx context.Context) error {
		tx, err := b.db.BeginTx(qctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// Refreshing an existing signature keeps its id.
		err = tx.QueryRowContext(qctx,
			`SELECT id FROM cache_entries WHERE tenant = ? AND sig = ?`,
			req.Tenant, req.Signature,
		).Scan(&id)
		if err == sql.ErrNoRows {
			id = uuid.NewString()
		} else if err != nil {
			return err
		}

		// The update trigger rewrites the FTS row in the same transaction,
		// so value, text index and vector change atomically.
		_, err = tx.ExecContext(qctx,
			`INSERT INTO cache_entries (id, tenant, user, user_hash, sig, text, metadata, embedding, dims, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant, sig) DO UPDATE SET
				user = excluded.user,
				user_hash = excluded.user_hash,
				text = excluded.text,
				metadata = excluded.metadata,
				embedding = excluded.embedding,
				dims = excluded.dims,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at`,
			id, req.Tenant, req.User, UserHash(req.User), req.Signature,
			text, meta, vec, len(req.Embedding),
			now.UnixNano(), now.Add(ttl).UnixNano(),
		)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

const entryColumns = `id, tenant, user, user_hash, sig, text, metadata, embedding, created_at, expires_at`

func scanEntry(row interface{ Scan(...interface{}) error }) (*Entry, error) {
	var e Entry
	var meta, vec []byte
	var created, expires int64
	err := row.Scan(&e.ID, &e.Tenant, &e.User, &e.UserHash, &e.Signature,
		&e.Text, &meta, &vec, &created, &expires)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(0, created)
	e.ExpiresAt = time.Unix(0, expires)
	e.Embedding = decodeVector(vec)
	if len(meta) > 0 {
		if err := msgpack.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("%w: corrupt metadata: %v", ErrSerialization, err)
		}
	}
	return &e, nil
}

func (b *sqliteBackend) Get(ctx context.Context, id string, extendTTL time.Duration) (*Entry, error) {
	return b.readEntry(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE id = ?`, extendTTL, id)
}

func (b *sqliteBackend) GetBySignature(ctx context.Context, tenant, signature string, extendTTL time.Duration) (*Entry, error) {
	return b.readEntry(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE tenant = ? AND sig = ?`, extendTTL, tenant, signature)
}

func (b *sqliteBackend) readEntry(ctx context.Context, query string, extendTTL time.Duration, args ...interface{}) (*Entry, error) {
	var entry *Entry
	err := b.withSchemaRetry(ctx, func(qctx context.Context) error {
		e, err := scanEntry(b.db.QueryRowContext(qctx, query, args...))
		if err == sql.ErrNoRows {
			entry = nil
			return nil
		}
		if err != nil {
			return err
		}
		now := time.Now()
		if e.Expired(now) {
			// Lazy expiry: physically delete on read.
			_, _ = b.db.ExecContext(qctx, `DELETE FROM cache_entries WHERE id = ?`, e.ID)
			entry = nil
			return nil
		}
		if extendTTL > 0 {
			e.ExpiresAt = now.Add(extendTTL)
			if _, err := b.db.ExecContext(qctx,
				`UPDATE cache_entries SET expires_at = ? WHERE id = ?`,
				e.ExpiresAt.UnixNano(), e.ID); err != nil {
				return err
			}
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *sqliteBackend) Delete(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := b.withSchemaRetry(ctx, func(qctx context.Context) error {
		res, err := b.db.ExecContext(qctx, `DELETE FROM cache_entries WHERE id = ?`, id)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = rows > 0
		return nil
	})
	return removed, err
}

func (b *sqliteBackend) ClearTenant(ctx context.Context, tenant string) (int, error) {
	var removed int
	err := b.withSchemaRetry(ctx, func(qctx context.Context) error {
		res, err := b.db.ExecContext(qctx, `DELETE FROM cache_entries WHERE tenant = ?`, tenant)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = int(rows)
		return nil
	})
	return removed, err
}

// buildMatchQuery quotes each token so FTS5 query syntax characters in the
// caller's query cannot break the MATCH expression.
func buildMatchQuery(query string) string {
	tokens := strings.Fields(query)
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

func (b *sqliteBackend) TextSearch(ctx context.Context, q TextQuery) (*SearchResults, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	match := buildMatchQuery(q.Query)
	if match == "" {
		return &SearchResults{}, nil
	}
	userFilter := ""
	args := []interface{}{match, q.Tenant, time.Now().UnixNano()}
	if q.User != "" {
		userFilter = ` AND e.user_hash = ?`
		args = append(args, UserHash(q.User))
	}

	out := &SearchResults{}
	err := b.withSchemaRetry(ctx, func(qctx context.Context) error {
		out.Total = 0
		out.Hits = nil
		err := b.db.QueryRowContext(qctx,
			`SELECT COUNT(*) FROM cache_fts
			JOIN cache_entries e ON e.rowid = cache_fts.rowid
			WHERE cache_fts MATCH ? AND e.tenant = ? AND e.expires_at > ?`+userFilter,
			args...,
		).Scan(&out.Total)
		if err != nil {
			return err
		}

		rows, err := b.db.QueryContext(qctx,
			`SELECT `+entryColumnsPrefixed+`, bm25(cache_fts) AS rank FROM cache_fts
			JOIN cache_entries e ON e.rowid = cache_fts.rowid
			WHERE cache_fts MATCH ? AND e.tenant = ? AND e.expires_at > ?`+userFilter+`
			ORDER BY rank, e.id LIMIT ? OFFSET ?`,
			append(append([]interface{}{}, args...), limit, q.Offset)...,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e Entry
			var meta, vec []byte
			var created, expires int64
			var rank float64
			if err := rows.Scan(&e.ID, &e.Tenant, &e.User, &e.UserHash, &e.Signature,
				&e.Text, &meta, &vec, &created, &expires, &rank); err != nil {
				return err
			}
			e.CreatedAt = time.Unix(0, created)
			e.ExpiresAt = time.Unix(0, expires)
			e.Embedding = decodeVector(vec)
			if len(meta) > 0 {
				if err := msgpack.Unmarshal(meta, &e.Metadata); err != nil {
					return fmt.Errorf("corrupt metadata for %s: %v", e.ID, err)
				}
			}
			// bm25() returns lower-is-better; negate so higher is better.
			out.Hits = append(out.Hits, SearchHit{Entry: &e, Score: -rank})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const entryColumnsPrefixed = `e.id, e.tenant, e.user, e.user_hash, e.sig, e.text, e.metadata, e.embedding, e.created_at, e.expires_at`

func (b *sqliteBackend) KNNSearch(ctx context.Context, q KNNQuery) (*SearchResults, error) {
	if len(q.Vector) == 0 {
		return &SearchResults{}, nil
	}
	k := q.K
	if k <= 0 {
		k = 10
	}
	userFilter := ""
	args := []interface{}{q.Tenant, time.Now().UnixNano(), len(q.Vector)}
	if q.User != "" {
		userFilter = ` AND user_hash = ?`
		args = append(args, UserHash(q.User))
	}

	out := &SearchResults{}
	err := b.withSchemaRetry(ctx, func(qctx context.Context) error {
		out.Total = 0
		out.Hits = nil
		// Candidates are pre-filtered on dims so entries with mismatched
		// dimensionality never participate.
		rows, err := b.db.QueryContext(qctx,
			`SELECT `+entryColumns+` FROM cache_entries
			WHERE tenant = ? AND expires_at > ? AND embedding IS NOT NULL AND dims = ?`+userFilter,
			args...,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			out.Hits = append(out.Hits, SearchHit{
				Entry: e,
				Score: cosineSimilarity(q.Vector, e.Embedding),
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out.Hits, func(i, j int) bool {
		if out.Hits[i].Score != out.Hits[j].Score {
			return out.Hits[i].Score > out.Hits[j].Score
		}
		return out.Hits[i].Entry.ID < out.Hits[j].Entry.ID
	})
	out.Total = len(out.Hits)
	if len(out.Hits) > k {
		out.Hits = out.Hits[:k]
	}
	return out, nil
}

func (b *sqliteBackend) HealthCheck(ctx context.Context) Health {
	h := Health{Backend: b.Name()}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	if err := b.db.PingContext(qctx); err != nil {
		h.Detail = err.Error()
		return h
	}
	h.Connected = true
	var name string
	err := b.db.QueryRowContext(qctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'cache_fts'`,
	).Scan(&name)
	h.IndexReady = err == nil
	if err != nil && err != sql.ErrNoRows {
		h.Detail = err.Error()
	}
	return h
}

// IndexInfo reports which physical tables exist, for diagnostics.
func (b *sqliteBackend) IndexInfo(ctx context.Context) (*IndexInfo, error) {
	info := &IndexInfo{
		Backend:    b.Name(),
		Name:       "cache_entries",
		Dimensions: b.cfg.dimensions,
		Tables:     map[string]bool{"cache_entries": false, "cache_fts": false},
	}
	err := b.withSchemaRetry(ctx, func(qctx context.Context) error {
		rows, err := b.db.QueryContext(qctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('cache_entries', 'cache_fts')`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			info.Tables[name] = true
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if info.Tables["cache_entries"] {
			return b.db.QueryRowContext(qctx,
				`SELECT COUNT(*) FROM cache_entries`).Scan(&info.Documents)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (b *sqliteBackend) Stats(ctx context.Context, tenant string) (*Stats, error) {
	stats := &Stats{Backend: b.Name(), Tenant: tenant}
	tenantFilter := ""
	args := []interface{}{time.Now().UnixNano()}
	if tenant != "" {
		tenantFilter = ` AND tenant = ?`
		args = append(args, tenant)
	}
	err := b.withSchemaRetry(ctx, func(qctx context.Context) error {
		return b.db.QueryRowContext(qctx,
			`SELECT
				COUNT(*) FILTER (WHERE expires_at > ?1),
				COUNT(*) FILTER (WHERE expires_at > ?1 AND dims > 0),
				COUNT(*) FILTER (WHERE expires_at <= ?1)
			FROM cache_entries WHERE 1=1`+tenantFilter,
			args...,
		).Scan(&stats.Entries, &stats.WithEmbedding, &stats.Expired)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (b *sqliteBackend) Name() string {
	return "sqlite"
}

func (b *sqliteBackend) Close() error {
	b.once.Do(func() {
		b.cancel()
		b.waitGroup.Wait()
		b.closeErr = b.db.Close()
	})
	return b.closeErr
}

// run periodically deletes expired entries; reads never return them
// regardless (lazy expiry), this just reclaims space.
func (b *sqliteBackend) run(ctx context.Context) {
	defer b.waitGroup.Done()
	ticker := time.NewTicker(b.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.db.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE expires_at < ?`, time.Now().UnixNano()); err != nil {
				b.log.Debug("expired entry sweep failed: %v", err)
			}
		}
	}
}
