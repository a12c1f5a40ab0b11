package cache

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/songline/semcache/logger"
)

// fileBackend is the backend of last resort: append-only CSV logs, one
// file per tenant. It supports only the key-value subset (Put,
// Get/GetBySignature, Delete, ClearTenant); searches return empty result
// sets. It never returns ErrCacheUnavailable: a failure here degrades to
// a cache miss, because there is nothing left to fall back to.
//
// Records are appended, never rewritten: a refreshing Put appends a new
// row (last row wins on read) and Delete appends a tombstone. ClearTenant
// removes the tenant's file.
type fileBackend struct {
	dir string
	cfg config
	log logger.Logger
	mu  sync.Mutex
}

var _ Backend = (*fileBackend)(nil)

// CSV columns: op, id, signature, user, created_unix, expires_unix,
// text_b64, meta_b64.
const (
	fileOpPut    = "put"
	fileOpDelete = "del"
)

// NewFile returns the file fallback backend rooted at dir. Construction
// never fails: if dir cannot be created, a temp directory is used.
func NewFile(dir string, log logger.Logger, opts ...Option) Backend {
	cfg := applyOptions(opts)
	log = log.WithPrefix("[file]")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "semcache")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fallback := filepath.Join(os.TempDir(), "semcache")
		log.Warn("cannot create cache dir %s, using %s: %v", dir, fallback, err)
		dir = fallback
		_ = os.MkdirAll(dir, 0o755)
	}
	return &fileBackend{dir: dir, cfg: cfg, log: log}
}

// tenantPath maps a tenant to its file. The hash suffix keeps distinct
// tenants distinct even after sanitizing.
func (b *fileBackend) tenantPath(tenant string) string {
	var sb strings.Builder
	for _, r := range tenant {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return filepath.Join(b.dir, sb.String()+"-"+Signature(tenant)+".csv")
}

type fileRecord struct {
	op        string
	id        string
	signature string
	user      string
	created   time.Time
	expires   time.Time
	text      string
	meta      []byte
}

func (r *fileRecord) row() []string {
	return []string{
		r.op,
		r.id,
		r.signature,
		r.user,
		strconv.FormatInt(r.created.Unix(), 10),
		strconv.FormatInt(r.expires.Unix(), 10),
		base64.StdEncoding.EncodeToString([]byte(r.text)),
		base64.StdEncoding.EncodeToString(r.meta),
	}
}

func recordFromRow(row []string) (*fileRecord, bool) {
	if len(row) < 8 {
		return nil, false
	}
	created, err1 := strconv.ParseInt(row[4], 10, 64)
	expires, err2 := strconv.ParseInt(row[5], 10, 64)
	text, err3 := base64.StdEncoding.DecodeString(row[6])
	meta, err4 := base64.StdEncoding.DecodeString(row[7])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, false
	}
	return &fileRecord{
		op:        row[0],
		id:        row[1],
		signature: row[2],
		user:      row[3],
		created:   time.Unix(created, 0),
		expires:   time.Unix(expires, 0),
		text:      string(text),
		meta:      meta,
	}, true
}

func (b *fileBackend) append(tenant string, rec *fileRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.OpenFile(b.tenantPath(tenant), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		b.log.Warn("append failed for tenant %s: %v", tenant, err)
		return
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(rec.row()); err != nil {
		b.log.Warn("append failed for tenant %s: %v", tenant, err)
		return
	}
	w.Flush()
	if err := w.Error(); err != nil {
		b.log.Warn("append failed for tenant %s: %v", tenant, err)
	}
}

// scan replays a tenant file in order, calling fn for each well-formed
// record. Malformed rows are skipped.
func (b *fileBackend) scan(path string, fn func(*fileRecord)) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	for {
		row, err := r.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			b.log.Debug("skipping malformed row in %s: %v", path, err)
			continue
		}
		if rec, ok := recordFromRow(row); ok {
			fn(rec)
		}
	}
}

// live replays a tenant file and returns the surviving records by
// signature (last put wins, tombstones remove).
func (b *fileBackend) live(tenant string) map[string]*fileRecord {
	return b.liveFile(b.tenantPath(tenant))
}

func (b *fileBackend) liveFile(path string) map[string]*fileRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*fileRecord)
	byID := make(map[string]string)
	b.scan(path, func(rec *fileRecord) {
		switch rec.op {
		case fileOpPut:
			out[rec.signature] = rec
			byID[rec.id] = rec.signature
		case fileOpDelete:
			if sig, ok := byID[rec.id]; ok {
				delete(out, sig)
			}
		}
	})
	now := time.Now()
	for sig, rec := range out {
		if rec.expires.Before(now) {
			delete(out, sig)
		}
	}
	return out
}

func (b *fileBackend) tenantFiles() []string {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*.csv"))
	if err != nil {
		return nil
	}
	return matches
}

func (r *fileRecord) entry(tenant string) *Entry {
	e := &Entry{
		ID:        r.id,
		Tenant:    tenant,
		User:      r.user,
		UserHash:  UserHash(r.user),
		Signature: r.signature,
		Text:      r.text,
		CreatedAt: r.created,
		ExpiresAt: r.expires,
	}
	if len(r.meta) > 0 {
		// Best effort: unreadable metadata is dropped, not fatal.
		_ = msgpack.Unmarshal(r.meta, &e.Metadata)
	}
	return e
}

func (b *fileBackend) Put(_ context.Context, req PutRequest) (string, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = b.cfg.defaultTTL
	}
	var meta []byte
	if req.Metadata != nil {
		meta, _ = msgpack.Marshal(req.Metadata)
	}
	now := time.Now()
	id := uuid.NewString()
	if prev, ok := b.live(req.Tenant)[req.Signature]; ok {
		id = prev.id
	}
	b.append(req.Tenant, &fileRecord{
		op:        fileOpPut,
		id:        id,
		signature: req.Signature,
		user:      req.User,
		created:   now,
		expires:   now.Add(ttl),
		text:      truncateRunes(req.Text, b.cfg.maxTextLen),
		meta:      meta,
	})
	return id, nil
}

func (b *fileBackend) Get(_ context.Context, id string, _ time.Duration) (*Entry, error) {
	// No id index; replay every tenant file. This is the disaster path,
	// not a hot path.
	for _, path := range b.tenantFiles() {
		b.mu.Lock()
		var last *fileRecord
		deleted := false
		b.scan(path, func(rec *fileRecord) {
			if rec.id != id {
				return
			}
			switch rec.op {
			case fileOpPut:
				last = rec
				deleted = false
			case fileOpDelete:
				deleted = true
			}
		})
		b.mu.Unlock()
		if last != nil && !deleted && !last.expires.Before(time.Now()) {
			return last.entry(tenantFromPath(path)), nil
		}
	}
	return nil, nil
}

// tenantFromPath recovers only the sanitized tenant name; the original is
// not stored per row. Good enough for the disaster path.
func tenantFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".csv")
	if i := strings.LastIndex(base, "-"); i > 0 {
		return base[:i]
	}
	return base
}

func (b *fileBackend) GetBySignature(_ context.Context, tenant, signature string, _ time.Duration) (*Entry, error) {
	rec, ok := b.live(tenant)[signature]
	if !ok {
		return nil, nil
	}
	return rec.entry(tenant), nil
}

func (b *fileBackend) Delete(_ context.Context, id string) (bool, error) {
	for _, path := range b.tenantFiles() {
		tenant := tenantFromPath(path)
		exists := false
		b.mu.Lock()
		b.scan(path, func(rec *fileRecord) {
			if rec.id == id {
				exists = rec.op == fileOpPut
			}
		})
		b.mu.Unlock()
		if exists {
			b.append(tenant, &fileRecord{op: fileOpDelete, id: id, created: time.Now(), expires: time.Now()})
			return true, nil
		}
	}
	return false, nil
}

func (b *fileBackend) ClearTenant(_ context.Context, tenant string) (int, error) {
	count := len(b.live(tenant))
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.tenantPath(tenant)); err != nil && !os.IsNotExist(err) {
		b.log.Warn("clear tenant %s: %v", tenant, err)
		return 0, nil
	}
	return count, nil
}

// TextSearch is unsupported here; returns an empty result set so callers
// degrade quietly instead of failing.
func (b *fileBackend) TextSearch(_ context.Context, _ TextQuery) (*SearchResults, error) {
	return &SearchResults{}, nil
}

// KNNSearch is unsupported here; returns an empty result set.
func (b *fileBackend) KNNSearch(_ context.Context, _ KNNQuery) (*SearchResults, error) {
	return &SearchResults{}, nil
}

func (b *fileBackend) HealthCheck(_ context.Context) Health {
	return Health{Backend: b.Name(), Connected: true, IndexReady: false, Detail: "degraded: key-value only"}
}

func (b *fileBackend) IndexInfo(_ context.Context) (*IndexInfo, error) {
	info := &IndexInfo{
		Backend: b.Name(),
		Name:    b.dir,
		Tables:  map[string]bool{},
	}
	for _, path := range b.tenantFiles() {
		info.Tables[filepath.Base(path)] = true
	}
	return info, nil
}

func (b *fileBackend) Stats(_ context.Context, tenant string) (*Stats, error) {
	stats := &Stats{Backend: b.Name(), Tenant: tenant}
	if tenant != "" {
		stats.Entries = int64(len(b.live(tenant)))
		return stats, nil
	}
	for _, path := range b.tenantFiles() {
		stats.Entries += int64(len(b.liveFile(path)))
	}
	return stats, nil
}

func (b *fileBackend) Name() string {
	return "file"
}

func (b *fileBackend) Close() error {
	return nil
}
