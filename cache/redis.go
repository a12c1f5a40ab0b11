package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/songline/semcache/logger"
)

// redisBackend implements Backend atop Redis. Each entry is one hash under
// prefix:e:<tenant>:<signature> with native EXPIRE for TTL, plus an
// id alias key (prefix:id:<id>) pointing at the hash so Get-by-id is a
// single lookup. Lexical and KNN search use the RediSearch module
// (FT.CREATE over the hash prefix); when the server lacks the module the
// backend still serves key-value operations and reports index_ready=false.
type redisBackend struct {
	client      *redis.Client
	cfg         config
	log         logger.Logger
	searchReady bool
}

var _ Backend = (*redisBackend)(nil)

// NewRedis returns a Backend backed by Redis. The caller owns the
// redis.Client lifecycle; Close is a no-op on the client. Returns an error
// wrapping ErrCacheUnavailable when the server is unreachable.
func NewRedis(ctx context.Context, client *redis.Client, log logger.Logger, opts ...Option) (Backend, error) {
	cfg := applyOptions(opts)
	b := &redisBackend{
		client: client,
		cfg:    cfg,
		log:    log.WithPrefix("[redis]"),
	}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	if err := client.Ping(qctx).Err(); err != nil {
		return nil, unavailable(err)
	}
	b.searchReady = b.ensureIndex(ctx)
	return b, nil
}

// ensureIndex creates the search index if it does not exist. Returns
// whether the index is usable.
func (b *redisBackend) ensureIndex(ctx context.Context) bool {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()

	schema := []*redis.FieldSchema{
		{FieldName: "text", FieldType: redis.SearchFieldTypeText},
		{FieldName: "tenant", FieldType: redis.SearchFieldTypeTag},
		{FieldName: "user_hash", FieldType: redis.SearchFieldTypeTag},
		{FieldName: "sig", FieldType: redis.SearchFieldTypeTag},
		{FieldName: "expires_at", FieldType: redis.SearchFieldTypeNumeric},
	}
	if b.cfg.dimensions > 0 {
		schema = append(schema, &redis.FieldSchema{
			FieldName: "vec",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				FlatOptions: &redis.FTFlatOptions{
					Type:           "FLOAT32",
					Dim:            b.cfg.dimensions,
					DistanceMetric: "COSINE",
				},
			},
		})
	}

	err := b.client.FTCreate(qctx, b.cfg.indexName, &redis.FTCreateOptions{
		OnHash: true,
		Prefix: []interface{}{b.entryPrefix()},
	}, schema...).Err()
	if err == nil {
		return true
	}
	if strings.Contains(err.Error(), "already exists") {
		return true
	}
	b.log.Warn("search index unavailable, key-value mode only: %v", err)
	return false
}

func (b *redisBackend) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, b.cfg.queryTimeout)
}

func (b *redisBackend) entryPrefix() string {
	if b.cfg.prefix == "" {
		return "semcache:e:"
	}
	return b.cfg.prefix + ":e:"
}

func (b *redisBackend) entryKey(tenant, signature string) string {
	return b.entryPrefix() + tenant + ":" + signature
}

func (b *redisBackend) idKey(id string) string {
	if b.cfg.prefix == "" {
		return "semcache:id:" + id
	}
	return b.cfg.prefix + ":id:" + id
}

// escapeTag escapes RediSearch TAG query syntax characters.
func escapeTag(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case ',', '.', '<', '>', '{', '}', '[', ']', '"', '\'', ':', ';',
			'!', '@', '#', '$', '%', '^', '&', '*', '(', ')', '-', '+',
			'=', '~', '|', ' ', '/', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *redisBackend) Put(ctx context.Context, req PutRequest) (string, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = b.cfg.defaultTTL
	}
	key := b.entryKey(req.Tenant, req.Signature)
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()

	// Refreshing an existing signature keeps its id.
	id, err := b.client.HGet(qctx, key, "id").Result()
	if err == redis.Nil {
		id = uuid.NewString()
	} else if err != nil {
		return "", unavailable(err)
	}

	now := time.Now()
	expires := now.Add(ttl)
	fields := map[string]interface{}{
		"id":         id,
		"tenant":     req.Tenant,
		"user":       req.User,
		"user_hash":  UserHash(req.User),
		"sig":        req.Signature,
		"text":       truncateRunes(req.Text, b.cfg.maxTextLen),
		"created_at": now.Unix(),
		"expires_at": expires.Unix(),
		"dims":       len(req.Embedding),
	}
	if len(req.Embedding) > 0 {
		fields["vec"] = string(encodeVector(req.Embedding))
	}
	if req.Metadata != nil {
		meta, err := msgpack.Marshal(req.Metadata)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		fields["meta"] = string(meta)
	}

	// DEL+HSET inside MULTI/EXEC so the overwrite (value, text, vector)
	// appears atomic to readers and no stale field survives.
	_, err = b.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.Del(qctx, key)
		pipe.HSet(qctx, key, fields)
		pipe.Expire(qctx, key, ttl)
		pipe.Set(qctx, b.idKey(id), key, ttl)
		return nil
	})
	if err != nil {
		return "", unavailable(err)
	}
	return id, nil
}

func (b *redisBackend) Get(ctx context.Context, id string, extendTTL time.Duration) (*Entry, error) {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	key, err := b.client.Get(qctx, b.idKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return b.readEntry(ctx, key, extendTTL)
}

func (b *redisBackend) GetBySignature(ctx context.Context, tenant, signature string, extendTTL time.Duration) (*Entry, error) {
	return b.readEntry(ctx, b.entryKey(tenant, signature), extendTTL)
}

func (b *redisBackend) readEntry(ctx context.Context, key string, extendTTL time.Duration) (*Entry, error) {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	fields, err := b.client.HGetAll(qctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	entry, err := entryFromFields(fields)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	// Redis expires the key natively; the field check covers servers with
	// coarse eviction timing.
	if entry.Expired(now) {
		return nil, nil
	}
	if extendTTL > 0 {
		entry.ExpiresAt = now.Add(extendTTL)
		_, err = b.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(qctx, key, "expires_at", entry.ExpiresAt.Unix())
			pipe.Expire(qctx, key, extendTTL)
			pipe.Expire(qctx, b.idKey(entry.ID), extendTTL)
			return nil
		})
		if err != nil {
			return nil, unavailable(err)
		}
	}
	return entry, nil
}

func entryFromFields(fields map[string]string) (*Entry, error) {
	entry := &Entry{
		ID:        fields["id"],
		Tenant:    fields["tenant"],
		User:      fields["user"],
		UserHash:  fields["user_hash"],
		Signature: fields["sig"],
		Text:      fields["text"],
	}
	if v, ok := fields["created_at"]; ok {
		sec, _ := strconv.ParseInt(v, 10, 64)
		entry.CreatedAt = time.Unix(sec, 0)
	}
	if v, ok := fields["expires_at"]; ok {
		sec, _ := strconv.ParseInt(v, 10, 64)
		entry.ExpiresAt = time.Unix(sec, 0)
	}
	if v, ok := fields["vec"]; ok && v != "" {
		entry.Embedding = decodeVector([]byte(v))
	}
	if v, ok := fields["meta"]; ok && v != "" {
		if err := msgpack.Unmarshal([]byte(v), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("%w: corrupt metadata: %v", ErrSerialization, err)
		}
	}
	return entry, nil
}

func (b *redisBackend) Delete(ctx context.Context, id string) (bool, error) {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	key, err := b.client.Get(qctx, b.idKey(id)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	removed, err := b.client.Del(qctx, key, b.idKey(id)).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return removed > 0, nil
}

func (b *redisBackend) ClearTenant(ctx context.Context, tenant string) (int, error) {
	pattern := b.entryKey(tenant, "*")
	var removed int
	var cursor uint64
	for {
		qctx, cancel := b.queryCtx(ctx)
		keys, next, err := b.client.Scan(qctx, cursor, pattern, 200).Result()
		if err != nil {
			cancel()
			return removed, unavailable(err)
		}
		for _, key := range keys {
			id, _ := b.client.HGet(qctx, key, "id").Result()
			n, err := b.client.Del(qctx, key).Result()
			if err != nil {
				cancel()
				return removed, unavailable(err)
			}
			if id != "" {
				b.client.Del(qctx, b.idKey(id))
			}
			removed += int(n)
		}
		cancel()
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// buildTextQuery quotes each token of the user query so RediSearch query
// syntax characters in the payload cannot break the expression.
func buildTextQuery(query string) string {
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return "*"
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, "") + `"`
	}
	return "(" + strings.Join(quoted, " ") + ")"
}

func (b *redisBackend) TextSearch(ctx context.Context, q TextQuery) (*SearchResults, error) {
	if !b.searchReady {
		return nil, unavailable(fmt.Errorf("search index not available"))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	expr := fmt.Sprintf("@tenant:{%s} @text:%s", escapeTag(q.Tenant), buildTextQuery(q.Query))
	if q.User != "" {
		expr += fmt.Sprintf(" @user_hash:{%s}", escapeTag(UserHash(q.User)))
	}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	res, err := b.client.FTSearchWithArgs(qctx, b.cfg.indexName, expr, &redis.FTSearchOptions{
		WithScores:     true,
		LimitOffset:    q.Offset,
		Limit:          limit,
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return b.collectDocs(res, func(doc redis.Document) float64 {
		if doc.Score != nil {
			return *doc.Score
		}
		return 0
	})
}

func (b *redisBackend) KNNSearch(ctx context.Context, q KNNQuery) (*SearchResults, error) {
	if !b.searchReady {
		return nil, unavailable(fmt.Errorf("search index not available"))
	}
	if b.cfg.dimensions > 0 && len(q.Vector) != b.cfg.dimensions {
		// A query vector of the wrong length can never match stored
		// entries; an empty result is the honest answer.
		return &SearchResults{}, nil
	}
	k := q.K
	if k <= 0 {
		k = 10
	}
	filter := fmt.Sprintf("@tenant:{%s}", escapeTag(q.Tenant))
	if q.User != "" {
		filter += fmt.Sprintf(" @user_hash:{%s}", escapeTag(UserHash(q.User)))
	}
	expr := fmt.Sprintf("(%s)=>[KNN %d @vec $query_vec AS knn_dist]", filter, k)
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	res, err := b.client.FTSearchWithArgs(qctx, b.cfg.indexName, expr, &redis.FTSearchOptions{
		SortBy: []redis.FTSearchSortBy{{FieldName: "knn_dist", Asc: true}},
		Limit:  k,
		Params: map[string]interface{}{
			"query_vec": string(encodeVector(q.Vector)),
		},
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return b.collectDocs(res, func(doc redis.Document) float64 {
		dist, _ := strconv.ParseFloat(doc.Fields["knn_dist"], 64)
		return 1 - dist
	})
}

func (b *redisBackend) collectDocs(res redis.FTSearchResult, score func(redis.Document) float64) (*SearchResults, error) {
	out := &SearchResults{Total: int(res.Total)}
	now := time.Now()
	for _, doc := range res.Docs {
		entry, err := entryFromFields(doc.Fields)
		if err != nil {
			return nil, err
		}
		if entry.Expired(now) {
			out.Total--
			continue
		}
		out.Hits = append(out.Hits, SearchHit{Entry: entry, Score: score(doc)})
	}
	return out, nil
}

func (b *redisBackend) HealthCheck(ctx context.Context) Health {
	h := Health{Backend: b.Name()}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	if err := b.client.Ping(qctx).Err(); err != nil {
		h.Detail = err.Error()
		return h
	}
	h.Connected = true
	if b.searchReady {
		if err := b.client.FTInfo(qctx, b.cfg.indexName).Err(); err == nil {
			h.IndexReady = true
		} else {
			h.Detail = err.Error()
		}
	}
	return h
}

func (b *redisBackend) IndexInfo(ctx context.Context) (*IndexInfo, error) {
	info := &IndexInfo{
		Backend:    b.Name(),
		Name:       b.cfg.indexName,
		Dimensions: b.cfg.dimensions,
		Tables: map[string]bool{
			"keyspace":     true,
			"search_index": b.searchReady,
		},
	}
	if !b.searchReady {
		return info, nil
	}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	res, err := b.client.FTInfo(qctx, b.cfg.indexName).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	info.Documents = int64(res.NumDocs)
	return info, nil
}

func (b *redisBackend) Stats(ctx context.Context, tenant string) (*Stats, error) {
	pattern := b.entryPrefix() + "*"
	if tenant != "" {
		pattern = b.entryKey(tenant, "*")
	}
	stats := &Stats{Backend: b.Name(), Tenant: tenant}
	var cursor uint64
	for {
		qctx, cancel := b.queryCtx(ctx)
		keys, next, err := b.client.Scan(qctx, cursor, pattern, 200).Result()
		if err != nil {
			cancel()
			return nil, unavailable(err)
		}
		for _, key := range keys {
			stats.Entries++
			dims, err := b.client.HGet(qctx, key, "dims").Int()
			if err == nil && dims > 0 {
				stats.WithEmbedding++
			}
		}
		cancel()
		if next == 0 {
			return stats, nil
		}
		cursor = next
	}
}

func (b *redisBackend) Name() string {
	return "redis"
}

// Close is a no-op since the caller owns the redis.Client lifecycle.
func (b *redisBackend) Close() error {
	return nil
}
