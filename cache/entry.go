package cache

import (
	"time"
)

// Entry is the unit of storage. Entries are scoped to a tenant and
// deduplicated by (tenant, Signature): a second Put with the same signature
// refreshes the entry instead of creating a duplicate.
type Entry struct {
	// ID is an opaque unique identifier, generated on first write and
	// stable for the entry's lifetime (a refreshing Put keeps it).
	ID string `json:"id"`
	// Tenant is the namespace. All operations are scoped to one tenant;
	// tenants never see each other's data.
	Tenant string `json:"tenant"`
	// User is an optional scoping key within a tenant, stored in cleartext
	// for range queries.
	User string `json:"user,omitempty"`
	// UserHash is a stable one-way hash of User for privacy-preserving
	// grouping. Hashing the same user always yields the same value.
	UserHash string `json:"user_hash,omitempty"`
	// Signature is the caller-supplied deduplication key, unique within
	// (Tenant, Signature).
	Signature string `json:"signature"`
	// Text is the cached payload. Non-string payloads are canonicalized to
	// JSON before storage so full-text search always operates on text.
	Text string `json:"text"`
	// Embedding is an optional fixed-length vector, present only when the
	// embedding provider succeeded.
	Embedding []float32 `json:"embedding,omitempty"`
	// Metadata is opaque structured side-data, not indexed, returned
	// verbatim on read.
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// PutRequest describes a single write.
type PutRequest struct {
	Tenant    string
	User      string
	Signature string
	// Text is the payload. Use CanonicalText to serialize non-string
	// payloads before constructing the request.
	Text      string
	Embedding []float32
	Metadata  map[string]interface{}
	// TTL of the entry. When <= 0 the backend's configured default is used.
	TTL time.Duration
}

// TextQuery describes a ranked lexical search over stored text.
type TextQuery struct {
	Tenant string
	Query  string
	// User optionally restricts hits to one user scope (matched against
	// the stored user hash).
	User   string
	Limit  int
	Offset int
}

// KNNQuery describes a nearest-neighbor search over stored embeddings.
type KNNQuery struct {
	Tenant string
	Vector []float32
	K      int
	User   string
}

// SearchHit is a single ranked result.
type SearchHit struct {
	Entry *Entry `json:"entry"`
	// Score is backend-defined but consistently ordered: higher is better.
	// For KNN it is a similarity in [0, 1].
	Score float64 `json:"score"`
}

// SearchResults is the ranked result set for a search operation.
type SearchResults struct {
	// Total is the number of matching entries before Limit/Offset was
	// applied.
	Total int         `json:"total"`
	Hits  []SearchHit `json:"hits"`
}

// Health describes a backend's reachability and index state.
type Health struct {
	Backend    string `json:"backend"`
	Connected  bool   `json:"connected"`
	IndexReady bool   `json:"index_ready"`
	Detail     string `json:"detail,omitempty"`
}

// IndexInfo reports which physical structures back the cache, for
// diagnostics.
type IndexInfo struct {
	Backend    string          `json:"backend"`
	Name       string          `json:"name"`
	Dimensions int             `json:"dimensions"`
	Documents  int64           `json:"documents"`
	Tables     map[string]bool `json:"tables,omitempty"`
}

// Stats reports entry counts, optionally scoped to one tenant.
type Stats struct {
	Backend string `json:"backend"`
	Tenant  string `json:"tenant,omitempty"`
	// Entries counts live (unexpired) entries.
	Entries int64 `json:"entries"`
	// WithEmbedding counts live entries that carry a vector.
	WithEmbedding int64 `json:"with_embedding"`
	// Expired counts entries past their TTL whose physical deletion is
	// still deferred. Zero for backends with native expiry.
	Expired int64 `json:"expired"`
}
