// Package env loads the cache subsystem's configuration from environment
// variables. Every knob has a default so a bare process comes up with the
// embedded backend and fault tolerance on.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// Config is the environment-style configuration surface for the cache
// subsystem.
type Config struct {
	// Backend selects the store: "redis", "sqlite" (alias "embedded") or
	// "file" (alias "csv").
	Backend string

	RedisURL   string
	SQLitePath string
	FileDir    string

	// IndexName is the search index name (Redis backend).
	IndexName string
	// KeyPrefix namespaces keys (Redis backend).
	KeyPrefix string

	EmbeddingDim      int
	EmbeddingsEnabled bool
	EmbeddingURL      string
	EmbeddingModel    string
	EmbeddingAPIKey   string

	DefaultTTL    time.Duration
	MaxTextLen    int
	FaultTolerant bool

	HistoryWindow  int
	HistoryDynamic int
	HistoryTTL     time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads the SEMCACHE_* environment and returns the resulting Config.
func Load() Config {
	return Config{
		Backend:    getString("SEMCACHE_BACKEND", "sqlite"),
		RedisURL:   getString("SEMCACHE_REDIS_URL", "redis://localhost:6379"),
		SQLitePath: getString("SEMCACHE_SQLITE_PATH", "semcache.db"),
		FileDir:    getString("SEMCACHE_FILE_DIR", ""),

		IndexName: getString("SEMCACHE_INDEX_NAME", "semcache"),
		KeyPrefix: getString("SEMCACHE_KEY_PREFIX", "semcache"),

		EmbeddingDim:      getInt("SEMCACHE_EMBEDDING_DIM", 1536),
		EmbeddingsEnabled: getBool("SEMCACHE_EMBEDDINGS_ENABLED", false),
		EmbeddingURL:      getString("SEMCACHE_EMBEDDING_URL", ""),
		EmbeddingModel:    getString("SEMCACHE_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingAPIKey:   getString("SEMCACHE_EMBEDDING_API_KEY", ""),

		DefaultTTL:    getDuration("SEMCACHE_DEFAULT_TTL", 24*time.Hour),
		MaxTextLen:    getInt("SEMCACHE_MAX_TEXT_LEN", 0),
		FaultTolerant: getBool("SEMCACHE_FAULT_TOLERANT", true),

		HistoryWindow:  getInt("SEMCACHE_HISTORY_WINDOW", 40),
		HistoryDynamic: getInt("SEMCACHE_HISTORY_DYNAMIC", 2),
		HistoryTTL:     getDuration("SEMCACHE_HISTORY_TTL", 24*time.Hour),

		LogLevel:  getString("SEMCACHE_LOG_LEVEL", "info"),
		LogFormat: getString("SEMCACHE_LOG_FORMAT", "console"),
	}
}

// Validate reports configuration mistakes a typo would cause.
func (c Config) Validate() error {
	switch c.Backend {
	case "redis", "sqlite", "embedded", "file", "csv":
	default:
		return fmt.Errorf("invalid SEMCACHE_BACKEND %q", c.Backend)
	}
	if c.EmbeddingDim < 0 {
		return fmt.Errorf("invalid SEMCACHE_EMBEDDING_DIM %d", c.EmbeddingDim)
	}
	if c.HistoryDynamic < 0 || c.HistoryWindow <= c.HistoryDynamic {
		return fmt.Errorf("history window %d must exceed dynamic tail %d",
			c.HistoryWindow, c.HistoryDynamic)
	}
	if c.EmbeddingsEnabled && c.EmbeddingURL == "" {
		return fmt.Errorf("SEMCACHE_EMBEDDINGS_ENABLED requires SEMCACHE_EMBEDDING_URL")
	}
	return nil
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// getDuration accepts human-friendly durations such as "24h", "1d12h" or
// "90m".
func getDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := str2duration.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}
