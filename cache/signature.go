package cache

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Signature parts are joined with a unit separator before hashing so that
// ("ab","c") and ("a","bc") never collide.
const signatureSep = "\x1f"

// Signature computes a stable deduplication key from its parts. The same
// parts always produce the same signature, across processes and restarts
// (a fixed-algorithm digest, never a process-seeded hash).
func Signature(parts ...string) string {
	d := xxhash.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = d.WriteString(signatureSep)
		}
		_, _ = d.WriteString(p)
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// UserHash computes the stable one-way hash stored next to the cleartext
// user key. Determinism is the load-bearing property: the same user value
// always yields the same hash. Empty users hash to empty.
func UserHash(user string) string {
	if user == "" {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64String("user:"+user), 16)
}

// CanonicalText serializes a payload to the canonical textual form stored
// in the cache. Strings pass through unchanged; everything else is
// JSON-encoded so that full-text search always operates on text. A payload
// that cannot be encoded returns ErrSerialization.
func CanonicalText(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return string(buf), nil
}

// truncateRunes caps s at n runes without cutting a multi-byte character
// in half. n <= 0 means no cap.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
