// Package cache stores governed responses under stable request keys.
// Eligibility (which requests may be cached) is the pipeline's call;
// backends only answer lookups and writes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// Entry is a cached response. Immutable once stored.
type Entry struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	InsertedAt time.Time   `json:"inserted_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (e *Entry) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (e *Entry) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, e)
}

// Stats counts cache activity since startup.
type Stats struct {
	Backend   string `json:"backend"`
	Entries   int64  `json:"entries"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Stores    int64  `json:"stores"`
	Evictions int64  `json:"evictions"`
}

// HitRate returns hits/(hits+misses), 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the backend contract. Lookup returns (nil, false, nil) for
// a miss; an expired entry is a miss. Store overwrites.
type Cache interface {
	Lookup(ctx context.Context, key string) (*Entry, bool, error)
	Store(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Purge(ctx context.Context) error
	Stats(ctx context.Context) Stats
}

// Key derives the stable cache key for a request: SHA-256 over
// method | path | sorted query | SHA-256(body). The body segment is
// present only when a body participates in eligibility.
func Key(method, path string, query url.Values, body []byte) string {
	h := sha256.New()
	io.WriteString(h, method)
	h.Write([]byte{'|'})
	io.WriteString(h, path)
	h.Write([]byte{'|'})

	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, v := range values {
			io.WriteString(h, name)
			h.Write([]byte{'='})
			io.WriteString(h, v)
			h.Write([]byte{'&'})
		}
	}

	if len(body) > 0 {
		sum := sha256.Sum256(body)
		h.Write([]byte{'|'})
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
