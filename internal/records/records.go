// Package records owns the immutable per-request outcome: the model,
// the durable store, the disk journal fallback, and the async
// recorder that moves outcomes off the request path.
package records

import (
	"context"
	"time"
)

// CacheStatus is the tri-state cache outcome of a request.
type CacheStatus string

const (
	CacheHit  CacheStatus = "hit"
	CacheMiss CacheStatus = "miss"
	CacheNone CacheStatus = "none" // request was not evaluated for caching
)

// Record captures one completed request. Created once at completion,
// never updated.
type Record struct {
	ID           string      `json:"id"`
	Timestamp    time.Time   `json:"timestamp"`
	Method       string      `json:"method"`
	Path         string      `json:"path"`
	StatusCode   int         `json:"status_code"`
	DurationMs   float64     `json:"duration_ms"`
	UserID       string      `json:"user_id,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	CacheStatus  CacheStatus `json:"cache_status"`
	RequestSize  int64       `json:"request_size"`
	ResponseSize int64       `json:"response_size"`
	TokensIn     int64       `json:"tokens_in"`
	TokensOut    int64       `json:"tokens_out"`
	CostUSD      float64     `json:"cost_usd"`
}

// IsError reports whether the request terminated with an error status.
func (r Record) IsError() bool {
	return r.StatusCode >= 400
}

// EndpointKey is the aggregation key for statistics.
func (r Record) EndpointKey() string {
	return r.Method + " " + r.Path
}

// LedgerIncrement is the usage delta a completed request adds to the
// (user, provider, period) ledger. RequestID makes applying it
// idempotent.
type LedgerIncrement struct {
	RequestID string  `json:"request_id"`
	UserID    string  `json:"user_id"`
	Provider  string  `json:"provider"`
	Period    string  `json:"period"` // UTC month, YYYY-MM
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Period formats t as a UTC billing period key.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Job is one unit of durable work: the record itself plus the ledger
// increment when the request consumed a metered provider.
type Job struct {
	Record Record           `json:"record"`
	Ledger *LedgerIncrement `json:"ledger,omitempty"`
}

// Store persists jobs. Apply must be idempotent per record ID and per
// ledger request ID so journal replays cannot double-count.
type Store interface {
	Apply(ctx context.Context, job Job) error
}
