// Package governance wires the request gates into one middleware: it
// detects the provider, admits or denies against the rate limit and
// the usage quota, serves cached responses, and records every outcome.
package governance

import (
	"fmt"
	"time"

	"github.com/AJaySi/AI-Writer-sub012/internal/usage"
)

// Denial codes. These are the machine-readable reasons a client can
// receive from this layer.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeUsageQuotaExceeded = "usage_quota_exceeded"
	CodeContentBlocked     = "content_blocked"
	CodeDownstreamError    = "downstream_error"
)

// GateError is a terminal governance outcome: the HTTP status plus the
// JSON payload the pipeline writes. A request that trips a gate never
// reaches the wrapped handler, and a gate denial is never a 500.
type GateError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration   // > 0 when the denial is retryable
	UsageInfo  *usage.Snapshot // set for quota denials
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RateLimitExceeded denies with the cooldown the client has to sit out.
func RateLimitExceeded(retryAfter time.Duration) *GateError {
	return &GateError{
		Status:     429,
		Code:       CodeRateLimitExceeded,
		Message:    "too many requests, slow down",
		RetryAfter: retryAfter,
	}
}

// UsageQuotaExceeded denies with the usage snapshot so the client can
// show how much of the plan is consumed. Retryable next billing period.
func UsageQuotaExceeded(d usage.Decision) *GateError {
	snap := d.Snapshot
	msg := "plan quota exceeded for this billing period"
	if d.Reason == usage.ReasonLedgerUnavailable {
		msg = "usage ledger unavailable, request denied"
	}
	return &GateError{
		Status:    429,
		Code:      CodeUsageQuotaExceeded,
		Message:   msg,
		UsageInfo: &snap,
	}
}

// ContentBlocked denies moderated content. Not retryable without
// editing the request, so no retry hint is attached.
func ContentBlocked() *GateError {
	return &GateError{
		Status:  403,
		Code:    CodeContentBlocked,
		Message: "request blocked by content policy",
	}
}

// Downstream builds the synthetic termination recorded when the
// wrapped handler fails without producing a response: 500 for a panic,
// 504 for a timeout or client disconnect.
func Downstream(status int) *GateError {
	msg := "internal server error"
	if status == 504 {
		msg = "upstream handler timed out"
	}
	return &GateError{
		Status:  status,
		Code:    CodeDownstreamError,
		Message: msg,
	}
}

// PersistenceError marks a storage failure inside the pipeline. Cache
// and stats storage are fail-open: the error is logged with request
// context and the response is unaffected.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
