// Package stats aggregates per-endpoint request statistics and a
// recent-request window for dashboards and health checks.
package stats

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AJaySi/AI-Writer-sub012/internal/records"
)

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

// Config tunes the aggregator. Zero values fall back to defaults.
type Config struct {
	RecentCapacity int // ring size for the recent-request window
	CriticalErrors int // recent errors at or above this are critical
}

// EndpointStats is the aggregate for one method+path, as reported to
// callers. Derived fields are computed at read time.
type EndpointStats struct {
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ErrorRate     float64   `json:"error_rate"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	MinDurationMs float64   `json:"min_duration_ms"`
	MaxDurationMs float64   `json:"max_duration_ms"`
	CacheHits     int64     `json:"cache_hits"`
	CacheMisses   int64     `json:"cache_misses"`
	CacheHitRate  float64   `json:"cache_hit_rate"`
	LastCalled    time.Time `json:"last_called"`
}

// ErrorSample is one recent failed request.
type ErrorSample struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
}

// Snapshot is a read-only view over the aggregator.
type Snapshot struct {
	GeneratedAt        time.Time       `json:"generated_at"`
	WindowMinutes      int             `json:"window_minutes"`
	TotalRequests      int64           `json:"total_requests"`
	TotalErrors        int64           `json:"total_errors"`
	RecentRequests     int             `json:"recent_requests"`
	RecentErrors       int             `json:"recent_errors"`
	Health             Health          `json:"health"`
	TopEndpoints       []EndpointStats `json:"top_endpoints"`
	RecentErrorSamples []ErrorSample   `json:"recent_error_samples"`
}

type endpoint struct {
	mu            sync.Mutex
	method, path  string
	requests      int64
	errors        int64
	avgDurationMs float64
	minDurationMs float64
	maxDurationMs float64
	cacheHits     int64
	cacheMisses   int64
	lastCalled    time.Time
}

type sample struct {
	ts       time.Time
	status   int
	method   string
	path     string
	provider string
	userID   string
}

// Aggregator accumulates request outcomes. Each endpoint aggregate
// sits behind its own lock, so hot endpoints do not serialize with
// cold ones. Safe for concurrent Record and Snapshot.
type Aggregator struct {
	criticalErrors int
	endpoints      sync.Map // endpoint key -> *endpoint
	totalRequests  atomic.Int64
	totalErrors    atomic.Int64

	ringMu sync.Mutex
	ring   []sample
	next   int
	filled bool

	now func() time.Time
}

func NewAggregator(cfg Config) *Aggregator {
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = 2048
	}
	if cfg.CriticalErrors <= 0 {
		cfg.CriticalErrors = 3
	}
	return &Aggregator{
		criticalErrors: cfg.CriticalErrors,
		ring:           make([]sample, cfg.RecentCapacity),
		now:            time.Now,
	}
}

// Record folds one completed request into the aggregates.
func (a *Aggregator) Record(rec records.Record) {
	a.totalRequests.Add(1)
	if rec.IsError() {
		a.totalErrors.Add(1)
	}

	e := a.endpointFor(rec)
	e.mu.Lock()
	n := float64(e.requests)
	d := rec.DurationMs
	e.avgDurationMs = (e.avgDurationMs*n + d) / (n + 1)
	e.requests++
	if rec.IsError() {
		e.errors++
	}
	if e.requests == 1 || d < e.minDurationMs {
		e.minDurationMs = d
	}
	if d > e.maxDurationMs {
		e.maxDurationMs = d
	}
	switch rec.CacheStatus {
	case records.CacheHit:
		e.cacheHits++
	case records.CacheMiss:
		e.cacheMisses++
	}
	if rec.Timestamp.After(e.lastCalled) {
		e.lastCalled = rec.Timestamp
	}
	e.mu.Unlock()

	a.ringMu.Lock()
	a.ring[a.next] = sample{
		ts:       rec.Timestamp,
		status:   rec.StatusCode,
		method:   rec.Method,
		path:     rec.Path,
		provider: rec.Provider,
		userID:   rec.UserID,
	}
	a.next++
	if a.next == len(a.ring) {
		a.next = 0
		a.filled = true
	}
	a.ringMu.Unlock()

	route := rec.EndpointKey()
	requestsTotal.WithLabelValues(strconv.Itoa(rec.StatusCode), route).Inc()
	requestDurationSeconds.WithLabelValues(route).Observe(rec.DurationMs / 1000)
	if rec.CacheStatus != records.CacheNone {
		cacheOutcomesTotal.WithLabelValues(string(rec.CacheStatus)).Inc()
	}
	if rec.Provider != "" {
		if rec.TokensIn > 0 {
			providerTokens.WithLabelValues(rec.Provider, "in").Observe(float64(rec.TokensIn))
		}
		if rec.TokensOut > 0 {
			providerTokens.WithLabelValues(rec.Provider, "out").Observe(float64(rec.TokensOut))
		}
	}
}

func (a *Aggregator) endpointFor(rec records.Record) *endpoint {
	key := rec.EndpointKey()
	if v, ok := a.endpoints.Load(key); ok {
		return v.(*endpoint)
	}
	e := &endpoint{method: rec.Method, path: rec.Path}
	actual, _ := a.endpoints.LoadOrStore(key, e)
	return actual.(*endpoint)
}

// Snapshot derives recent activity and health for the trailing
// window. It never mutates aggregator state.
func (a *Aggregator) Snapshot(windowMinutes int) Snapshot {
	if windowMinutes <= 0 {
		windowMinutes = 5
	}
	now := a.now()
	cutoff := now.Add(-time.Duration(windowMinutes) * time.Minute)

	a.ringMu.Lock()
	size := a.next
	if a.filled {
		size = len(a.ring)
	}
	recent := make([]sample, size)
	copy(recent, a.ring[:size])
	a.ringMu.Unlock()

	snap := Snapshot{
		GeneratedAt:   now,
		WindowMinutes: windowMinutes,
		TotalRequests: a.totalRequests.Load(),
		TotalErrors:   a.totalErrors.Load(),
	}
	for _, s := range recent {
		if s.ts.Before(cutoff) {
			continue
		}
		snap.RecentRequests++
		if s.status >= 400 {
			snap.RecentErrors++
			snap.RecentErrorSamples = append(snap.RecentErrorSamples, ErrorSample{
				Timestamp:  s.ts,
				Method:     s.method,
				Path:       s.path,
				StatusCode: s.status,
				Provider:   s.provider,
				UserID:     s.userID,
			})
		}
	}
	sort.Slice(snap.RecentErrorSamples, func(i, j int) bool {
		return snap.RecentErrorSamples[i].Timestamp.After(snap.RecentErrorSamples[j].Timestamp)
	})
	if len(snap.RecentErrorSamples) > 20 {
		snap.RecentErrorSamples = snap.RecentErrorSamples[:20]
	}

	switch {
	case snap.RecentErrors == 0:
		snap.Health = HealthHealthy
	case snap.RecentErrors < a.criticalErrors:
		snap.Health = HealthWarning
	default:
		snap.Health = HealthCritical
	}

	snap.TopEndpoints = a.Endpoints(5)
	return snap
}

// Endpoints lists per-endpoint aggregates sorted by traffic. A limit
// of 0 returns everything.
func (a *Aggregator) Endpoints(limit int) []EndpointStats {
	var out []EndpointStats
	a.endpoints.Range(func(_, v any) bool {
		e := v.(*endpoint)
		e.mu.Lock()
		s := EndpointStats{
			Method:        e.method,
			Path:          e.path,
			TotalRequests: e.requests,
			TotalErrors:   e.errors,
			AvgDurationMs: e.avgDurationMs,
			MinDurationMs: e.minDurationMs,
			MaxDurationMs: e.maxDurationMs,
			CacheHits:     e.cacheHits,
			CacheMisses:   e.cacheMisses,
			LastCalled:    e.lastCalled,
		}
		e.mu.Unlock()
		if s.TotalRequests > 0 {
			s.ErrorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
		}
		if evaluated := s.CacheHits + s.CacheMisses; evaluated > 0 {
			s.CacheHitRate = float64(s.CacheHits) / float64(evaluated)
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalRequests == out[j].TotalRequests {
			return out[i].Method+out[i].Path < out[j].Method+out[j].Path
		}
		return out[i].TotalRequests > out[j].TotalRequests
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Reset clears every aggregate and the recent window. Admin use only.
func (a *Aggregator) Reset() {
	a.endpoints.Range(func(k, _ any) bool {
		a.endpoints.Delete(k)
		return true
	})
	a.totalRequests.Store(0)
	a.totalErrors.Store(0)
	a.ringMu.Lock()
	for i := range a.ring {
		a.ring[i] = sample{}
	}
	a.next = 0
	a.filled = false
	a.ringMu.Unlock()
}
