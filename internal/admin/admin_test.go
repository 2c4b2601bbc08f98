package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AJaySi/AI-Writer-sub012/internal/cache"
	"github.com/AJaySi/AI-Writer-sub012/internal/records"
	"github.com/AJaySi/AI-Writer-sub012/internal/stats"
	"github.com/AJaySi/AI-Writer-sub012/internal/usage"
	"github.com/AJaySi/AI-Writer-sub012/pkg/ratelimit"
)

const testToken = "admin-secret"

type stubRecorder struct {
	stats records.RecorderStats
}

func (s stubRecorder) Stats() records.RecorderStats { return s.stats }

type testPlans struct{}

func (testPlans) Limits(planID, provider string) (usage.Limits, bool) {
	return usage.Limits{Calls: 100, CostUSD: 50, PricePer1KIn: 0.5, PricePer1KOut: 1.5}, true
}

func newTestHandler(token string) *Handler {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Limit: 5, Window: 10 * time.Second, Cooldown: time.Minute})
	backend := cache.NewMemory(16)
	agg := stats.NewAggregator(stats.Config{})
	gov := usage.NewGovernor(nil, testPlans{}, nil, usage.Config{})
	rec := stubRecorder{records.RecorderStats{QueueDepth: 3, PendingSegments: 1}}
	return NewHandler(token, limiter, backend, agg, gov, rec)
}

func doAdmin(h *Handler, method, target, token string) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.Mount("/admin", h.Routes())
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func seedStats(h *Handler) {
	h.agg.Record(records.Record{
		ID: "r1", Timestamp: time.Now(), Method: "GET", Path: "/api/posts",
		StatusCode: 200, DurationMs: 12.5, CacheStatus: records.CacheMiss,
	})
	h.agg.Record(records.Record{
		ID: "r2", Timestamp: time.Now(), Method: "POST", Path: "/api/writer/generate",
		StatusCode: 502, DurationMs: 80.0, Provider: "gemini", UserID: "alice",
		CacheStatus: records.CacheNone,
	})
}

func TestAdmin_RejectsBadToken(t *testing.T) {
	h := newTestHandler(testToken)

	rec := doAdmin(h, http.MethodGet, "/admin/stats/overview", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	rec = doAdmin(h, http.MethodGet, "/admin/stats/overview", "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong token, got %d", rec.Code)
	}

	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	if body.Error != "unauthorized" {
		t.Errorf("Expected unauthorized error, got %q", body.Error)
	}
}

func TestAdmin_DisabledWithoutConfiguredToken(t *testing.T) {
	h := newTestHandler("")

	rec := doAdmin(h, http.MethodGet, "/admin/stats/overview", "anything")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when no admin token is configured, got %d", rec.Code)
	}
}

func TestAdmin_Overview(t *testing.T) {
	h := newTestHandler(testToken)
	seedStats(h)

	rec := doAdmin(h, http.MethodGet, "/admin/stats/overview", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var snap stats.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.TotalRequests != 2 {
		t.Errorf("Expected 2 total requests, got %d", snap.TotalRequests)
	}
	if snap.RecentErrors != 1 {
		t.Errorf("Expected 1 recent error, got %d", snap.RecentErrors)
	}
	if snap.Health != stats.HealthWarning {
		t.Errorf("Expected warning health, got %q", snap.Health)
	}
}

func TestAdmin_EndpointsRespectsLimit(t *testing.T) {
	h := newTestHandler(testToken)
	for _, path := range []string{"/api/a", "/api/b", "/api/c"} {
		h.agg.Record(records.Record{
			ID: path, Timestamp: time.Now(), Method: "GET", Path: path,
			StatusCode: 200, DurationMs: 5, CacheStatus: records.CacheNone,
		})
	}

	rec := doAdmin(h, http.MethodGet, "/admin/stats/endpoints?limit=2", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var rows []stats.EndpointStats
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("Failed to decode endpoint rows: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Expected 2 rows, got %d", len(rows))
	}
}

func TestAdmin_InvalidQueryRejected(t *testing.T) {
	h := newTestHandler(testToken)

	for _, target := range []string{
		"/admin/stats/overview?window=abc",
		"/admin/stats/endpoints?limit=0",
		"/admin/health?window=-3",
	} {
		rec := doAdmin(h, http.MethodGet, target, testToken)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestAdmin_Errors(t *testing.T) {
	h := newTestHandler(testToken)
	seedStats(h)

	rec := doAdmin(h, http.MethodGet, "/admin/stats/errors", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		WindowMinutes int                 `json:"window_minutes"`
		Errors        []stats.ErrorSample `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode errors body: %v", err)
	}
	if body.WindowMinutes != 5 {
		t.Errorf("Expected default window 5, got %d", body.WindowMinutes)
	}
	if len(body.Errors) != 1 {
		t.Fatalf("Expected 1 error sample, got %d", len(body.Errors))
	}
	if body.Errors[0].StatusCode != 502 || body.Errors[0].Provider != "gemini" {
		t.Errorf("Unexpected error sample: %+v", body.Errors[0])
	}
}

func TestAdmin_CacheStatsAndPurge(t *testing.T) {
	h := newTestHandler(testToken)
	ctx := context.Background()

	entry := &cache.Entry{StatusCode: 200, Body: []byte(`{"ok":true}`), InsertedAt: time.Now()}
	if err := h.backend.Store(ctx, "key1", entry, time.Minute); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, ok, _ := h.backend.Lookup(ctx, "key1"); !ok {
		t.Fatal("Expected a cache hit before purge")
	}

	rec := doAdmin(h, http.MethodGet, "/admin/cache/stats", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var cs struct {
		Backend string  `json:"backend"`
		Entries int64   `json:"entries"`
		Hits    int64   `json:"hits"`
		HitRate float64 `json:"hit_rate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &cs); err != nil {
		t.Fatalf("Failed to decode cache stats: %v", err)
	}
	if cs.Backend != "memory" || cs.Entries != 1 || cs.Hits != 1 {
		t.Errorf("Unexpected cache stats: %+v", cs)
	}
	if cs.HitRate != 1.0 {
		t.Errorf("Expected hit rate 1.0, got %f", cs.HitRate)
	}

	rec = doAdmin(h, http.MethodDelete, "/admin/cache", testToken)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 on purge, got %d", rec.Code)
	}
	if _, ok, _ := h.backend.Lookup(ctx, "key1"); ok {
		t.Error("Expected purge to drop the entry")
	}
}

func TestAdmin_RateLimitStatsAndReset(t *testing.T) {
	h := newTestHandler(testToken)
	now := time.Now()
	h.limiter.Allow("client-1", now)
	h.limiter.Allow("client-1", now)

	rec := doAdmin(h, http.MethodGet, "/admin/ratelimit/stats", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var ls struct {
		TrackedClients int `json:"tracked_clients"`
		Limit          int `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ls); err != nil {
		t.Fatalf("Failed to decode limiter stats: %v", err)
	}
	if ls.TrackedClients != 1 {
		t.Errorf("Expected 1 tracked client, got %d", ls.TrackedClients)
	}
	if ls.Limit != 5 {
		t.Errorf("Expected limit 5, got %d", ls.Limit)
	}

	rec = doAdmin(h, http.MethodDelete, "/admin/ratelimit", testToken)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 on reset, got %d", rec.Code)
	}
	if got := h.limiter.Stats(time.Now()).TrackedClients; got != 0 {
		t.Errorf("Expected 0 tracked clients after reset, got %d", got)
	}
}

func TestAdmin_UserUsageAndReset(t *testing.T) {
	h := newTestHandler(testToken)
	h.governor.Record(usage.RecordInput{
		RequestID: "req-1", UserID: "alice", Provider: "gemini",
		TokensIn: 100, TokensOut: 200, CostUSD: 0.35,
	})

	rec := doAdmin(h, http.MethodGet, "/admin/usage/alice", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		UserID    string           `json:"user_id"`
		Providers []usage.Snapshot `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode usage body: %v", err)
	}
	if body.UserID != "alice" {
		t.Errorf("Expected user alice, got %q", body.UserID)
	}
	if len(body.Providers) != 1 {
		t.Fatalf("Expected 1 provider snapshot, got %d", len(body.Providers))
	}
	if body.Providers[0].Provider != "gemini" || body.Providers[0].Calls != 1 {
		t.Errorf("Unexpected snapshot: %+v", body.Providers[0])
	}

	rec = doAdmin(h, http.MethodDelete, "/admin/usage/alice", testToken)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 on usage reset, got %d", rec.Code)
	}
	if got := h.governor.UserUsage(context.Background(), "alice", ""); len(got) != 0 {
		t.Errorf("Expected no usage after reset, got %+v", got)
	}
}

func TestAdmin_StatsReset(t *testing.T) {
	h := newTestHandler(testToken)
	seedStats(h)

	rec := doAdmin(h, http.MethodDelete, "/admin/stats", testToken)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}

	rec = doAdmin(h, http.MethodGet, "/admin/stats/overview", testToken)
	var snap stats.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.TotalRequests != 0 {
		t.Errorf("Expected 0 total requests after reset, got %d", snap.TotalRequests)
	}
}

func TestStatus_PublicDigest(t *testing.T) {
	h := newTestHandler(testToken)
	seedStats(h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 without a token, got %d", rec.Code)
	}
	var body struct {
		Service       string `json:"service"`
		Health        string `json:"health"`
		TotalRequests int64  `json:"total_requests"`
		RecorderQueue int    `json:"recorder_queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode status digest: %v", err)
	}
	if body.Service != "request-governor" {
		t.Errorf("Unexpected service name %q", body.Service)
	}
	if body.TotalRequests != 2 {
		t.Errorf("Expected 2 total requests, got %d", body.TotalRequests)
	}
	if body.RecorderQueue != 3 {
		t.Errorf("Expected recorder queue 3, got %d", body.RecorderQueue)
	}
}
