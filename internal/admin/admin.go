// Package admin exposes the operational API: read-only governance
// snapshots plus the reset operations used for recovery, all behind a
// bearer admin token.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AJaySi/AI-Writer-sub012/internal/cache"
	"github.com/AJaySi/AI-Writer-sub012/internal/records"
	"github.com/AJaySi/AI-Writer-sub012/internal/stats"
	"github.com/AJaySi/AI-Writer-sub012/internal/usage"
	"github.com/AJaySi/AI-Writer-sub012/pkg/ratelimit"
)

var errUnauthorized = errors.New("unauthorized")

// RecorderInfo is the slice of the recorder the admin API reads.
type RecorderInfo interface {
	Stats() records.RecorderStats
}

type Handler struct {
	token    string
	limiter  *ratelimit.Limiter
	backend  cache.Cache
	agg      *stats.Aggregator
	governor *usage.Governor
	recorder RecorderInfo
	now      func() time.Time
}

func NewHandler(token string, limiter *ratelimit.Limiter, backend cache.Cache, agg *stats.Aggregator, governor *usage.Governor, recorder RecorderInfo) *Handler {
	return &Handler{
		token:    token,
		limiter:  limiter,
		backend:  backend,
		agg:      agg,
		governor: governor,
		recorder: recorder,
		now:      time.Now,
	}
}

// Routes returns the token-protected admin router, mounted under
// /admin by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.authorize)

	r.Get("/stats/overview", h.handleOverview)
	r.Get("/stats/endpoints", h.handleEndpoints)
	r.Get("/stats/errors", h.handleErrors)
	r.Get("/health", h.handleHealth)
	r.Get("/cache/stats", h.handleCacheStats)
	r.Get("/ratelimit/stats", h.handleRateLimitStats)
	r.Get("/usage/{userID}", h.handleUserUsage)

	r.Delete("/cache", h.handleCachePurge)
	r.Delete("/ratelimit", h.handleRateLimitReset)
	r.Delete("/stats", h.handleStatsReset)
	r.Delete("/usage/{userID}", h.handleUsageReset)

	return r
}

// authorize gates every admin route. An empty configured token
// disables the API rather than leaving it open.
func (h *Handler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			writeError(w, http.StatusServiceUnavailable, errors.New("admin api disabled: no token configured"))
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+h.token {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	window, err := intQuery(r, "window", 5)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.agg.Snapshot(window))
}

func (h *Handler) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.agg.Endpoints(limit))
}

func (h *Handler) handleErrors(w http.ResponseWriter, r *http.Request) {
	window, err := intQuery(r, "window", 5)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap := h.agg.Snapshot(window)
	writeJSON(w, http.StatusOK, struct {
		GeneratedAt   time.Time           `json:"generated_at"`
		WindowMinutes int                 `json:"window_minutes"`
		Errors        []stats.ErrorSample `json:"errors"`
	}{snap.GeneratedAt, snap.WindowMinutes, snap.RecentErrorSamples})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	window, err := intQuery(r, "window", 5)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap := h.agg.Snapshot(window)
	writeJSON(w, http.StatusOK, struct {
		GeneratedAt    time.Time    `json:"generated_at"`
		WindowMinutes  int          `json:"window_minutes"`
		Health         stats.Health `json:"health"`
		RecentRequests int          `json:"recent_requests"`
		RecentErrors   int          `json:"recent_errors"`
	}{snap.GeneratedAt, snap.WindowMinutes, snap.Health, snap.RecentRequests, snap.RecentErrors})
}

func (h *Handler) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s := h.backend.Stats(r.Context())
	writeJSON(w, http.StatusOK, struct {
		cache.Stats
		HitRate float64 `json:"hit_rate"`
	}{s, s.HitRate()})
}

func (h *Handler) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	s := h.limiter.Stats(h.now())
	writeJSON(w, http.StatusOK, struct {
		ratelimit.Stats
		Limit int `json:"limit"`
	}{s, h.limiter.Limit()})
}

func (h *Handler) handleUserUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	plan := r.URL.Query().Get("plan")
	writeJSON(w, http.StatusOK, struct {
		UserID    string           `json:"user_id"`
		Providers []usage.Snapshot `json:"providers"`
	}{userID, h.governor.UserUsage(r.Context(), userID, plan)})
}

func (h *Handler) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Purge(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	h.limiter.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	h.agg.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUsageReset(w http.ResponseWriter, r *http.Request) {
	if err := h.governor.Reset(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status is the public dashboard-header digest. No token required, no
// per-user data inside.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.agg.Snapshot(5)
	cacheStats := h.backend.Stats(r.Context())
	limiterStats := h.limiter.Stats(h.now())
	recorderStats := h.recorder.Stats()

	writeJSON(w, http.StatusOK, struct {
		Service        string       `json:"service"`
		GeneratedAt    time.Time    `json:"generated_at"`
		Health         stats.Health `json:"health"`
		TotalRequests  int64        `json:"total_requests"`
		RecentErrors   int          `json:"recent_errors"`
		CacheHitRate   float64      `json:"cache_hit_rate"`
		TrackedClients int          `json:"tracked_clients"`
		ActiveBlocks   int          `json:"active_blocks"`
		RecorderQueue  int          `json:"recorder_queue"`
		JournalBacklog int          `json:"journal_backlog"`
	}{
		Service:        "request-governor",
		GeneratedAt:    snap.GeneratedAt,
		Health:         snap.Health,
		TotalRequests:  snap.TotalRequests,
		RecentErrors:   snap.RecentErrors,
		CacheHitRate:   cacheStats.HitRate(),
		TrackedClients: limiterStats.TrackedClients,
		ActiveBlocks:   limiterStats.ActiveBlocks,
		RecorderQueue:  recorderStats.QueueDepth,
		JournalBacklog: recorderStats.PendingSegments,
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid " + name + " parameter")
	}
	return n, nil
}
