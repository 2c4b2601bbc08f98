package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AJaySi/AI-Writer-sub012/internal/auth"
	"github.com/AJaySi/AI-Writer-sub012/internal/cache"
	"github.com/AJaySi/AI-Writer-sub012/internal/detect"
	"github.com/AJaySi/AI-Writer-sub012/internal/records"
	"github.com/AJaySi/AI-Writer-sub012/internal/stats"
	"github.com/AJaySi/AI-Writer-sub012/internal/usage"
	"github.com/AJaySi/AI-Writer-sub012/pkg/ratelimit"
)

const cacheStoreTimeout = 2 * time.Second

// Enqueuer hands completed-request jobs to the async recorder.
type Enqueuer interface {
	Enqueue(job records.Job)
}

// Config tunes the pipeline's caching policy. The cache itself only
// answers lookups; eligibility lives here.
type Config struct {
	CacheTTL           time.Duration
	CacheMaxEntryBytes int64
	CachePostPaths     []string // deterministic POST endpoints worth caching
}

// Deps are the collaborators the pipeline orchestrates.
type Deps struct {
	Resolver  *auth.Resolver
	Detector  *detect.Detector
	Limiter   *ratelimit.Limiter
	Governor  *usage.Governor
	Cache     cache.Cache // nil disables caching
	Stats     *stats.Aggregator
	Recorder  Enqueuer
	Moderator *Moderator
	Tracer    trace.Tracer
}

// Pipeline runs every request through the governance lifecycle:
// identity, detection, rate gate, usage gate, moderation, cache, then
// the wrapped handler. The outcome is recorded on every path, denials
// included.
type Pipeline struct {
	deps      Deps
	cfg       Config
	postPaths map[string]struct{}
	now       func() time.Time
}

func New(deps Deps, cfg Config) *Pipeline {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.CacheMaxEntryBytes <= 0 {
		cfg.CacheMaxEntryBytes = 1 << 20
	}
	p := &Pipeline{
		deps:      deps,
		cfg:       cfg,
		postPaths: make(map[string]struct{}, len(cfg.CachePostPaths)),
		now:       time.Now,
	}
	for _, path := range cfg.CachePostPaths {
		p.postPaths[path] = struct{}{}
	}
	return p
}

// Middleware mounts the pipeline around next.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.serve(w, r, next)
	})
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	start := p.now()
	requestID := uuid.New().String()

	ctx, span := p.deps.Tracer.Start(r.Context(), "governance.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("http.method", r.Method),
		attribute.String("http.path", r.URL.Path),
	)

	// 1. Resolve who is calling.
	id := p.deps.Resolver.Resolve(r)
	ctx = auth.WithIdentity(ctx, id)
	r = r.WithContext(ctx)
	span.SetAttributes(
		attribute.String("user_id", id.UserID),
		attribute.String("client_id", id.ClientID),
	)

	rec := records.Record{
		ID:          requestID,
		Timestamp:   start,
		Method:      r.Method,
		Path:        r.URL.Path,
		UserID:      id.UserID,
		CacheStatus: records.CacheNone,
	}

	// 2. Read the body once and re-expose it to the handler unchanged.
	body, err := readBody(r)
	if err != nil {
		log.Printf("[governance] body read failed for %s %s (client=%s): %v", r.Method, r.URL.Path, id.ClientID, err)
		writeGate(w, &GateError{Status: http.StatusBadRequest, Code: "invalid_body", Message: "request body could not be read"})
		rec.StatusCode = http.StatusBadRequest
		p.finish(span, rec, nil, start)
		return
	}
	rec.RequestSize = int64(len(body))

	// 3. Classify the external provider this call targets.
	providerID, detected := p.deps.Detector.Detect(r.URL.Path, r.Header.Get("User-Agent"))
	if detected {
		rec.Provider = string(providerID)
		span.SetAttributes(attribute.String("provider", string(providerID)))
	}

	// 4. Rate gate. Headers go out on every response, denied or not.
	decision := p.deps.Limiter.Allow(id.ClientID, start)
	setRateHeaders(w.Header(), decision)
	if !decision.Allowed {
		p.deny(w, r, span, RateLimitExceeded(decision.RetryAfter), id, rec, start)
		return
	}

	// 5. Usage gate, only when there is a user and a metered provider
	// to charge.
	metered := id.UserID != "" && detected
	var estimate usage.TokenEstimate
	if metered {
		estimate = p.deps.Governor.Estimate(body)
		ud := p.deps.Governor.Enforce(ctx, id.UserID, string(providerID), id.Plan, estimate.Tokens)
		if !ud.Allowed {
			p.deny(w, r, span, UsageQuotaExceeded(ud), id, rec, start)
			return
		}
		if ud.Warning {
			w.Header().Set("x-usage-warning", strconv.FormatFloat(ud.Snapshot.UsedPct(), 'f', 0, 64)+"% of plan quota used")
			span.AddEvent("usage_warning")
		}
	}

	// 6. Moderation, when a blocklist is configured.
	if term, blocked := p.deps.Moderator.Check(body); blocked {
		log.Printf("[governance] content blocked on %s %s (client=%s term=%q)", r.Method, r.URL.Path, id.ClientID, term)
		p.deny(w, r, span, ContentBlocked(), id, rec, start)
		return
	}

	// 7. Cache lookup. A backend failure here is a miss, never a 500.
	cacheable := p.cacheEligible(r)
	var key string
	if cacheable {
		key = cache.Key(r.Method, r.URL.Path, r.URL.Query(), bodyForKey(r.Method, body))
		entry, ok, err := p.deps.Cache.Lookup(ctx, key)
		if err != nil {
			perr := &PersistenceError{Op: "cache lookup", Err: err}
			log.Printf("[governance] %v (client=%s endpoint=%s %s)", perr, id.ClientID, r.Method, r.URL.Path)
		}
		if ok {
			span.AddEvent("cache_hit")
			rec.CacheStatus = records.CacheHit
			rec.StatusCode = entry.StatusCode
			rec.ResponseSize = int64(len(entry.Body))
			p.serveCached(w, entry, start)
			p.finish(span, rec, nil, start)
			return
		}
		rec.CacheStatus = records.CacheMiss
		w.Header().Set("x-cache-status", "miss")
	}

	// 8. Forward through the capturing writer. The buffer feeds both
	// the cache write and provider-reported usage extraction.
	var bufferLimit int64
	if cacheable || metered {
		bufferLimit = p.cfg.CacheMaxEntryBytes
	}
	capture := newCapture(w, start, p.now, bufferLimit)

	panicked := false
	func() {
		defer func() {
			if v := recover(); v != nil {
				panicked = true
				log.Printf("[governance] handler panic on %s %s (client=%s): %v\n%s", r.Method, r.URL.Path, id.ClientID, v, debug.Stack())
			}
		}()
		next.ServeHTTP(capture, r)
	}()

	// 9. Settle the terminal status. A handler that died without
	// responding still owes the client a structured answer.
	status := capture.status
	switch {
	case panicked:
		status = http.StatusInternalServerError
		if !capture.wroteHeader {
			writeGate(capture, Downstream(status))
		}
	case status == 0 && r.Context().Err() != nil:
		status = http.StatusGatewayTimeout
		writeGate(capture, Downstream(status))
	case status == 0:
		status = http.StatusOK
	}
	rec.StatusCode = status
	rec.ResponseSize = capture.written

	// 10. Settle usage: provider-reported counts beat the estimate.
	var inc *records.LedgerIncrement
	if metered && !panicked {
		tokensIn, tokensOut := estimate.Tokens, int64(0)
		if respBody, ok := capture.Body(); ok {
			if rep, reported := usage.ExtractReported(respBody); reported {
				tokensIn, tokensOut = rep.TokensIn, rep.TokensOut
			}
		}
		cost := p.deps.Governor.Cost(id.Plan, string(providerID), tokensIn, tokensOut)
		rec.TokensIn = tokensIn
		rec.TokensOut = tokensOut
		rec.CostUSD = cost
		p.deps.Governor.Record(usage.RecordInput{
			RequestID: requestID,
			UserID:    id.UserID,
			Provider:  string(providerID),
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			CostUSD:   cost,
		})
		inc = &records.LedgerIncrement{
			RequestID: requestID,
			UserID:    id.UserID,
			Provider:  string(providerID),
			Period:    records.Period(start),
			Calls:     1,
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			CostUSD:   cost,
		}
	}

	p.finish(span, rec, inc, start)
	p.maybeStore(r, id, cacheable, key, status, capture)
}

// deny writes the gate response and still records the outcome.
func (p *Pipeline) deny(w http.ResponseWriter, r *http.Request, span trace.Span, gerr *GateError, id auth.Identity, rec records.Record, start time.Time) {
	span.AddEvent(gerr.Code)
	log.Printf("[governance] %s on %s %s (client=%s provider=%s)", gerr.Code, r.Method, r.URL.Path, id.ClientID, rec.Provider)
	writeGate(w, gerr)
	rec.StatusCode = gerr.Status
	p.finish(span, rec, nil, start)
}

// finish is the RECORDED stage: every terminal path lands here.
func (p *Pipeline) finish(span trace.Span, rec records.Record, inc *records.LedgerIncrement, start time.Time) {
	rec.DurationMs = float64(p.now().Sub(start)) / float64(time.Millisecond)
	span.SetAttributes(attribute.Int("http.status_code", rec.StatusCode))
	p.deps.Stats.Record(rec)
	p.deps.Recorder.Enqueue(records.Job{Record: rec, Ledger: inc})
}

func (p *Pipeline) serveCached(w http.ResponseWriter, entry *cache.Entry, start time.Time) {
	for k, vs := range entry.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("x-cache-status", "hit")
	elapsed := p.now().Sub(start)
	w.Header().Set("x-response-time", strconv.FormatFloat(float64(elapsed)/float64(time.Millisecond), 'f', 2, 64)+"ms")
	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Body)
}

// maybeStore writes a cacheable response back, fail-open: the client
// already has the response, a storage error only costs the next hit.
func (p *Pipeline) maybeStore(r *http.Request, id auth.Identity, cacheable bool, key string, status int, capture *responseCapture) {
	if !cacheable || status != http.StatusOK {
		return
	}
	if !isJSON(capture.Header().Get("Content-Type")) {
		return
	}
	respBody, ok := capture.Body()
	if !ok || len(respBody) == 0 {
		return
	}
	entry := &cache.Entry{
		StatusCode: status,
		Header:     cacheableHeaders(capture.Header()),
		Body:       append([]byte(nil), respBody...),
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheStoreTimeout)
	defer cancel()
	if err := p.deps.Cache.Store(ctx, key, entry, p.cfg.CacheTTL); err != nil {
		perr := &PersistenceError{Op: "cache store", Err: err}
		log.Printf("[governance] %v (client=%s endpoint=%s %s)", perr, id.ClientID, r.Method, r.URL.Path)
	}
}

func (p *Pipeline) cacheEligible(r *http.Request) bool {
	if p.deps.Cache == nil {
		return false
	}
	switch r.Method {
	case http.MethodGet:
		return true
	case http.MethodPost:
		_, ok := p.postPaths[r.URL.Path]
		return ok
	}
	return false
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// bodyForKey keeps GET keys body-independent; a body only
// distinguishes cached POST responses.
func bodyForKey(method string, body []byte) []byte {
	if method == http.MethodPost {
		return body
	}
	return nil
}

func setRateHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("x-ratelimit-limit", strconv.Itoa(d.Limit))
	h.Set("x-ratelimit-remaining", strconv.Itoa(d.Remaining))
	h.Set("x-ratelimit-reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

type gateBody struct {
	Error      string          `json:"error"`
	Message    string          `json:"message"`
	RetryAfter int64           `json:"retry_after,omitempty"`
	UsageInfo  *usage.Snapshot `json:"usage_info,omitempty"`
}

func writeGate(w http.ResponseWriter, gerr *GateError) {
	w.Header().Set("Content-Type", "application/json")
	var retryAfter int64
	if gerr.RetryAfter > 0 {
		retryAfter = int64(math.Ceil(gerr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
	w.WriteHeader(gerr.Status)
	_ = json.NewEncoder(w).Encode(gateBody{
		Error:      gerr.Code,
		Message:    gerr.Message,
		RetryAfter: retryAfter,
		UsageInfo:  gerr.UsageInfo,
	})
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json")
}

// cacheableHeaders strips the per-request governance headers so a
// replayed hit carries fresh ones.
func cacheableHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		switch http.CanonicalHeaderKey(k) {
		case "X-Ratelimit-Limit", "X-Ratelimit-Remaining", "X-Ratelimit-Reset",
			"X-Cache-Status", "X-Response-Time", "X-Usage-Warning":
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}
