// Package usage meters per-user, per-provider consumption against
// plan quotas. Gate decisions run on an in-memory ledger view; the
// durable ledger is hydrated on first touch and written back through
// the async recorder.
package usage

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/AJaySi/AI-Writer-sub012/internal/records"
)

// Ledger is accumulated consumption for one (user, provider, period).
type Ledger struct {
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

func (l Ledger) add(o Ledger) Ledger {
	return Ledger{
		Calls:     l.Calls + o.Calls,
		TokensIn:  l.TokensIn + o.TokensIn,
		TokensOut: l.TokensOut + o.TokensOut,
		CostUSD:   l.CostUSD + o.CostUSD,
	}
}

// LedgerStore reads and resets the durable ledger. Increments do not
// go through this interface; they ride the async recorder.
type LedgerStore interface {
	FetchPeriod(ctx context.Context, userID, provider, period string) (Ledger, error)
	FetchUser(ctx context.Context, userID, period string) (map[string]Ledger, error)
	ResetPeriod(ctx context.Context, userID, period string) error
}

// Limits are one plan's ceilings and pricing for one provider. A zero
// ceiling means that dimension is uncapped.
type Limits struct {
	Calls         int64
	CostUSD       float64
	PricePer1KIn  float64
	PricePer1KOut float64
}

// PlanSource resolves plan limits. The second result is false when
// the provider is not metered under that plan.
type PlanSource interface {
	Limits(planID, provider string) (Limits, bool)
}

// Deny reasons.
const (
	ReasonCallsExceeded     = "calls_exceeded"
	ReasonCostExceeded      = "cost_exceeded"
	ReasonLedgerUnavailable = "ledger_unavailable"
)

// Snapshot is the usage view attached to decisions and admin reads.
type Snapshot struct {
	UserID       string  `json:"user_id"`
	Provider     string  `json:"provider"`
	Period       string  `json:"period"`
	Plan         string  `json:"plan"`
	Metered      bool    `json:"metered"`
	Calls        int64   `json:"calls_used"`
	CallsLimit   int64   `json:"calls_limit,omitempty"`
	CallsPct     float64 `json:"calls_pct"`
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	CostUSD      float64 `json:"cost_used_usd"`
	CostLimitUSD float64 `json:"cost_limit_usd,omitempty"`
	CostPct      float64 `json:"cost_pct"`
}

// UsedPct is the utilization of the most constrained ceiling.
func (s Snapshot) UsedPct() float64 {
	if s.CallsPct > s.CostPct {
		return s.CallsPct
	}
	return s.CostPct
}

// Decision is the outcome of an enforcement check.
type Decision struct {
	Allowed  bool     `json:"allowed"`
	Reason   string   `json:"reason,omitempty"`
	Warning  bool     `json:"warning,omitempty"`
	Snapshot Snapshot `json:"usage_info"`
}

// RecordInput is the consumption of one completed request.
type RecordInput struct {
	RequestID string
	UserID    string
	Provider  string
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// Config tunes the governor.
type Config struct {
	WarningThresholdPct int // default 80
}

type entry struct {
	mu       sync.Mutex
	hydrated bool
	warned   bool
	base     Ledger // durable snapshot at hydration time
	delta    Ledger // increments applied since
}

// Governor owns the usage gate. Enforcement is fail-closed: a key
// whose durable ledger cannot be read is denied, never waved through.
type Governor struct {
	store     LedgerStore
	plans     PlanSource
	estimator *Estimator
	warnPct   float64
	breaker   *gobreaker.CircuitBreaker
	entries   sync.Map // user|provider|period -> *entry
	seen      *seenSet
	now       func() time.Time
}

func NewGovernor(store LedgerStore, plans PlanSource, estimator *Estimator, cfg Config) *Governor {
	if estimator == nil {
		estimator = NewEstimator(false)
	}
	if cfg.WarningThresholdPct <= 0 {
		cfg.WarningThresholdPct = 80
	}
	settings := gobreaker.Settings{
		Name:        "usage-ledger",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Governor{
		store:     store,
		plans:     plans,
		estimator: estimator,
		warnPct:   float64(cfg.WarningThresholdPct),
		breaker:   gobreaker.NewCircuitBreaker(settings),
		seen:      newSeenSet(8192),
		now:       time.Now,
	}
}

// Estimate delegates to the configured estimator.
func (g *Governor) Estimate(body []byte) TokenEstimate {
	return g.estimator.Estimate(body)
}

// Cost prices a token count under the user's plan. Unmetered
// providers cost nothing.
func (g *Governor) Cost(planID, provider string, tokensIn, tokensOut int64) float64 {
	lim, metered := g.plans.Limits(planID, provider)
	if !metered {
		return 0
	}
	return tokenCost(lim, tokensIn, tokensOut)
}

func tokenCost(lim Limits, in, out int64) float64 {
	return float64(in)/1000*lim.PricePer1KIn + float64(out)/1000*lim.PricePer1KOut
}

// Enforce checks the user's current-period ledger plus the incoming
// request against the plan ceilings. Concurrent checks for one ledger
// key serialize on its entry.
func (g *Governor) Enforce(ctx context.Context, userID, provider, planID string, tokensRequested int64) Decision {
	period := records.Period(g.now())
	lim, metered := g.plans.Limits(planID, provider)

	e := g.entry(ledgerKey(userID, provider, period))
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hydrated {
		if err := g.hydrateLocked(ctx, e, userID, provider, period); err != nil {
			log.Printf("[usage] ledger read failed, denying %s/%s: %v", userID, provider, err)
			return Decision{
				Allowed:  false,
				Reason:   ReasonLedgerUnavailable,
				Snapshot: buildSnapshot(userID, provider, period, planID, Ledger{}, lim, metered),
			}
		}
	}

	cur := e.base.add(e.delta)
	snap := buildSnapshot(userID, provider, period, planID, cur, lim, metered)
	if !metered {
		return Decision{Allowed: true, Snapshot: snap}
	}

	if lim.Calls > 0 && cur.Calls+1 > lim.Calls {
		return Decision{Allowed: false, Reason: ReasonCallsExceeded, Snapshot: snap}
	}
	if lim.CostUSD > 0 && cur.CostUSD+tokenCost(lim, tokensRequested, 0) > lim.CostUSD {
		return Decision{Allowed: false, Reason: ReasonCostExceeded, Snapshot: snap}
	}

	warn := snap.UsedPct() >= g.warnPct
	if warn && !e.warned {
		e.warned = true
		log.Printf("[usage] user %s at %.0f%% of plan %s quota for %s", userID, snap.UsedPct(), planID, provider)
	} else if !warn {
		e.warned = false
	}
	return Decision{Allowed: true, Warning: warn, Snapshot: snap}
}

// Record applies one completed request to the in-memory ledger view.
// A request id that was already recorded is ignored, so calling twice
// for the same request cannot double-count.
func (g *Governor) Record(in RecordInput) {
	if in.UserID == "" || in.Provider == "" {
		return
	}
	if in.RequestID != "" && !g.seen.add(in.RequestID) {
		return
	}
	period := records.Period(g.now())
	e := g.entry(ledgerKey(in.UserID, in.Provider, period))
	e.mu.Lock()
	e.delta.Calls++
	e.delta.TokensIn += in.TokensIn
	e.delta.TokensOut += in.TokensOut
	e.delta.CostUSD += in.CostUSD
	e.mu.Unlock()
}

// UserUsage reports the governor's current-period view for one user.
// Durable rows fill in providers this process has not touched; where
// an in-memory entry exists it wins, since that is what enforcement
// sees.
func (g *Governor) UserUsage(ctx context.Context, userID, planID string) []Snapshot {
	period := records.Period(g.now())
	merged := map[string]Ledger{}

	if g.store != nil {
		v, err := g.breaker.Execute(func() (interface{}, error) {
			cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			return g.store.FetchUser(cctx, userID, period)
		})
		if err != nil {
			log.Printf("[usage] user usage read failed for %s: %v", userID, err)
		} else {
			for provider, l := range v.(map[string]Ledger) {
				merged[provider] = l
			}
		}
	}

	prefix := userID + "|"
	suffix := "|" + period
	g.entries.Range(func(k, v any) bool {
		key := k.(string)
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
			return true
		}
		provider := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
		e := v.(*entry)
		e.mu.Lock()
		if e.hydrated {
			merged[provider] = e.base.add(e.delta)
		} else if _, ok := merged[provider]; !ok {
			merged[provider] = e.delta
		}
		e.mu.Unlock()
		return true
	})

	out := make([]Snapshot, 0, len(merged))
	for provider, l := range merged {
		lim, metered := g.plans.Limits(planID, provider)
		out = append(out, buildSnapshot(userID, provider, period, planID, l, lim, metered))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Reset clears the user's durable ledger for the current period and
// drops the in-memory entries so the next check re-hydrates.
func (g *Governor) Reset(ctx context.Context, userID string) error {
	period := records.Period(g.now())
	if g.store != nil {
		if err := g.store.ResetPeriod(ctx, userID, period); err != nil {
			return fmt.Errorf("failed to reset ledger: %w", err)
		}
	}
	prefix := userID + "|"
	g.entries.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			g.entries.Delete(k)
		}
		return true
	})
	return nil
}

func (g *Governor) entry(key string) *entry {
	if v, ok := g.entries.Load(key); ok {
		return v.(*entry)
	}
	actual, _ := g.entries.LoadOrStore(key, &entry{})
	return actual.(*entry)
}

func (g *Governor) hydrateLocked(ctx context.Context, e *entry, userID, provider, period string) error {
	if g.store == nil {
		e.hydrated = true
		return nil
	}
	v, err := g.breaker.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return g.store.FetchPeriod(cctx, userID, provider, period)
	})
	if err != nil {
		return fmt.Errorf("failed to hydrate ledger: %w", err)
	}
	e.base = v.(Ledger)
	e.hydrated = true
	return nil
}

func ledgerKey(userID, provider, period string) string {
	return userID + "|" + provider + "|" + period
}

func buildSnapshot(userID, provider, period, planID string, l Ledger, lim Limits, metered bool) Snapshot {
	s := Snapshot{
		UserID:    userID,
		Provider:  provider,
		Period:    period,
		Plan:      planID,
		Metered:   metered,
		Calls:     l.Calls,
		TokensIn:  l.TokensIn,
		TokensOut: l.TokensOut,
		CostUSD:   l.CostUSD,
	}
	if !metered {
		return s
	}
	s.CallsLimit = lim.Calls
	s.CostLimitUSD = lim.CostUSD
	if lim.Calls > 0 {
		s.CallsPct = float64(l.Calls) / float64(lim.Calls) * 100
	}
	if lim.CostUSD > 0 {
		s.CostPct = l.CostUSD / lim.CostUSD * 100
	}
	return s
}

// seenSet is a bounded set of request ids, evicting oldest first.
type seenSet struct {
	mu    sync.Mutex
	max   int
	ids   map[string]*list.Element
	order *list.List
}

func newSeenSet(max int) *seenSet {
	if max <= 0 {
		max = 1024
	}
	return &seenSet{max: max, ids: make(map[string]*list.Element), order: list.New()}
}

// add returns false when the id was already present.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = s.order.PushFront(id)
	if s.order.Len() > s.max {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.ids, oldest.Value.(string))
	}
	return true
}
