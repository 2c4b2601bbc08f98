// Package ratelimit provides sliding-window admission control with
// temporary cooldown blocks.
package ratelimit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls limiter behavior. Zero values fall back to defaults.
type Config struct {
	Limit      int           // admissions allowed per trailing window
	Window     time.Duration // trailing window length
	Cooldown   time.Duration // block duration after a violation
	MaxClients int           // tracked-client bound, 0 means unbounded
}

// DefaultConfig returns the stock limiter configuration.
func DefaultConfig() Config {
	return Config{
		Limit:      150,
		Window:     10 * time.Second,
		Cooldown:   60 * time.Second,
		MaxClients: 10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxClients < 0 {
		c.MaxClients = 0
	}
	return c
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Stats is a point-in-time view of limiter state.
type Stats struct {
	TrackedClients int   `json:"tracked_clients"`
	ActiveBlocks   int   `json:"active_blocks"`
	TotalBlocks    int64 `json:"total_blocks"`
}

// Limiter admits requests per client using a sliding window. A client
// that fills its window is blocked for the full cooldown, independent
// of the window length, so probing the boundary costs a violation.
type Limiter struct {
	cfg     Config
	clients sync.Map // clientID -> *client
	tracked atomic.Int64
	blocks  atomic.Int64
}

type client struct {
	mu           sync.Mutex
	window       []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
	gone         bool // set by Sweep after removal from the map
}

// NewLimiter constructs a Limiter.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{cfg: cfg.withDefaults()}
}

// Allow runs the admission check for clientID at the given instant.
// Checks for the same client serialize on the client entry, so two
// concurrent requests can never both take the last window slot.
func (l *Limiter) Allow(clientID string, now time.Time) Decision {
	for {
		c := l.getOrCreate(clientID)
		c.mu.Lock()
		if c.gone {
			c.mu.Unlock()
			continue
		}
		d := l.allowLocked(c, now)
		c.mu.Unlock()
		return d
	}
}

func (l *Limiter) allowLocked(c *client, now time.Time) Decision {
	// Per-client clock must not run backwards.
	if now.Before(c.lastSeen) {
		now = c.lastSeen
	}
	c.lastSeen = now

	if !c.blockedUntil.IsZero() {
		if now.Before(c.blockedUntil) {
			return Decision{
				Allowed:    false,
				Limit:      l.cfg.Limit,
				Remaining:  0,
				RetryAfter: c.blockedUntil.Sub(now),
				ResetAt:    c.blockedUntil,
			}
		}
		c.blockedUntil = time.Time{}
	}

	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(c.window) && !c.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}

	if len(c.window) >= l.cfg.Limit {
		c.blockedUntil = now.Add(l.cfg.Cooldown)
		l.blocks.Add(1)
		return Decision{
			Allowed:    false,
			Limit:      l.cfg.Limit,
			Remaining:  0,
			RetryAfter: l.cfg.Cooldown,
			ResetAt:    c.blockedUntil,
		}
	}

	c.window = append(c.window, now)
	return Decision{
		Allowed:   true,
		Limit:     l.cfg.Limit,
		Remaining: l.cfg.Limit - len(c.window),
		ResetAt:   c.window[0].Add(l.cfg.Window),
	}
}

func (l *Limiter) getOrCreate(clientID string) *client {
	if v, ok := l.clients.Load(clientID); ok {
		return v.(*client)
	}
	c := &client{}
	actual, loaded := l.clients.LoadOrStore(clientID, c)
	if !loaded {
		l.tracked.Add(1)
	}
	return actual.(*client)
}

// Sweep drops clients whose window is empty and whose block has
// expired, then enforces the MaxClients bound by evicting the least
// recently seen clients. Returns the number of clients removed.
func (l *Limiter) Sweep(now time.Time) int {
	type survivor struct {
		id       string
		c        *client
		lastSeen time.Time
	}

	removed := 0
	var kept []survivor
	l.clients.Range(func(k, v any) bool {
		id := k.(string)
		c := v.(*client)
		c.mu.Lock()
		cutoff := now.Add(-l.cfg.Window)
		i := 0
		for i < len(c.window) && !c.window[i].After(cutoff) {
			i++
		}
		if i > 0 {
			c.window = append(c.window[:0], c.window[i:]...)
		}
		if !c.blockedUntil.IsZero() && !now.Before(c.blockedUntil) {
			c.blockedUntil = time.Time{}
		}
		idle := len(c.window) == 0 && c.blockedUntil.IsZero()
		if idle {
			c.gone = true
			l.clients.Delete(id)
			l.tracked.Add(-1)
			removed++
		} else {
			kept = append(kept, survivor{id: id, c: c, lastSeen: c.lastSeen})
		}
		c.mu.Unlock()
		return true
	})

	if l.cfg.MaxClients > 0 && len(kept) > l.cfg.MaxClients {
		sort.Slice(kept, func(i, j int) bool { return kept[i].lastSeen.Before(kept[j].lastSeen) })
		for _, s := range kept[:len(kept)-l.cfg.MaxClients] {
			s.c.mu.Lock()
			s.c.gone = true
			l.clients.Delete(s.id)
			l.tracked.Add(-1)
			removed++
			s.c.mu.Unlock()
		}
	}
	return removed
}

// SweepLoop runs Sweep on the given interval until stop is closed.
func (l *Limiter) SweepLoop(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case t := <-ticker.C:
			l.Sweep(t)
		case <-stop:
			return
		}
	}
}

// Stats reports tracked clients and block counters.
func (l *Limiter) Stats(now time.Time) Stats {
	s := Stats{
		TrackedClients: int(l.tracked.Load()),
		TotalBlocks:    l.blocks.Load(),
	}
	l.clients.Range(func(_, v any) bool {
		c := v.(*client)
		c.mu.Lock()
		if !c.blockedUntil.IsZero() && now.Before(c.blockedUntil) {
			s.ActiveBlocks++
		}
		c.mu.Unlock()
		return true
	})
	return s
}

// Reset discards all per-client state. Block totals are kept.
func (l *Limiter) Reset() {
	l.clients.Range(func(k, v any) bool {
		c := v.(*client)
		c.mu.Lock()
		c.gone = true
		c.mu.Unlock()
		l.clients.Delete(k)
		l.tracked.Add(-1)
		return true
	})
}

// Limit returns the configured per-window admission limit.
func (l *Limiter) Limit() int {
	return l.cfg.Limit
}
