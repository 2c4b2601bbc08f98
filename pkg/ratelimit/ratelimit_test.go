package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAllow_BurstThenCooldown(t *testing.T) {
	l := NewLimiter(Config{Limit: 150, Window: 10 * time.Second, Cooldown: 60 * time.Second})
	now := time.Now()

	for i := 0; i < 150; i++ {
		d := l.Allow("client-a", now.Add(time.Duration(i)*time.Millisecond))
		if !d.Allowed {
			t.Fatalf("request %d: expected allow, got deny", i+1)
		}
		if d.Remaining != 150-(i+1) {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, d.Remaining, 150-(i+1))
		}
	}

	d := l.Allow("client-a", now.Add(200*time.Millisecond))
	if d.Allowed {
		t.Fatal("request 151: expected deny")
	}
	if d.RetryAfter != 60*time.Second {
		t.Fatalf("request 151: retry after = %v, want 60s", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Fatalf("request 151: remaining = %d, want 0", d.Remaining)
	}
}

func TestAllow_DuringCooldown(t *testing.T) {
	l := NewLimiter(Config{Limit: 5, Window: 10 * time.Second, Cooldown: 60 * time.Second})
	now := time.Now()

	for i := 0; i < 5; i++ {
		l.Allow("c", now)
	}
	if d := l.Allow("c", now); d.Allowed {
		t.Fatal("expected violation to start cooldown")
	}

	// 30s into the block only the remainder is reported.
	d := l.Allow("c", now.Add(30*time.Second))
	if d.Allowed {
		t.Fatal("expected deny during cooldown")
	}
	if d.RetryAfter != 30*time.Second {
		t.Fatalf("retry after = %v, want 30s", d.RetryAfter)
	}

	// The block outlives the window: the slots drained 20s ago but the
	// client stays denied until the full cooldown elapses.
	if d := l.Allow("c", now.Add(59*time.Second)); d.Allowed {
		t.Fatal("expected deny just before cooldown expiry")
	}
	d = l.Allow("c", now.Add(61*time.Second))
	if !d.Allowed {
		t.Fatal("expected allow after cooldown expiry")
	}
	if d.Remaining != 4 {
		t.Fatalf("remaining after recovery = %d, want 4", d.Remaining)
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	l := NewLimiter(Config{Limit: 3, Window: 10 * time.Second, Cooldown: time.Minute})
	now := time.Now()

	l.Allow("c", now)
	l.Allow("c", now.Add(1*time.Second))
	l.Allow("c", now.Add(2*time.Second))

	// Window full at t=5s.
	if d := l.Allow("c", now.Add(5*time.Second)); d.Allowed {
		t.Fatal("expected deny with full window")
	}

	// Cooldown expires at t=65s and every slot left the window long
	// ago, so admissions resume.
	for i := 0; i < 3; i++ {
		if d := l.Allow("c", now.Add(time.Duration(65+i)*time.Second)); !d.Allowed {
			t.Fatalf("post-cooldown request %d denied", i+1)
		}
	}
}

func TestAllow_OldEntriesEvicted(t *testing.T) {
	l := NewLimiter(Config{Limit: 2, Window: 10 * time.Second, Cooldown: time.Minute})
	now := time.Now()

	l.Allow("c", now)
	l.Allow("c", now.Add(8*time.Second))

	// t=10.5s: the t=0 slot is out of the window, one slot free.
	d := l.Allow("c", now.Add(10500*time.Millisecond))
	if !d.Allowed {
		t.Fatal("expected allow after oldest slot expired")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", d.Remaining)
	}
	if want := now.Add(18 * time.Second); !d.ResetAt.Equal(want) {
		t.Fatalf("reset at = %v, want %v", d.ResetAt, want)
	}
}

func TestAllow_ClientsIndependent(t *testing.T) {
	l := NewLimiter(Config{Limit: 1, Window: 10 * time.Second, Cooldown: time.Minute})
	now := time.Now()

	if d := l.Allow("a", now); !d.Allowed {
		t.Fatal("client a first request denied")
	}
	if d := l.Allow("a", now); d.Allowed {
		t.Fatal("client a second request allowed")
	}
	if d := l.Allow("b", now); !d.Allowed {
		t.Fatal("client b must not inherit client a's block")
	}
}

func TestAllow_ClockNeverRunsBackwards(t *testing.T) {
	l := NewLimiter(Config{Limit: 2, Window: 10 * time.Second, Cooldown: time.Minute})
	now := time.Now()

	l.Allow("c", now)
	l.Allow("c", now.Add(5*time.Second))
	if d := l.Allow("c", now.Add(6*time.Second)); d.Allowed {
		t.Fatal("expected deny with full window")
	}

	// A stale timestamp must not shorten the block.
	d := l.Allow("c", now.Add(2*time.Second))
	if d.Allowed {
		t.Fatal("expected deny for stale timestamp during cooldown")
	}
	if d.RetryAfter != 60*time.Second {
		t.Fatalf("retry after = %v, want full 60s", d.RetryAfter)
	}
}

func TestAllow_ConcurrentSameClient(t *testing.T) {
	const limit = 50
	l := NewLimiter(Config{Limit: limit, Window: 10 * time.Second, Cooldown: time.Minute})
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared", now).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("allowed = %d, want exactly %d", allowed, limit)
	}
}

func TestAllow_ConcurrentManyClients(t *testing.T) {
	l := NewLimiter(Config{Limit: 10, Window: 10 * time.Second, Cooldown: time.Minute})
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("client-%d", n)
			for j := 0; j < 10; j++ {
				if !l.Allow(id, now.Add(time.Duration(j)*time.Millisecond)).Allowed {
					t.Errorf("%s request %d denied under limit", id, j+1)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if got := l.Stats(now).TrackedClients; got != 20 {
		t.Fatalf("tracked clients = %d, want 20", got)
	}
}

func TestSweep_DropsIdleKeepsBlocked(t *testing.T) {
	l := NewLimiter(Config{Limit: 1, Window: 10 * time.Second, Cooldown: time.Minute})
	now := time.Now()

	l.Allow("idle", now)
	l.Allow("blocked", now)
	l.Allow("blocked", now) // violation, cooldown until now+60s

	// t=30s: idle's window is empty, blocked is still in cooldown.
	if removed := l.Sweep(now.Add(30 * time.Second)); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	s := l.Stats(now.Add(30 * time.Second))
	if s.TrackedClients != 1 {
		t.Fatalf("tracked clients = %d, want 1", s.TrackedClients)
	}
	if s.ActiveBlocks != 1 {
		t.Fatalf("active blocks = %d, want 1", s.ActiveBlocks)
	}

	// Fresh state for the evicted client.
	if d := l.Allow("idle", now.Add(31*time.Second)); !d.Allowed {
		t.Fatal("evicted client should start clean")
	}
}

func TestSweep_EnforcesClientBound(t *testing.T) {
	l := NewLimiter(Config{Limit: 5, Window: time.Hour, Cooldown: time.Minute, MaxClients: 3})
	now := time.Now()

	for i := 0; i < 6; i++ {
		l.Allow(fmt.Sprintf("c%d", i), now.Add(time.Duration(i)*time.Second))
	}
	if removed := l.Sweep(now.Add(10 * time.Second)); removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if got := l.Stats(now).TrackedClients; got != 3 {
		t.Fatalf("tracked clients = %d, want 3", got)
	}

	// The most recently seen clients survive.
	for i := 3; i < 6; i++ {
		if _, ok := l.clients.Load(fmt.Sprintf("c%d", i)); !ok {
			t.Fatalf("client c%d evicted, want kept", i)
		}
	}
}

func TestReset_ClearsAllClients(t *testing.T) {
	l := NewLimiter(Config{Limit: 1, Window: 10 * time.Second, Cooldown: time.Minute})
	now := time.Now()

	l.Allow("c", now)
	l.Allow("c", now) // blocked
	l.Reset()

	if got := l.Stats(now).TrackedClients; got != 0 {
		t.Fatalf("tracked clients after reset = %d, want 0", got)
	}
	if d := l.Allow("c", now); !d.Allowed {
		t.Fatal("expected allow after reset")
	}
}

func TestConfig_Defaults(t *testing.T) {
	l := NewLimiter(Config{})
	if l.cfg.Limit != 150 || l.cfg.Window != 10*time.Second || l.cfg.Cooldown != 60*time.Second {
		t.Fatalf("defaults not applied: %+v", l.cfg)
	}
}
