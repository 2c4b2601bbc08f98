package records

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type mockStore struct {
	mu        sync.Mutex
	applied   []Job
	applyFunc func(ctx context.Context, job Job) error
}

func (m *mockStore) Apply(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyFunc != nil {
		if err := m.applyFunc(ctx, job); err != nil {
			return err
		}
	}
	m.applied = append(m.applied, job)
	return nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

func newTestRecorder(t *testing.T, store Store, cfg RecorderConfig) *Recorder {
	t.Helper()
	j, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	return NewRecorder(store, j, cfg)
}

func TestRecorder_PersistsQueuedJobs(t *testing.T) {
	store := &mockStore{}
	r := newTestRecorder(t, store, RecorderConfig{Workers: 2, QueueSize: 16})

	r.Start()
	for i := 0; i < 5; i++ {
		r.Enqueue(testJob(fmt.Sprintf("req-%d", i), 1))
	}
	r.Stop()

	if got := store.count(); got != 5 {
		t.Fatalf("store applied %d jobs, want 5", got)
	}
	s := r.Stats()
	if s.Persisted != 5 || s.Journaled != 0 || s.Dropped != 0 {
		t.Fatalf("stats = %+v, want 5 persisted only", s)
	}
}

func TestRecorder_SpillsWhenStoreFails(t *testing.T) {
	down := errors.New("connection refused")
	store := &mockStore{applyFunc: func(context.Context, Job) error { return down }}
	r := newTestRecorder(t, store, RecorderConfig{Workers: 1, QueueSize: 16})

	r.Start()
	for i := 0; i < 6; i++ {
		r.Enqueue(testJob(fmt.Sprintf("req-%d", i), 1))
	}
	r.Stop()

	s := r.Stats()
	if s.Journaled != 6 || s.Dropped != 0 {
		t.Fatalf("stats = %+v, want all 6 journaled", s)
	}
	// Three consecutive failures trip the breaker; the rest spill
	// without touching the store.
	if got := store.count(); got != 0 {
		t.Fatalf("store applied %d jobs while failing, want 0", got)
	}
	if r.journal.Empty() {
		t.Fatal("journal empty, spilled jobs lost")
	}
}

func TestRecorder_ReplayAfterRecovery(t *testing.T) {
	down := errors.New("connection refused")
	failing := true
	var mu sync.Mutex
	store := &mockStore{applyFunc: func(context.Context, Job) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return down
		}
		return nil
	}}

	j, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	r := NewRecorder(store, j, RecorderConfig{Workers: 1, QueueSize: 16})

	r.Start()
	for i := 0; i < 3; i++ {
		r.Enqueue(testJob(fmt.Sprintf("req-%d", i), 1))
	}
	r.Stop()
	if r.journal.Empty() {
		t.Fatal("expected journaled jobs while store is down")
	}

	// Store recovers; a fresh recorder over the same journal drains it.
	mu.Lock()
	failing = false
	mu.Unlock()
	r2 := NewRecorder(store, j, RecorderConfig{Workers: 1, QueueSize: 16})
	r2.replayOnce()

	if got := store.count(); got != 3 {
		t.Fatalf("store applied %d jobs after replay, want 3", got)
	}
	if !j.Empty() {
		t.Fatal("journal still has segments after replay")
	}
}

func TestRecorder_QueueFullSpillsInsteadOfDropping(t *testing.T) {
	store := &mockStore{}
	r := newTestRecorder(t, store, RecorderConfig{Workers: 1, QueueSize: 1})

	// Workers not started: the queue holds one job, the rest must go
	// to the journal rather than vanish.
	for i := 0; i < 4; i++ {
		r.Enqueue(testJob(fmt.Sprintf("req-%d", i), 1))
	}

	s := r.Stats()
	if s.QueueDepth != 1 {
		t.Fatalf("queue depth = %d, want 1", s.QueueDepth)
	}
	if s.Journaled != 3 {
		t.Fatalf("journaled = %d, want 3", s.Journaled)
	}

	r.Start()
	r.Stop()
	if got := store.count(); got != 1 {
		t.Fatalf("store applied %d queued jobs, want 1", got)
	}
	if r.journal.Empty() {
		t.Fatal("journal should still hold the spilled jobs")
	}
}
