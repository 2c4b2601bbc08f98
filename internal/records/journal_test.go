package records

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testJob(id string, tokens int64) Job {
	return Job{
		Record: Record{
			ID:          id,
			Timestamp:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			Method:      "POST",
			Path:        "/api/generate",
			StatusCode:  200,
			DurationMs:  42.5,
			UserID:      "u1",
			Provider:    "gemini",
			CacheStatus: CacheMiss,
			TokensIn:    tokens,
		},
		Ledger: &LedgerIncrement{
			RequestID: id,
			UserID:    "u1",
			Provider:  "gemini",
			Period:    "2026-03",
			Calls:     1,
			TokensIn:  tokens,
		},
	}
}

func TestJournal_AppendThenDrain(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := j.Append(testJob(fmt.Sprintf("req-%d", i), int64(10*i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if j.Empty() {
		t.Fatal("journal with open entries reported empty")
	}

	var got []Job
	n, err := j.Drain(context.Background(), func(_ context.Context, job Job) error {
		got = append(got, job)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 3 || len(got) != 3 {
		t.Fatalf("Drain replayed %d (%d collected), want 3", n, len(got))
	}
	if got[0].Record.ID != "req-0" || got[2].Record.ID != "req-2" {
		t.Fatalf("replay order wrong: %s .. %s", got[0].Record.ID, got[2].Record.ID)
	}
	if got[1].Ledger == nil || got[1].Ledger.TokensIn != 10 {
		t.Fatalf("ledger increment lost in round trip: %+v", got[1].Ledger)
	}
	if !j.Empty() {
		t.Fatal("journal not empty after full drain")
	}
}

func TestJournal_DrainStopsOnApplyError(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	j.Append(testJob("a", 1))
	j.Append(testJob("b", 2))

	boom := errors.New("store down")
	n, err := j.Drain(context.Background(), func(_ context.Context, job Job) error {
		if job.Record.ID == "b" {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Drain err = %v, want wrapped store error", err)
	}
	if n != 1 {
		t.Fatalf("replayed = %d, want 1", n)
	}
	if j.Empty() {
		t.Fatal("failed segment must survive for the next attempt")
	}

	// The next drain sees the whole segment again. Replaying "a" a
	// second time is fine because the store applies by request id.
	seen := map[string]int{}
	n, err = j.Drain(context.Background(), func(_ context.Context, job Job) error {
		seen[job.Record.ID]++
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("second Drain = (%d, %v), want (2, nil)", n, err)
	}
	if seen["a"] != 1 || seen["b"] != 1 {
		t.Fatalf("second drain saw %v", seen)
	}
	if !j.Empty() {
		t.Fatal("journal not empty after successful drain")
	}
}

func TestJournal_RotatesBySize(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	j.maxBytes = 1 // every append rotates

	for i := 0; i < 4; i++ {
		if err := j.Append(testJob(fmt.Sprintf("r%d", i), 1)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if got := j.Pending(); got != 4 {
		t.Fatalf("sealed segments = %d, want 4", got)
	}
}

func TestJournal_SealWithoutEntries(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	if err := j.Seal(); err != nil {
		t.Fatalf("Seal on empty journal: %v", err)
	}
	if !j.Empty() {
		t.Fatal("empty journal reports pending work")
	}
}

func TestJournal_DrainHonorsContext(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	j.Append(testJob("a", 1))
	j.Append(testJob("b", 2))

	ctx, cancel := context.WithCancel(context.Background())
	n, err := j.Drain(ctx, func(_ context.Context, job Job) error {
		cancel() // cancel after the first job lands
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Drain err = %v, want context.Canceled", err)
	}
	if n != 1 {
		t.Fatalf("replayed = %d, want 1", n)
	}
}
