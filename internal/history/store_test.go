package history

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreRecordsAndCounts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.clock = func() time.Time { return now }

	if _, ok, _ := s.LastCall(ctx); ok {
		t.Fatalf("empty store should report no last call")
	}

	for _, ago := range []time.Duration{50 * time.Minute, 30 * time.Minute, 5 * time.Minute} {
		if err := s.RecordCall(ctx, now.Add(-ago)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	last, ok, err := s.LastCall(ctx)
	if err != nil || !ok {
		t.Fatalf("expected last call, ok=%v err=%v", ok, err)
	}
	if want := now.Add(-5 * time.Minute); !last.Equal(want) {
		t.Fatalf("expected last call %v, got %v", want, last)
	}

	n, err := s.CallsSince(ctx, now.Add(-40*time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 calls in last 40m, got %d", n)
	}
}

func TestMemoryStorePrunesOldEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.clock = func() time.Time { return now }

	if err := s.RecordCall(ctx, now.Add(-90*time.Minute)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordCall(ctx, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := s.CallsSince(ctx, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("entry older than one hour should be pruned, got %d", n)
	}
}
