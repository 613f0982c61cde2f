// Package history keeps the rolling record of recently placed calls that
// the escalation evaluator's rate limits read. Entries older than one hour
// are pruned; nothing else is persisted.
package history

import (
	"context"
	"sync"
	"time"
)

// Window is how far back call timestamps are retained.
const Window = time.Hour

// Store records call timestamps and answers rate-limit queries.
type Store interface {
	// RecordCall notes that a call was placed at t.
	RecordCall(ctx context.Context, t time.Time) error
	// LastCall returns the most recent call time, if any call is on record.
	LastCall(ctx context.Context) (time.Time, bool, error)
	// CallsSince counts calls at or after t.
	CallsSince(ctx context.Context, t time.Time) (int, error)
}

// MemoryStore is the in-process Store used when Redis is not configured.
type MemoryStore struct {
	mu    sync.Mutex
	calls []time.Time
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: time.Now}
}

func (s *MemoryStore) RecordCall(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, t)
	s.prune()
	return nil
}

func (s *MemoryStore) LastCall(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	if len(s.calls) == 0 {
		return time.Time{}, false, nil
	}
	last := s.calls[0]
	for _, t := range s.calls[1:] {
		if t.After(last) {
			last = t
		}
	}
	return last, true, nil
}

func (s *MemoryStore) CallsSince(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	n := 0
	for _, c := range s.calls {
		if !c.Before(t) {
			n++
		}
	}
	return n, nil
}

// prune drops entries older than the retention window. Callers hold the lock.
func (s *MemoryStore) prune() {
	cutoff := s.clock().Add(-Window)
	kept := s.calls[:0]
	for _, c := range s.calls {
		if c.After(cutoff) {
			kept = append(kept, c)
		}
	}
	s.calls = kept
}
