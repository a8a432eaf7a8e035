package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/labelworks/print-relay/internal/job"
)

// MemoryStore is an in-process Store for local mode and tests. It applies
// the same admission decision table as PostgresStore under a mutex, so the
// two are interchangeable for single-instance runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[job.Key]*job.Entry
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[job.Key]*job.Entry)}
}

// Get returns a copy of the entry for key, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key job.Key) (*job.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// TryBeginAttempt claims key for printing. See Store for the decision table.
func (s *MemoryStore) TryBeginAttempt(_ context.Context, key job.Key, isReprint bool) (Admission, *job.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[key]
	if !ok {
		e = &job.Entry{
			Key:       key,
			State:     job.StatePrinting,
			Attempts:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.entries[key] = e
		cp := *e
		return Admitted, &cp, nil
	}

	switch {
	case isReprint && e.State == job.StateCompleted:
		e.State = job.StatePrinting
		e.ReprintCount++
		e.Attempts++
		e.UpdatedAt = now
		cp := *e
		return AdmittedAsReprint, &cp, nil
	case e.State == job.StateFailed:
		e.State = job.StatePrinting
		e.Attempts++
		e.UpdatedAt = now
		cp := *e
		return Admitted, &cp, nil
	default:
		cp := *e
		return Duplicate, &cp, nil
	}
}

// RecordOutcome writes the terminal state of the attempt.
func (s *MemoryStore) RecordOutcome(_ context.Context, key job.Key, outcome job.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	e.State = outcome.State
	e.UpdatedAt = now
	switch outcome.State {
	case job.StateCompleted:
		printedAt := now
		e.PrintedAt = &printedAt
		e.LastError = ""
	case job.StateFailed:
		e.LastError = outcome.LastError
	}
	return nil
}

// RecoverStale flips in-flight entries older than olderThan to FAILED.
func (s *MemoryStore) RecoverStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	recovered := 0
	for _, e := range s.entries {
		if (e.State == job.StatePrinting || e.State == job.StatePending) && e.UpdatedAt.Before(cutoff) {
			e.State = job.StateFailed
			e.LastError = "attempt abandoned (stale printing state)"
			e.UpdatedAt = time.Now()
			recovered++
		}
	}
	return recovered, nil
}

// Close is a no-op for the in-memory ledger.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
