// Package ledger implements the durable dedup ledger: one entry per job
// identity, claimed through atomic conditional writes so that concurrent
// deliveries of the same job admit exactly one printer.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/labelworks/print-relay/internal/job"
)

// ErrNotFound is returned by Get when no entry exists for a key.
var ErrNotFound = errors.New("ledger entry not found")

// Admission is the outcome of TryBeginAttempt.
type Admission int

const (
	// Duplicate means another attempt owns this identity (or it is already
	// completed and this is not a reprint). The caller must not print.
	Duplicate Admission = iota
	// Admitted means the caller now owns the identity and must print.
	Admitted
	// AdmittedAsReprint means the identity was completed and the caller
	// holds an explicit reprint claim. Reprint count has been incremented.
	AdmittedAsReprint
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case AdmittedAsReprint:
		return "admitted_as_reprint"
	default:
		return "duplicate"
	}
}

// Store is the dedup ledger contract.
//
// TryBeginAttempt is the single serialization point for a job identity.
// It must be linearizable across all processes sharing the store:
//   - never-seen identity: create the entry in PRINTING, return Admitted
//   - COMPLETED identity with isReprint: flip back to PRINTING, bump the
//     reprint count, return AdmittedAsReprint
//   - FAILED identity: reclaim into PRINTING (retry), return Admitted
//   - anything else: return Duplicate with the current entry
//
// The returned entry reflects the row after the admission decision; its
// Attempts counter is the authority for the redelivery ceiling.
type Store interface {
	Get(ctx context.Context, key job.Key) (*job.Entry, error)
	TryBeginAttempt(ctx context.Context, key job.Key, isReprint bool) (Admission, *job.Entry, error)

	// RecordOutcome writes the terminal state of an attempt. The caller
	// already owns the PRINTING slot, so the write is unconditional. If
	// the store is unreachable the entry stays PRINTING and the caller
	// must treat the attempt as failed, never as completed.
	RecordOutcome(ctx context.Context, key job.Key, outcome job.Outcome) error

	// RecoverStale flips entries stuck in PRINTING (or PENDING) longer
	// than olderThan into FAILED so a redelivered message can reclaim
	// them. Returns the number of entries recovered.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}
