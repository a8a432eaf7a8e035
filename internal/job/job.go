// Package job defines the core value types shared by the relay:
// the job identity, the decoded request, and the ledger entry lifecycle.
package job

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for event dates.
const DateLayout = "2006-01-02"

// Key identifies one logical print request. Order numbers are scoped by
// event date, so the same number on two different dates is two jobs.
type Key struct {
	OrderNumber int64
	EventDate   time.Time
}

// NewKey builds a Key with the event date normalized to UTC midnight so
// keys compare equal regardless of how the date was parsed.
func NewKey(orderNumber int64, eventDate time.Time) Key {
	y, m, d := eventDate.Date()
	return Key{
		OrderNumber: orderNumber,
		EventDate:   time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
}

// DateString returns the event date in wire format.
func (k Key) DateString() string {
	return k.EventDate.Format(DateLayout)
}

// String returns a compact identifier suitable for logs and storage keys.
func (k Key) String() string {
	return fmt.Sprintf("%d@%s", k.OrderNumber, k.DateString())
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.OrderNumber == 0 && k.EventDate.IsZero()
}

// Request is a decoded inbound message.
type Request struct {
	Key     Key
	Payload []byte
	Reprint bool
}

// State is the persisted processing state of a job identity.
type State string

const (
	StatePending   State = "pending"
	StatePrinting  State = "printing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is an end state for an attempt.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Entry is the durable ledger record for one job identity.
type Entry struct {
	Key          Key
	State        State
	ReprintCount int
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PrintedAt    *time.Time
}

// Outcome is what a dispatch attempt writes back to the ledger.
type Outcome struct {
	State     State // StateCompleted or StateFailed
	LastError string
}

// Completed builds a successful outcome.
func Completed() Outcome {
	return Outcome{State: StateCompleted}
}

// Failed builds a failure outcome carrying the error for the audit trail.
func Failed(err error) Outcome {
	o := Outcome{State: StateFailed}
	if err != nil {
		o.LastError = err.Error()
	}
	return o
}
