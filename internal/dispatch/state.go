package dispatch

import "time"

// State is the position of a message in the dispatch lifecycle:
// received -> {admitted, suppressed} -> rendering -> submitting ->
// {completed, failed}. Skipped is the parity hand-back path.
type State string

const (
	StateReceived   State = "received"
	StateAdmitted   State = "admitted"
	StateSuppressed State = "suppressed"
	StateSkipped    State = "skipped"
	StateRendering  State = "rendering"
	StateSubmitting State = "submitting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Outcome summarizes one dispatch cycle for the acknowledgement decision.
type Outcome struct {
	State     State
	Stage     string // decode | admission | render | submit | record | escalated
	Err       error
	Retryable bool
	// Attempts is the ledger's persistent attempt counter; drives the
	// redelivery backoff so it keeps growing across process restarts.
	Attempts int
}

// Decision is what happens to the underlying queue message.
type Decision struct {
	Ack   bool
	Delay time.Duration // applied before nacking
}
