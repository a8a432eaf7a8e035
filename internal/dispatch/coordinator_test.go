package dispatch

import (
	"errors"
	"testing"
	"time"
)

func TestDecide(t *testing.T) {
	c := Coordinator{BaseBackoff: time.Second, MaxBackoff: time.Minute}

	cases := []struct {
		name     string
		outcome  Outcome
		wantAck  bool
		minDelay time.Duration
	}{
		{
			name:    "completed is acked",
			outcome: Outcome{State: StateCompleted},
			wantAck: true,
		},
		{
			name:    "suppressed duplicate is acked",
			outcome: Outcome{State: StateSuppressed},
			wantAck: true,
		},
		{
			name:     "parity skip is nacked promptly",
			outcome:  Outcome{State: StateSkipped},
			wantAck:  false,
			minDelay: time.Second,
		},
		{
			name:    "permanent failure is acked",
			outcome: Outcome{State: StateFailed, Err: errors.New("corrupt payload")},
			wantAck: true,
		},
		{
			name:     "retryable failure is nacked with backoff",
			outcome:  Outcome{State: StateFailed, Retryable: true, Attempts: 1},
			wantAck:  false,
			minDelay: time.Second,
		},
		{
			name:     "backoff grows with attempts",
			outcome:  Outcome{State: StateFailed, Retryable: true, Attempts: 3},
			wantAck:  false,
			minDelay: 4 * time.Second,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := c.Decide(tc.outcome)
			if d.Ack != tc.wantAck {
				t.Errorf("ack = %v, want %v", d.Ack, tc.wantAck)
			}
			if !d.Ack && d.Delay < tc.minDelay {
				t.Errorf("delay = %v, want at least %v", d.Delay, tc.minDelay)
			}
		})
	}
}

func TestBackoffIsCapped(t *testing.T) {
	c := Coordinator{BaseBackoff: time.Second, MaxBackoff: 30 * time.Second}

	d := c.Decide(Outcome{State: StateFailed, Retryable: true, Attempts: 20})
	if d.Delay != 30*time.Second {
		t.Errorf("delay = %v, want cap of 30s", d.Delay)
	}
}

func TestBackoffZeroAttempts(t *testing.T) {
	c := Coordinator{BaseBackoff: time.Second, MaxBackoff: time.Minute}

	d := c.Decide(Outcome{State: StateFailed, Retryable: true})
	if d.Delay != time.Second {
		t.Errorf("delay = %v, want base backoff", d.Delay)
	}
}
