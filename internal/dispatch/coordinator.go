package dispatch

import "time"

// Coordinator resolves dispatch outcomes into ack/nack decisions. Completed
// and suppressed work is acked; permanent failures are acked too, because
// redelivering a message that cannot succeed only loops it. Only retryable
// failures go back to the queue, with exponential backoff.
type Coordinator struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Decide maps an outcome to the message's fate.
func (c Coordinator) Decide(o Outcome) Decision {
	switch o.State {
	case StateCompleted, StateSuppressed:
		return Decision{Ack: true}
	case StateSkipped:
		// Not ours to print; hand it back promptly for the peer parity.
		return Decision{Delay: c.BaseBackoff}
	}
	if o.Retryable {
		return Decision{Delay: c.backoff(o.Attempts)}
	}
	return Decision{Ack: true}
}

func (c Coordinator) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}
