// Package queue owns the subscription to the message transport: receiving
// messages, fanning them out to a bounded set of workers, and applying the
// dispatcher's ack/nack decisions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/gcppubsub"    // Google Pub/Sub driver
	_ "gocloud.dev/pubsub/mempubsub"    // in-memory driver for local mode and tests
	_ "gocloud.dev/pubsub/rabbitpubsub" // RabbitMQ driver

	"github.com/labelworks/print-relay/internal/dispatch"
)

// Handler processes one delivery and decides its fate.
type Handler interface {
	Handle(ctx context.Context, body []byte, attrs map[string]string) dispatch.Decision
}

// Subscriber pulls messages from a pubsub subscription and hands them to
// the handler, at most workers at a time.
type Subscriber struct {
	sub     *pubsub.Subscription
	handler Handler
	workers int
	log     *slog.Logger
}

// Open opens a gocloud.dev subscription URL.
func Open(ctx context.Context, url string) (*pubsub.Subscription, error) {
	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open subscription %s: %w", url, err)
	}
	return sub, nil
}

// NewSubscriber wraps an open subscription.
func NewSubscriber(sub *pubsub.Subscription, handler Handler, workers int) *Subscriber {
	if workers < 1 {
		workers = 1
	}
	return &Subscriber{
		sub:     sub,
		handler: handler,
		workers: workers,
		log:     slog.With("component", "queue"),
	}
}

// Run receives until ctx is cancelled, then waits for in-flight workers to
// finish so no message is dropped mid-decision. Each message is acked or
// nacked exactly once.
func (s *Subscriber) Run(ctx context.Context) error {
	s.log.Info("listening for print messages", "workers", s.workers)

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for {
		msg, err := s.sub.Receive(ctx)
		if err != nil {
			wg.Wait()
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				s.log.Info("subscription closed")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(m *pubsub.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			s.settle(ctx, m, s.handler.Handle(ctx, m.Body, m.Metadata))
		}(msg)
	}
}

// settle applies a decision to the message. The nack delay waits out the
// coordinator's backoff locally since the transport has no per-message
// redelivery delay; shutdown cuts the wait short and nacks immediately.
func (s *Subscriber) settle(ctx context.Context, m *pubsub.Message, d dispatch.Decision) {
	if d.Ack {
		m.Ack()
		return
	}
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
		}
	}
	if m.Nackable() {
		m.Nack()
	}
}

// Shutdown closes the underlying subscription.
func (s *Subscriber) Shutdown(ctx context.Context) error {
	return s.sub.Shutdown(ctx)
}
