// Package dispatch drives each inbound message through decode, ledger
// admission, rendering, submission and outcome recording, and decides the
// fate of the underlying queue message.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labelworks/print-relay/internal/config"
	"github.com/labelworks/print-relay/internal/deadletter"
	"github.com/labelworks/print-relay/internal/job"
	"github.com/labelworks/print-relay/internal/ledger"
	"github.com/labelworks/print-relay/internal/logging"
	"github.com/labelworks/print-relay/internal/message"
	"github.com/labelworks/print-relay/internal/metrics"
	"github.com/labelworks/print-relay/internal/printer"
)

// Config holds the resolved values the dispatcher consumes.
type Config struct {
	PrinterName     string
	Parity          config.Parity
	MaxRedeliveries int
	NackBackoff     time.Duration
	MaxNackBackoff  time.Duration
	MaxPayloadBytes int64
}

// Dispatcher runs the per-message state machine. One Dispatcher serves all
// workers; per-identity serialization happens in the ledger, not here.
type Dispatcher struct {
	cfg     Config
	decoder *message.Decoder
	store   ledger.Store
	sub     printer.Submitter
	dlq     *deadletter.Archive
	coord   Coordinator
	log     *slog.Logger
}

// New wires a dispatcher. dlq may be nil to disable dead-lettering.
func New(cfg Config, store ledger.Store, sub printer.Submitter, dlq *deadletter.Archive) *Dispatcher {
	if cfg.MaxRedeliveries < 1 {
		cfg.MaxRedeliveries = 1
	}
	if cfg.NackBackoff <= 0 {
		cfg.NackBackoff = 3 * time.Second
	}
	if cfg.MaxNackBackoff < cfg.NackBackoff {
		cfg.MaxNackBackoff = 10 * cfg.NackBackoff
	}
	if cfg.Parity == "" {
		cfg.Parity = config.ParityAll
	}
	return &Dispatcher{
		cfg:     cfg,
		decoder: message.NewDecoder(cfg.MaxPayloadBytes),
		store:   store,
		sub:     sub,
		dlq:     dlq,
		coord: Coordinator{
			BaseBackoff: cfg.NackBackoff,
			MaxBackoff:  cfg.MaxNackBackoff,
		},
		log: slog.With("component", "dispatch"),
	}
}

// Handle processes one delivery end to end and returns the ack decision.
// Errors never escape: every failure mode resolves into Ack or Nack so a
// bad message cannot take down the worker loop.
func (d *Dispatcher) Handle(ctx context.Context, body []byte, attrs map[string]string) Decision {
	if m := metrics.Get(); m != nil {
		m.InFlightJobs.Inc()
		defer m.InFlightJobs.Dec()
	}

	correlationID := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, correlationID)

	req, err := d.decoder.Decode(body, attrs)
	if err != nil {
		kind := "unknown"
		if de, ok := message.IsDecodeError(err); ok {
			kind = de.Kind.String()
		}
		d.log.Warn("discarding undecodable message",
			"correlation_id", correlationID, "kind", kind, "error", err)
		if m := metrics.Get(); m != nil {
			m.DecodeFailures.WithLabelValues(kind).Inc()
		}
		d.deadLetter(ctx, body, deadletter.Record{
			Stage:         "decode",
			Error:         err.Error(),
			CorrelationID: correlationID,
		})
		return d.coord.Decide(Outcome{State: StateFailed, Stage: "decode", Err: err})
	}

	log := logging.JobLogger(correlationID, req.Key.OrderNumber, req.Key.DateString())

	if !d.cfg.Parity.Matches(req.Key.OrderNumber) {
		log.Info("order number is the peer's parity, handing message back", "parity", string(d.cfg.Parity))
		if m := metrics.Get(); m != nil {
			m.ParitySkipped.WithLabelValues(d.cfg.PrinterName).Inc()
		}
		return d.coord.Decide(Outcome{State: StateSkipped})
	}

	adm, entry, err := d.store.TryBeginAttempt(ctx, req.Key, req.Reprint)
	if err != nil {
		log.Error("ledger admission failed", "error", err)
		if m := metrics.Get(); m != nil {
			m.LedgerErrors.Inc()
		}
		return d.coord.Decide(Outcome{
			State: StateFailed, Stage: "admission", Err: err, Retryable: true, Attempts: 1,
		})
	}

	if adm == ledger.Duplicate {
		state := job.State("unknown")
		if entry != nil {
			state = entry.State
		}
		log.Info("suppressing duplicate delivery", "entry_state", string(state), "reprint", req.Reprint)
		if m := metrics.Get(); m != nil {
			m.JobsSuppressed.WithLabelValues(d.cfg.PrinterName).Inc()
		}
		return d.coord.Decide(Outcome{State: StateSuppressed})
	}

	log.Info("attempt admitted", "admission", adm.String(), "attempt", entry.Attempts)

	renderStart := time.Now()
	rendered, err := d.sub.Render(ctx, req)
	if err != nil {
		return d.fail(ctx, log, req, entry, correlationID, "render", err)
	}
	defer rendered.Cleanup()
	if m := metrics.Get(); m != nil {
		m.RenderDuration.WithLabelValues(d.cfg.PrinterName).Observe(time.Since(renderStart).Seconds())
	}

	submitStart := time.Now()
	if err := d.sub.Submit(ctx, rendered, d.cfg.PrinterName); err != nil {
		return d.fail(ctx, log, req, entry, correlationID, "submit", err)
	}
	if m := metrics.Get(); m != nil {
		m.SubmitDuration.WithLabelValues(d.cfg.PrinterName).Observe(time.Since(submitStart).Seconds())
	}

	if err := d.store.RecordOutcome(ctx, req.Key, job.Completed()); err != nil {
		// The page may already be printing. Never report success without
		// a durable record; the entry stays PRINTING until the recovery
		// pass reclaims it.
		log.Error("recording completion failed after submit", "error", err)
		if m := metrics.Get(); m != nil {
			m.LedgerErrors.Inc()
		}
		return d.coord.Decide(Outcome{
			State: StateFailed, Stage: "record", Err: err, Retryable: true, Attempts: entry.Attempts,
		})
	}

	log.Info("job printed", "admission", adm.String(), "attempt", entry.Attempts, "bytes", rendered.Bytes)
	if m := metrics.Get(); m != nil {
		m.JobsPrinted.WithLabelValues(d.cfg.PrinterName).Inc()
		if adm == ledger.AdmittedAsReprint {
			m.Reprints.WithLabelValues(d.cfg.PrinterName).Inc()
		}
	}
	return d.coord.Decide(Outcome{State: StateCompleted})
}

// fail records a failed attempt and resolves it into a decision. Retryable
// failures that have exhausted the redelivery ceiling are escalated to
// permanent so the message stops looping.
func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, req job.Request, entry *job.Entry, correlationID, stage string, cause error) Decision {
	retryable := printer.Retryable(cause)
	if retryable && entry.Attempts > d.cfg.MaxRedeliveries {
		cause = fmt.Errorf("redelivery ceiling of %d reached: %w", d.cfg.MaxRedeliveries, cause)
		retryable = false
		stage = "escalated"
	}

	if recErr := d.store.RecordOutcome(ctx, req.Key, job.Failed(cause)); recErr != nil {
		log.Error("recording failure outcome failed", "stage", stage, "error", recErr)
		if m := metrics.Get(); m != nil {
			m.LedgerErrors.Inc()
		}
		// Entry stays PRINTING; recovery will flip it. Keep the message
		// in flight rather than acking an unrecorded failure.
		retryable = true
	}

	if retryable {
		log.Warn("attempt failed, requesting redelivery",
			"stage", stage, "attempt", entry.Attempts, "error", cause)
		if m := metrics.Get(); m != nil {
			m.RetryNacks.WithLabelValues(d.cfg.PrinterName).Inc()
		}
		return d.coord.Decide(Outcome{
			State: StateFailed, Stage: stage, Err: cause, Retryable: true, Attempts: entry.Attempts,
		})
	}

	log.Error("job permanently failed", "stage", stage, "attempt", entry.Attempts, "error", cause)
	if m := metrics.Get(); m != nil {
		m.JobsFailed.WithLabelValues(d.cfg.PrinterName, stage).Inc()
	}
	d.deadLetter(ctx, req.Payload, deadletter.Record{
		OrderNumber:   req.Key.OrderNumber,
		EventDate:     req.Key.DateString(),
		Stage:         stage,
		Error:         cause.Error(),
		CorrelationID: correlationID,
	})
	return d.coord.Decide(Outcome{State: StateFailed, Stage: stage, Err: cause})
}

func (d *Dispatcher) deadLetter(ctx context.Context, body []byte, rec deadletter.Record) {
	if d.dlq == nil {
		return
	}
	d.dlq.Put(ctx, body, rec)
	if m := metrics.Get(); m != nil {
		m.DeadLettered.WithLabelValues(rec.Stage).Inc()
	}
}
