package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/labelworks/print-relay/internal/config"
	"github.com/labelworks/print-relay/internal/job"
	"github.com/labelworks/print-relay/internal/ledger"
	"github.com/labelworks/print-relay/internal/message"
	"github.com/labelworks/print-relay/internal/printer"
)

// mockSubmitter implements printer.Submitter for testing.
type mockSubmitter struct {
	mu        sync.Mutex
	renders   int
	submits   int
	renderErr error
	submitErr func(call int) error
	delay     time.Duration
}

func (m *mockSubmitter) Render(_ context.Context, req job.Request) (*printer.Rendered, error) {
	m.mu.Lock()
	m.renders++
	err := m.renderErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &printer.Rendered{Key: req.Key, Bytes: int64(len(req.Payload))}, nil
}

func (m *mockSubmitter) Submit(_ context.Context, _ *printer.Rendered, _ string) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if m.submitErr != nil {
		return m.submitErr(m.submits)
	}
	return nil
}

func (m *mockSubmitter) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

func newTestDispatcher(store ledger.Store, sub printer.Submitter) *Dispatcher {
	return New(Config{
		PrinterName:     "labelprinter",
		Parity:          config.ParityAll,
		MaxRedeliveries: 3,
		NackBackoff:     time.Millisecond,
		MaxNackBackoff:  10 * time.Millisecond,
	}, store, sub, nil)
}

func testMessage(reprint string) ([]byte, map[string]string) {
	attrs := map[string]string{
		message.AttrOrderNumber: "42",
		message.AttrEventDate:   "2024-05-01",
	}
	if reprint != "" {
		attrs[message.AttrReprint] = reprint
	}
	return []byte("%PDF-1.4 label"), attrs
}

func TestHandle_PrintsAndAcks(t *testing.T) {
	store := ledger.NewMemoryStore()
	sub := &mockSubmitter{}
	d := newTestDispatcher(store, sub)

	body, attrs := testMessage("")
	decision := d.Handle(context.Background(), body, attrs)

	if !decision.Ack {
		t.Fatal("successful print must ack the message")
	}
	if sub.submitCount() != 1 {
		t.Errorf("submits = %d, want 1", sub.submitCount())
	}

	entry, err := store.Get(context.Background(), job.NewKey(42, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != job.StateCompleted {
		t.Errorf("entry state = %s, want completed", entry.State)
	}
}

func TestHandle_ConcurrentDuplicatesPrintOnce(t *testing.T) {
	store := ledger.NewMemoryStore()
	sub := &mockSubmitter{delay: 20 * time.Millisecond}
	d := newTestDispatcher(store, sub)

	body, attrs := testMessage("")

	var wg sync.WaitGroup
	decisions := make([]Decision, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i] = d.Handle(context.Background(), body, attrs)
		}(i)
	}
	wg.Wait()

	if sub.submitCount() != 1 {
		t.Fatalf("submits = %d, want exactly 1 for concurrent identical deliveries", sub.submitCount())
	}
	for i, dec := range decisions {
		if !dec.Ack {
			t.Errorf("delivery %d: both the winner and the duplicate must be acked", i)
		}
	}
}

func TestHandle_ReprintAfterCompleted(t *testing.T) {
	store := ledger.NewMemoryStore()
	sub := &mockSubmitter{}
	d := newTestDispatcher(store, sub)

	body, attrs := testMessage("")
	if dec := d.Handle(context.Background(), body, attrs); !dec.Ack {
		t.Fatal("first print should ack")
	}

	// Redelivery of the same message is suppressed without printing.
	if dec := d.Handle(context.Background(), body, attrs); !dec.Ack {
		t.Fatal("duplicate should ack")
	}
	if sub.submitCount() != 1 {
		t.Fatalf("duplicate must not print, submits = %d", sub.submitCount())
	}

	// An explicit reprint prints again and is counted.
	body, attrs = testMessage("true")
	if dec := d.Handle(context.Background(), body, attrs); !dec.Ack {
		t.Fatal("reprint should ack")
	}
	if sub.submitCount() != 2 {
		t.Fatalf("reprint must print, submits = %d", sub.submitCount())
	}

	entry, err := store.Get(context.Background(), job.NewKey(42, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatal(err)
	}
	if entry.ReprintCount != 1 {
		t.Errorf("reprint count = %d, want 1", entry.ReprintCount)
	}
	if entry.State != job.StateCompleted {
		t.Errorf("entry state = %s, want completed", entry.State)
	}
}

func TestHandle_DecodeErrorAcksWithoutLedgerEntry(t *testing.T) {
	store := ledger.NewMemoryStore()
	sub := &mockSubmitter{}
	d := newTestDispatcher(store, sub)

	decision := d.Handle(context.Background(), []byte("data"), map[string]string{
		message.AttrOrderNumber: "abc",
		message.AttrEventDate:   "2024-05-01",
	})

	if !decision.Ack {
		t.Error("undecodable messages are acked, redelivery cannot fix them")
	}
	if sub.submitCount() != 0 {
		t.Error("nothing should print")
	}
	if _, err := store.Get(context.Background(), job.NewKey(42, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))); err != ledger.ErrNotFound {
		t.Errorf("no ledger entry should exist, got err=%v", err)
	}
}

func TestHandle_RetryableFailureEscalatesAtCeiling(t *testing.T) {
	store := ledger.NewMemoryStore()
	sub := &mockSubmitter{
		submitErr: func(int) error {
			return &printer.SubmitError{Kind: printer.PrinterUnavailable, Detail: "spooler away"}
		},
	}
	d := newTestDispatcher(store, sub) // ceiling of 3 redeliveries

	body, attrs := testMessage("")
	for i := 1; i <= 3; i++ {
		dec := d.Handle(context.Background(), body, attrs)
		if dec.Ack {
			t.Fatalf("attempt %d: transient failure below the ceiling must nack", i)
		}
	}

	// The fourth failure crosses the ceiling and is escalated to permanent.
	dec := d.Handle(context.Background(), body, attrs)
	if !dec.Ack {
		t.Fatal("escalated failure must ack so the message stops looping")
	}
	if sub.submitCount() != 4 {
		t.Errorf("submits = %d, want 4", sub.submitCount())
	}

	entry, err := store.Get(context.Background(), job.NewKey(42, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != job.StateFailed {
		t.Errorf("entry state = %s, want failed", entry.State)
	}
	if entry.LastError == "" {
		t.Error("escalated failure must leave an auditable error")
	}
}

func TestHandle_PermanentRenderFailure(t *testing.T) {
	store := ledger.NewMemoryStore()
	sub := &mockSubmitter{
		renderErr: &printer.RenderError{Kind: printer.CorruptPayload, Detail: "broken xref"},
	}
	d := newTestDispatcher(store, sub)

	body, attrs := testMessage("")
	dec := d.Handle(context.Background(), body, attrs)

	if !dec.Ack {
		t.Error("corrupt payloads are permanent, message must be acked")
	}
	if sub.submitCount() != 0 {
		t.Error("a failed render must not reach the printer")
	}

	entry, err := store.Get(context.Background(), job.NewKey(42, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != job.StateFailed {
		t.Errorf("entry state = %s, want failed", entry.State)
	}
}

func TestHandle_ParitySkipLeavesLedgerUntouched(t *testing.T) {
	store := ledger.NewMemoryStore()
	sub := &mockSubmitter{}
	d := New(Config{
		PrinterName:     "labelprinter",
		Parity:          config.ParityOdd,
		MaxRedeliveries: 3,
		NackBackoff:     time.Millisecond,
		MaxNackBackoff:  10 * time.Millisecond,
	}, store, sub, nil)

	body, attrs := testMessage("") // order 42 is even
	dec := d.Handle(context.Background(), body, attrs)

	if dec.Ack {
		t.Error("the peer parity's message must be nacked, not consumed")
	}
	if sub.submitCount() != 0 {
		t.Error("nothing should print")
	}
	if _, err := store.Get(context.Background(), job.NewKey(42, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))); err != ledger.ErrNotFound {
		t.Errorf("parity skip must not create a ledger entry, got err=%v", err)
	}
}

func TestHandle_RejectedSubmissionIsPermanent(t *testing.T) {
	store := ledger.NewMemoryStore()
	sub := &mockSubmitter{
		submitErr: func(int) error {
			return &printer.SubmitError{Kind: printer.Rejected, Detail: "invalid job"}
		},
	}
	d := newTestDispatcher(store, sub)

	body, attrs := testMessage("")
	dec := d.Handle(context.Background(), body, attrs)

	if !dec.Ack {
		t.Error("a rejected job will not succeed on redelivery, ack it")
	}
	if sub.submitCount() != 1 {
		t.Errorf("submits = %d, want 1", sub.submitCount())
	}
}
