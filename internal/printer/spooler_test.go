package printer

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/labelworks/print-relay/internal/job"
)

func testRequest(payload []byte) job.Request {
	return job.Request{
		Key:     job.NewKey(42, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
		Payload: payload,
	}
}

func TestRender_SpoolsPayload(t *testing.T) {
	s, err := NewSpooler(SpoolerConfig{SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("%PDF-1.4 label content")
	doc, err := s.Render(context.Background(), testRequest(payload))
	if err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	defer doc.Cleanup()

	if doc.Bytes != int64(len(payload)) {
		t.Errorf("bytes = %d, want %d", doc.Bytes, len(payload))
	}
	written, err := os.ReadFile(doc.Path)
	if err != nil {
		t.Fatalf("spool file unreadable: %v", err)
	}
	if string(written) != string(payload) {
		t.Error("spool file content diverged from payload")
	}
}

func TestRender_RejectsNonPDF(t *testing.T) {
	s, err := NewSpooler(SpoolerConfig{SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Render(context.Background(), testRequest([]byte("plain text")))
	var re *RenderError
	if !errors.As(err, &re) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if re.Kind != UnsupportedFormat {
		t.Errorf("kind = %s, want unsupported_format", re.Kind)
	}
}

func TestRender_DeepValidationCatchesCorruptPDF(t *testing.T) {
	s, err := NewSpooler(SpoolerConfig{SpoolDir: t.TempDir(), DeepValidate: true})
	if err != nil {
		t.Fatal(err)
	}

	// Valid magic, garbage structure.
	_, err = s.Render(context.Background(), testRequest([]byte("%PDF-1.4 garbage with no xref")))
	var re *RenderError
	if !errors.As(err, &re) {
		t.Fatalf("expected RenderError, got %v", err)
	}
	if re.Kind != CorruptPayload {
		t.Errorf("kind = %s, want corrupt_payload", re.Kind)
	}
}

func TestCleanup_RemovesSpoolFile(t *testing.T) {
	s, err := NewSpooler(SpoolerConfig{SpoolDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	doc, err := s.Render(context.Background(), testRequest([]byte("%PDF-1.4 x")))
	if err != nil {
		t.Fatal(err)
	}
	path := doc.Path

	doc.Cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("spool file should be removed")
	}
	doc.Cleanup() // second call must be harmless
}

func TestClassifySubmitError(t *testing.T) {
	cases := []struct {
		name   string
		stderr string
		want   SubmitKind
	}{
		{"unknown destination", "lp: The printer or class does not exist.", Rejected},
		{"bad request", "lp: Bad Request", Rejected},
		{"unreachable spooler", "lp: Unable to connect to server", PrinterUnavailable},
		{"unclassified", "lp: something odd", PrinterUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifySubmitError(errors.New("exit status 1"), tc.stderr)
			var se *SubmitError
			if !errors.As(err, &se) {
				t.Fatalf("expected SubmitError, got %v", err)
			}
			if se.Kind != tc.want {
				t.Errorf("kind = %s, want %s", se.Kind, tc.want)
			}
		})
	}
}

func TestClassifySubmitError_MissingLP(t *testing.T) {
	err := classifySubmitError(exec.ErrNotFound, "")
	var se *SubmitError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmitError, got %v", err)
	}
	if se.Kind != PrinterUnavailable {
		t.Errorf("missing lp binary should be transient, got %s", se.Kind)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"printer unavailable", &SubmitError{Kind: PrinterUnavailable}, true},
		{"rejected", &SubmitError{Kind: Rejected}, false},
		{"unsupported format", &RenderError{Kind: UnsupportedFormat}, false},
		{"corrupt payload", &RenderError{Kind: CorruptPayload}, false},
		{"unclassified", errors.New("boom"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
