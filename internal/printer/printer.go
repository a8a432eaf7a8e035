// Package printer converts validated payloads into spooled documents and
// submits them to a physical printer.
package printer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/labelworks/print-relay/internal/job"
)

// RenderKind classifies render failures. Both kinds are permanent: a payload
// that does not render now will not render on redelivery.
type RenderKind int

const (
	UnsupportedFormat RenderKind = iota
	CorruptPayload
)

func (k RenderKind) String() string {
	if k == UnsupportedFormat {
		return "unsupported_format"
	}
	return "corrupt_payload"
}

// RenderError describes a failed render step.
type RenderError struct {
	Kind   RenderKind
	Detail string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render: %s: %s", e.Kind, e.Detail)
}

// SubmitKind classifies submission failures.
type SubmitKind int

const (
	// PrinterUnavailable is transient: the spooler or device cannot be
	// reached right now. Worth retrying.
	PrinterUnavailable SubmitKind = iota
	// Rejected is permanent: the printer refused the job.
	Rejected
)

func (k SubmitKind) String() string {
	if k == PrinterUnavailable {
		return "printer_unavailable"
	}
	return "rejected"
}

// SubmitError describes a failed submission step.
type SubmitError struct {
	Kind   SubmitKind
	Detail string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit: %s: %s", e.Kind, e.Detail)
}

// Retryable reports whether err is worth retrying via redelivery. Render
// errors and rejected submissions are permanent; only an unavailable
// printer is transient.
func Retryable(err error) bool {
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Kind == PrinterUnavailable
	}
	var re *RenderError
	if errors.As(err, &re) {
		return false
	}
	// Unclassified submission-path errors default to retryable.
	return true
}

// Rendered is a printer-ready document spooled to the local filesystem.
// It lives for one dispatch attempt.
type Rendered struct {
	Key   job.Key
	Path  string
	Bytes int64
	Pages int
}

// Cleanup removes the spool file. Safe to call more than once.
func (r *Rendered) Cleanup() {
	if r == nil || r.Path == "" {
		return
	}
	_ = os.Remove(r.Path)
	r.Path = ""
}

// Submitter is the print capability set. Render validates the payload and
// produces a spooled document; Submit hands it to the physical printer and
// reports synchronous success or failure. The submitter itself does not
// deduplicate; the ledger does.
type Submitter interface {
	Render(ctx context.Context, req job.Request) (*Rendered, error)
	Submit(ctx context.Context, doc *Rendered, target string) error
}
