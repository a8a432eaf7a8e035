package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	pdf "github.com/ledongthuc/pdf"

	"github.com/labelworks/print-relay/internal/job"
)

var pdfMagic = []byte("%PDF-")

// Spooler renders payloads into spool files and submits them through the
// CUPS lp command. One Spooler serves all workers; each attempt gets its
// own spool file.
type Spooler struct {
	spoolDir     string
	deepValidate bool
	log          *slog.Logger
}

// SpoolerConfig configures the spooler.
type SpoolerConfig struct {
	// SpoolDir holds rendered documents until submission completes.
	// Empty means the system temp directory.
	SpoolDir string
	// DeepValidate walks the PDF structure before spooling instead of
	// only checking the magic header.
	DeepValidate bool
}

// NewSpooler creates a spooler, ensuring the spool directory exists.
func NewSpooler(cfg SpoolerConfig) (*Spooler, error) {
	dir := cfg.SpoolDir
	if dir == "" {
		dir = os.TempDir()
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory %s: %w", dir, err)
	}
	return &Spooler{
		spoolDir:     dir,
		deepValidate: cfg.DeepValidate,
		log:          slog.With("component", "printer"),
	}, nil
}

// Render validates the payload and writes it to a spool file. The file
// persists until the attempt calls Cleanup, so the print command can read
// it by name.
func (s *Spooler) Render(_ context.Context, req job.Request) (*Rendered, error) {
	if !bytes.HasPrefix(req.Payload, pdfMagic) {
		return nil, &RenderError{Kind: UnsupportedFormat, Detail: "payload is not a PDF document"}
	}

	pages := 0
	if s.deepValidate {
		doc, err := pdf.NewReader(bytes.NewReader(req.Payload), int64(len(req.Payload)))
		if err != nil {
			return nil, &RenderError{Kind: CorruptPayload, Detail: err.Error()}
		}
		pages = doc.NumPage()
	}

	f, err := os.CreateTemp(s.spoolDir, fmt.Sprintf("job-%d-*.pdf", req.Key.OrderNumber))
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	if _, err := f.Write(req.Payload); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("write spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("flush spool file: %w", err)
	}

	return &Rendered{
		Key:   req.Key,
		Path:  f.Name(),
		Bytes: int64(len(req.Payload)),
		Pages: pages,
	}, nil
}

// Submit hands the spooled document to the printer via lp. The call is
// synchronous up to spooler acceptance; the OS spooler owns the paper path
// from there.
func (s *Spooler) Submit(ctx context.Context, doc *Rendered, target string) error {
	args := []string{"-s", doc.Path}
	if target != "" {
		args = append([]string{"-d", target}, args...)
	}

	cmd := exec.CommandContext(ctx, "lp", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return classifySubmitError(err, stderr.String())
	}

	s.log.Debug("job handed to spooler", "job", doc.Key.String(), "printer", target, "bytes", doc.Bytes)
	return nil
}

// classifySubmitError maps lp failures onto the submit taxonomy. A refusal
// the printer states outright is permanent; anything that smells like the
// spooler or device being away is transient.
func classifySubmitError(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = err.Error()
	}

	if errors.Is(err, exec.ErrNotFound) {
		return &SubmitError{Kind: PrinterUnavailable, Detail: "lp command not found"}
	}

	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "bad request"),
		strings.Contains(lower, "document format"),
		strings.Contains(lower, "forbidden"):
		return &SubmitError{Kind: Rejected, Detail: detail}
	default:
		return &SubmitError{Kind: PrinterUnavailable, Detail: detail}
	}
}

// ValidatePrinter checks that name is a known printer destination, the way
// the relay refuses to start against a typo'd printer.
func ValidatePrinter(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "lpstat", "-p", name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("printer %q is not available on this system: %s", name, detail)
	}
	return nil
}

// DefaultPrinter resolves the system default destination.
func DefaultPrinter(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "lpstat", "-d").Output()
	if err != nil {
		return "", fmt.Errorf("query default printer: %w", err)
	}
	// Output looks like "system default destination: labelprinter".
	line := strings.TrimSpace(string(out))
	if idx := strings.LastIndex(line, ":"); idx >= 0 {
		name := strings.TrimSpace(line[idx+1:])
		if name != "" && !strings.Contains(name, "no system default") {
			return name, nil
		}
	}
	return "", errors.New("no system default printer configured")
}

var _ Submitter = (*Spooler)(nil)
