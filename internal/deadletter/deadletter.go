// Package deadletter archives permanently failed messages to a blob bucket
// so operators can inspect the payload and retrigger printing by hand.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local directory driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// Record is the failure metadata stored next to the payload.
type Record struct {
	OrderNumber   int64     `json:"order_number,omitempty"`
	EventDate     string    `json:"event_date,omitempty"`
	Stage         string    `json:"stage"` // decode | render | submit | escalated
	Error         string    `json:"error"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	FailedAt      time.Time `json:"failed_at"`
}

// Archive writes dead-lettered messages to a bucket opened by URL
// (file:///..., gs://..., s3://...).
type Archive struct {
	bucket *blob.Bucket
	prefix string
	log    *slog.Logger
}

// Open opens the dead-letter bucket. An empty URL disables archiving and
// returns a nil Archive, which all methods tolerate.
func Open(ctx context.Context, bucketURL, prefix string) (*Archive, error) {
	if bucketURL == "" {
		return nil, nil
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter bucket %s: %w", bucketURL, err)
	}
	return &Archive{
		bucket: bucket,
		prefix: prefix,
		log:    slog.With("component", "deadletter"),
	}, nil
}

// Put stores the raw payload and a JSON failure record. Archive failures
// are logged, not propagated: dead-lettering is best effort and must never
// turn a permanent failure back into a retry loop.
func (a *Archive) Put(ctx context.Context, body []byte, rec Record) {
	if a == nil {
		return
	}
	rec.FailedAt = time.Now().UTC()

	base := a.keyFor(rec)
	if len(body) > 0 {
		if err := a.write(ctx, base+".pdf", body); err != nil {
			a.log.Error("archive payload failed", "key", base, "error", err)
			return
		}
	}

	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		a.log.Error("marshal dead-letter record failed", "error", err)
		return
	}
	if err := a.write(ctx, base+".json", meta); err != nil {
		a.log.Error("archive record failed", "key", base, "error", err)
		return
	}

	a.log.Info("message dead-lettered", "key", base, "stage", rec.Stage)
}

func (a *Archive) keyFor(rec Record) string {
	id := uuid.New().String()
	if rec.OrderNumber > 0 && rec.EventDate != "" {
		return fmt.Sprintf("%s%s/%d/%s", a.prefix, rec.EventDate, rec.OrderNumber, id)
	}
	return fmt.Sprintf("%sundecoded/%s", a.prefix, id)
}

func (a *Archive) write(ctx context.Context, key string, data []byte) error {
	w, err := a.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Close releases the bucket connection.
func (a *Archive) Close() error {
	if a == nil || a.bucket == nil {
		return nil
	}
	return a.bucket.Close()
}
