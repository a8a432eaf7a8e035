package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labelworks/print-relay/internal/job"
)

//go:embed schema.sql
var schemaSQL string

const entryColumns = `order_number, event_date, state, reprint_count, attempts,
       COALESCE(last_error, ''), created_at, updated_at, printed_at`

// PostgresStore implements Store using PostgreSQL. Admission relies on
// create-if-absent (INSERT ... ON CONFLICT DO NOTHING) and compare-and-swap
// (UPDATE ... WHERE state = ...) so it is linearizable across instances
// without any external lock.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// PostgresConfig configures the ledger connection.
type PostgresConfig struct {
	DSN string
}

// NewPostgresStore connects to the ledger database and ensures the schema.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		log:  slog.With("component", "ledger"),
	}
	s.log.Info("connected to ledger database")
	return s, nil
}

// Get returns the entry for key, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, key job.Key) (*job.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM print_ledger
		WHERE order_number = $1 AND event_date = $2`

	entry, err := scanEntry(s.pool.QueryRow(ctx, query, key.OrderNumber, key.EventDate))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger entry %s: %w", key, err)
	}
	return entry, nil
}

// TryBeginAttempt atomically claims key for printing. See Store for the
// decision table.
func (s *PostgresStore) TryBeginAttempt(ctx context.Context, key job.Key, isReprint bool) (Admission, *job.Entry, error) {
	// Create-if-absent: a never-seen identity is claimed directly into
	// PRINTING. Exactly one of N concurrent inserts wins the row.
	insert := `
		INSERT INTO print_ledger (order_number, event_date, state, attempts)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (order_number, event_date) DO NOTHING
		RETURNING ` + entryColumns

	entry, err := scanEntry(s.pool.QueryRow(ctx, insert, key.OrderNumber, key.EventDate, job.StatePrinting))
	if err == nil {
		return Admitted, entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Duplicate, nil, fmt.Errorf("begin attempt %s: %w", key, err)
	}

	// Row exists. A reprint claims a COMPLETED entry and bumps the count.
	if isReprint {
		reprint := `
			UPDATE print_ledger
			SET state = $3, reprint_count = reprint_count + 1,
			    attempts = attempts + 1, updated_at = NOW()
			WHERE order_number = $1 AND event_date = $2 AND state = $4
			RETURNING ` + entryColumns

		entry, err = scanEntry(s.pool.QueryRow(ctx, reprint,
			key.OrderNumber, key.EventDate, job.StatePrinting, job.StateCompleted))
		if err == nil {
			return AdmittedAsReprint, entry, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Duplicate, nil, fmt.Errorf("begin reprint %s: %w", key, err)
		}
	}

	// A FAILED entry is reclaimable by any delivery (retry after nack).
	retry := `
		UPDATE print_ledger
		SET state = $3, attempts = attempts + 1, updated_at = NOW()
		WHERE order_number = $1 AND event_date = $2 AND state = $4
		RETURNING ` + entryColumns

	entry, err = scanEntry(s.pool.QueryRow(ctx, retry,
		key.OrderNumber, key.EventDate, job.StatePrinting, job.StateFailed))
	if err == nil {
		return Admitted, entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Duplicate, nil, fmt.Errorf("begin retry %s: %w", key, err)
	}

	// Somebody else owns it (PENDING/PRINTING), or it is COMPLETED and
	// this delivery is not a reprint. Return the current entry for logging.
	current, err := s.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Duplicate, nil, err
	}
	return Duplicate, current, nil
}

// RecordOutcome writes the terminal state of the attempt the caller owns.
func (s *PostgresStore) RecordOutcome(ctx context.Context, key job.Key, outcome job.Outcome) error {
	var query string
	var args []any
	switch outcome.State {
	case job.StateCompleted:
		query = `
			UPDATE print_ledger
			SET state = $3, printed_at = NOW(), updated_at = NOW(), last_error = NULL
			WHERE order_number = $1 AND event_date = $2`
		args = []any{key.OrderNumber, key.EventDate, job.StateCompleted}
	case job.StateFailed:
		query = `
			UPDATE print_ledger
			SET state = $3, last_error = $4, updated_at = NOW()
			WHERE order_number = $1 AND event_date = $2`
		args = []any{key.OrderNumber, key.EventDate, job.StateFailed, outcome.LastError}
	default:
		return fmt.Errorf("record outcome %s: state %q is not terminal", key, outcome.State)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record outcome %s: entry vanished", key)
	}
	return nil
}

// RecoverStale marks in-flight entries older than olderThan as FAILED so
// redelivered messages can reclaim them.
func (s *PostgresStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	query := `
		UPDATE print_ledger
		SET state = $1, last_error = 'attempt abandoned (stale printing state)', updated_at = NOW()
		WHERE state IN ($2, $3) AND updated_at < $4`

	tag, err := s.pool.Exec(ctx, query,
		job.StateFailed, job.StatePrinting, job.StatePending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale entries: %w", err)
	}

	n := int(tag.RowsAffected())
	if n > 0 {
		s.log.Warn("recovered stale ledger entries", "count", n, "older_than", olderThan.String())
	}
	return n, nil
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*job.Entry, error) {
	var (
		e         job.Entry
		eventDate time.Time
		state     string
	)
	err := row.Scan(
		&e.Key.OrderNumber, &eventDate, &state, &e.ReprintCount, &e.Attempts,
		&e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.PrintedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Key = job.NewKey(e.Key.OrderNumber, eventDate)
	e.State = job.State(state)
	return &e, nil
}

var _ Store = (*PostgresStore)(nil)
