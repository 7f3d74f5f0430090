package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/orderpipe/libs/db"
	otelx "github.com/md-rashed-zaman/orderpipe/libs/otel"
)

var (
	ErrTxRequired     = errors.New("outbox: insert requires the caller's transaction")
	ErrRecordNotFound = errors.New("outbox: record not found")
)

// Store owns the persisted state of outbox records. Implementations never
// retry; storage errors are returned wrapped.
type Store interface {
	// Insert writes rec inside tx. Nothing is visible until tx commits.
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (int64, error)
	// ListUnprocessed returns pending records oldest first (created_at, id).
	// limit <= 0 returns all of them.
	ListUnprocessed(ctx context.Context, limit int) ([]Record, error)
	// MarkProcessed flips processed to true. Already processed is not an error.
	MarkProcessed(ctx context.Context, id int64) error
	// RecordFailure bumps the attempt counter and returns its new value.
	RecordFailure(ctx context.Context, id int64, errMsg string) (int, error)
	// DeadLetter takes the record out of ListUnprocessed without marking it processed.
	DeadLetter(ctx context.Context, id int64, reason string) error
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed BOOLEAN NOT NULL DEFAULT false,
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT,
	processed_at TIMESTAMPTZ,
	dead_lettered_at TIMESTAMPTZ,
	traceparent TEXT NOT NULL DEFAULT '',
	tracestate TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS outbox_events_pending_idx
	ON outbox_events (created_at, id)
	WHERE processed = false AND dead_lettered_at IS NULL;
`

type PostgresStore struct {
	pool *db.Pool
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("outbox schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, tx pgx.Tx, rec Record) (int64, error) {
	if tx == nil {
		return 0, ErrTxRequired
	}
	rec = withTraceContext(ctx, rec)
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_events (topic, payload, created_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, rec.Topic, string(rec.Payload), rec.CreatedAt, rec.Traceparent, rec.Tracestate).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert outbox record: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListUnprocessed(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT id, topic, payload, created_at, attempts, COALESCE(last_error, ''), traceparent, tracestate
		FROM outbox_events
		WHERE processed = false AND dead_lettered_at IS NULL
		ORDER BY created_at, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.Topic, &payload, &rec.CreatedAt, &rec.Attempts, &rec.LastError, &rec.Traceparent, &rec.Tracestate); err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET processed = true, processed_at = now()
		WHERE id = $1 AND processed = false
	`, id)
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id int64, errMsg string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1
		RETURNING attempts
	`, id, truncateError(errMsg)).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("record failure %d: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record failure %d: %w", id, err)
	}
	return attempts, nil
}

func (s *PostgresStore) DeadLetter(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET dead_lettered_at = now(), last_error = $2
		WHERE id = $1 AND processed = false AND dead_lettered_at IS NULL
	`, id, truncateError(reason))
	if err != nil {
		return fmt.Errorf("dead-letter %d: %w", id, err)
	}
	return nil
}

func withTraceContext(ctx context.Context, rec Record) Record {
	if rec.Traceparent == "" && rec.Tracestate == "" {
		rec.Traceparent, rec.Tracestate = otelx.TraceContextStrings(ctx)
	}
	return rec
}
