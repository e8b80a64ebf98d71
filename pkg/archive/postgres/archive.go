// Package postgres provides a PostgreSQL-backed [archive.Archiver].
//
// All attempts share a single [pgxpool.Pool] connection pool. [New] runs the
// schema migration automatically.
//
// Usage:
//
//	a, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer a.Close()
//
//	_ = a.SaveAttempt(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxexam/voxexam/pkg/archive"
)

// Compile-time interface check.
var _ archive.Archiver = (*Archive)(nil)

const ddlAttempts = `
CREATE TABLE IF NOT EXISTS exam_attempts (
    session_id   TEXT         NOT NULL,
    attempt_id   TEXT         NOT NULL,
    exam_id      TEXT         NOT NULL,
    started_at   TIMESTAMPTZ  NOT NULL,
    completed_at TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, attempt_id)
);

CREATE TABLE IF NOT EXISTS exam_turns (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    attempt_id   TEXT         NOT NULL,
    ordinal      INT          NOT NULL,
    turn_id      TEXT         NOT NULL,
    role         TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    location_key TEXT         NOT NULL DEFAULT '',
    at           TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exam_turns_attempt
    ON exam_turns (session_id, attempt_id, ordinal);

CREATE TABLE IF NOT EXISTS exam_events (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    attempt_id   TEXT         NOT NULL,
    seq          BIGINT       NOT NULL,
    at           TIMESTAMPTZ  NOT NULL,
    channel      TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    message_id   TEXT         NOT NULL DEFAULT '',
    status       TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_exam_events_attempt
    ON exam_events (session_id, attempt_id, seq);
`

// Archive is a PostgreSQL-backed archiver. All operations are safe for
// concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

// New creates an Archive, establishes a connection pool to the PostgreSQL
// database at dsn, and ensures the required tables exist.
func New(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlAttempts); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: migrate: %w", err)
	}

	return &Archive{pool: pool}, nil
}

// Ping verifies the database connection is alive. Used by readiness probes.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// SaveAttempt implements [archive.Archiver]. The attempt header, turns, and
// events are written in a single transaction; re-saving the same
// (session_id, attempt_id) replaces the earlier record.
func (a *Archive) SaveAttempt(ctx context.Context, rec archive.AttemptRecord) error {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres archive: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO exam_attempts (session_id, attempt_id, exam_id, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, attempt_id) DO UPDATE
		SET exam_id = EXCLUDED.exam_id,
		    started_at = EXCLUDED.started_at,
		    completed_at = EXCLUDED.completed_at`

	if _, err := tx.Exec(ctx, upsert,
		rec.SessionID, rec.AttemptID, rec.ExamID, rec.StartedAt, rec.CompletedAt,
	); err != nil {
		return fmt.Errorf("postgres archive: upsert attempt: %w", err)
	}

	// Replace turn and event rows wholesale so a re-save cannot duplicate.
	if _, err := tx.Exec(ctx,
		`DELETE FROM exam_turns WHERE session_id = $1 AND attempt_id = $2`,
		rec.SessionID, rec.AttemptID,
	); err != nil {
		return fmt.Errorf("postgres archive: clear turns: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM exam_events WHERE session_id = $1 AND attempt_id = $2`,
		rec.SessionID, rec.AttemptID,
	); err != nil {
		return fmt.Errorf("postgres archive: clear events: %w", err)
	}

	turnRows := make([][]any, 0, len(rec.Turns))
	for i, t := range rec.Turns {
		turnRows = append(turnRows, []any{
			rec.SessionID, rec.AttemptID, i, t.TurnID, t.Role, t.Text, t.LocationKey, t.At,
		})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"exam_turns"},
		[]string{"session_id", "attempt_id", "ordinal", "turn_id", "role", "text", "location_key", "at"},
		pgx.CopyFromRows(turnRows),
	); err != nil {
		return fmt.Errorf("postgres archive: copy turns: %w", err)
	}

	eventRows := make([][]any, 0, len(rec.Events))
	for _, e := range rec.Events {
		eventRows = append(eventRows, []any{
			rec.SessionID, rec.AttemptID, int64(e.Seq), e.At, e.Channel, e.Text, e.MessageID, e.Status,
		})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"exam_events"},
		[]string{"session_id", "attempt_id", "seq", "at", "channel", "text", "message_id", "status"},
		pgx.CopyFromRows(eventRows),
	); err != nil {
		return fmt.Errorf("postgres archive: copy events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres archive: commit: %w", err)
	}
	return nil
}

// ListAttempts returns the attempt headers stored for sessionID, ordered by
// start time (oldest first). Turns and events are not loaded.
func (a *Archive) ListAttempts(ctx context.Context, sessionID string) ([]archive.AttemptRecord, error) {
	const q = `
		SELECT session_id, attempt_id, exam_id, started_at, completed_at
		FROM   exam_attempts
		WHERE  session_id = $1
		ORDER  BY started_at`

	rows, err := a.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: list attempts: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.AttemptRecord, error) {
		var r archive.AttemptRecord
		err := row.Scan(&r.SessionID, &r.AttemptID, &r.ExamID, &r.StartedAt, &r.CompletedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres archive: scan attempts: %w", err)
	}
	if recs == nil {
		recs = []archive.AttemptRecord{}
	}
	return recs, nil
}

// Close releases all connections held by the underlying connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}
