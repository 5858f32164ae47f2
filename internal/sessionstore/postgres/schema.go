// Package postgres provides a PostgreSQL-backed [sessionstore.Store].
//
// Sessions live in the sessions table; their utterances in the utterances
// table, replaced wholesale on every reconciliation. Every generation-guarded
// write locks the session row with SELECT ... FOR UPDATE inside one
// transaction, so a concurrent reset either happens before the write (and the
// write fails with [sessionstore.ErrStaleRun]) or after it. Claims are stored
// on the session row as claimed_by and claim_expires_at and compared against
// the database clock.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	sess, _ := store.Create(ctx, sessionstore.NewSession{UserID: "u1", StoragePath: "a.wav"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT              PRIMARY KEY,
    user_id           TEXT              NOT NULL DEFAULT '',
    storage_path      TEXT              NOT NULL DEFAULT '',
    duration_seconds  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    status            TEXT              NOT NULL DEFAULT 'PENDING'
        CHECK (status IN ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
    generation        BIGINT            NOT NULL DEFAULT 0,
    claimed_by        TEXT              NOT NULL DEFAULT '',
    claim_expires_at  TIMESTAMPTZ,
    transcript        TEXT              NOT NULL DEFAULT '',
    analysis          JSONB,
    last_error        TEXT              NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ       NOT NULL DEFAULT now()
);

ALTER TABLE sessions ADD COLUMN IF NOT EXISTS claimed_by TEXT NOT NULL DEFAULT '';
ALTER TABLE sessions ADD COLUMN IF NOT EXISTS claim_expires_at TIMESTAMPTZ;

CREATE INDEX IF NOT EXISTS idx_sessions_status_created
    ON sessions (status, created_at);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);
`

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id            TEXT              PRIMARY KEY,
    session_id    TEXT              NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    ord           INTEGER           NOT NULL,
    speaker       TEXT              NOT NULL,
    text          TEXT              NOT NULL DEFAULT '',
    start_time    DOUBLE PRECISION  NOT NULL,
    end_time      DOUBLE PRECISION  NOT NULL,
    coaching_tag  TEXT              NOT NULL DEFAULT '',
    feedback      TEXT              NOT NULL DEFAULT '',
    UNIQUE (session_id, ord)
);
`

// Migrate creates the sessions and utterances tables if they do not exist.
// It is idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlUtterances} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
