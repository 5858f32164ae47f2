package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/playcoach/internal/sessionstore"
	"github.com/MrWong99/playcoach/pkg/types"
)

var _ sessionstore.Store = (*Store)(nil)

// pgUniqueViolation is the SQLSTATE of a unique constraint violation.
const pgUniqueViolation = "23505"

const sessionColumns = `id, user_id, storage_path, duration_seconds, status, generation,
       claimed_by, claim_expires_at, transcript, analysis, last_error, created_at, updated_at`

// Store is a [sessionstore.Store] backed by a [pgxpool.Pool].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// Ping implements [sessionstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Create implements [sessionstore.Store].
func (s *Store) Create(ctx context.Context, ns sessionstore.NewSession) (*sessionstore.Session, error) {
	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}
	q := `
		INSERT INTO sessions (id, user_id, storage_path, duration_seconds)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.pool.QueryRow(ctx, q, ns.ID, ns.UserID, ns.StoragePath, ns.DurationSeconds))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("postgres store: create %q: already exists", ns.ID)
		}
		return nil, fmt.Errorf("postgres store: create: %w", err)
	}
	return sess, nil
}

// FindByID implements [sessionstore.Store].
func (s *Store) FindByID(ctx context.Context, id string) (*sessionstore.Session, error) {
	var sess *sessionstore.Session
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead}, func(tx pgx.Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", sessionstore.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		sess.Utterances, err = loadUtterances(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, wrap("find", err)
	}
	return sess, nil
}

// ListByStatus implements [sessionstore.Store].
func (s *Store) ListByStatus(ctx context.Context, status sessionstore.Status, limit int) ([]sessionstore.Session, error) {
	q := `SELECT ` + sessionColumns + `
		FROM   sessions
		WHERE  status = $1
		ORDER  BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sessionstore.Session, error) {
		sess, err := scanSession(row)
		if err != nil {
			return sessionstore.Session{}, err
		}
		return *sess, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	return out, nil
}

// UpdateStatus implements [sessionstore.Store].
func (s *Store) UpdateStatus(ctx context.Context, id string, gen int64, from, to sessionstore.Status, lastError string) error {
	if !sessionstore.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", sessionstore.ErrInvalidTransition, from, to)
	}
	if to != sessionstore.StatusFailed {
		lastError = ""
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockSession(ctx, tx, id, gen)
		if err != nil {
			return err
		}
		if cur != from {
			return fmt.Errorf("%w: session %s is %s, expected %s", sessionstore.ErrStatusConflict, id, cur, from)
		}
		_, err = tx.Exec(ctx, `
			UPDATE sessions
			SET    status = $2, last_error = $3, claimed_by = '', claim_expires_at = NULL, updated_at = now()
			WHERE  id = $1`, id, string(to), lastError)
		return err
	})
	return wrap("update status", err)
}

// Claim implements [sessionstore.Store].
func (s *Store) Claim(ctx context.Context, id string, gen int64, owner string, lease time.Duration) (int64, error) {
	var next int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			status  string
			cur     int64
			claimBy string
			expires *time.Time
			live    bool
		)
		err := tx.QueryRow(ctx, `
			SELECT status, generation, claimed_by, claim_expires_at,
			       COALESCE(claimed_by <> '' AND claim_expires_at > now(), false)
			FROM   sessions
			WHERE  id = $1
			FOR UPDATE`, id).Scan(&status, &cur, &claimBy, &expires, &live)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", sessionstore.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if sessionstore.Status(status) != sessionstore.StatusPending {
			return fmt.Errorf("%w: session %s is %s, expected %s", sessionstore.ErrStatusConflict, id, status, sessionstore.StatusPending)
		}
		if live {
			return fmt.Errorf("%w: session %s is claimed by %s until %s", sessionstore.ErrClaimed, id, claimBy, expires.Format(time.RFC3339))
		}
		if cur != gen {
			return fmt.Errorf("%w: session %s is at generation %d, run has %d", sessionstore.ErrStaleRun, id, cur, gen)
		}
		return tx.QueryRow(ctx, `
			UPDATE sessions
			SET    generation       = generation + 1,
			       claimed_by       = $2,
			       claim_expires_at = now() + $3::bigint * interval '1 millisecond',
			       updated_at       = now()
			WHERE  id = $1
			RETURNING generation`, id, owner, lease.Milliseconds()).Scan(&next)
	})
	if err != nil {
		return 0, wrap("claim", err)
	}
	return next, nil
}

// ReplaceUtterances implements [sessionstore.Store].
func (s *Store) ReplaceUtterances(ctx context.Context, id string, gen int64, utts []types.Utterance) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockPending(ctx, tx, id, gen); err != nil {
			return err
		}
		if err := replaceUtterances(ctx, tx, id, utts); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE sessions SET updated_at = now() WHERE id = $1`, id)
		return err
	})
	return wrap("replace utterances", err)
}

// RecordTranscript implements [sessionstore.Store].
func (s *Store) RecordTranscript(ctx context.Context, id string, gen int64, transcript string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockPending(ctx, tx, id, gen); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE sessions
			SET    transcript = $2, updated_at = now()
			WHERE  id = $1`, id, transcript)
		return err
	})
	return wrap("record transcript", err)
}

// StartAnalysis implements [sessionstore.Store].
func (s *Store) StartAnalysis(ctx context.Context, id string, gen int64, transcript string, utts []types.Utterance) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockPending(ctx, tx, id, gen); err != nil {
			return err
		}
		if err := replaceUtterances(ctx, tx, id, utts); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE sessions
			SET    transcript       = $2,
			       status           = $3,
			       last_error       = '',
			       claimed_by       = '',
			       claim_expires_at = NULL,
			       updated_at       = now()
			WHERE  id = $1`, id, transcript, string(sessionstore.StatusProcessing))
		return err
	})
	return wrap("start analysis", err)
}

// RecordAnalysisResult implements [sessionstore.Store].
func (s *Store) RecordAnalysisResult(ctx context.Context, id string, gen int64, a types.Analysis) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("postgres store: marshal analysis: %w", err)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockSession(ctx, tx, id, gen)
		if err != nil {
			return err
		}
		if cur != sessionstore.StatusProcessing {
			return fmt.Errorf("%w: session %s is %s, expected %s", sessionstore.ErrStatusConflict, id, cur, sessionstore.StatusProcessing)
		}

		b := &pgx.Batch{}
		for _, t := range a.Tags {
			b.Queue(`
				UPDATE utterances
				SET    coaching_tag = $3, feedback = $4
				WHERE  session_id = $1 AND ord = $2`, id, t.Order, t.Tag, t.Feedback)
		}
		b.Queue(`
			UPDATE sessions
			SET    analysis = $2, status = $3, last_error = '', updated_at = now()
			WHERE  id = $1`, id, payload, string(sessionstore.StatusCompleted))
		return tx.SendBatch(ctx, b).Close()
	})
	return wrap("record analysis", err)
}

// Reset implements [sessionstore.Store].
func (s *Store) Reset(ctx context.Context, id string) (*sessionstore.Session, error) {
	var sess *sessionstore.Session
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM utterances WHERE session_id = $1`, id); err != nil {
			return err
		}
		var err error
		sess, err = scanSession(tx.QueryRow(ctx, `
			UPDATE sessions
			SET    generation       = generation + 1,
			       status           = $2,
			       transcript       = '',
			       analysis         = NULL,
			       last_error       = '',
			       claimed_by       = '',
			       claim_expires_at = NULL,
			       updated_at       = now()
			WHERE  id = $1
			RETURNING `+sessionColumns, id, string(sessionstore.StatusPending)))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", sessionstore.ErrNotFound, id)
		}
		return err
	})
	if err != nil {
		return nil, wrap("reset", err)
	}
	return sess, nil
}

// lockSession locks the session row for the rest of tx and checks its
// generation. It returns the current status.
func lockSession(ctx context.Context, tx pgx.Tx, id string, gen int64) (sessionstore.Status, error) {
	var (
		status string
		cur    int64
	)
	err := tx.QueryRow(ctx, `SELECT status, generation FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&status, &cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", sessionstore.ErrNotFound, id)
	}
	if err != nil {
		return "", err
	}
	if cur != gen {
		return "", fmt.Errorf("%w: session %s is at generation %d, run has %d", sessionstore.ErrStaleRun, id, cur, gen)
	}
	return sessionstore.Status(status), nil
}

// lockPending is lockSession for writes that are only valid while the
// session is PENDING.
func lockPending(ctx context.Context, tx pgx.Tx, id string, gen int64) error {
	cur, err := lockSession(ctx, tx, id, gen)
	if err != nil {
		return err
	}
	if cur != sessionstore.StatusPending {
		return fmt.Errorf("%w: session %s is %s, expected %s", sessionstore.ErrStatusConflict, id, cur, sessionstore.StatusPending)
	}
	return nil
}

// replaceUtterances deletes the utterances of the session and copies utts in
// their place.
func replaceUtterances(ctx context.Context, tx pgx.Tx, id string, utts []types.Utterance) error {
	if _, err := tx.Exec(ctx, `DELETE FROM utterances WHERE session_id = $1`, id); err != nil {
		return err
	}
	if len(utts) == 0 {
		return nil
	}
	rows := make([][]any, len(utts))
	for i, u := range utts {
		rows[i] = []any{
			uuid.NewString(), id, u.Order, u.Speaker, u.Text,
			u.StartTime, u.EndTime, u.CoachingTag, u.Feedback,
		}
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"utterances"},
		[]string{"id", "session_id", "ord", "speaker", "text", "start_time", "end_time", "coaching_tag", "feedback"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func loadUtterances(ctx context.Context, tx pgx.Tx, id string) ([]types.Utterance, error) {
	rows, err := tx.Query(ctx, `
		SELECT ord, speaker, text, start_time, end_time, coaching_tag, feedback
		FROM   utterances
		WHERE  session_id = $1
		ORDER  BY ord`, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Utterance, error) {
		var u types.Utterance
		err := row.Scan(&u.Order, &u.Speaker, &u.Text, &u.StartTime, &u.EndTime, &u.CoachingTag, &u.Feedback)
		return u, err
	})
}

// scanSession scans one row selected with sessionColumns.
func scanSession(row pgx.Row) (*sessionstore.Session, error) {
	var (
		sess     sessionstore.Session
		status   string
		expires  *time.Time
		analysis []byte
	)
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.StoragePath,
		&sess.DurationSeconds,
		&status,
		&sess.Generation,
		&sess.ClaimedBy,
		&expires,
		&sess.Transcript,
		&analysis,
		&sess.LastError,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Status = sessionstore.Status(status)
	if expires != nil {
		sess.ClaimExpiresAt = *expires
	}
	if analysis != nil {
		var a types.Analysis
		if err := json.Unmarshal(analysis, &a); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
		sess.Analysis = &a
	}
	return &sess, nil
}

// wrap prefixes err with the operation name. Sentinel errors stay matchable
// with errors.Is.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("postgres store: %s: %w", op, err)
}
