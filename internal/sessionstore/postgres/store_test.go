package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/playcoach/internal/sessionstore"
	"github.com/MrWong99/playcoach/internal/sessionstore/postgres"
	"github.com/MrWong99/playcoach/internal/sessionstore/storetest"
	"github.com/MrWong99/playcoach/pkg/types"
)

// testDSN returns the DSN from the environment or skips the test if
// PLAYCOACH_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PLAYCOACH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PLAYCOACH_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a [postgres.Store] on a clean schema and closes it
// when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS utterances CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// The suite drops tables per subtest, so subtests must not run in parallel.
func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) sessionstore.Store {
		return newTestStore(t)
	})
}

func TestStore_MigrateIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestStore_AnalysisRoundTripsAsJSONB(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, sessionstore.NewSession{UserID: "u", StoragePath: "a.wav", DurationSeconds: 10})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStatus(ctx, sess.ID, 0, sessionstore.StatusPending, sessionstore.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	want := types.Analysis{
		SpeakerRoles: map[string]string{"speaker_0": types.RoleAdult},
		TagCounts:    map[string]int{"question": 2},
		Scores:       map[string]float64{"overall": 0.5},
		Summary:      "ok",
	}
	if err := store.RecordAnalysisResult(ctx, sess.ID, 0, want); err != nil {
		t.Fatal(err)
	}
	got, err := store.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Analysis == nil || got.Analysis.TagCounts["question"] != 2 || got.Analysis.SpeakerRoles["speaker_0"] != types.RoleAdult {
		t.Errorf("analysis = %+v", got.Analysis)
	}
}

func TestStore_MigrateAddsClaimColumns(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS utterances CASCADE",
		"DROP TABLE IF EXISTS sessions CASCADE",
		`CREATE TABLE sessions (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL DEFAULT '',
			storage_path     TEXT NOT NULL DEFAULT '',
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			status           TEXT NOT NULL DEFAULT 'PENDING',
			generation       BIGINT NOT NULL DEFAULT 0,
			transcript       TEXT NOT NULL DEFAULT '',
			analysis         JSONB,
			last_error       TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`INSERT INTO sessions (id, user_id, storage_path) VALUES ('legacy', 'u', 'a.wav')`,
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			t.Fatalf("prepare legacy schema: %v", err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore on legacy schema: %v", err)
	}
	t.Cleanup(store.Close)

	gen, err := store.Claim(ctx, "legacy", 0, "replica-a", time.Minute)
	if err != nil {
		t.Fatalf("Claim on migrated row: %v", err)
	}
	got, err := store.FindByID(ctx, "legacy")
	if err != nil {
		t.Fatal(err)
	}
	if got.Generation != gen || got.ClaimedBy != "replica-a" || got.ClaimExpiresAt.IsZero() {
		t.Errorf("migrated session = %+v", got)
	}
}
