//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/server/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/console/internal/monitor"
	"github.com/tripwire/console/internal/server/storage"
)

// setupDB starts a PostgreSQL container and returns a Store (schema already
// migrated) and a raw pgxpool for table-level assertions.
func setupDB(t *testing.T, batchSize int) (*storage.Store, *pgxpool.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("console_test"),
		tcpostgres.WithUsername("console"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	store, err := storage.New(ctx, connStr, storage.Options{
		BatchSize:     batchSize,
		FlushInterval: 50 * time.Millisecond,
	})
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("storage.New: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		store.Close(ctx)
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("raw pool: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return store, rawPool, cleanup
}

func testEvents(base time.Time, paths ...string) []monitor.Event {
	out := make([]monitor.Event, 0, len(paths))
	for i, p := range paths {
		out = append(out, monitor.Event{
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			EventType:  monitor.EventModified,
			FilePath:   p,
			RetryCount: i,
		})
	}
	return out
}

func countRows(t *testing.T, pool *pgxpool.Pool, sessionID string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM monitor_events WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

// ── Migrations ────────────────────────────────────────────────────────────────

func TestMigrateIsIdempotent(t *testing.T) {
	store, _, cleanup := setupDB(t, 10)
	defer cleanup()

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

// ── Batch writes ──────────────────────────────────────────────────────────────

func TestRecordBatch_FlushOnSize(t *testing.T) {
	store, pool, cleanup := setupDB(t, 3)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.RecordBatch(ctx, "s1", "http://m1", testEvents(base, "/a", "/b", "/c")); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	// Reaching the batch size flushes synchronously.
	if got := countRows(t, pool, "s1"); got != 3 {
		t.Errorf("rows after full batch = %d, want 3", got)
	}
}

func TestRecordBatch_FlushOnInterval(t *testing.T) {
	store, pool, cleanup := setupDB(t, 100)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC()
	if err := store.RecordBatch(ctx, "s2", "http://m1", testEvents(base, "/only")); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countRows(t, pool, "s2") == 1 {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("row not flushed by background loop")
}

func TestRecordBatch_EmptyIsNoop(t *testing.T) {
	store, pool, cleanup := setupDB(t, 1)
	defer cleanup()

	if err := store.RecordBatch(context.Background(), "s3", "http://m1", nil); err != nil {
		t.Fatalf("RecordBatch(nil): %v", err)
	}
	if got := countRows(t, pool, "s3"); got != 0 {
		t.Errorf("rows = %d, want 0", got)
	}
}

// ── Reads ─────────────────────────────────────────────────────────────────────

func TestRecentEvents_RoundTrip(t *testing.T) {
	store, _, cleanup := setupDB(t, 100)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := testEvents(base, "/etc/passwd", "/etc/hosts")
	in[1].Processed = true
	in[1].EventType = monitor.EventDeleted

	if err := store.RecordBatch(ctx, "s4", "http://m1/api", in); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := store.RecentEvents(ctx, storage.EventQuery{SessionID: "s4"})
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for i, d := range got {
		if d.ID == 0 {
			t.Errorf("[%d] ID not populated", i)
		}
		if d.Endpoint != "http://m1/api" {
			t.Errorf("[%d] endpoint = %q", i, d.Endpoint)
		}
		if d.Event.FilePath != in[i].FilePath {
			t.Errorf("[%d] path = %q, want %q", i, d.Event.FilePath, in[i].FilePath)
		}
		if !d.Event.Timestamp.Equal(in[i].Timestamp) {
			t.Errorf("[%d] ts = %v, want %v", i, d.Event.Timestamp, in[i].Timestamp)
		}
	}
	if got[1].Event.EventType != monitor.EventDeleted || !got[1].Event.Processed {
		t.Errorf("second row = %+v", got[1].Event)
	}
}

func TestRecentEvents_IsolatedPerSession(t *testing.T) {
	store, _, cleanup := setupDB(t, 100)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC()
	_ = store.RecordBatch(ctx, "alpha", "http://m1", testEvents(base, "/a1", "/a2"))
	_ = store.RecordBatch(ctx, "beta", "http://m2", testEvents(base, "/b1"))
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := store.RecentEvents(ctx, storage.EventQuery{SessionID: "beta"})
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 1 || got[0].Event.FilePath != "/b1" {
		t.Errorf("beta history = %+v", got)
	}
}

func TestRecentEvents_Limit(t *testing.T) {
	store, _, cleanup := setupDB(t, 100)
	defer cleanup()
	ctx := context.Background()

	_ = store.RecordBatch(ctx, "s5", "http://m1", testEvents(time.Now().UTC(), "/1", "/2", "/3", "/4"))
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := store.RecentEvents(ctx, storage.EventQuery{SessionID: "s5", Limit: 2})
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestRecentEvents_RequiresSession(t *testing.T) {
	store, _, cleanup := setupDB(t, 10)
	defer cleanup()

	_, err := store.RecentEvents(context.Background(), storage.EventQuery{})
	if !errors.Is(err, storage.ErrSessionRequired) {
		t.Errorf("err = %v, want ErrSessionRequired", err)
	}
}

func TestDeleteSession(t *testing.T) {
	store, pool, cleanup := setupDB(t, 100)
	defer cleanup()
	ctx := context.Background()

	_ = store.RecordBatch(ctx, "gone", "http://m1", testEvents(time.Now().UTC(), "/x", "/y"))
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	n, err := store.DeleteSession(ctx, "gone")
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if got := countRows(t, pool, "gone"); got != 0 {
		t.Errorf("rows left = %d", got)
	}
}
