package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cuesheet/internal/history"
	"cuesheet/internal/rundown"
	"cuesheet/internal/util"

	"github.com/jackc/pgx/v5/pgconn"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("CUESHEET_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CUESHEET_TEST_DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresHistoryAppendListGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rundownID := util.NewID("it")

	base := time.Now().UTC().Truncate(time.Millisecond)
	snap := rundown.NewSnapshot(rundown.State{
		Segments: []rundown.Segment{{ID: "seg_a", Name: "Open", Type: rundown.TypeVideo, DurationSeconds: rundown.Seconds(30), TimingMode: rundown.TimingFixed}},
	}, "Delete segment", base)

	first := history.Entry{ID: util.NewID("hist"), RundownID: rundownID, Action: "Delete segment", Actor: "Ana", Timestamp: base, Snapshot: &snap}
	second := history.Entry{ID: util.NewID("hist"), RundownID: rundownID, Action: "Submit for review", Actor: "Ben", Timestamp: base.Add(time.Second),
		Details: map[string]string{"previousStatus": "draft", "newStatus": "in-review"}}

	for _, entry := range []history.Entry{first, second} {
		if err := s.Append(ctx, entry); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	entries, err := s.List(ctx, rundownID, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", entries)
	}
	if entries[0].Details["newStatus"] != "in-review" || entries[0].Snapshot != nil {
		t.Errorf("unexpected second entry: %+v", entries[0])
	}

	got, err := s.Get(ctx, rundownID, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Snapshot == nil || got.Snapshot.State.Segments[0].Name != "Open" {
		t.Errorf("snapshot not round-tripped: %+v", got.Snapshot)
	}
	if _, err := s.Get(ctx, rundownID, "hist_missing"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresHistoryIsImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	entry := history.Entry{ID: util.NewID("hist"), RundownID: util.NewID("it"), Action: "Add segment", Actor: "Ana", Timestamp: time.Now().UTC()}
	if err := s.Append(ctx, entry); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	for _, stmt := range []string{
		`UPDATE rundown_history SET action = 'changed' WHERE id = $1`,
		`DELETE FROM rundown_history WHERE id = $1`,
	} {
		_, err := s.DB().ExecContext(ctx, stmt, entry.ID)
		if err == nil {
			t.Fatalf("expected %q to be blocked", stmt)
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			t.Fatalf("expected PostgreSQL error, got: %v", err)
		}
		if pgErr.SQLState() != "55000" {
			t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
		}
	}
}
