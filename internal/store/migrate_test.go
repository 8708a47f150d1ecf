// ABOUTME: Tests for the versioned migration engine using small synthetic schemas
// ABOUTME: Covers idempotence, per-migration atomicity, rollback, and irreversible versions

package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(t *testing.T, db *sql.DB, migrations []Migration) *MigrationEngine {
	t.Helper()
	return NewMigrationEngine(db, migrations, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var testMigrations = []Migration{
	{
		Version: 1,
		Name:    "create notes",
		Up:      []string{`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`},
		Down:    []string{`DROP TABLE notes`},
	},
	{
		Version: 2,
		Name:    "add author",
		Up:      []string{`ALTER TABLE notes ADD COLUMN author TEXT`},
		Down:    []string{`ALTER TABLE notes DROP COLUMN author`},
	},
	{
		Version: 3,
		Name:    "add notes index",
		Up:      []string{`CREATE INDEX idx_notes_author ON notes(author)`},
		Down:    []string{`DROP INDEX idx_notes_author`},
	},
}

func TestMigrate_FreshDatabase(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db, testMigrations)
	ctx := context.Background()

	if err := engine.Migrate(ctx, 0); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	current, err := engine.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if current != 3 {
		t.Errorf("version = %d, want 3", current)
	}

	applied, err := engine.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied failed: %v", err)
	}
	if len(applied) != 3 {
		t.Fatalf("applied records = %d, want 3", len(applied))
	}
	for i, rec := range applied {
		if rec.Version != i+1 {
			t.Errorf("record %d has version %d", i, rec.Version)
		}
		if rec.AppliedAt.IsZero() {
			t.Errorf("record %d has zero applied_at", i)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db, testMigrations)
	ctx := context.Background()

	if err := engine.Migrate(ctx, 0); err != nil {
		t.Fatalf("first Migrate failed: %v", err)
	}
	if err := engine.Migrate(ctx, 0); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("counting records: %v", err)
	}
	if count != 3 {
		t.Errorf("migration records = %d after re-run, want 3", count)
	}
}

func TestMigrate_PartialTarget(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db, testMigrations)
	ctx := context.Background()

	if err := engine.Migrate(ctx, 2); err != nil {
		t.Fatalf("Migrate to 2 failed: %v", err)
	}
	current, _ := engine.CurrentVersion(ctx)
	if current != 2 {
		t.Fatalf("version = %d, want 2", current)
	}

	pending, err := engine.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Version != 3 {
		t.Errorf("pending = %+v, want just version 3", pending)
	}
}

func TestMigrate_FailureRollsBackWholeVersion(t *testing.T) {
	db := newTestDB(t)
	broken := []Migration{
		testMigrations[0],
		{
			Version: 2,
			Name:    "broken",
			Up: []string{
				`CREATE TABLE extras (id INTEGER PRIMARY KEY)`,
				`CREATE TABLE nope (id INTEGER REFERENCES missing(id) bogus syntax`,
			},
		},
	}
	engine := newTestEngine(t, db, broken)
	ctx := context.Background()

	err := engine.Migrate(ctx, 0)
	if err == nil {
		t.Fatal("expected broken migration to fail")
	}
	var merr *MigrationError
	if !errors.As(err, &merr) {
		t.Fatalf("error type = %T, want *MigrationError", err)
	}
	if merr.Version != 2 {
		t.Errorf("failed version = %d, want 2", merr.Version)
	}

	// Version 1 stays applied; version 2 leaves no trace, including the table
	// created by its first statement.
	current, _ := engine.CurrentVersion(ctx)
	if current != 1 {
		t.Errorf("version = %d after failure, want 1", current)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='extras'`).Scan(&count); err != nil {
		t.Fatalf("checking for partial table: %v", err)
	}
	if count != 0 {
		t.Error("partially applied migration left table behind")
	}
}

func TestRollback(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db, testMigrations)
	ctx := context.Background()

	if err := engine.Migrate(ctx, 0); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := engine.Rollback(ctx, 1); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	current, _ := engine.CurrentVersion(ctx)
	if current != 1 {
		t.Errorf("version = %d after rollback, want 1", current)
	}

	// The notes table survives; the author column from version 2 is gone.
	if _, err := db.Exec(`INSERT INTO notes (body) VALUES ('x')`); err != nil {
		t.Errorf("notes table unusable after rollback: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO notes (body, author) VALUES ('x', 'y')`); err == nil {
		t.Error("author column still present after rollback")
	}
}

func TestRollback_FailsFastOnIrreversible(t *testing.T) {
	db := newTestDB(t)
	migrations := []Migration{
		testMigrations[0],
		{
			Version: 2,
			Name:    "irreversible",
			Up:      []string{`ALTER TABLE notes ADD COLUMN author TEXT`},
		},
		testMigrations[2],
	}
	engine := newTestEngine(t, db, migrations)
	ctx := context.Background()

	if err := engine.Migrate(ctx, 0); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// Version 2 has no Down, so rolling back through it must fail before
	// touching version 3.
	err := engine.Rollback(ctx, 1)
	var merr *MigrationError
	if !errors.As(err, &merr) {
		t.Fatalf("error = %v, want *MigrationError", err)
	}
	if merr.Version != 2 {
		t.Errorf("failed version = %d, want 2", merr.Version)
	}
	current, _ := engine.CurrentVersion(ctx)
	if current != 3 {
		t.Errorf("version = %d, want untouched 3", current)
	}
}

func TestRollback_NoopAtOrAboveCurrent(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db, testMigrations)
	ctx := context.Background()

	if err := engine.Migrate(ctx, 2); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := engine.Rollback(ctx, 5); err != nil {
		t.Fatalf("Rollback above current failed: %v", err)
	}
	current, _ := engine.CurrentVersion(ctx)
	if current != 2 {
		t.Errorf("version = %d, want 2", current)
	}
}

func TestCurrentVersion_EmptyDatabase(t *testing.T) {
	db := newTestDB(t)
	engine := newTestEngine(t, db, testMigrations)

	current, err := engine.CurrentVersion(context.Background())
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if current != 0 {
		t.Errorf("version = %d on empty database, want 0", current)
	}
}

func TestHealCriticalColumns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	// Simulate a column lost despite the migration record claiming otherwise.
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE recordings DROP COLUMN metadata`); err != nil {
		t.Fatalf("dropping column: %v", err)
	}

	if err := s.Migrations().healCriticalColumns(ctx); err != nil {
		t.Fatalf("healCriticalColumns failed: %v", err)
	}

	exists, err := columnExists(ctx, s.db, "recordings", "metadata")
	if err != nil {
		t.Fatalf("columnExists failed: %v", err)
	}
	if !exists {
		t.Error("metadata column was not restored")
	}

	// Running again with everything present is a no-op.
	if err := s.Migrations().healCriticalColumns(ctx); err != nil {
		t.Fatalf("second healCriticalColumns failed: %v", err)
	}
}
