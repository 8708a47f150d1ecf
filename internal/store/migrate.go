// ABOUTME: Versioned schema-migration engine applying additive changes transactionally
// ABOUTME: Records applied versions in schema_migrations so restarts are idempotent

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Migration is one versioned schema change. Up is an ordered multi-statement
// script; Down is the optional rollback script. An empty Down marks the
// migration irreversible.
type Migration struct {
	Version int
	Name    string
	Up      []string
	Down    []string
}

// MigrationError wraps a failed migration with the version and name that
// failed. Migration failure is fatal: the enclosing application must not
// continue operating against a partially-migrated schema.
type MigrationError struct {
	Version int
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s): %v", e.Version, e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// MigrationEngine evolves the schema forward exactly once per version. The
// current version is always read from the database itself, never cached, so
// it is always consistent with committed state.
type MigrationEngine struct {
	db         *sql.DB
	migrations []Migration
	logger     *slog.Logger
}

// NewMigrationEngine builds an engine over db with the given registered
// migrations. Callers normally use Store.Migrations, which binds the
// registered schema set.
func NewMigrationEngine(db *sql.DB, migrations []Migration, logger *slog.Logger) *MigrationEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationEngine{db: db, migrations: migrations, logger: logger}
}

func (e *MigrationEngine) ensureMigrationTable(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("ensuring schema_migrations table: %w", err)
	}
	return nil
}

// CurrentVersion returns max(version) over applied migration records, or 0
// if none have been applied.
func (e *MigrationEngine) CurrentVersion(ctx context.Context) (int, error) {
	if err := e.ensureMigrationTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := e.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// Pending returns, in ascending order, every registered migration whose
// version exceeds the current version.
func (e *MigrationEngine) Pending(ctx context.Context) ([]Migration, error) {
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	ordered := e.ordered()
	var pending []Migration
	for _, m := range ordered {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Applied returns the applied migration records in ascending version order.
func (e *MigrationEngine) Applied(ctx context.Context) ([]MigrationRecord, error) {
	if err := e.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying migration records: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var appliedAt string
		if err := rows.Scan(&r.Version, &r.Name, &appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration record: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Migrate applies every pending migration up to target in ascending order,
// each in its own transaction alongside its schema_migrations record. A
// target of 0 means the highest registered version. On failure the
// transaction rolls back entirely, leaving the prior version fully intact,
// and a *MigrationError is returned; the engine never partially applies or
// auto-retries a failed migration. Re-running at or above target performs
// zero writes.
func (e *MigrationEngine) Migrate(ctx context.Context, target int) error {
	ordered := e.ordered()
	if target <= 0 {
		target = maxVersion(ordered)
	}

	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range ordered {
		if m.Version <= current || m.Version > target {
			continue
		}
		if err := e.applyUp(ctx, m); err != nil {
			return err
		}
		e.logger.Info("applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

func (e *MigrationEngine) applyUp(ctx context.Context, m Migration) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	for _, stmt := range m.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		tx.Rollback()
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	return nil
}

// Rollback applies Down scripts for migrations above target in descending
// order, removing each migration record in the same transaction. It fails
// fast with *MigrationError if any migration in range lacks rollback SQL;
// data-shape-changing migrations may be irreversible.
func (e *MigrationEngine) Rollback(ctx context.Context, target int) error {
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if target >= current {
		return nil
	}

	ordered := e.ordered()
	// Fail fast before touching anything if the range is not fully reversible.
	for _, m := range ordered {
		if m.Version > target && m.Version <= current && len(m.Down) == 0 {
			return &MigrationError{Version: m.Version, Name: m.Name,
				Err: fmt.Errorf("migration has no rollback SQL")}
		}
	}

	for i := len(ordered) - 1; i >= 0; i-- {
		m := ordered[i]
		if m.Version <= target || m.Version > current {
			continue
		}
		if err := e.applyDown(ctx, m); err != nil {
			return err
		}
		e.logger.Info("rolled back migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

func (e *MigrationEngine) applyDown(ctx context.Context, m Migration) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	for _, stmt := range m.Down {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
		tx.Rollback()
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	return nil
}

// healCriticalColumns re-checks a small fixed set of columns and adds any
// that are missing. It runs only after the versioned history is current and
// tolerates duplicate-column errors, so it never conflicts with migrations.
func (e *MigrationEngine) healCriticalColumns(ctx context.Context) error {
	for _, c := range criticalColumns {
		exists, err := columnExists(ctx, e.db, c.table, c.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := e.db.ExecContext(ctx, c.ddl); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("adding %s.%s: %w", c.table, c.column, err)
		}
		e.logger.Warn("healed missing critical column", "table", c.table, "column", c.column)
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return true, nil
}

func (e *MigrationEngine) ordered() []Migration {
	out := make([]Migration, len(e.migrations))
	copy(out, e.migrations)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func maxVersion(migrations []Migration) int {
	max := 0
	for _, m := range migrations {
		if m.Version > max {
			max = m.Version
		}
	}
	return max
}
