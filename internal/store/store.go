// ABOUTME: Core types, error taxonomy, and the Store facade for chartscribe persistence
// ABOUTME: Defines Recording, QueueEntry, BatchJob, AnalysisResult and the Open/Close lifecycle

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned when an operation is attempted after CloseAll.
// It always indicates a lifecycle bug in the caller.
var ErrClosed = errors.New("store is closed")

// ProcessingStatus tracks a recording through the pipeline:
// pending -> processing -> {completed, failed}. A failed recording may be
// reset to pending by the caller; the store only records the transition.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// QueueStatus is the lifecycle of a processing queue entry.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// Recording is a captured visit recording plus the documents derived from it.
// Filename is required and non-empty; ID and CreatedAt are set once at creation.
type Recording struct {
	ID              int64
	Filename        string
	Transcript      *string
	SoapNote        *string
	Referral        *string
	Letter          *string
	Chat            *string
	CreatedAt       time.Time
	Status          ProcessingStatus
	PatientName     *string
	AudioPath       *string
	DurationSeconds *float64
	FileSizeBytes   *int64
	STTProvider     *string
	AIProvider      *string
	Tags            []string
	Metadata        map[string]any
}

// QueueEntry is one unit of work in the processing queue.
// TaskID uniqueness is enforced by the storage layer.
type QueueEntry struct {
	ID          int64
	RecordingID int64
	TaskID      string
	Priority    int // 0-10
	Status      QueueStatus
	BatchID     *string
	ErrorCount  int
	Result      *string
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BatchJob groups queue entries submitted together.
// Invariant: CompletedCount + FailedCount <= TotalCount.
type BatchJob struct {
	BatchID        string
	TotalCount     int
	CompletedCount int
	FailedCount    int
	Status         string
	Options        map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AnalysisResult is an AI-derived analysis, optionally linked to a recording.
// Successive revisions form a version chain through ParentAnalysisID; version
// numbers increase monotonically along the chain.
type AnalysisResult struct {
	ID                int64
	RecordingID       *int64 // nullable: analyses may be saved before a recording exists
	AnalysisType      string
	AnalysisSubtype   *string
	ResultText        string
	ResultJSON        *string
	Metadata          map[string]any
	Version           int
	ParentAnalysisID  *int64
	PatientIdentifier *string
	CreatedAt         time.Time
}

// Differential is one ranked differential-diagnosis row for an analysis.
type Differential struct {
	Rank      int
	Condition string
	Reasoning string
}

// Investigation is one recommended investigation for an analysis.
type Investigation struct {
	Name      string
	Rationale string
	Priority  string
}

// MigrationRecord is one applied schema migration.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Options tunes store behavior. The zero value uses defaults.
type Options struct {
	BusyTimeout   time.Duration // per-connection busy timeout, default 5s
	WarnThreshold int           // tracked-connection warn threshold, default 8
	Logger        *slog.Logger
}

const defaultBusyTimeout = 5 * time.Second

// Store is the only sanctioned surface for reading and writing the data file.
// It owns a per-owner connection manager and the migration engine; every
// operation validates dynamic fields before they reach SQL text.
type Store struct {
	db     *sql.DB
	conns  *ConnManager
	logger *slog.Logger
}

// Open opens (or creates) the database at path, configures it (WAL mode,
// busy timeout, foreign keys), and brings the schema up to the latest
// registered version. Migration failure is fatal: the returned error wraps a
// *MigrationError and the file is left at its last fully-migrated version.
// Parent directories are created if needed.
func Open(path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL is a database-level setting; busy timeout and foreign keys are
	// per-connection and applied again on every session the manager opens.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		conns:  newConnManager(db, opts, logger),
		logger: logger,
	}

	engine := s.Migrations()
	if err := engine.Migrate(context.Background(), 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	if err := engine.healCriticalColumns(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("checking critical columns: %w", err)
	}

	logger.Info("store initialized", "path", path)
	return s, nil
}

// Migrations returns the migration engine bound to this store's database and
// the registered schema versions.
func (s *Store) Migrations() *MigrationEngine {
	return &MigrationEngine{db: s.db, migrations: schemaMigrations, logger: s.logger}
}

// Conns exposes the connection manager for observability and stale cleanup.
func (s *Store) Conns() *ConnManager {
	return s.conns
}

// Close tears down every tracked connection and the underlying database.
// Safe to call more than once.
func (s *Store) Close() error {
	s.conns.CloseAll()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// conn returns the calling owner's dedicated connection.
func (s *Store) conn(ctx context.Context) (*sql.Conn, error) {
	return s.conns.Get(ctx)
}

// withTx runs fn inside a transaction on the caller's connection, committing
// on success and rolling back on any error before returning it, so a caller
// that fails mid-operation never leaves a half-written row visible.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
