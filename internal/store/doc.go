// Package store provides embedded, thread-safe persistence for chartscribe
// using SQLite.
//
// # Architecture
//
// The store is built from three components behind one facade:
//
//   - ConnManager: one dedicated database session per owner, created lazily,
//     tracked for bulk close and stale reclamation
//   - MigrationEngine: versioned, transactional schema evolution recorded in
//     schema_migrations
//   - Field validation: per-table allowlists checked before any dynamic
//     column name reaches SQL text
//
// Store is the only component that issues SQL. Callers work with plain
// values and never construct queries.
//
// # Data Models
//
//   - Recording: a visit recording with derived transcript/note/referral/
//     letter/chat documents, tags, and free-form metadata
//   - QueueEntry: one processing task referencing a recording, unique by
//     task_id
//   - BatchJob: counters and options for a group of queue entries
//   - AnalysisResult: AI analysis output with a parent-linked version chain
//     and optional patient grouping
//
// # Connection Ownership
//
// Each concurrent worker tags its context with an owner name:
//
//	ctx := store.WithOwner(ctx, "worker-3")
//
// All operations on that context run on the worker's dedicated connection.
// Connections are never shared or handed between owners. Workers that exit
// without cleanup are reclaimed via ConnManager.CleanupStale.
//
// # SQLite Configuration
//
// The data file is opened in WAL mode with a multi-second busy timeout and
// foreign keys enabled:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
//   - *ValidationError: a field name failed allowlist or identifier checks
//   - ErrClosed: operation after CloseAll
//   - *MigrationError: fatal schema evolution failure
//   - duplicate task submission: reported as (false, nil), not an error
//
// Reads return nil (or an empty slice) for "nothing found" rather than an
// error. All methods accept context.Context.
//
// # Migrations
//
// Migrations are registered in code and run automatically in Open; each Up
// script commits together with its schema_migrations record. A small set of
// critical columns is re-checked after migration as a self-healing safety
// net.
package store
