// ABOUTME: Processing queue and batch job operations over recordings
// ABOUTME: Duplicate task submission is a harmless no-op; batch enqueue is one transaction

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enqueue inserts a queue entry for a recording. A duplicate task_id is
// detected via the uniqueness constraint and reported as (false, nil) rather
// than an error, so callers can treat duplicate submission as a no-op. An
// empty taskID gets a generated UUID.
func (s *Store) Enqueue(ctx context.Context, recordingID int64, taskID string, priority int) (bool, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = conn.ExecContext(ctx, `
		INSERT INTO processing_queue (recording_id, task_id, priority, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, recordingID, taskID, priority, string(QueueStatusQueued), now, now)
	if err != nil {
		if isConstraintViolation(err) {
			s.logger.Debug("duplicate task ignored", "task_id", taskID)
			return false, nil
		}
		return false, fmt.Errorf("inserting queue entry: %w", err)
	}
	s.logger.Debug("enqueued task", "task_id", taskID, "recording_id", recordingID, "priority", priority)
	return true, nil
}

// GetQueueEntry returns the entry for a task id, or nil if none exists.
func (s *Store) GetQueueEntry(ctx context.Context, taskID string) (*QueueEntry, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM processing_queue WHERE task_id = ?", columnList(queueColumns))
	entry, err := scanQueueEntry(conn.QueryRowContext(ctx, query, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue entry: %w", err)
	}
	return entry, nil
}

// UpdateTaskStatus sets the status plus any extra validated fields on a queue
// entry, reporting whether a row was affected.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status QueueStatus, patch Patch) (bool, error) {
	fields := patch.sortedFields()
	if err := validateFields(fields, queueUpdateFields, "processing_queue.update"); err != nil {
		return false, err
	}

	setClauses := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), time.Now().UTC().Format(time.RFC3339)}
	for _, f := range fields {
		if f == "status" {
			continue
		}
		setClauses = append(setClauses, f+" = ?")
		args = append(args, patch[Field(f)])
	}
	args = append(args, taskID)

	query := fmt.Sprintf("UPDATE processing_queue SET %s WHERE task_id = ?", columnList(setClauses))

	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// EnqueueBatch creates one batch job row and one queue entry per recording in
// a single transaction, skipping any recording whose generated task is already
// queued. The batch's total_count is the number of entries actually created,
// not the number submitted, so a batch with skips can still run to completion;
// a batch where every entry was skipped is recorded as completed outright.
// Returns the batch id and the number of entries created. An empty batchID
// gets a generated UUID.
func (s *Store) EnqueueBatch(ctx context.Context, recordingIDs []int64, batchID string, priority int, options map[string]any) (string, int, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	var optionsJSON any
	if options != nil {
		data, err := json.Marshal(options)
		if err != nil {
			return "", 0, fmt.Errorf("serializing batch options: %w", err)
		}
		optionsJSON = string(data)
	}

	created := 0
	now := time.Now().UTC().Format(time.RFC3339)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, recordingID := range recordingIDs {
			taskID := fmt.Sprintf("%s:%d", batchID, recordingID)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO processing_queue (recording_id, task_id, priority, status, batch_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, recordingID, taskID, priority, string(QueueStatusQueued), batchID, now, now)
			if err != nil {
				if isConstraintViolation(err) {
					continue
				}
				return fmt.Errorf("inserting batch queue entry: %w", err)
			}
			created++
		}

		batchStatus := "queued"
		if created == 0 {
			batchStatus = "completed"
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batch_processing (batch_id, total_count, status, options, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, batchID, created, batchStatus, optionsJSON, now, now)
		if err != nil {
			return fmt.Errorf("inserting batch job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	s.logger.Info("enqueued batch", "batch_id", batchID, "total", len(recordingIDs), "created", created)
	return batchID, created, nil
}

// GetBatchStatus returns the batch job, or nil if none exists.
func (s *Store) GetBatchStatus(ctx context.Context, batchID string) (*BatchJob, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM batch_processing WHERE batch_id = ?", columnList(batchColumns))

	var b BatchJob
	var createdAt, updatedAt string
	var optionsJSON sql.NullString
	err = conn.QueryRowContext(ctx, query, batchID).Scan(
		&b.BatchID, &b.TotalCount, &b.CompletedCount, &b.FailedCount,
		&b.Status, &optionsJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying batch job: %w", err)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if optionsJSON.Valid && optionsJSON.String != "" {
		if err := json.Unmarshal([]byte(optionsJSON.String), &b.Options); err != nil {
			return nil, fmt.Errorf("decoding batch options: %w", err)
		}
	}
	return &b, nil
}

// ClaimNextTask atomically moves the highest-priority queued entry to
// processing and returns it, or nil when the queue is empty.
func (s *Store) ClaimNextTask(ctx context.Context) (*QueueEntry, error) {
	var claimed *QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM processing_queue
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, columnList(queueColumns))

		entry, err := scanQueueEntry(tx.QueryRowContext(ctx, query))
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next task: %w", err)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		res, err := tx.ExecContext(ctx, `
			UPDATE processing_queue SET status = 'processing', updated_at = ?
			WHERE id = ? AND status = 'queued'
		`, now, entry.ID)
		if err != nil {
			return fmt.Errorf("claiming task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		entry.Status = QueueStatusProcessing
		claimed = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask marks a task completed with its serialized result and bumps
// the owning batch's completed counter in the same transaction, marking the
// batch completed once every entry is accounted for. Finishing a task that is
// already final (or unknown) is reported as (false, nil), never applied twice.
func (s *Store) CompleteTask(ctx context.Context, taskID string, result *string) (bool, error) {
	return s.finishTask(ctx, taskID, QueueStatusCompleted, result, nil)
}

// FailTask marks a task failed, increments its error count, and bumps the
// owning batch's failed counter in the same transaction. Like CompleteTask,
// re-failing an already-final task is a (false, nil) no-op.
func (s *Store) FailTask(ctx context.Context, taskID string, errMsg string) (bool, error) {
	return s.finishTask(ctx, taskID, QueueStatusFailed, nil, &errMsg)
}

func (s *Store) finishTask(ctx context.Context, taskID string, status QueueStatus, result *string, errMsg *string) (bool, error) {
	finished := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var batchID sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT batch_id FROM processing_queue WHERE task_id = ?`, taskID).Scan(&batchID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("looking up task: %w", err)
		}

		// The status guard makes finishing idempotent: an entry already in a
		// final state is left untouched, so batch counters and error_count are
		// bumped at most once per entry.
		now := time.Now().UTC().Format(time.RFC3339)
		var res sql.Result
		if status == QueueStatusFailed {
			res, err = tx.ExecContext(ctx, `
				UPDATE processing_queue
				SET status = ?, last_error = ?, error_count = error_count + 1, updated_at = ?
				WHERE task_id = ? AND status IN ('queued', 'processing')
			`, string(status), errMsg, now, taskID)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE processing_queue SET status = ?, result = ?, updated_at = ?
				WHERE task_id = ? AND status IN ('queued', 'processing')
			`, string(status), result, now, taskID)
		}
		if err != nil {
			return fmt.Errorf("finishing task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		if batchID.Valid {
			counter := "completed_count"
			if status == QueueStatusFailed {
				counter = "failed_count"
			}
			_, err = tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE batch_processing
				SET %s = %s + 1,
				    updated_at = ?,
				    status = CASE
				        WHEN completed_count + failed_count + 1 >= total_count THEN 'completed'
				        ELSE 'processing'
				    END
				WHERE batch_id = ?
			`, counter, counter), now, batchID.String)
			if err != nil {
				return fmt.Errorf("updating batch counters: %w", err)
			}
		}
		finished = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return finished, nil
}

// ListQueueEntries returns entries filtered by status ("" for all), newest
// first.
func (s *Store) ListQueueEntries(ctx context.Context, status QueueStatus, limit int) ([]*QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if status == "" {
		query := fmt.Sprintf("SELECT %s FROM processing_queue ORDER BY created_at DESC LIMIT ?",
			columnList(queueColumns))
		rows, err = conn.QueryContext(ctx, query, limit)
	} else {
		query := fmt.Sprintf("SELECT %s FROM processing_queue WHERE status = ? ORDER BY created_at DESC LIMIT ?",
			columnList(queueColumns))
		rows, err = conn.QueryContext(ctx, query, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue entries: %w", err)
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var e QueueEntry
	var status, createdAt, updatedAt string
	err := row.Scan(
		&e.ID, &e.RecordingID, &e.TaskID, &e.Priority, &status, &e.BatchID,
		&e.ErrorCount, &e.Result, &e.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = QueueStatus(status)
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &e, nil
}
