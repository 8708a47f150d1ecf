// ABOUTME: Recording CRUD, paginated listing, batched streaming reads, and full-text search
// ABOUTME: All dynamic column references route through the field validator before reaching SQL

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field names a column in a partial update. The constants below are the
// closed set callers can patch; anything else fails validation.
type Field string

const (
	FieldFilename        Field = "filename"
	FieldTranscript      Field = "transcript"
	FieldSoapNote        Field = "soap_note"
	FieldReferral        Field = "referral"
	FieldLetter          Field = "letter"
	FieldChat            Field = "chat"
	FieldStatus          Field = "processing_status"
	FieldPatientName     Field = "patient_name"
	FieldAudioPath       Field = "audio_path"
	FieldDurationSeconds Field = "duration_seconds"
	FieldFileSizeBytes   Field = "file_size_bytes"
	FieldSTTProvider     Field = "stt_provider"
	FieldAIProvider      Field = "ai_provider"
	FieldTags            Field = "tags"
	FieldMetadata        Field = "metadata"
)

// Patch is an explicit partial update: a mapping from the closed field set to
// new values. Tags and metadata values are serialized before storage.
type Patch map[Field]any

// sortedFields returns the patch's field names in a stable order so generated
// SQL is deterministic.
func (p Patch) sortedFields() []string {
	fields := make([]string, 0, len(p))
	for f := range p {
		fields = append(fields, string(f))
	}
	sort.Strings(fields)
	return fields
}

// bindValue serializes patch values that are stored as JSON text.
func bindValue(field string, value any) (any, error) {
	switch field {
	case "tags", "metadata":
		if value == nil {
			return nil, nil
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("serializing %s: %w", field, err)
		}
		return string(data), nil
	default:
		return value, nil
	}
}

// CreateRecording inserts a new recording and returns its assigned id.
// Filename is required; CreatedAt and Status default to now/pending.
func (s *Store) CreateRecording(ctx context.Context, r *Recording) (int64, error) {
	if r.Filename == "" {
		return 0, &ValidationError{Field: "filename", Context: "recordings.insert", Reason: "filename is required"}
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := r.Status
	if status == "" {
		status = StatusPending
	}

	cols := []string{"filename", "created_at", "processing_status"}
	args := []any{r.Filename, createdAt.Format(time.RFC3339), string(status)}

	optional := []struct {
		name  string
		value any
		set   bool
	}{
		{"transcript", ptrArg(r.Transcript), r.Transcript != nil},
		{"soap_note", ptrArg(r.SoapNote), r.SoapNote != nil},
		{"referral", ptrArg(r.Referral), r.Referral != nil},
		{"letter", ptrArg(r.Letter), r.Letter != nil},
		{"chat", ptrArg(r.Chat), r.Chat != nil},
		{"patient_name", ptrArg(r.PatientName), r.PatientName != nil},
		{"audio_path", ptrArg(r.AudioPath), r.AudioPath != nil},
		{"duration_seconds", ptrArg(r.DurationSeconds), r.DurationSeconds != nil},
		{"file_size_bytes", ptrArg(r.FileSizeBytes), r.FileSizeBytes != nil},
		{"stt_provider", ptrArg(r.STTProvider), r.STTProvider != nil},
		{"ai_provider", ptrArg(r.AIProvider), r.AIProvider != nil},
	}
	for _, o := range optional {
		if o.set {
			cols = append(cols, o.name)
			args = append(args, o.value)
		}
	}
	if r.Tags != nil {
		v, err := bindValue("tags", r.Tags)
		if err != nil {
			return 0, err
		}
		cols = append(cols, "tags")
		args = append(args, v)
	}
	if r.Metadata != nil {
		v, err := bindValue("metadata", r.Metadata)
		if err != nil {
			return 0, err
		}
		cols = append(cols, "metadata")
		args = append(args, v)
	}

	if err := validateFields(cols, recordingInsertFields, "recordings.insert"); err != nil {
		return 0, err
	}

	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO recordings (%s) VALUES (%s)",
		columnList(cols), columnList(placeholders))

	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("inserting recording: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new recording id: %w", err)
	}

	r.ID = id
	r.CreatedAt = createdAt
	r.Status = status
	s.logger.Debug("created recording", "id", id, "filename", r.Filename)
	return id, nil
}

// GetRecording returns the recording, or nil if it does not exist.
func (s *Store) GetRecording(ctx context.Context, id int64) (*Recording, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM recordings WHERE id = ?", columnList(recordingColumns))
	rec, err := scanRecording(conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying recording: %w", err)
	}
	return rec, nil
}

// UpdateRecording applies a validated partial update and reports whether any
// row was affected. An empty patch is a no-op.
func (s *Store) UpdateRecording(ctx context.Context, id int64, patch Patch) (bool, error) {
	if len(patch) == 0 {
		return false, nil
	}

	fields := patch.sortedFields()
	if err := validateFields(fields, recordingUpdateFields, "recordings.update"); err != nil {
		return false, err
	}

	setClauses := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, f := range fields {
		v, err := bindValue(f, patch[Field(f)])
		if err != nil {
			return false, err
		}
		setClauses = append(setClauses, f+" = ?")
		args = append(args, v)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE recordings SET %s WHERE id = ?", columnList(setClauses))

	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating recording: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteRecording removes a recording and reports whether a row was deleted.
// Queue entries referencing it cascade.
func (s *Store) DeleteRecording(ctx context.Context, id int64) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res, err := conn.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting recording: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("deleted recording", "id", id)
	}
	return n > 0, nil
}

// ListOptions controls paginated recording reads.
type ListOptions struct {
	Limit      int
	Offset     int
	OrderBy    string // validated against a small fixed allowlist
	Descending bool
}

// orderColumn resolves the requested order column, falling back to a safe
// default rather than failing: order_by is a UI nicety, not a contract.
func orderColumn(requested string) string {
	if requested == "" || validateField(requested, recordingOrderFields, "recordings.order_by") != nil {
		return "created_at"
	}
	return requested
}

// ListRecordings returns a single page of recordings ordered by a validated
// column, without loading the whole table.
func (s *Store) ListRecordings(ctx context.Context, opts ListOptions) ([]*Recording, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	direction := "ASC"
	if opts.Descending {
		direction = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM recordings ORDER BY %s %s LIMIT ? OFFSET ?",
		columnList(recordingColumns), orderColumn(opts.OrderBy), direction)

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying recordings: %w", err)
	}
	defer rows.Close()
	return collectRecordings(rows)
}

// RecordingCursor is a finite, restartable, forward-only sequence of
// fixed-size recording batches. It exists to keep peak memory bounded: the
// caller drives pagination by calling Next until a short batch signals
// end-of-data.
type RecordingCursor struct {
	store   *Store
	size    int
	orderBy string
	offset  int
	done    bool
}

// RecordingBatches starts a batched read ordered by a validated column.
func (s *Store) RecordingBatches(batchSize int, orderBy string) *RecordingCursor {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RecordingCursor{store: s, size: batchSize, orderBy: orderColumn(orderBy)}
}

// Next returns the next batch. A batch shorter than the requested size is the
// last one; subsequent calls return an empty slice.
func (c *RecordingCursor) Next(ctx context.Context) ([]*Recording, error) {
	if c.done {
		return nil, nil
	}
	batch, err := c.store.ListRecordings(ctx, ListOptions{
		Limit:   c.size,
		Offset:  c.offset,
		OrderBy: c.orderBy,
	})
	if err != nil {
		return nil, err
	}
	c.offset += len(batch)
	if len(batch) < c.size {
		c.done = true
	}
	return batch, nil
}

// likeEscaper escapes LIKE metacharacters so user queries match literally
// rather than acting as wildcard patterns.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchRecordings does a case-insensitive substring match across all
// free-text columns, newest first. The query is matched literally; `%` and
// `_` in it are not wildcards. No match returns an empty slice.
func (s *Store) SearchRecordings(ctx context.Context, query string) ([]*Recording, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	sqlText := fmt.Sprintf(`SELECT %s FROM recordings
		WHERE filename LIKE ? ESCAPE '\'
		   OR transcript LIKE ? ESCAPE '\'
		   OR soap_note LIKE ? ESCAPE '\'
		   OR referral LIKE ? ESCAPE '\'
		   OR letter LIKE ? ESCAPE '\'
		   OR chat LIKE ? ESCAPE '\'
		   OR patient_name LIKE ? ESCAPE '\'
		ORDER BY created_at DESC`, columnList(recordingColumns))

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, sqlText,
		pattern, pattern, pattern, pattern, pattern, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("searching recordings: %w", err)
	}
	defer rows.Close()
	return collectRecordings(rows)
}

// RecordingSummary is the lightweight row shape used by list views.
type RecordingSummary struct {
	ID              int64
	Filename        string
	CreatedAt       time.Time
	Status          ProcessingStatus
	PatientName     *string
	AudioPath       *string
	DurationSeconds *float64
	FileSizeBytes   *int64
}

// ListRecordingSummaries returns the lightweight column signature for list
// views, skipping the large text blobs.
func (s *Store) ListRecordingSummaries(ctx context.Context, opts ListOptions) ([]*RecordingSummary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	direction := "ASC"
	if opts.Descending {
		direction = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM recordings ORDER BY %s %s LIMIT ? OFFSET ?",
		columnList(recordingLightweightColumns), orderColumn(opts.OrderBy), direction)

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying recording summaries: %w", err)
	}
	defer rows.Close()

	var out []*RecordingSummary
	for rows.Next() {
		var r RecordingSummary
		var createdAt, status string
		if err := rows.Scan(&r.ID, &r.Filename, &createdAt, &status, &r.PatientName,
			&r.AudioPath, &r.DurationSeconds, &r.FileSizeBytes); err != nil {
			return nil, fmt.Errorf("scanning recording summary: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		r.Status = ProcessingStatus(status)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecording decodes the full fixed-order column signature into a Recording.
func scanRecording(row rowScanner) (*Recording, error) {
	var r Recording
	var createdAt, status string
	var tagsJSON, metadataJSON sql.NullString

	err := row.Scan(
		&r.ID, &r.Filename, &r.Transcript, &r.SoapNote, &r.Referral, &r.Letter,
		&r.Chat, &createdAt, &status, &r.PatientName, &r.AudioPath,
		&r.DurationSeconds, &r.FileSizeBytes, &r.STTProvider, &r.AIProvider,
		&tagsJSON, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	r.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	r.Status = ProcessingStatus(status)

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &r.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &r, nil
}

func collectRecordings(rows *sql.Rows) ([]*Recording, error) {
	var out []*Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recording row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recording rows: %w", err)
	}
	return out, nil
}

// ptrArg converts a typed pointer to a driver argument, nil for nil.
func ptrArg[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
