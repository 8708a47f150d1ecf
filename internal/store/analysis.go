// ABOUTME: Analysis result persistence with parent-linked version chains
// ABOUTME: Includes differential diagnosis and recommended investigation aux tables

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// maxVersionChainDepth bounds the parent walk in GetAnalysisVersions. A chain
// deeper than this means a caller broke the strictly-older-parent invariant.
const maxVersionChainDepth = 1000

// SaveAnalysis inserts a new analysis result and returns its id. Version
// defaults to 1 when unset; RecordingID may be nil for analyses saved before
// a recording exists.
func (s *Store) SaveAnalysis(ctx context.Context, a *AnalysisResult) (int64, error) {
	if a.AnalysisType == "" {
		return 0, &ValidationError{Field: "analysis_type", Context: "analysis_results.insert", Reason: "analysis_type is required"}
	}

	version := a.Version
	if version <= 0 {
		version = 1
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var metadataJSON any
	if a.Metadata != nil {
		data, err := json.Marshal(a.Metadata)
		if err != nil {
			return 0, fmt.Errorf("serializing analysis metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := conn.ExecContext(ctx, `
		INSERT INTO analysis_results (
			recording_id, analysis_type, analysis_subtype, result_text, result_json,
			metadata, version, parent_analysis_id, patient_identifier, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RecordingID, a.AnalysisType, a.AnalysisSubtype, a.ResultText, a.ResultJSON,
		metadataJSON, version, a.ParentAnalysisID, a.PatientIdentifier,
		createdAt.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("inserting analysis: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new analysis id: %w", err)
	}

	a.ID = id
	a.Version = version
	a.CreatedAt = createdAt
	s.logger.Debug("saved analysis", "id", id, "type", a.AnalysisType, "version", version)
	return id, nil
}

// SaveAnalysisVersion stores a as a new revision of parentID: its version is
// parent version + 1 and the parent link is set, all in one transaction so
// the chain never gains a dangling head.
func (s *Store) SaveAnalysisVersion(ctx context.Context, a *AnalysisResult, parentID int64) (int64, error) {
	var metadataJSON any
	if a.Metadata != nil {
		data, err := json.Marshal(a.Metadata)
		if err != nil {
			return 0, fmt.Errorf("serializing analysis metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var parentVersion int
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM analysis_results WHERE id = ?`, parentID).Scan(&parentVersion)
		if err == sql.ErrNoRows {
			return fmt.Errorf("parent analysis %d does not exist", parentID)
		}
		if err != nil {
			return fmt.Errorf("reading parent version: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_results (
				recording_id, analysis_type, analysis_subtype, result_text, result_json,
				metadata, version, parent_analysis_id, patient_identifier, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.RecordingID, a.AnalysisType, a.AnalysisSubtype, a.ResultText, a.ResultJSON,
			metadataJSON, parentVersion+1, parentID, a.PatientIdentifier,
			createdAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("inserting analysis version: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading new analysis id: %w", err)
		}
		a.ID = id
		a.Version = parentVersion + 1
		a.ParentAnalysisID = &parentID
		a.CreatedAt = createdAt
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("saved analysis version", "id", id, "parent", parentID, "version", a.Version)
	return id, nil
}

// GetAnalysis returns the analysis, or nil if it does not exist.
func (s *Store) GetAnalysis(ctx context.Context, id int64) (*AnalysisResult, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM analysis_results WHERE id = ?", columnList(analysisColumns))
	a, err := scanAnalysis(conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying analysis: %w", err)
	}
	return a, nil
}

// GetAnalysisVersions walks parent links from id back to the chain root and
// returns the revisions newest-first. The walk keeps a visited set: callers
// are required to only ever link to strictly older analyses, and a cycle or a
// chain past the depth bound is reported as corruption rather than looping
// forever.
func (s *Store) GetAnalysisVersions(ctx context.Context, id int64) ([]*AnalysisResult, error) {
	var chain []*AnalysisResult
	visited := make(map[int64]bool)

	next := &id
	for next != nil {
		if visited[*next] {
			return nil, fmt.Errorf("analysis version chain contains a cycle at id %d", *next)
		}
		if len(chain) >= maxVersionChainDepth {
			return nil, fmt.Errorf("analysis version chain exceeds %d entries", maxVersionChainDepth)
		}
		visited[*next] = true

		a, err := s.GetAnalysis(ctx, *next)
		if err != nil {
			return nil, err
		}
		if a == nil {
			break
		}
		chain = append(chain, a)
		next = a.ParentAnalysisID
	}
	return chain, nil
}

// ListAnalysesByPatient returns all analyses grouped under a patient
// identifier, newest first.
func (s *Store) ListAnalysesByPatient(ctx context.Context, patientIdentifier string) ([]*AnalysisResult, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM analysis_results WHERE patient_identifier = ? ORDER BY created_at DESC",
		columnList(analysisColumns))
	rows, err := conn.QueryContext(ctx, query, patientIdentifier)
	if err != nil {
		return nil, fmt.Errorf("querying analyses by patient: %w", err)
	}
	defer rows.Close()
	return collectAnalyses(rows)
}

// ListAnalysesByRecording returns all analyses linked to a recording, newest
// first.
func (s *Store) ListAnalysesByRecording(ctx context.Context, recordingID int64) ([]*AnalysisResult, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM analysis_results WHERE recording_id = ? ORDER BY created_at DESC",
		columnList(analysisColumns))
	rows, err := conn.QueryContext(ctx, query, recordingID)
	if err != nil {
		return nil, fmt.Errorf("querying analyses by recording: %w", err)
	}
	defer rows.Close()
	return collectAnalyses(rows)
}

// UpdateAnalysis applies a validated partial update to an analysis.
func (s *Store) UpdateAnalysis(ctx context.Context, id int64, patch Patch) (bool, error) {
	if len(patch) == 0 {
		return false, nil
	}
	fields := patch.sortedFields()
	if err := validateFields(fields, analysisUpdateFields, "analysis_results.update"); err != nil {
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

	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	res, err := conn.ExecContext(ctx,
		fmt.Sprintf("UPDATE analysis_results SET %s WHERE id = ?", columnList(setClauses)), args...)
	if err != nil {
		return false, fmt.Errorf("updating analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// ReplaceDifferentials replaces the differential-diagnosis rows for an
// analysis in one transaction.
func (s *Store) ReplaceDifferentials(ctx context.Context, analysisID int64, diffs []Differential) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM differential_diagnoses WHERE analysis_id = ?`, analysisID); err != nil {
			return fmt.Errorf("clearing differentials: %w", err)
		}
		for _, d := range diffs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO differential_diagnoses (analysis_id, rank, condition, reasoning)
				VALUES (?, ?, ?, ?)
			`, analysisID, d.Rank, d.Condition, d.Reasoning); err != nil {
				return fmt.Errorf("inserting differential: %w", err)
			}
		}
		return nil
	})
}

// GetDifferentials returns an analysis's differential diagnoses by rank.
func (s *Store) GetDifferentials(ctx context.Context, analysisID int64) ([]Differential, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT rank, condition, reasoning FROM differential_diagnoses
		WHERE analysis_id = ? ORDER BY rank ASC
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("querying differentials: %w", err)
	}
	defer rows.Close()

	var out []Differential
	for rows.Next() {
		var d Differential
		var reasoning sql.NullString
		if err := rows.Scan(&d.Rank, &d.Condition, &reasoning); err != nil {
			return nil, fmt.Errorf("scanning differential: %w", err)
		}
		d.Reasoning = reasoning.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReplaceInvestigations replaces the recommended-investigation rows for an
// analysis in one transaction.
func (s *Store) ReplaceInvestigations(ctx context.Context, analysisID int64, invs []Investigation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM recommended_investigations WHERE analysis_id = ?`, analysisID); err != nil {
			return fmt.Errorf("clearing investigations: %w", err)
		}
		for _, inv := range invs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO recommended_investigations (analysis_id, name, rationale, priority)
				VALUES (?, ?, ?, ?)
			`, analysisID, inv.Name, inv.Rationale, inv.Priority); err != nil {
				return fmt.Errorf("inserting investigation: %w", err)
			}
		}
		return nil
	})
}

// GetInvestigations returns an analysis's recommended investigations.
func (s *Store) GetInvestigations(ctx context.Context, analysisID int64) ([]Investigation, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT name, rationale, priority FROM recommended_investigations
		WHERE analysis_id = ? ORDER BY id ASC
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("querying investigations: %w", err)
	}
	defer rows.Close()

	var out []Investigation
	for rows.Next() {
		var inv Investigation
		var rationale, priority sql.NullString
		if err := rows.Scan(&inv.Name, &rationale, &priority); err != nil {
			return nil, fmt.Errorf("scanning investigation: %w", err)
		}
		inv.Rationale = rationale.String
		inv.Priority = priority.String
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanAnalysis(row rowScanner) (*AnalysisResult, error) {
	var a AnalysisResult
	var createdAt string
	var metadataJSON sql.NullString

	err := row.Scan(
		&a.ID, &a.RecordingID, &a.AnalysisType, &a.AnalysisSubtype, &a.ResultText,
		&a.ResultJSON, &metadataJSON, &a.Version, &a.ParentAnalysisID,
		&a.PatientIdentifier, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	a.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decoding analysis metadata: %w", err)
		}
	}
	return &a, nil
}

func collectAnalyses(rows *sql.Rows) ([]*AnalysisResult, error) {
	var out []*AnalysisResult
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning analysis row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating analysis rows: %w", err)
	}
	return out, nil
}
