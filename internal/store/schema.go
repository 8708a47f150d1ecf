// ABOUTME: Registered schema versions for the chartscribe data file
// ABOUTME: Each migration is an ordered statement list with optional rollback statements

package store

// schemaMigrations is the fixed, code-defined evolution path for the data
// file. Versions are totally ordered starting at 1 and are only ever appended.
var schemaMigrations = []Migration{
	{
		Version: 1,
		Name:    "create recordings",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS recordings (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				filename TEXT NOT NULL CHECK (filename <> ''),
				transcript TEXT,
				soap_note TEXT,
				referral TEXT,
				letter TEXT,
				chat TEXT,
				created_at TEXT NOT NULL,
				processing_status TEXT NOT NULL DEFAULT 'pending'
					CHECK (processing_status IN ('pending', 'processing', 'completed', 'failed')),
				patient_name TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_recordings_created ON recordings(created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(processing_status)`,
		},
		Down: []string{
			`DROP INDEX IF EXISTS idx_recordings_status`,
			`DROP INDEX IF EXISTS idx_recordings_created`,
			`DROP TABLE IF EXISTS recordings`,
		},
	},
	{
		Version: 2,
		Name:    "create processing queue",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS processing_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				recording_id INTEGER NOT NULL REFERENCES recordings(id) ON DELETE CASCADE,
				task_id TEXT NOT NULL UNIQUE,
				priority INTEGER NOT NULL DEFAULT 5 CHECK (priority BETWEEN 0 AND 10),
				status TEXT NOT NULL DEFAULT 'queued'
					CHECK (status IN ('queued', 'processing', 'completed', 'failed')),
				batch_id TEXT,
				error_count INTEGER NOT NULL DEFAULT 0,
				result TEXT,
				last_error TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_status_priority ON processing_queue(status, priority DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_recording ON processing_queue(recording_id)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_batch ON processing_queue(batch_id)`,
			`CREATE TABLE IF NOT EXISTS batch_processing (
				batch_id TEXT PRIMARY KEY,
				total_count INTEGER NOT NULL DEFAULT 0,
				completed_count INTEGER NOT NULL DEFAULT 0,
				failed_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'queued',
				options TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				CHECK (completed_count + failed_count <= total_count)
			)`,
		},
		Down: []string{
			`DROP TABLE IF EXISTS batch_processing`,
			`DROP INDEX IF EXISTS idx_queue_batch`,
			`DROP INDEX IF EXISTS idx_queue_recording`,
			`DROP INDEX IF EXISTS idx_queue_status_priority`,
			`DROP TABLE IF EXISTS processing_queue`,
		},
	},
	{
		Version: 3,
		Name:    "create analysis results",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS analysis_results (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				recording_id INTEGER REFERENCES recordings(id) ON DELETE SET NULL,
				analysis_type TEXT NOT NULL,
				analysis_subtype TEXT,
				result_text TEXT NOT NULL,
				result_json TEXT,
				metadata TEXT,
				version INTEGER NOT NULL DEFAULT 1,
				parent_analysis_id INTEGER REFERENCES analysis_results(id),
				patient_identifier TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_analysis_recording ON analysis_results(recording_id)`,
			`CREATE INDEX IF NOT EXISTS idx_analysis_patient ON analysis_results(patient_identifier)`,
			`CREATE TABLE IF NOT EXISTS differential_diagnoses (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				analysis_id INTEGER NOT NULL REFERENCES analysis_results(id) ON DELETE CASCADE,
				rank INTEGER NOT NULL,
				condition TEXT NOT NULL,
				reasoning TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_differentials_analysis ON differential_diagnoses(analysis_id)`,
			`CREATE TABLE IF NOT EXISTS recommended_investigations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				analysis_id INTEGER NOT NULL REFERENCES analysis_results(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				rationale TEXT,
				priority TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_investigations_analysis ON recommended_investigations(analysis_id)`,
		},
		Down: []string{
			`DROP TABLE IF EXISTS recommended_investigations`,
			`DROP TABLE IF EXISTS differential_diagnoses`,
			`DROP INDEX IF EXISTS idx_analysis_patient`,
			`DROP INDEX IF EXISTS idx_analysis_recording`,
			`DROP TABLE IF EXISTS analysis_results`,
		},
	},
	{
		Version: 4,
		Name:    "add recording media and provider columns",
		Up: []string{
			`ALTER TABLE recordings ADD COLUMN audio_path TEXT`,
			`ALTER TABLE recordings ADD COLUMN duration_seconds REAL`,
			`ALTER TABLE recordings ADD COLUMN file_size_bytes INTEGER`,
			`ALTER TABLE recordings ADD COLUMN stt_provider TEXT`,
			`ALTER TABLE recordings ADD COLUMN ai_provider TEXT`,
		},
		Down: []string{
			`ALTER TABLE recordings DROP COLUMN ai_provider`,
			`ALTER TABLE recordings DROP COLUMN stt_provider`,
			`ALTER TABLE recordings DROP COLUMN file_size_bytes`,
			`ALTER TABLE recordings DROP COLUMN duration_seconds`,
			`ALTER TABLE recordings DROP COLUMN audio_path`,
		},
	},
	{
		Version: 5,
		Name:    "add recording tags and metadata",
		Up: []string{
			`ALTER TABLE recordings ADD COLUMN tags TEXT`,
			`ALTER TABLE recordings ADD COLUMN metadata TEXT`,
		},
		// No Down: rows written after this version carry tag/metadata state
		// that a column drop would silently destroy.
	},
}

// criticalColumns are re-checked on startup and added if missing, tolerating
// duplicate-column errors. This compensates for a migration recorded as
// applied whose DDL did not fully land (e.g. an earlier crash); it is a
// safety net, not a substitute for the versioned history.
var criticalColumns = []struct {
	table  string
	column string
	ddl    string
}{
	{"recordings", "tags", `ALTER TABLE recordings ADD COLUMN tags TEXT`},
	{"recordings", "metadata", `ALTER TABLE recordings ADD COLUMN metadata TEXT`},
	{"processing_queue", "batch_id", `ALTER TABLE processing_queue ADD COLUMN batch_id TEXT`},
	{"analysis_results", "patient_identifier", `ALTER TABLE analysis_results ADD COLUMN patient_identifier TEXT`},
}
