// ABOUTME: Allowlist-based field validation making dynamic query construction injection-safe
// ABOUTME: Declares per-table insert/update field sets and the canonical select column orders

package store

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError reports a caller-supplied column name that failed allowlist
// or identifier checks. It is a programming/input error: never retried,
// always surfaced immediately.
type ValidationError struct {
	Field   string
	Context string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q in %s: %s", e.Field, e.Context, e.Reason)
}

// identPattern is defense-in-depth behind the allowlist check: letters,
// digits, underscore, not starting with a digit.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// fieldSet is an immutable allowlist of column names.
type fieldSet map[string]struct{}

func newFieldSet(names ...string) fieldSet {
	s := make(fieldSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s fieldSet) contains(name string) bool {
	_, ok := s[name]
	return ok
}

// validateField checks a caller-supplied column name before it may be
// interpolated into SQL text. Allowlist membership is the actual security
// boundary and is checked first; the identifier pattern is defense in depth.
func validateField(name string, allow fieldSet, context string) error {
	if name == "" {
		return &ValidationError{Field: name, Context: context, Reason: "empty field name"}
	}
	if !allow.contains(name) {
		return &ValidationError{Field: name, Context: context, Reason: "not in allowlist"}
	}
	if !identPattern.MatchString(name) {
		return &ValidationError{Field: name, Context: context, Reason: "not a valid identifier"}
	}
	return nil
}

// validateFields applies validateField to every name, failing on the first
// invalid one.
func validateFields(names []string, allow fieldSet, context string) error {
	for _, name := range names {
		if err := validateField(name, allow, context); err != nil {
			return err
		}
	}
	return nil
}

// --- recordings ---

// recordingColumns is the canonical ordered column list for full row decoding.
var recordingColumns = []string{
	"id", "filename", "transcript", "soap_note", "referral", "letter", "chat",
	"created_at", "processing_status", "patient_name", "audio_path",
	"duration_seconds", "file_size_bytes", "stt_provider", "ai_provider",
	"tags", "metadata",
}

// recordingLightweightColumns backs list views that skip the large text blobs.
var recordingLightweightColumns = []string{
	"id", "filename", "created_at", "processing_status", "patient_name",
	"audio_path", "duration_seconds", "file_size_bytes",
}

var recordingInsertFields = newFieldSet(
	"filename", "transcript", "soap_note", "referral", "letter", "chat",
	"created_at", "processing_status", "patient_name", "audio_path",
	"duration_seconds", "file_size_bytes", "stt_provider", "ai_provider",
	"tags", "metadata",
)

var recordingUpdateFields = newFieldSet(
	"filename", "transcript", "soap_note", "referral", "letter", "chat",
	"processing_status", "patient_name", "audio_path", "duration_seconds",
	"file_size_bytes", "stt_provider", "ai_provider", "tags", "metadata",
)

// recordingOrderFields is the small fixed allowlist for ORDER BY selection.
var recordingOrderFields = newFieldSet(
	"id", "filename", "created_at", "processing_status", "patient_name",
)

// --- processing queue ---

var queueColumns = []string{
	"id", "recording_id", "task_id", "priority", "status", "batch_id",
	"error_count", "result", "last_error", "created_at", "updated_at",
}

var queueUpdateFields = newFieldSet(
	"status", "priority", "batch_id", "error_count", "result", "last_error",
)

// --- batch jobs ---

var batchColumns = []string{
	"batch_id", "total_count", "completed_count", "failed_count", "status",
	"options", "created_at", "updated_at",
}

// --- analysis results ---

var analysisColumns = []string{
	"id", "recording_id", "analysis_type", "analysis_subtype", "result_text",
	"result_json", "metadata", "version", "parent_analysis_id",
	"patient_identifier", "created_at",
}

var analysisUpdateFields = newFieldSet(
	"result_text", "result_json", "metadata", "patient_identifier", "recording_id",
)

func columnList(cols []string) string {
	return strings.Join(cols, ", ")
}
