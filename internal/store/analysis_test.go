// ABOUTME: Tests for analysis persistence and parent-linked version chains
// ABOUTME: Covers chain walking, cycle detection, and the differential/investigation tables

package store

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSaveAndGetAnalysis(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	recID := seedRecording(t, s, "visit1.wav")
	a := &AnalysisResult{
		RecordingID:       &recID,
		AnalysisType:      "differential",
		AnalysisSubtype:   strPtr("initial"),
		ResultText:        "Most likely viral URI.",
		PatientIdentifier: strPtr("pt-042"),
		Metadata:          map[string]any{"model": "opus"},
	}

	id, err := s.SaveAnalysis(ctx, a)
	if err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}

	got, err := s.GetAnalysis(ctx, id)
	if err != nil {
		t.Fatalf("GetAnalysis failed: %v", err)
	}
	if got == nil {
		t.Fatal("analysis not found")
	}
	if got.AnalysisType != "differential" || got.ResultText != "Most likely viral URI." {
		t.Errorf("analysis = %+v", got)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want default 1", got.Version)
	}
	if got.ParentAnalysisID != nil {
		t.Errorf("parent = %v, want nil", got.ParentAnalysisID)
	}
	if got.Metadata["model"] != "opus" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestSaveAnalysis_RequiresType(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	_, err := s.SaveAnalysis(context.Background(), &AnalysisResult{ResultText: "x"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
}

func TestGetAnalysis_Missing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	a, err := s.GetAnalysis(context.Background(), 9999)
	if err != nil {
		t.Fatalf("GetAnalysis failed: %v", err)
	}
	if a != nil {
		t.Errorf("missing analysis returned %+v, want nil", a)
	}
}

func TestAnalysisVersionChain(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rootID, err := s.SaveAnalysis(ctx, &AnalysisResult{AnalysisType: "differential", ResultText: "rev A"})
	if err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}

	revB := &AnalysisResult{AnalysisType: "differential", ResultText: "rev B"}
	bID, err := s.SaveAnalysisVersion(ctx, revB, rootID)
	if err != nil {
		t.Fatalf("SaveAnalysisVersion failed: %v", err)
	}
	if revB.Version != 2 {
		t.Errorf("rev B version = %d, want 2", revB.Version)
	}

	revC := &AnalysisResult{AnalysisType: "differential", ResultText: "rev C"}
	cID, err := s.SaveAnalysisVersion(ctx, revC, bID)
	if err != nil {
		t.Fatalf("SaveAnalysisVersion failed: %v", err)
	}
	if revC.Version != 3 {
		t.Errorf("rev C version = %d, want 3", revC.Version)
	}

	chain, err := s.GetAnalysisVersions(ctx, cID)
	if err != nil {
		t.Fatalf("GetAnalysisVersions failed: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	// Newest first, back to the root
	wantTexts := []string{"rev C", "rev B", "rev A"}
	for i, a := range chain {
		if a.ResultText != wantTexts[i] {
			t.Errorf("chain[%d] = %q, want %q", i, a.ResultText, wantTexts[i])
		}
	}
	if chain[2].ID != rootID {
		t.Errorf("chain root id = %d, want %d", chain[2].ID, rootID)
	}

	// Walking from the middle yields only the older part of the chain.
	chain, err = s.GetAnalysisVersions(ctx, bID)
	if err != nil {
		t.Fatalf("GetAnalysisVersions from middle failed: %v", err)
	}
	if len(chain) != 2 || chain[0].ResultText != "rev B" {
		t.Errorf("middle chain = %+v", chain)
	}
}

func TestSaveAnalysisVersion_MissingParent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	_, err := s.SaveAnalysisVersion(context.Background(),
		&AnalysisResult{AnalysisType: "differential", ResultText: "x"}, 9999)
	if err == nil {
		t.Fatal("expected error for missing parent")
	}
}

func TestGetAnalysisVersions_DetectsCycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	aID, err := s.SaveAnalysis(ctx, &AnalysisResult{AnalysisType: "differential", ResultText: "a"})
	if err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}
	b := &AnalysisResult{AnalysisType: "differential", ResultText: "b"}
	bID, err := s.SaveAnalysisVersion(ctx, b, aID)
	if err != nil {
		t.Fatalf("SaveAnalysisVersion failed: %v", err)
	}

	// Corrupt the chain directly: point the root back at its child.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE analysis_results SET parent_analysis_id = ? WHERE id = ?`, bID, aID); err != nil {
		t.Fatalf("corrupting chain: %v", err)
	}

	_, err = s.GetAnalysisVersions(ctx, bID)
	if err == nil {
		t.Fatal("cycle was not detected")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error = %v, want cycle report", err)
	}
}

func TestListAnalysesByPatientAndRecording(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	recID := seedRecording(t, s, "visit1.wav")
	for _, text := range []string{"first", "second"} {
		_, err := s.SaveAnalysis(ctx, &AnalysisResult{
			RecordingID:       &recID,
			AnalysisType:      "differential",
			ResultText:        text,
			PatientIdentifier: strPtr("pt-042"),
		})
		if err != nil {
			t.Fatalf("SaveAnalysis failed: %v", err)
		}
	}
	_, err := s.SaveAnalysis(ctx, &AnalysisResult{
		AnalysisType:      "summary",
		ResultText:        "other patient",
		PatientIdentifier: strPtr("pt-999"),
	})
	if err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}

	byPatient, err := s.ListAnalysesByPatient(ctx, "pt-042")
	if err != nil {
		t.Fatalf("ListAnalysesByPatient failed: %v", err)
	}
	if len(byPatient) != 2 {
		t.Errorf("patient analyses = %d, want 2", len(byPatient))
	}

	byRecording, err := s.ListAnalysesByRecording(ctx, recID)
	if err != nil {
		t.Fatalf("ListAnalysesByRecording failed: %v", err)
	}
	if len(byRecording) != 2 {
		t.Errorf("recording analyses = %d, want 2", len(byRecording))
	}
}

func TestUpdateAnalysis(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	id, err := s.SaveAnalysis(ctx, &AnalysisResult{AnalysisType: "differential", ResultText: "draft"})
	if err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}

	updated, err := s.UpdateAnalysis(ctx, id, Patch{
		"result_text":        "finalized",
		"patient_identifier": "pt-042",
	})
	if err != nil {
		t.Fatalf("UpdateAnalysis failed: %v", err)
	}
	if !updated {
		t.Fatal("no rows affected")
	}

	got, _ := s.GetAnalysis(ctx, id)
	if got.ResultText != "finalized" {
		t.Errorf("result_text = %q", got.ResultText)
	}
	if got.PatientIdentifier == nil || *got.PatientIdentifier != "pt-042" {
		t.Errorf("patient_identifier = %v", got.PatientIdentifier)
	}

	// Version and parent links are never patchable.
	_, err = s.UpdateAnalysis(ctx, id, Patch{"version": 99})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("patching version = %v, want *ValidationError", err)
	}
}

func TestDifferentialsAndInvestigations(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	id, err := s.SaveAnalysis(ctx, &AnalysisResult{AnalysisType: "differential", ResultText: "x"})
	if err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}

	diffs := []Differential{
		{Rank: 1, Condition: "Migraine", Reasoning: "episodic, photophobia"},
		{Rank: 2, Condition: "Tension headache"},
	}
	if err := s.ReplaceDifferentials(ctx, id, diffs); err != nil {
		t.Fatalf("ReplaceDifferentials failed: %v", err)
	}

	got, err := s.GetDifferentials(ctx, id)
	if err != nil {
		t.Fatalf("GetDifferentials failed: %v", err)
	}
	if len(got) != 2 || got[0].Condition != "Migraine" || got[1].Rank != 2 {
		t.Errorf("differentials = %+v", got)
	}

	// Replacing swaps the whole set.
	if err := s.ReplaceDifferentials(ctx, id, []Differential{{Rank: 1, Condition: "Cluster headache"}}); err != nil {
		t.Fatalf("second ReplaceDifferentials failed: %v", err)
	}
	got, _ = s.GetDifferentials(ctx, id)
	if len(got) != 1 || got[0].Condition != "Cluster headache" {
		t.Errorf("differentials after replace = %+v", got)
	}

	invs := []Investigation{
		{Name: "CT head", Rationale: "rule out bleed", Priority: "urgent"},
		{Name: "CBC"},
	}
	if err := s.ReplaceInvestigations(ctx, id, invs); err != nil {
		t.Fatalf("ReplaceInvestigations failed: %v", err)
	}
	gotInvs, err := s.GetInvestigations(ctx, id)
	if err != nil {
		t.Fatalf("GetInvestigations failed: %v", err)
	}
	if len(gotInvs) != 2 || gotInvs[0].Name != "CT head" || gotInvs[0].Priority != "urgent" {
		t.Errorf("investigations = %+v", gotInvs)
	}

	// Aux rows cascade with the analysis. Delete through the store's own
	// connection so foreign keys are enforced.
	conn, err := s.conn(ctx)
	if err != nil {
		t.Fatalf("getting connection: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM analysis_results WHERE id = ?`, id); err != nil {
		t.Fatalf("deleting analysis: %v", err)
	}
	gotInvs, _ = s.GetInvestigations(ctx, id)
	if len(gotInvs) != 0 {
		t.Errorf("investigations survived analysis delete: %+v", gotInvs)
	}
}
