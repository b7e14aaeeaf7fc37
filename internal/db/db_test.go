package db

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// seedVersion creates and activates a root version for a lineage.
func seedVersion(t *testing.T, database *DB, lineage string) *PolicyVersion {
	t.Helper()
	v, err := database.CreatePolicyVersion(CreatePolicyVersionInput{
		Name:      lineage,
		Ruleset:   `{"routing":{"style":{"directness":"balanced"}},"tool_use":{"allow_web":true}}`,
		CreatedBy: "test",
		Label:     "root",
	})
	if err != nil {
		t.Fatalf("creating root version: %v", err)
	}
	if err := database.ActivatePolicyVersion(v.ID); err != nil {
		t.Fatalf("activating root version: %v", err)
	}
	v.IsActive = true
	return v
}

func seedPrompt(t *testing.T, database *DB) *SelfPrompt {
	t.Helper()
	p, err := database.CreateSelfPrompt("default", "You are a helpful assistant.", "test")
	if err != nil {
		t.Fatalf("creating self-prompt: %v", err)
	}
	if err := database.ActivateSelfPrompt(p.ID); err != nil {
		t.Fatalf("activating self-prompt: %v", err)
	}
	return p
}

func seedTrace(t *testing.T, database *DB, versionID, promptID string) *Trace {
	t.Helper()
	tr, err := database.RecordTrace(RecordTraceInput{
		InputText:       "hello",
		OutputText:      "hi",
		PolicyVersionID: versionID,
		SelfPromptID:    promptID,
	})
	if err != nil {
		t.Fatalf("recording trace: %v", err)
	}
	return tr
}
