package db

import (
	"errors"
	"testing"
)

// openExperiment wires up the rows an experiment needs: an active baseline,
// a candidate child and a pending proposal.
func openExperiment(t *testing.T, database *DB) (*Experiment, *PolicyVersion, *PolicyVersion) {
	t.Helper()
	baseline := seedVersion(t, database, "default")
	candidate, err := database.CreatePolicyVersion(CreatePolicyVersionInput{
		Name: "default", ParentID: &baseline.ID, Ruleset: `{"routing":{"style":{"directness":"direct"}}}`,
	})
	if err != nil {
		t.Fatalf("creating candidate: %v", err)
	}
	p := submitPatch(t, database)
	exp, err := database.CreateExperiment(p.ID, "default", baseline.ID, candidate.ID)
	if err != nil {
		t.Fatalf("creating experiment: %v", err)
	}
	return exp, baseline, candidate
}

func TestCreateExperiment(t *testing.T) {
	database := testDB(t)
	exp, _, _ := openExperiment(t, database)

	if exp.Status != ExperimentRunning {
		t.Errorf("status = %s, want running", exp.Status)
	}

	t.Run("SecondRunningConflicts", func(t *testing.T) {
		p2 := submitPatch(t, database)
		_, err := database.CreateExperiment(p2.ID, "default", exp.BaselineID, exp.CandidateID)
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
	})

	t.Run("RunningLookup", func(t *testing.T) {
		got, err := database.GetRunningExperiment("default")
		if err != nil {
			t.Fatalf("get running: %v", err)
		}
		if got == nil || got.ID != exp.ID {
			t.Errorf("running = %v, want %s", got, exp.ID)
		}
		none, err := database.GetRunningExperiment("support")
		if err != nil {
			t.Fatalf("get running: %v", err)
		}
		if none != nil {
			t.Errorf("expected no running experiment for other lineage, got %s", none.ID)
		}
	})
}

func TestExperimentRuns(t *testing.T) {
	database := testDB(t)
	exp, baseline, candidate := openExperiment(t, database)
	prompt := seedPrompt(t, database)

	bTrace := seedTrace(t, database, baseline.ID, prompt.ID)
	cTrace := seedTrace(t, database, candidate.ID, prompt.ID)

	if _, err := database.InsertExperimentRun(exp.ID, bTrace.ID, 0.6, true); err != nil {
		t.Fatalf("inserting baseline run: %v", err)
	}
	if _, err := database.InsertExperimentRun(exp.ID, cTrace.ID, 0.9, true); err != nil {
		t.Fatalf("inserting candidate run: %v", err)
	}

	runs, err := database.ExperimentRuns(exp.ID)
	if err != nil {
		t.Fatalf("listing runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}

	// Arm attribution derives from the trace's policy version.
	arms := map[string]string{}
	for _, r := range runs {
		arms[r.TraceID] = r.Arm
	}
	if arms[bTrace.ID] != ArmBaseline {
		t.Errorf("baseline trace arm = %s", arms[bTrace.ID])
	}
	if arms[cTrace.ID] != ArmCandidate {
		t.Errorf("candidate trace arm = %s", arms[cTrace.ID])
	}

	t.Run("UnknownTrace", func(t *testing.T) {
		_, err := database.InsertExperimentRun(exp.ID, "nonexistent", 0.5, true)
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("err = %v, want NotFoundError", err)
		}
	})

	t.Run("ForeignVersionTraceRejected", func(t *testing.T) {
		foreign, err := database.CreatePolicyVersion(CreatePolicyVersionInput{
			Name: "default", ParentID: &baseline.ID, Ruleset: `{"tool_use":{"allow_web":false}}`,
		})
		if err != nil {
			t.Fatalf("creating foreign version: %v", err)
		}
		fTrace := seedTrace(t, database, foreign.ID, prompt.ID)
		_, err = database.InsertExperimentRun(exp.ID, fTrace.ID, 0.5, true)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError for a trace outside both arms", err)
		}
		runs, err := database.ExperimentRuns(exp.ID)
		if err != nil {
			t.Fatalf("listing runs: %v", err)
		}
		if len(runs) != 2 {
			t.Errorf("runs = %d, want the arm split untouched", len(runs))
		}
	})

	t.Run("ClosedExperimentRefusesRuns", func(t *testing.T) {
		if err := database.CloseExperiment(exp.ID, ExperimentAborted, "", "test over"); err != nil {
			t.Fatalf("closing: %v", err)
		}
		_, err := database.InsertExperimentRun(exp.ID, bTrace.ID, 0.5, true)
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
	})
}

func TestPromoteCandidate(t *testing.T) {
	database := testDB(t)
	exp, _, candidate := openExperiment(t, database)

	if err := database.PromoteCandidate(exp.ID, `{"verdict":"promote"}`); err != nil {
		t.Fatalf("promote: %v", err)
	}

	active, err := database.GetActivePolicyVersion("default")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != candidate.ID {
		t.Errorf("active = %s, want candidate %s", active.ID, candidate.ID)
	}

	got, err := database.GetExperiment(exp.ID)
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	if got.Status != ExperimentCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at must be set")
	}

	p, err := database.GetProposal(got.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != ProposalAccepted {
		t.Errorf("proposal status = %s, want accepted", p.Status)
	}

	t.Run("RetryIsIdempotent", func(t *testing.T) {
		if err := database.PromoteCandidate(exp.ID, `{"verdict":"promote"}`); err != nil {
			t.Fatalf("promote retry: %v", err)
		}
	})

	t.Run("CloseAfterPromoteFails", func(t *testing.T) {
		err := database.CloseExperiment(exp.ID, ExperimentAborted, "", "too late")
		var ise *InvalidStateError
		if !errors.As(err, &ise) {
			t.Fatalf("err = %v, want InvalidStateError", err)
		}
	})
}

func TestCloseExperiment(t *testing.T) {
	database := testDB(t)
	exp, baseline, _ := openExperiment(t, database)

	if err := database.CloseExperiment(exp.ID, ExperimentCompleted, `{"verdict":"reject"}`, "candidate trailed"); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Baseline stays active on rejection.
	active, err := database.GetActivePolicyVersion("default")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != baseline.ID {
		t.Errorf("active = %s, want baseline %s", active.ID, baseline.ID)
	}

	p, err := database.GetProposal(exp.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != ProposalRejected {
		t.Errorf("proposal status = %s, want rejected", p.Status)
	}

	t.Run("SameTerminalStateIsNoOp", func(t *testing.T) {
		if err := database.CloseExperiment(exp.ID, ExperimentCompleted, "", ""); err != nil {
			t.Fatalf("repeat close: %v", err)
		}
	})

	t.Run("DifferentTerminalStateFails", func(t *testing.T) {
		err := database.CloseExperiment(exp.ID, ExperimentAborted, "", "flip")
		var ise *InvalidStateError
		if !errors.As(err, &ise) {
			t.Fatalf("err = %v, want InvalidStateError", err)
		}
	})

	t.Run("BogusStatus", func(t *testing.T) {
		err := database.CloseExperiment(exp.ID, "paused", "", "")
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
}
