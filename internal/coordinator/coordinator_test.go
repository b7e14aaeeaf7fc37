package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/metagov/internal/db"
	"github.com/hazyhaar/metagov/internal/gate"
	"github.com/hazyhaar/metagov/internal/selection"
)

// stubGate rules the same way on every payload.
type stubGate struct {
	approve bool
	reason  string
}

func (g *stubGate) Check(_ context.Context, _ string) (*gate.Verdict, error) {
	if g.approve {
		return &gate.Verdict{Approved: true, Score: 1.0}, nil
	}
	return &gate.Verdict{Approved: false, VetoReason: g.reason, Score: 0}, nil
}

type fixture struct {
	db       *db.DB
	coord    *Coordinator
	baseline *db.PolicyVersion
	prompt   *db.SelfPrompt
}

func newFixture(t *testing.T, g gate.Gate, candidatePercent int) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	baseline, err := database.CreatePolicyVersion(db.CreatePolicyVersionInput{
		Name:    "default",
		Ruleset: `{"routing":{"style":{"directness":"balanced"}},"tool_use":{"allow_web":true}}`,
	})
	if err != nil {
		t.Fatalf("creating baseline: %v", err)
	}
	if err := database.ActivatePolicyVersion(baseline.ID); err != nil {
		t.Fatalf("activating baseline: %v", err)
	}
	prompt, err := database.CreateSelfPrompt("default", "Be helpful.", "test")
	if err != nil {
		t.Fatalf("creating prompt: %v", err)
	}
	if err := database.ActivateSelfPrompt(prompt.ID); err != nil {
		t.Fatalf("activating prompt: %v", err)
	}

	strategy, err := selection.New("mean_margin", 2, 0.05)
	if err != nil {
		t.Fatalf("building strategy: %v", err)
	}
	return &fixture{
		db:       database,
		coord:    New(database, g, strategy, candidatePercent),
		baseline: baseline,
		prompt:   prompt,
	}
}

// checkedProposal submits a policy patch and runs it through the gate.
func (f *fixture) checkedProposal(t *testing.T) *db.Proposal {
	t.Helper()
	p, err := f.db.SubmitProposal(db.SubmitProposalInput{
		Type:    db.ProposalPolicyPatch,
		Payload: `{"routing":{"style":{"directness":"direct"}}}`,
	})
	if err != nil {
		t.Fatalf("submitting proposal: %v", err)
	}
	if _, err := f.coord.CheckProposalSafety(context.Background(), p.ID); err != nil {
		t.Fatalf("safety check: %v", err)
	}
	checked, err := f.db.GetProposal(p.ID)
	if err != nil {
		t.Fatalf("reloading proposal: %v", err)
	}
	return checked
}

// trace records a trace served under the given version.
func (f *fixture) trace(t *testing.T, versionID string) *db.Trace {
	t.Helper()
	tr, err := f.db.RecordTrace(db.RecordTraceInput{
		PolicyVersionID: versionID,
		SelfPromptID:    f.prompt.ID,
	})
	if err != nil {
		t.Fatalf("recording trace: %v", err)
	}
	return tr
}

// run records a trace plus a scored run for it.
func (f *fixture) run(t *testing.T, expID, versionID string, score float64, safetyOK bool) {
	t.Helper()
	tr := f.trace(t, versionID)
	if _, err := f.coord.RecordRun(context.Background(), expID, tr.ID, score, safetyOK); err != nil {
		t.Fatalf("recording run: %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("UncheckedProposalRefused", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		p, err := f.db.SubmitProposal(db.SubmitProposalInput{
			Type: db.ProposalPolicyPatch, Payload: `{"routing":{}}`,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		_, err = f.coord.Open(ctx, p.ID)
		var ise *db.InvalidStateError
		if !errors.As(err, &ise) {
			t.Fatalf("err = %v, want InvalidStateError", err)
		}
	})

	t.Run("CandidateParentedOnBaseline", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		p := f.checkedProposal(t)
		exp, err := f.coord.Open(ctx, p.ID)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if exp.BaselineID != f.baseline.ID {
			t.Errorf("baseline = %s, want %s", exp.BaselineID, f.baseline.ID)
		}
		candidate, err := f.db.GetPolicyVersion(exp.CandidateID)
		if err != nil {
			t.Fatalf("get candidate: %v", err)
		}
		if candidate.ParentID == nil || *candidate.ParentID != f.baseline.ID {
			t.Errorf("candidate parent = %v, want %s", candidate.ParentID, f.baseline.ID)
		}
		if candidate.IsActive {
			t.Error("candidate must not be active before promotion")
		}
		// The patch is materialized against the baseline.
		rs, err := db.ParseRuleset(candidate.Ruleset)
		if err != nil {
			t.Fatalf("parse candidate ruleset: %v", err)
		}
		style := rs.Routing["style"].(map[string]any)
		if style["directness"] != "direct" {
			t.Errorf("directness = %v, want direct", style["directness"])
		}
		if rs.ToolUse["allow_web"] != true {
			t.Error("unpatched baseline sections must carry over")
		}
	})

	t.Run("SecondExperimentConflicts", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		if _, err := f.coord.Open(ctx, f.checkedProposal(t).ID); err != nil {
			t.Fatalf("first open: %v", err)
		}
		_, err := f.coord.Open(ctx, f.checkedProposal(t).ID)
		var ce *db.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("err = %v, want ConflictError", err)
		}
	})

	t.Run("PromptPatchRefused", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		p, err := f.db.SubmitProposal(db.SubmitProposalInput{
			Type: db.ProposalPromptPatch, Payload: `{"prompt":"Be terse."}`,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, err := f.coord.CheckProposalSafety(ctx, p.ID); err != nil {
			t.Fatalf("safety check: %v", err)
		}
		_, err = f.coord.Open(ctx, p.ID)
		var ve *db.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
}

func TestRoute(t *testing.T) {
	f := newFixture(t, &stubGate{approve: true}, 30)

	t.Run("Deterministic", func(t *testing.T) {
		for _, key := range []string{"alice", "bob", "session-9"} {
			first := f.coord.Route("exp1", key)
			for i := 0; i < 10; i++ {
				if got := f.coord.Route("exp1", key); got != first {
					t.Fatalf("key %q flapped: %s then %s", key, first, got)
				}
			}
		}
	})

	t.Run("ExperimentScoped", func(t *testing.T) {
		// Different experiments reshuffle the key space; at least one of
		// a spread of keys must land differently.
		differs := false
		for i := 0; i < 50; i++ {
			key := string(rune('a' + i%26)) + string(rune('0'+i%10))
			if f.coord.Route("exp1", key) != f.coord.Route("exp2", key) {
				differs = true
				break
			}
		}
		if !differs {
			t.Error("routing ignored the experiment id")
		}
	})

	t.Run("PercentExtremes", func(t *testing.T) {
		all := newFixture(t, &stubGate{approve: true}, 100)
		none := newFixture(t, &stubGate{approve: true}, 0)
		for i := 0; i < 20; i++ {
			key := string(rune('a' + i))
			if got := all.coord.Route("exp", key); got != db.ArmCandidate {
				t.Errorf("percent 100: key %q routed to %s", key, got)
			}
			if got := none.coord.Route("exp", key); got != db.ArmBaseline {
				t.Errorf("percent 0: key %q routed to %s", key, got)
			}
		}
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("NoExperiment", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		res, err := f.coord.Resolve(ctx, "default", "any-key", "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if res.Version.ID != f.baseline.ID {
			t.Errorf("version = %s, want baseline", res.Version.ID)
		}
		if res.SelfPrompt.ID != f.prompt.ID {
			t.Errorf("prompt = %s, want %s", res.SelfPrompt.ID, f.prompt.ID)
		}
		if res.ExperimentID != "" || res.Arm != "" {
			t.Error("no experiment fields expected")
		}
	})

	t.Run("CandidateArmGetsCandidate", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 100) // every key -> candidate
		exp, err := f.coord.Open(ctx, f.checkedProposal(t).ID)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		res, err := f.coord.Resolve(ctx, "default", "any-key", "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if res.Arm != db.ArmCandidate {
			t.Fatalf("arm = %s, want candidate", res.Arm)
		}
		if res.Version.ID != exp.CandidateID {
			t.Errorf("version = %s, want candidate %s", res.Version.ID, exp.CandidateID)
		}
		if res.ExperimentID != exp.ID {
			t.Errorf("experiment = %s, want %s", res.ExperimentID, exp.ID)
		}
	})

	t.Run("BaselineArmKeepsActive", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 0) // every key -> baseline
		if _, err := f.coord.Open(ctx, f.checkedProposal(t).ID); err != nil {
			t.Fatalf("open: %v", err)
		}
		res, err := f.coord.Resolve(ctx, "default", "any-key", "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if res.Version.ID != f.baseline.ID {
			t.Errorf("version = %s, want baseline", res.Version.ID)
		}
	})
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("ContinueUntilEnoughRuns", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		exp, err := f.coord.Open(ctx, f.checkedProposal(t).ID)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		f.run(t, exp.ID, exp.BaselineID, 0.5, true)
		d, err := f.coord.Evaluate(ctx, exp.ID)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if d.Verdict != selection.Continue {
			t.Errorf("verdict = %s, want continue", d.Verdict)
		}
		got, _ := f.db.GetExperiment(exp.ID)
		if got.Status != db.ExperimentRunning {
			t.Errorf("status = %s, continue must not mutate", got.Status)
		}
	})

	t.Run("PromoteActivatesCandidate", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		exp, err := f.coord.Open(ctx, f.checkedProposal(t).ID)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		f.run(t, exp.ID, exp.BaselineID, 0.5, true)
		f.run(t, exp.ID, exp.BaselineID, 0.5, true)
		f.run(t, exp.ID, exp.CandidateID, 0.9, true)
		f.run(t, exp.ID, exp.CandidateID, 0.9, true)

		d, err := f.coord.Evaluate(ctx, exp.ID)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if d.Verdict != selection.Promote {
			t.Fatalf("verdict = %s (%s), want promote", d.Verdict, d.Rationale)
		}
		active, err := f.db.GetActivePolicyVersion("default")
		if err != nil {
			t.Fatalf("get active: %v", err)
		}
		if active.ID != exp.CandidateID {
			t.Errorf("active = %s, want candidate", active.ID)
		}
		got, _ := f.db.GetExperiment(exp.ID)
		if got.Status != db.ExperimentCompleted {
			t.Errorf("status = %s, want completed", got.Status)
		}
		if got.ResultSummary == nil {
			t.Error("result summary must be recorded")
		}
	})

	t.Run("SafetyVetoOverridesScores", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		exp, err := f.coord.Open(ctx, f.checkedProposal(t).ID)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		f.run(t, exp.ID, exp.BaselineID, 0.1, true)
		f.run(t, exp.ID, exp.BaselineID, 0.1, true)
		f.run(t, exp.ID, exp.CandidateID, 0.99, true)
		f.run(t, exp.ID, exp.CandidateID, 0.99, false) // one unsafe run

		d, err := f.coord.Evaluate(ctx, exp.ID)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if d.Verdict != selection.Reject {
			t.Fatalf("verdict = %s, want reject on safety veto", d.Verdict)
		}
		active, err := f.db.GetActivePolicyVersion("default")
		if err != nil {
			t.Fatalf("get active: %v", err)
		}
		if active.ID != f.baseline.ID {
			t.Errorf("active = %s, baseline must stay after a veto", active.ID)
		}
	})

	t.Run("RejectOnWorseCandidate", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		exp, err := f.coord.Open(ctx, f.checkedProposal(t).ID)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		f.run(t, exp.ID, exp.BaselineID, 0.9, true)
		f.run(t, exp.ID, exp.BaselineID, 0.9, true)
		f.run(t, exp.ID, exp.CandidateID, 0.4, true)
		f.run(t, exp.ID, exp.CandidateID, 0.4, true)

		d, err := f.coord.Evaluate(ctx, exp.ID)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if d.Verdict != selection.Reject {
			t.Fatalf("verdict = %s, want reject", d.Verdict)
		}
		p, _ := f.db.GetProposal(exp.ProposalID)
		if p.Status != db.ProposalRejected {
			t.Errorf("proposal status = %s, want rejected", p.Status)
		}
	})

	t.Run("ClosedExperimentRefused", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		exp, err := f.coord.Open(ctx, f.checkedProposal(t).ID)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := f.coord.Abort(ctx, exp.ID, "operator says stop"); err != nil {
			t.Fatalf("abort: %v", err)
		}
		_, err = f.coord.Evaluate(ctx, exp.ID)
		var ise *db.InvalidStateError
		if !errors.As(err, &ise) {
			t.Fatalf("err = %v, want InvalidStateError", err)
		}
	})
}

func TestAbort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubGate{approve: true}, 20)
	exp, err := f.coord.Open(ctx, f.checkedProposal(t).ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := f.coord.Abort(ctx, exp.ID, "bad vibes in prod"); err != nil {
		t.Fatalf("abort: %v", err)
	}

	got, err := f.db.GetExperiment(exp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != db.ExperimentAborted {
		t.Errorf("status = %s, want aborted", got.Status)
	}
	p, err := f.db.GetProposal(exp.ProposalID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != db.ProposalRejected {
		t.Errorf("proposal status = %s, want rejected", p.Status)
	}
	active, err := f.db.GetActivePolicyVersion("default")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != f.baseline.ID {
		t.Errorf("active = %s, baseline must survive an abort", active.ID)
	}

	// Aborting again is idempotent.
	if err := f.coord.Abort(ctx, exp.ID, "again"); err != nil {
		t.Fatalf("repeat abort: %v", err)
	}
}

func TestCheckProposalSafety(t *testing.T) {
	ctx := context.Background()

	t.Run("VetoRejectsProposal", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: false, reason: "blocked pattern"}, 20)
		p, err := f.db.SubmitProposal(db.SubmitProposalInput{
			Type: db.ProposalPolicyPatch, Payload: `{"routing":{}}`,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		verdict, err := f.coord.CheckProposalSafety(ctx, p.ID)
		var veto *db.SafetyVeto
		if !errors.As(err, &veto) {
			t.Fatalf("err = %v, want SafetyVeto", err)
		}
		if verdict == nil || verdict.Approved {
			t.Error("verdict must be returned and disapproving")
		}
		got, _ := f.db.GetProposal(p.ID)
		if got.Status != db.ProposalRejected {
			t.Errorf("status = %s, want rejected", got.Status)
		}
		if got.SafetyVerdict == nil {
			t.Error("verdict must be stored for audit")
		}
	})

	t.Run("SecondCheckRefused", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		p := f.checkedProposal(t)
		_, err := f.coord.CheckProposalSafety(ctx, p.ID)
		var ise *db.InvalidStateError
		if !errors.As(err, &ise) {
			t.Fatalf("err = %v, want InvalidStateError", err)
		}
	})
}

func TestApprove(t *testing.T) {
	ctx := context.Background()

	t.Run("PolicyPatch", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		p := f.checkedProposal(t)
		got, err := f.coord.Approve(ctx, p.ID, "admin")
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if got.Status != db.ProposalAccepted {
			t.Errorf("status = %s, want accepted", got.Status)
		}
		active, err := f.db.GetActivePolicyVersion("default")
		if err != nil {
			t.Fatalf("get active: %v", err)
		}
		if active.ID == f.baseline.ID {
			t.Error("approval must activate the materialized version")
		}
		style := mustRuleset(t, active.Ruleset).Routing["style"].(map[string]any)
		if style["directness"] != "direct" {
			t.Errorf("directness = %v, want direct", style["directness"])
		}
	})

	t.Run("PromptPatch", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		p, err := f.db.SubmitProposal(db.SubmitProposalInput{
			Type: db.ProposalPromptPatch, Payload: `{"prompt":"Be terse."}`,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if _, err := f.coord.CheckProposalSafety(ctx, p.ID); err != nil {
			t.Fatalf("safety check: %v", err)
		}
		if _, err := f.coord.Approve(ctx, p.ID, "admin"); err != nil {
			t.Fatalf("approve: %v", err)
		}
		prompt, err := f.db.GetActiveSelfPrompt("default")
		if err != nil {
			t.Fatalf("get active prompt: %v", err)
		}
		if prompt.Prompt != "Be terse." {
			t.Errorf("prompt = %q, want the patched one", prompt.Prompt)
		}
	})

	t.Run("UncheckedRefused", func(t *testing.T) {
		f := newFixture(t, &stubGate{approve: true}, 20)
		p, err := f.db.SubmitProposal(db.SubmitProposalInput{
			Type: db.ProposalPolicyPatch, Payload: `{"routing":{}}`,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		_, err = f.coord.Approve(ctx, p.ID, "admin")
		var ve *db.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})
}

func mustRuleset(t *testing.T, raw string) *db.Ruleset {
	t.Helper()
	rs, err := db.ParseRuleset(raw)
	if err != nil {
		t.Fatalf("parsing ruleset: %v", err)
	}
	return rs
}
