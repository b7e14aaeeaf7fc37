package db

import (
	"errors"
	"testing"
)

func submitPatch(t *testing.T, database *DB) *Proposal {
	t.Helper()
	p, err := database.SubmitProposal(SubmitProposalInput{
		Type:      ProposalPolicyPatch,
		Lineage:   "default",
		Payload:   `{"routing":{"style":{"directness":"direct"}}}`,
		Rationale: "users prefer directness",
		CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("submitting proposal: %v", err)
	}
	return p
}

func TestSubmitProposal(t *testing.T) {
	database := testDB(t)

	t.Run("ValidPatch", func(t *testing.T) {
		p := submitPatch(t, database)
		if p.Status != ProposalPending {
			t.Errorf("status = %s, want pending", p.Status)
		}
		if p.SafetyChecked() {
			t.Error("fresh proposal must be unchecked")
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := database.SubmitProposal(SubmitProposalInput{Type: "policy_rewrite", Payload: `{}`})
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("PatchWithUnknownSection", func(t *testing.T) {
		_, err := database.SubmitProposal(SubmitProposalInput{
			Type: ProposalPolicyPatch, Payload: `{"billing":{}}`,
		})
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("PromptPatchNeedsPrompt", func(t *testing.T) {
		_, err := database.SubmitProposal(SubmitProposalInput{
			Type: ProposalPromptPatch, Payload: `{"prompt":"   "}`,
		})
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("NewPolicyValidatesRuleset", func(t *testing.T) {
		_, err := database.SubmitProposal(SubmitProposalInput{
			Type: ProposalNewPolicy, Payload: `{"not_a_section":{}}`,
		})
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("err = %v, want ValidationError", err)
		}
	})

	t.Run("EmptyLineageDefaults", func(t *testing.T) {
		p, err := database.SubmitProposal(SubmitProposalInput{
			Type: ProposalPolicyPatch, Payload: `{"routing":{}}`,
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if p.Lineage != "default" {
			t.Errorf("lineage = %s, want default", p.Lineage)
		}
	})
}

func TestSafetyCheckOneShot(t *testing.T) {
	database := testDB(t)
	p := submitPatch(t, database)

	if err := database.MarkSafetyChecked(p.ID, true, `{"approved":true,"score":1}`); err != nil {
		t.Fatalf("first check: %v", err)
	}

	// A second ruling is an illegal transition whatever its verdict.
	err := database.MarkSafetyChecked(p.ID, false, `{"approved":false}`)
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("second check err = %v, want InvalidStateError", err)
	}

	got, err := database.GetProposal(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.SafetyChecked() {
		t.Error("proposal must remain checked")
	}
	if got.Status != ProposalPending {
		t.Errorf("status = %s, want pending after approval", got.Status)
	}
}

func TestSafetyCheckVetoRejects(t *testing.T) {
	database := testDB(t)
	p := submitPatch(t, database)

	if err := database.MarkSafetyChecked(p.ID, false, `{"approved":false,"veto_reason":"blocked pattern"}`); err != nil {
		t.Fatalf("veto check: %v", err)
	}
	got, err := database.GetProposal(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ProposalRejected {
		t.Errorf("status = %s, want rejected after veto", got.Status)
	}
}

func TestDecideProposal(t *testing.T) {
	database := testDB(t)

	t.Run("SameDecisionIsNoOp", func(t *testing.T) {
		p := submitPatch(t, database)
		if err := database.RejectProposal(p.ID, "not worth testing"); err != nil {
			t.Fatalf("reject: %v", err)
		}
		if err := database.RejectProposal(p.ID, "retry"); err != nil {
			t.Fatalf("repeated reject must be idempotent: %v", err)
		}
	})

	t.Run("FlippingDecisionFails", func(t *testing.T) {
		p := submitPatch(t, database)
		if err := database.RejectProposal(p.ID, "no"); err != nil {
			t.Fatalf("reject: %v", err)
		}
		err := database.DecideProposal(nil, p.ID, ProposalAccepted, nil, "")
		var ise *InvalidStateError
		if !errors.As(err, &ise) {
			t.Fatalf("err = %v, want InvalidStateError", err)
		}
	})

	t.Run("UnknownProposal", func(t *testing.T) {
		err := database.RejectProposal("nonexistent", "")
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("err = %v, want NotFoundError", err)
		}
	})
}

func TestAcceptProposalWithVersion(t *testing.T) {
	database := testDB(t)
	root := seedVersion(t, database, "default")
	p := submitPatch(t, database)

	child, err := database.CreatePolicyVersion(CreatePolicyVersionInput{
		Name: "default", ParentID: &root.ID, Ruleset: `{"routing":{"style":{"directness":"direct"}}}`,
	})
	if err != nil {
		t.Fatalf("creating candidate: %v", err)
	}

	if err := database.AcceptProposalWithVersion(p.ID, child.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	active, err := database.GetActivePolicyVersion("default")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != child.ID {
		t.Errorf("active = %s, want %s", active.ID, child.ID)
	}

	got, err := database.GetProposal(p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if got.Status != ProposalAccepted {
		t.Errorf("status = %s, want accepted", got.Status)
	}
	if got.FinalVersionID == nil || *got.FinalVersionID != child.ID {
		t.Errorf("final version = %v, want %s", got.FinalVersionID, child.ID)
	}
}
