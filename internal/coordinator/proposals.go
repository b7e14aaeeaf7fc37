// CLAUDE:SUMMARY Proposal-facing coordinator ops — safety gate invocation and manual approve/reject
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hazyhaar/metagov/internal/db"
	"github.com/hazyhaar/metagov/internal/gate"
)

// CheckProposalSafety runs the gate over a pending proposal's payload and
// records the verdict. A veto rejects the proposal and surfaces as a
// SafetyVeto error; the verdict itself is stored either way for audit.
func (c *Coordinator) CheckProposalSafety(ctx context.Context, proposalID string) (*gate.Verdict, error) {
	p, err := c.db.GetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != db.ProposalPending || p.SafetyChecked() {
		return nil, &db.InvalidStateError{Entity: "proposal", ID: p.ID, From: p.Status, To: "safety_checked"}
	}

	verdict, err := c.gate.Check(ctx, p.Payload)
	if err != nil {
		// The gate contract is fail-closed; an error here means the gate
		// implementation itself is broken. Leave the proposal unchecked.
		return nil, err
	}
	verdictJSON, merr := json.Marshal(verdict)
	if merr != nil {
		verdictJSON = []byte("{}")
	}
	if err := c.db.MarkSafetyChecked(p.ID, verdict.Approved, string(verdictJSON)); err != nil {
		return nil, err
	}
	if !verdict.Approved {
		slog.Warn("proposal vetoed by safety gate", "proposal", p.ID, "reason", verdict.VetoReason)
		return verdict, &db.SafetyVeto{ProposalID: p.ID, Reason: verdict.VetoReason}
	}
	return verdict, nil
}

// Approve accepts a pending proposal without an experiment: the payload is
// materialized into a new version (or self-prompt) and activated immediately.
// The safety gate must have passed first; manual approval does not bypass it.
func (c *Coordinator) Approve(ctx context.Context, proposalID, operator string) (*db.Proposal, error) {
	p, err := c.db.GetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != db.ProposalPending {
		return nil, &db.InvalidStateError{Entity: "proposal", ID: p.ID, From: p.Status, To: db.ProposalAccepted}
	}
	if !p.SafetyChecked() {
		return nil, &db.ValidationError{Entity: "proposal", Field: "safety_checked_at",
			Reason: "safety gate has not ruled on this proposal"}
	}

	switch p.Type {
	case db.ProposalPromptPatch:
		var body struct {
			Prompt string `json:"prompt"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal([]byte(p.Payload), &body); err != nil {
			return nil, &db.ValidationError{Entity: "proposal", Field: "payload", Reason: err.Error()}
		}
		if body.Name == "" {
			body.Name = "default"
		}
		prompt, err := c.db.CreateSelfPrompt(body.Name, body.Prompt, operator)
		if err != nil {
			return nil, err
		}
		if err := c.db.AcceptProposalWithPrompt(p.ID, prompt.ID); err != nil {
			return nil, err
		}
	default:
		baseline, err := c.db.GetActivePolicyVersion(p.Lineage)
		if err != nil {
			return nil, err
		}
		ruleset, err := materializeRuleset(p, baseline)
		if err != nil {
			return nil, err
		}
		version, err := c.db.CreatePolicyVersion(db.CreatePolicyVersionInput{
			Name:      p.Lineage,
			ParentID:  &baseline.ID,
			Ruleset:   ruleset,
			CreatedBy: operator,
			Label:     "approved proposal " + p.ID,
		})
		if err != nil {
			return nil, err
		}
		if err := c.db.AcceptProposalWithVersion(p.ID, version.ID); err != nil {
			return nil, err
		}
	}

	slog.Info("proposal approved", "proposal", p.ID, "operator", operator)
	return c.db.GetProposal(p.ID)
}

// Reject marks a pending proposal rejected with the operator's reason.
func (c *Coordinator) Reject(ctx context.Context, proposalID, reason string) (*db.Proposal, error) {
	if err := c.db.RejectProposal(proposalID, reason); err != nil {
		return nil, err
	}
	return c.db.GetProposal(proposalID)
}
