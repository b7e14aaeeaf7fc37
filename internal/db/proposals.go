// CLAUDE:SUMMARY Proposal rows — pending mutations with one-way lifecycle and a one-shot safety check marker
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"

	ProposalPolicyPatch = "policy_patch"
	ProposalNewPolicy   = "new_policy"
	ProposalPromptPatch = "prompt_patch"
)

// Proposal is a pending mutation to a policy or self-prompt lineage.
// pending -> accepted | rejected; terminal states are final.
type Proposal struct {
	ID              string     `json:"id"`
	CreatedBy       *string    `json:"created_by,omitempty"`
	Type            string     `json:"proposal_type"`
	Lineage         string     `json:"lineage"`
	Payload         string     `json:"payload"`
	Rationale       *string    `json:"rationale,omitempty"`
	Status          string     `json:"status"`
	SafetyCheckedAt *time.Time `json:"safety_checked_at,omitempty"`
	SafetyVerdict   *string    `json:"safety_verdict,omitempty"`
	FinalVersionID  *string    `json:"final_version_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
}

// SafetyChecked reports whether the Safety Gate has already ruled on this
// proposal. The gate runs at most once per lifecycle.
func (p *Proposal) SafetyChecked() bool { return p.SafetyCheckedAt != nil }

type SubmitProposalInput struct {
	Type      string
	Lineage   string
	Payload   string
	Rationale string
	CreatedBy string
}

// SubmitProposal validates the payload shape for its type and inserts the
// proposal as pending.
func (db *DB) SubmitProposal(input SubmitProposalInput) (*Proposal, error) {
	if input.Lineage == "" {
		input.Lineage = "default"
	}
	switch input.Type {
	case ProposalNewPolicy:
		if _, err := ParseRuleset(input.Payload); err != nil {
			return nil, err
		}
	case ProposalPolicyPatch:
		var patch map[string]any
		if err := json.Unmarshal([]byte(input.Payload), &patch); err != nil || patch == nil {
			return nil, &ValidationError{Entity: "proposal", Field: "payload", Reason: "patch must be a JSON object"}
		}
		for section := range patch {
			if section != "routing" && section != "tool_use" && section != "safety_overrides" {
				return nil, &ValidationError{Entity: "proposal", Field: "payload", Reason: "unknown patch section " + section}
			}
		}
	case ProposalPromptPatch:
		var body struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal([]byte(input.Payload), &body); err != nil || strings.TrimSpace(body.Prompt) == "" {
			return nil, &ValidationError{Entity: "proposal", Field: "payload", Reason: "prompt_patch needs a non-empty prompt"}
		}
	default:
		return nil, &ValidationError{Entity: "proposal", Field: "proposal_type", Reason: "unknown type " + input.Type}
	}

	id := NewID()
	var createdBy, rationale *string
	if input.CreatedBy != "" {
		createdBy = &input.CreatedBy
	}
	if input.Rationale != "" {
		rationale = &input.Rationale
	}
	_, err := db.Exec(`
		INSERT INTO proposals (id, created_by, proposal_type, lineage, payload, rationale, status)
		VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		id, createdBy, input.Type, input.Lineage, input.Payload, rationale)
	if err != nil {
		return nil, storageErr("submit_proposal", err)
	}
	return db.GetProposal(id)
}

// GetProposal returns a proposal by ID.
func (db *DB) GetProposal(id string) (*Proposal, error) {
	p, err := scanProposal(db.QueryRow(proposalColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "proposal", ID: id}
	}
	return p, err
}

// ListProposals returns proposals, optionally filtered by status, oldest
// pending first.
func (db *DB) ListProposals(status string, limit int) ([]*Proposal, error) {
	if limit <= 0 {
		limit = 20
	}
	query := proposalColumns
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkSafetyChecked records the gate's verdict. The conditional update makes
// repeated evaluation a caller error: the gate rules once per lifecycle.
// A veto also transitions the proposal to rejected in the same statement.
func (db *DB) MarkSafetyChecked(id string, approved bool, verdictJSON string) error {
	var res sql.Result
	var err error
	if approved {
		res, err = db.Exec(`
			UPDATE proposals SET safety_checked_at = datetime('now'), safety_verdict = ?
			WHERE id = ? AND status = 'pending' AND safety_checked_at IS NULL`, verdictJSON, id)
	} else {
		res, err = db.Exec(`
			UPDATE proposals SET safety_checked_at = datetime('now'), safety_verdict = ?,
				status = 'rejected', decided_at = datetime('now')
			WHERE id = ? AND status = 'pending' AND safety_checked_at IS NULL`, verdictJSON, id)
	}
	if err != nil {
		return storageErr("mark_safety_checked", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		p, err := db.GetProposal(id)
		if err != nil {
			return err
		}
		return &InvalidStateError{Entity: "proposal", ID: id, From: p.Status, To: "safety_checked"}
	}
	return nil
}

// DecideProposal transitions pending -> accepted|rejected. Re-applying the
// same decision is a no-op so promotion retries stay idempotent; a different
// terminal state is an InvalidStateError.
func (db *DB) DecideProposal(tx *sql.Tx, id, status string, finalVersionID *string, reason string) error {
	if status != ProposalAccepted && status != ProposalRejected {
		return &ValidationError{Entity: "proposal", Field: "status", Reason: "must be accepted or rejected"}
	}
	exec := db.Exec
	queryRow := db.QueryRow
	if tx != nil {
		exec = tx.Exec
		queryRow = tx.QueryRow
	}

	res, err := exec(`
		UPDATE proposals SET status = ?, final_version_id = COALESCE(?, final_version_id),
			rationale = CASE WHEN ? != '' THEN ? ELSE rationale END,
			decided_at = datetime('now')
		WHERE id = ? AND status = 'pending'`,
		status, finalVersionID, reason, reason, id)
	if err != nil {
		return storageErr("decide_proposal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := queryRow(`SELECT status FROM proposals WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return &NotFoundError{Entity: "proposal", ID: id}
		}
		if err != nil {
			return storageErr("decide_proposal", err)
		}
		if current == status {
			return nil // already decided the same way
		}
		return &InvalidStateError{Entity: "proposal", ID: id, From: current, To: status}
	}
	return nil
}

// AcceptProposalWithVersion accepts a proposal by activating the version that
// resulted from it, as one transaction. Used by manual approval; promotion
// through an experiment goes through PromoteCandidate instead.
func (db *DB) AcceptProposalWithVersion(proposalID, versionID string) error {
	v, err := db.GetPolicyVersion(versionID)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return storageErr("accept_proposal", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE policy_versions SET is_active = 0 WHERE name = ? AND is_active = 1 AND id != ?`,
		v.Name, v.ID); err != nil {
		return storageErr("accept_proposal", err)
	}
	if _, err := tx.Exec(`UPDATE policy_versions SET is_active = 1 WHERE id = ?`, v.ID); err != nil {
		return storageErr("accept_proposal", err)
	}
	if err := db.DecideProposal(tx, proposalID, ProposalAccepted, &v.ID, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("accept_proposal", err)
	}
	return nil
}

// AcceptProposalWithPrompt is the self-prompt counterpart of
// AcceptProposalWithVersion.
func (db *DB) AcceptProposalWithPrompt(proposalID, promptID string) error {
	p, err := db.GetSelfPrompt(promptID)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return storageErr("accept_proposal", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE self_prompts SET is_active = 0 WHERE name = ? AND is_active = 1 AND id != ?`,
		p.Name, p.ID); err != nil {
		return storageErr("accept_proposal", err)
	}
	if _, err := tx.Exec(`UPDATE self_prompts SET is_active = 1 WHERE id = ?`, p.ID); err != nil {
		return storageErr("accept_proposal", err)
	}
	if err := db.DecideProposal(tx, proposalID, ProposalAccepted, &p.ID, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("accept_proposal", err)
	}
	return nil
}

// RejectProposal transitions a pending proposal to rejected.
func (db *DB) RejectProposal(proposalID, reason string) error {
	return db.DecideProposal(nil, proposalID, ProposalRejected, nil, reason)
}

const proposalColumns = `SELECT id, created_by, proposal_type, lineage, payload, rationale, status,
	safety_checked_at, safety_verdict, final_version_id, created_at, decided_at
	FROM proposals`

func scanProposal(s interface{ Scan(...any) error }) (*Proposal, error) {
	p := &Proposal{}
	var createdBy, rationale, verdict, finalVersion sql.NullString
	var checkedAt, decidedAt sql.NullTime
	err := s.Scan(&p.ID, &createdBy, &p.Type, &p.Lineage, &p.Payload, &rationale, &p.Status,
		&checkedAt, &verdict, &finalVersion, &p.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	if createdBy.Valid {
		p.CreatedBy = &createdBy.String
	}
	if rationale.Valid {
		p.Rationale = &rationale.String
	}
	if verdict.Valid {
		p.SafetyVerdict = &verdict.String
	}
	if finalVersion.Valid {
		p.FinalVersionID = &finalVersion.String
	}
	if checkedAt.Valid {
		p.SafetyCheckedAt = &checkedAt.Time
	}
	if decidedAt.Valid {
		p.DecidedAt = &decidedAt.Time
	}
	return p, nil
}
