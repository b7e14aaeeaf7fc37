// CLAUDE:SUMMARY Recommendation builder — turns flagged-trace pressure into a safety-tightening policy patch proposal
package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/metagov/internal/db"
)

// Recommendation is a suggested policy patch for a lineage, derived from the
// proportion of problematic traces in a recent window. Read-only until
// committed as a proposal.
type Recommendation struct {
	Lineage      string         `json:"lineage"`
	WindowHours  int            `json:"window_hours"`
	TotalTraces  int            `json:"total_traces"`
	FlaggedCount int            `json:"flagged_count"`
	Patch        map[string]any `json:"patch,omitempty"`
	Rationale    string         `json:"rationale"`
}

// HasPatch reports whether the analysis produced something worth proposing.
func (r *Recommendation) HasPatch() bool { return len(r.Patch) > 0 }

// flaggedRateThreshold is the share of flagged traces above which the
// recommendation suggests tightening safety overrides.
const flaggedRateThreshold = 0.2

// Recommend inspects a lineage's recent traces and, when the flagged share
// crosses the threshold, builds a patch tightening the safety overrides.
func (c *Cycle) Recommend(ctx context.Context, lineage string, window time.Duration) (*Recommendation, error) {
	if window <= 0 {
		window = c.window
	}
	active, err := c.db.GetActivePolicyVersion(lineage)
	if err != nil {
		return nil, err
	}
	since := time.Now().Add(-window)

	total, err := c.countTraces(db.TraceFilter{Since: since, PolicyVersionID: active.ID})
	if err != nil {
		return nil, err
	}
	flagged, err := c.countTraces(db.TraceFilter{Since: since, PolicyVersionID: active.ID, FlaggedOnly: true})
	if err != nil {
		return nil, err
	}

	rec := &Recommendation{
		Lineage:      lineage,
		WindowHours:  int(window.Hours()),
		TotalTraces:  total,
		FlaggedCount: flagged,
	}
	if total == 0 {
		rec.Rationale = "no traces recorded for the active version in the window"
		return rec, nil
	}

	rate := float64(flagged) / float64(total)
	if rate <= flaggedRateThreshold {
		rec.Rationale = fmt.Sprintf("flagged rate %.0f%% (%d/%d) below threshold, no change suggested",
			rate*100, flagged, total)
		return rec, nil
	}

	rec.Patch = map[string]any{
		"safety_overrides": map[string]any{
			"extra_checks": true,
			"min_sources":  3,
		},
	}
	rec.Rationale = fmt.Sprintf("flagged rate %.0f%% (%d/%d) over the last %dh, tightening safety overrides",
		rate*100, flagged, total, rec.WindowHours)
	return rec, nil
}

// CommitRecommendation submits a recommendation with a patch as a pending
// policy_patch proposal. The proposal then walks the normal pipeline: safety
// gate, experiment, promotion.
func (c *Cycle) CommitRecommendation(ctx context.Context, rec *Recommendation) (*db.Proposal, error) {
	if rec == nil || !rec.HasPatch() {
		return nil, &db.ValidationError{Entity: "proposal", Field: "payload",
			Reason: "recommendation carries no patch to commit"}
	}
	return c.db.SubmitProposal(db.SubmitProposalInput{
		Type:      db.ProposalPolicyPatch,
		Lineage:   rec.Lineage,
		Payload:   encode(rec.Patch),
		Rationale: rec.Rationale,
		CreatedBy: "meta_cycle",
	})
}

func (c *Cycle) countTraces(f db.TraceFilter) (int, error) {
	rows, err := c.db.QueryTraces(f)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}
