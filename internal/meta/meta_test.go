package meta

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/metagov/internal/db"
)

func testDB(t *testing.T) (*db.DB, *db.PolicyVersion, *db.SelfPrompt) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	v, err := database.CreatePolicyVersion(db.CreatePolicyVersionInput{
		Name:    "default",
		Ruleset: `{"routing":{"style":{"directness":"balanced"}}}`,
	})
	if err != nil {
		t.Fatalf("creating version: %v", err)
	}
	if err := database.ActivatePolicyVersion(v.ID); err != nil {
		t.Fatalf("activating version: %v", err)
	}
	p, err := database.CreateSelfPrompt("default", "Be helpful.", "test")
	if err != nil {
		t.Fatalf("creating prompt: %v", err)
	}
	if err := database.ActivateSelfPrompt(p.ID); err != nil {
		t.Fatalf("activating prompt: %v", err)
	}
	return database, v, p
}

func recordWithFeedback(t *testing.T, database *db.DB, v *db.PolicyVersion, p *db.SelfPrompt, userID string, feedback map[string]any) *db.Trace {
	t.Helper()
	tr, err := database.RecordTrace(db.RecordTraceInput{
		PolicyVersionID: v.ID,
		SelfPromptID:    p.ID,
		UserID:          &userID,
	})
	if err != nil {
		t.Fatalf("recording trace: %v", err)
	}
	if feedback != nil {
		if err := database.AttachFeedback(tr.ID, feedback); err != nil {
			t.Fatalf("attaching feedback: %v", err)
		}
	}
	return tr
}

func TestBallot(t *testing.T) {
	trace := func(feedback string) *db.Trace {
		return &db.Trace{UserFeedback: feedback}
	}

	t.Run("ToneVotes", func(t *testing.T) {
		b := newBallot()
		b.count(trace(`{"tag":"direct_helpful","thumbs_up":true}`))
		b.count(trace(`{"tag":"too_blunt","thumbs_down":true}`))
		prefs := b.preferences()
		// 3 direct votes beat 2 gentle votes.
		if prefs["tone"] != "direct" {
			t.Errorf("tone = %v, want direct", prefs["tone"])
		}
	})

	t.Run("DetailVotes", func(t *testing.T) {
		b := newBallot()
		b.count(trace(`{"tag":"too_long","thumbs_down":true}`))
		prefs := b.preferences()
		if prefs["detail_level"] != "concise" {
			t.Errorf("detail_level = %v, want concise", prefs["detail_level"])
		}
	})

	t.Run("SafetyVotes", func(t *testing.T) {
		b := newBallot()
		b.count(trace(`{"flag_unsafe_output":true}`))
		b.count(trace(`{"complained_too_cautious":true}`))
		prefs := b.preferences()
		// strict(3) beats relaxed(2)
		if prefs["safety_bias"] != "strict" {
			t.Errorf("safety_bias = %v, want strict", prefs["safety_bias"])
		}
	})

	t.Run("NoVotesNoPreferences", func(t *testing.T) {
		b := newBallot()
		b.count(trace(`{"comment":"thanks"}`))
		b.count(trace(`not even json`))
		if prefs := b.preferences(); len(prefs) != 0 {
			t.Errorf("prefs = %v, want empty", prefs)
		}
	})
}

func TestRoutingOverride(t *testing.T) {
	out := routingOverride(map[string]any{
		"tone":         "direct",
		"detail_level": "concise",
		"safety_bias":  "strict",
	})
	style := out["style"].(map[string]any)
	if style["directness"] != "high" {
		t.Errorf("directness = %v, want high", style["directness"])
	}
	if style["max_tokens_per_reply"] != 256 {
		t.Errorf("max_tokens = %v, want 256", style["max_tokens_per_reply"])
	}
	safety := out["safety"].(map[string]any)
	if safety["extra_checks"] != true {
		t.Error("strict bias must enable extra checks")
	}

	if empty := routingOverride(map[string]any{}); len(empty) != 0 {
		t.Errorf("override = %v, want empty for no preferences", empty)
	}
}

func TestCycleRun(t *testing.T) {
	database, v, p := testDB(t)
	cycle := NewCycle(database, 72*time.Hour, 3)

	user, err := database.GetOrCreateUser("chatty-user")
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}
	quiet, err := database.GetOrCreateUser("quiet-user")
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}

	for i := 0; i < 3; i++ {
		recordWithFeedback(t, database, v, p, user.ID,
			map[string]any{"tag": "direct_helpful", "thumbs_up": true})
	}
	// Below the trace floor; must be skipped.
	recordWithFeedback(t, database, v, p, quiet.ID,
		map[string]any{"tag": "kind_helpful", "thumbs_up": true})

	updated, err := cycle.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	got, err := database.GetUserByID(user.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Preferences()["tone"] != "direct" {
		t.Errorf("tone = %v, want direct", got.Preferences()["tone"])
	}

	overlay, err := database.GetActiveUserOverlay(user.ID)
	if err != nil {
		t.Fatalf("get overlay: %v", err)
	}
	if overlay == nil {
		t.Fatal("overlay must be created")
	}
	if overlay.BaseVersionID != v.ID {
		t.Errorf("overlay base = %s, want active version %s", overlay.BaseVersionID, v.ID)
	}

	if skipped, err := database.GetActiveUserOverlay(quiet.ID); err != nil {
		t.Fatalf("get overlay: %v", err)
	} else if skipped != nil {
		t.Error("user below the trace floor must not get an overlay")
	}

	// Resolution for the user now reflects the inferred preference.
	rs, err := database.EffectiveRuleset(v, user.ID)
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	style := rs.Routing["style"].(map[string]any)
	if style["directness"] != "high" {
		t.Errorf("directness = %v, want high after the cycle", style["directness"])
	}

	// A second run re-bases the overlay instead of stacking a new active one.
	if _, err := cycle.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM user_policy_overlays
		WHERE user_id = ? AND is_active = 1`, user.ID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("active overlays = %d, want 1", count)
	}
}

func TestRecommend(t *testing.T) {
	ctx := context.Background()
	database, v, p := testDB(t)
	cycle := NewCycle(database, 72*time.Hour, 3)
	user, err := database.GetOrCreateUser("any-user")
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}

	t.Run("NoTraces", func(t *testing.T) {
		rec, err := cycle.Recommend(ctx, "default", 0)
		if err != nil {
			t.Fatalf("recommend: %v", err)
		}
		if rec.HasPatch() {
			t.Error("no traces must produce no patch")
		}
	})

	for i := 0; i < 3; i++ {
		recordWithFeedback(t, database, v, p, user.ID, nil)
	}

	t.Run("BelowThreshold", func(t *testing.T) {
		rec, err := cycle.Recommend(ctx, "default", 0)
		if err != nil {
			t.Fatalf("recommend: %v", err)
		}
		if rec.TotalTraces != 3 || rec.FlaggedCount != 0 {
			t.Errorf("counts = %d/%d, want 3/0", rec.FlaggedCount, rec.TotalTraces)
		}
		if rec.HasPatch() {
			t.Error("clean traffic must produce no patch")
		}
	})

	t.Run("AboveThreshold", func(t *testing.T) {
		recordWithFeedback(t, database, v, p, user.ID, map[string]any{"thumbs_down": true})
		recordWithFeedback(t, database, v, p, user.ID, map[string]any{"thumbs_down": true})

		rec, err := cycle.Recommend(ctx, "default", 0)
		if err != nil {
			t.Fatalf("recommend: %v", err)
		}
		if !rec.HasPatch() {
			t.Fatalf("flagged rate 2/5 must suggest a patch, got: %s", rec.Rationale)
		}
		so := rec.Patch["safety_overrides"].(map[string]any)
		if so["extra_checks"] != true {
			t.Error("patch must tighten safety overrides")
		}

		proposal, err := cycle.CommitRecommendation(ctx, rec)
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		if proposal.Type != db.ProposalPolicyPatch || proposal.Status != db.ProposalPending {
			t.Errorf("proposal = %s/%s, want policy_patch/pending", proposal.Type, proposal.Status)
		}
		if proposal.CreatedBy == nil || *proposal.CreatedBy != "meta_cycle" {
			t.Errorf("created_by = %v, want meta_cycle", proposal.CreatedBy)
		}
	})

	t.Run("EmptyRecommendationRefused", func(t *testing.T) {
		_, err := cycle.CommitRecommendation(ctx, &Recommendation{Lineage: "default"})
		if err == nil {
			t.Fatal("committing a patchless recommendation must fail")
		}
	})
}
