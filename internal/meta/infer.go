// CLAUDE:SUMMARY Preference inference heuristics — feedback tags vote on tone, detail level, and safety bias
package meta

import (
	"encoding/json"

	"github.com/hazyhaar/metagov/internal/db"
)

// ballot accumulates weighted votes per preference dimension across a user's
// recent traces. Plain tag heuristics; a learned classifier could replace
// count() without touching the rest of the cycle.
type ballot struct {
	tone   map[string]int
	detail map[string]int
	safety map[string]int
}

func newBallot() *ballot {
	return &ballot{
		tone:   map[string]int{},
		detail: map[string]int{},
		safety: map[string]int{},
	}
}

func (b *ballot) count(t *db.Trace) {
	var fb struct {
		Tag                 string `json:"tag"`
		ThumbsUp            bool   `json:"thumbs_up"`
		ThumbsDown          bool   `json:"thumbs_down"`
		FlagUnsafeOutput    bool   `json:"flag_unsafe_output"`
		ComplainedCautious  bool   `json:"complained_too_cautious"`
	}
	if err := json.Unmarshal([]byte(t.UserFeedback), &fb); err != nil {
		return
	}

	switch {
	case fb.Tag == "too_blunt" && fb.ThumbsDown:
		b.tone["gentle"] += 2
	case fb.Tag == "too_soft" && fb.ThumbsDown:
		b.tone["direct"] += 2
	case fb.Tag == "direct_helpful" && fb.ThumbsUp:
		b.tone["direct"] += 3
	case fb.Tag == "kind_helpful" && fb.ThumbsUp:
		b.tone["gentle"] += 3
	}

	switch {
	case fb.Tag == "too_long" && fb.ThumbsDown:
		b.detail["concise"] += 3
	case fb.Tag == "too_short" && fb.ThumbsDown:
		b.detail["detailed"] += 3
	case fb.Tag == "just_right_detail" && fb.ThumbsUp:
		b.detail["medium"] += 2
	}

	if fb.FlagUnsafeOutput {
		b.safety["strict"] += 3
	}
	if fb.ComplainedCautious {
		b.safety["relaxed"] += 2
	}
}

// preferences collapses the votes to one winner per dimension. Dimensions
// with no votes are omitted so existing preferences are not clobbered.
func (b *ballot) preferences() map[string]any {
	prefs := map[string]any{}
	if tone := winner(b.tone); tone != "" {
		prefs["tone"] = tone
	}
	if detail := winner(b.detail); detail != "" {
		prefs["detail_level"] = detail
	}
	if safety := winner(b.safety); safety != "" {
		prefs["safety_bias"] = safety
	}
	return prefs
}

func winner(votes map[string]int) string {
	best, bestN := "", 0
	for k, n := range votes {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

// routingOverride maps inferred preferences to a routing override document
// layered on the active policy for this user.
func routingOverride(prefs map[string]any) map[string]any {
	out := map[string]any{}
	style := map[string]any{}
	safety := map[string]any{}

	switch prefs["tone"] {
	case "direct":
		style["directness"] = "high"
	case "gentle":
		style["directness"] = "low"
	}
	switch prefs["detail_level"] {
	case "concise":
		style["max_tokens_per_reply"] = 256
	case "detailed":
		style["max_tokens_per_reply"] = 1024
	}
	switch prefs["safety_bias"] {
	case "strict":
		safety["extra_checks"] = true
		safety["min_sources"] = 3
	case "relaxed":
		safety["extra_checks"] = false
	}

	if len(style) > 0 {
		out["style"] = style
	}
	if len(safety) > 0 {
		out["safety"] = safety
	}
	return out
}

func encode(m map[string]any) string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
