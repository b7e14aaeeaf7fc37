// CLAUDE:SUMMARY Built-in pattern gate — scores payloads against safety_patterns rows (exact/substring/regex) plus injection heuristics
package gate

import (
	"context"
	"regexp"
	"strings"

	"github.com/hazyhaar/metagov/internal/db"
)

// PatternGate is the built-in scorer used when no external evaluator is
// configured. It scores a payload between 0.0 (dangerous) and 1.0 (safe)
// against the safety_patterns table and a set of injection heuristics, and
// vetoes below MinScore.
type PatternGate struct {
	db       *db.DB
	minScore float64
}

func NewPatternGate(database *db.DB, minScore float64) *PatternGate {
	if minScore <= 0 {
		minScore = 0.5
	}
	return &PatternGate{db: database, minScore: minScore}
}

// injectionPatterns are built-in prompt-injection heuristics applied on top
// of the configurable pattern lists.
var injectionPatterns = []string{
	"ignore all previous",
	"ignore your instructions",
	"disable safety",
	"bypass the gate",
	"disregard",
	"you are now",
	"pretend to be",
	"jailbreak",
}

func (g *PatternGate) Check(_ context.Context, payload string) (*Verdict, error) {
	v := &Verdict{Approved: true, Score: 1.0, Flags: []string{}}
	lower := strings.ToLower(payload)
	blocked := false

	patterns, err := g.db.ListSafetyPatterns()
	if err == nil {
		for _, p := range patterns {
			matched := false
			switch p.PatternType {
			case "exact":
				matched = strings.EqualFold(p.Pattern, lower)
			case "substring":
				matched = strings.Contains(lower, strings.ToLower(p.Pattern))
			case "regex":
				if re, err := regexp.Compile("(?i)" + p.Pattern); err == nil {
					matched = re.MatchString(payload)
				}
			}
			if matched {
				v.Flags = append(v.Flags, "pattern:"+p.Pattern)
				v.Score -= severityPenalty(p.Severity)
				// A block-list hit is a veto on its own; flag-list hits
				// only contribute to the score.
				if p.ListType == "block" {
					blocked = true
				}
			}
		}
	}

	for _, p := range injectionPatterns {
		if strings.Contains(lower, p) {
			v.Flags = append(v.Flags, "injection:"+p)
			v.Score -= 0.3
		}
	}

	if v.Score < 0 {
		v.Score = 0
	}
	switch {
	case blocked:
		v.Approved = false
		v.VetoReason = "matched blocked pattern"
	case v.Score < g.minScore:
		v.Approved = false
		v.VetoReason = "safety score below threshold"
	}
	return v, nil
}

func severityPenalty(s string) float64 {
	switch s {
	case "critical":
		return 0.5
	case "high":
		return 0.4
	case "medium":
		return 0.3
	case "low":
		return 0.15
	default:
		return 0.05
	}
}
