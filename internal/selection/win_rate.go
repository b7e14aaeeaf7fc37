package selection

import "fmt"

// WinRate compares every candidate observation against every baseline
// observation and promotes when the pairwise win rate clears Threshold.
// Less sensitive to outliers than a mean comparison; a drop-in stand-in for
// heavier game-theoretic selection.
type WinRate struct {
	MinRuns   int
	Threshold float64
}

func (s *WinRate) Name() string { return "win_rate" }

func (s *WinRate) Decide(baseline, candidate []Observation) Decision {
	minRuns := s.MinRuns
	if minRuns <= 0 {
		minRuns = 10
	}
	if len(baseline) < minRuns || len(candidate) < minRuns {
		return Decision{
			Verdict: Continue,
			Rationale: fmt.Sprintf("need %d runs per arm, have baseline=%d candidate=%d",
				minRuns, len(baseline), len(candidate)),
		}
	}

	var wins, ties, total int
	for _, c := range candidate {
		for _, b := range baseline {
			total++
			switch {
			case c.Score > b.Score:
				wins++
			case c.Score == b.Score:
				ties++
			}
		}
	}
	// Ties split evenly so an identical candidate sits at 0.5.
	rate := (float64(wins) + float64(ties)/2) / float64(total)

	threshold := s.Threshold
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.55
	}
	switch {
	case rate >= threshold:
		return Decision{
			Verdict:   Promote,
			Rationale: fmt.Sprintf("candidate win rate %.4f >= %.4f", rate, threshold),
		}
	case rate <= 1-threshold:
		return Decision{
			Verdict:   Reject,
			Rationale: fmt.Sprintf("candidate win rate %.4f <= %.4f", rate, 1-threshold),
		}
	default:
		return Decision{
			Verdict:   Continue,
			Rationale: fmt.Sprintf("win rate %.4f inconclusive against %.4f", rate, threshold),
		}
	}
}
