package selection

import "fmt"

// MeanMargin is a fixed-horizon comparison of arm means. It waits for
// MinRuns observations on each arm, then promotes when the candidate mean
// clears the baseline mean by at least Margin, rejects when the candidate
// trails by Margin, and continues in the inconclusive band between.
type MeanMargin struct {
	MinRuns int
	Margin  float64
}

func (s *MeanMargin) Name() string { return "mean_margin" }

func (s *MeanMargin) Decide(baseline, candidate []Observation) Decision {
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

	bMean, cMean := mean(baseline), mean(candidate)
	delta := cMean - bMean
	switch {
	case delta >= s.Margin:
		return Decision{
			Verdict:   Promote,
			Rationale: fmt.Sprintf("candidate mean %.4f beats baseline %.4f by %.4f (margin %.4f)", cMean, bMean, delta, s.Margin),
		}
	case delta <= -s.Margin:
		return Decision{
			Verdict:   Reject,
			Rationale: fmt.Sprintf("candidate mean %.4f trails baseline %.4f by %.4f (margin %.4f)", cMean, bMean, -delta, s.Margin),
		}
	default:
		return Decision{
			Verdict:   Continue,
			Rationale: fmt.Sprintf("delta %.4f inside margin %.4f, inconclusive", delta, s.Margin),
		}
	}
}
