// Package selection turns aggregated experiment observations into an
// accept/reject/continue decision. Strategies are interchangeable behind the
// Strategy interface; the coordinator owns only the plumbing, never the
// statistic. The safety veto is applied by the coordinator before any
// strategy runs and cannot be overridden here.
package selection

import "fmt"

// Observation is one scored run from a single arm.
type Observation struct {
	Score    float64
	SafetyOK bool
}

// Verdict values of a Decision.
const (
	Continue = "continue"
	Promote  = "promote"
	Reject   = "reject"
)

// Decision is a strategy's ruling plus the reasoning behind it.
type Decision struct {
	Verdict   string `json:"verdict"`
	Rationale string `json:"rationale"`
}

// Strategy decides between two finite multisets of observations.
type Strategy interface {
	Name() string
	Decide(baseline, candidate []Observation) Decision
}

// New returns the strategy registered under name.
func New(name string, minRunsPerArm int, margin float64) (Strategy, error) {
	switch name {
	case "", "mean_margin":
		return &MeanMargin{MinRuns: minRunsPerArm, Margin: margin}, nil
	case "win_rate":
		return &WinRate{MinRuns: minRunsPerArm, Threshold: 0.5 + margin}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy: %s", name)
	}
}

func mean(obs []Observation) float64 {
	if len(obs) == 0 {
		return 0
	}
	var sum float64
	for _, o := range obs {
		sum += o.Score
	}
	return sum / float64(len(obs))
}
