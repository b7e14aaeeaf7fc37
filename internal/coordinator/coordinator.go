// CLAUDE:SUMMARY Experiment coordinator — opens baseline/candidate experiments, splits traffic, records runs, and drives promotion decisions
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/hazyhaar/metagov/internal/db"
	"github.com/hazyhaar/metagov/internal/gate"
	"github.com/hazyhaar/metagov/internal/selection"
)

// Coordinator drives the experiment lifecycle. It is the only writer of
// experiment and run rows; version flips go through the store's promotion
// transaction.
type Coordinator struct {
	db               *db.DB
	gate             gate.Gate
	strategy         selection.Strategy
	candidatePercent int

	// locks serializes record_run against evaluate/promote per experiment,
	// so a run is never attributed to an arm that no longer exists.
	// Different experiments proceed fully in parallel.
	locks sync.Map // experiment id -> *sync.Mutex
}

func New(database *db.DB, g gate.Gate, strategy selection.Strategy, candidatePercent int) *Coordinator {
	if candidatePercent < 0 {
		candidatePercent = 0
	}
	if candidatePercent > 100 {
		candidatePercent = 100
	}
	return &Coordinator{
		db:               database,
		gate:             g,
		strategy:         strategy,
		candidatePercent: candidatePercent,
	}
}

func (c *Coordinator) lock(experimentID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(experimentID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Open materializes a safety-approved pending proposal into a candidate
// version parented on the current active version, and starts an experiment
// against it. Fails with ConflictError while another experiment is running
// on the same lineage.
func (c *Coordinator) Open(ctx context.Context, proposalID string) (*db.Experiment, error) {
	p, err := c.db.GetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != db.ProposalPending {
		return nil, &db.InvalidStateError{Entity: "proposal", ID: p.ID, From: p.Status, To: "in_experiment"}
	}
	if !p.SafetyChecked() {
		return nil, &db.InvalidStateError{Entity: "proposal", ID: p.ID, From: "unchecked", To: "in_experiment"}
	}
	if p.Type == db.ProposalPromptPatch {
		return nil, &db.ValidationError{Entity: "proposal", Field: "proposal_type",
			Reason: "prompt patches are applied by manual approval, not experiments"}
	}

	baseline, err := c.db.GetActivePolicyVersion(p.Lineage)
	if err != nil {
		return nil, err
	}

	candidateRuleset, err := materializeRuleset(p, baseline)
	if err != nil {
		return nil, err
	}

	candidate, err := c.db.CreatePolicyVersion(db.CreatePolicyVersionInput{
		Name:      p.Lineage,
		ParentID:  &baseline.ID,
		Ruleset:   candidateRuleset,
		CreatedBy: "coordinator",
		Label:     "candidate for proposal " + p.ID,
	})
	if err != nil {
		return nil, err
	}

	exp, err := c.db.CreateExperiment(p.ID, p.Lineage, baseline.ID, candidate.ID)
	if err != nil {
		return nil, err
	}
	slog.Info("experiment opened", "experiment", exp.ID, "lineage", exp.Lineage,
		"baseline", baseline.ID, "candidate", candidate.ID)
	return exp, nil
}

// materializeRuleset turns a proposal payload into the candidate's full
// ruleset: a patch deep-merges onto the baseline, a new policy replaces it.
func materializeRuleset(p *db.Proposal, baseline *db.PolicyVersion) (string, error) {
	switch p.Type {
	case db.ProposalNewPolicy:
		return p.Payload, nil
	case db.ProposalPolicyPatch:
		base, err := db.ParseRuleset(baseline.Ruleset)
		if err != nil {
			return "", err
		}
		var patch struct {
			Routing         map[string]any `json:"routing"`
			ToolUse         map[string]any `json:"tool_use"`
			SafetyOverrides map[string]any `json:"safety_overrides"`
		}
		if err := json.Unmarshal([]byte(p.Payload), &patch); err != nil {
			return "", &db.ValidationError{Entity: "proposal", Field: "payload", Reason: err.Error()}
		}
		merged := base.Merge(patch.Routing, patch.ToolUse, patch.SafetyOverrides)
		return merged.Encode(), nil
	default:
		return "", &db.ValidationError{Entity: "proposal", Field: "proposal_type", Reason: "cannot materialize " + p.Type}
	}
}

// Route assigns a routing key to an arm. Deterministic and stateless: the
// same key always lands on the same arm for the lifetime of an experiment,
// so a user never oscillates between variants mid-experiment.
func (c *Coordinator) Route(experimentID, key string) string {
	h := fnv.New32a()
	h.Write([]byte(experimentID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	if int(h.Sum32()%100) < c.candidatePercent {
		return db.ArmCandidate
	}
	return db.ArmBaseline
}

// Resolution is what the serving layer needs to execute one interaction.
type Resolution struct {
	Version      *db.PolicyVersion `json:"version"`
	SelfPrompt   *db.SelfPrompt    `json:"self_prompt"`
	Effective    *db.Ruleset       `json:"effective_ruleset"`
	ExperimentID string            `json:"experiment_id,omitempty"`
	Arm          string            `json:"arm,omitempty"`
}

// Resolve picks the version and prompt for an interaction: the active
// version, swapped for the candidate when a live experiment routes this key
// there, with the user's overlay merged in either way.
func (c *Coordinator) Resolve(ctx context.Context, lineage, routingKey, userID string) (*Resolution, error) {
	active, err := c.db.GetActivePolicyVersion(lineage)
	if err != nil {
		return nil, err
	}
	prompt, err := c.db.GetActiveSelfPrompt("default")
	if err != nil {
		return nil, err
	}

	res := &Resolution{Version: active, SelfPrompt: prompt}

	exp, err := c.db.GetRunningExperiment(lineage)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		res.ExperimentID = exp.ID
		res.Arm = c.Route(exp.ID, routingKey)
		if res.Arm == db.ArmCandidate {
			candidate, err := c.db.GetPolicyVersion(exp.CandidateID)
			if err != nil {
				return nil, err
			}
			res.Version = candidate
		}
	}

	effective, err := c.db.EffectiveRuleset(res.Version, userID)
	if err != nil {
		return nil, err
	}
	res.Effective = effective
	return res, nil
}

// RecordRun appends a scored run to a running experiment.
func (c *Coordinator) RecordRun(ctx context.Context, experimentID, traceID string, score float64, safetyOK bool) (string, error) {
	mu := c.lock(experimentID)
	mu.Lock()
	defer mu.Unlock()
	return c.db.InsertExperimentRun(experimentID, traceID, score, safetyOK)
}

// Evaluate runs the selection function over the accumulated runs and applies
// the outcome. The safety veto is checked first and is absolute: one unsafe
// candidate run rejects the experiment whatever the strategy would say.
// A continue decision leaves all state unchanged.
func (c *Coordinator) Evaluate(ctx context.Context, experimentID string) (selection.Decision, error) {
	mu := c.lock(experimentID)
	mu.Lock()
	defer mu.Unlock()

	exp, err := c.db.GetExperiment(experimentID)
	if err != nil {
		return selection.Decision{}, err
	}
	if exp.Status != db.ExperimentRunning {
		return selection.Decision{}, &db.InvalidStateError{Entity: "experiment", ID: exp.ID, From: exp.Status, To: "evaluated"}
	}

	runs, err := c.db.ExperimentRuns(experimentID)
	if err != nil {
		return selection.Decision{}, err
	}
	baseline, candidate := splitArms(runs)

	decision := c.decide(baseline, candidate)
	switch decision.Verdict {
	case selection.Continue:
		return decision, nil
	case selection.Promote:
		summary := c.summarize(exp, baseline, candidate, decision)
		if err := c.db.PromoteCandidate(experimentID, summary); err != nil {
			return selection.Decision{}, err
		}
		slog.Info("candidate promoted", "experiment", exp.ID, "lineage", exp.Lineage,
			"candidate", exp.CandidateID, "rationale", decision.Rationale)
		return decision, nil
	default: // reject
		summary := c.summarize(exp, baseline, candidate, decision)
		if err := c.db.CloseExperiment(experimentID, db.ExperimentCompleted, summary, decision.Rationale); err != nil {
			return selection.Decision{}, err
		}
		slog.Info("candidate rejected", "experiment", exp.ID, "lineage", exp.Lineage,
			"rationale", decision.Rationale)
		return decision, nil
	}
}

// Preview reports what Evaluate would decide right now, without mutating
// anything. Used by the admin recommendation endpoint.
func (c *Coordinator) Preview(ctx context.Context, lineage string) (selection.Decision, *db.Experiment, error) {
	exp, err := c.db.GetRunningExperiment(lineage)
	if err != nil {
		return selection.Decision{}, nil, err
	}
	if exp == nil {
		return selection.Decision{Verdict: selection.Continue, Rationale: "no experiment running for lineage " + lineage}, nil, nil
	}
	runs, err := c.db.ExperimentRuns(exp.ID)
	if err != nil {
		return selection.Decision{}, nil, err
	}
	baseline, candidate := splitArms(runs)
	return c.decide(baseline, candidate), exp, nil
}

// Abort forces a running experiment to aborted and rejects its proposal.
// It never touches a promotion that has already committed.
func (c *Coordinator) Abort(ctx context.Context, experimentID, reason string) error {
	mu := c.lock(experimentID)
	mu.Lock()
	defer mu.Unlock()

	if reason == "" {
		reason = "aborted by operator"
	}
	if err := c.db.CloseExperiment(experimentID, db.ExperimentAborted, "", reason); err != nil {
		return err
	}
	slog.Warn("experiment aborted", "experiment", experimentID, "reason", reason)
	return nil
}

// decide layers the mandatory safety veto over the pluggable strategy.
func (c *Coordinator) decide(baseline, candidate []selection.Observation) selection.Decision {
	for _, o := range candidate {
		if !o.SafetyOK {
			return selection.Decision{
				Verdict:   selection.Reject,
				Rationale: "safety veto: candidate produced an unsafe run",
			}
		}
	}
	return c.strategy.Decide(baseline, candidate)
}

func (c *Coordinator) summarize(exp *db.Experiment, baseline, candidate []selection.Observation, d selection.Decision) string {
	summary := map[string]any{
		"strategy":       c.strategy.Name(),
		"verdict":        d.Verdict,
		"rationale":      d.Rationale,
		"baseline_runs":  len(baseline),
		"candidate_runs": len(candidate),
		"baseline_mean":  meanScore(baseline),
		"candidate_mean": meanScore(candidate),
		"baseline_id":    exp.BaselineID,
		"candidate_id":   exp.CandidateID,
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Sprintf(`{"verdict":%q}`, d.Verdict)
	}
	return string(data)
}

func splitArms(runs []*db.ExperimentRun) (baseline, candidate []selection.Observation) {
	for _, r := range runs {
		o := selection.Observation{Score: r.Score, SafetyOK: r.SafetyOK}
		if r.Arm == db.ArmCandidate {
			candidate = append(candidate, o)
		} else {
			baseline = append(baseline, o)
		}
	}
	return baseline, candidate
}

func meanScore(obs []selection.Observation) float64 {
	if len(obs) == 0 {
		return 0
	}
	var sum float64
	for _, o := range obs {
		sum += o.Score
	}
	return sum / float64(len(obs))
}
