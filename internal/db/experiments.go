// CLAUDE:SUMMARY Experiment rows — running/completed/aborted state machine, guarded run inserts, and the single promotion transaction
package db

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	ExperimentRunning   = "running"
	ExperimentCompleted = "completed"
	ExperimentAborted   = "aborted"

	ArmBaseline  = "baseline"
	ArmCandidate = "candidate"
)

// Experiment compares a candidate policy version against the baseline that
// was active when the experiment opened.
type Experiment struct {
	ID            string     `json:"id"`
	ProposalID    string     `json:"proposal_id"`
	Lineage       string     `json:"lineage"`
	BaselineID    string     `json:"baseline_id"`
	CandidateID   string     `json:"candidate_id"`
	Status        string     `json:"status"`
	ResultSummary *string    `json:"result_summary,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ExperimentRun links an experiment to a trace served under it. Arm reports
// which variant produced the trace, derived from the trace's policy version.
type ExperimentRun struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	TraceID      string    `json:"trace_id"`
	Score        float64   `json:"score"`
	SafetyOK     bool      `json:"safety_ok"`
	Arm          string    `json:"arm"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateExperiment inserts a running experiment. The partial unique index on
// (lineage) WHERE status='running' turns a concurrent open into a
// ConflictError instead of a second live experiment.
func (db *DB) CreateExperiment(proposalID, lineage, baselineID, candidateID string) (*Experiment, error) {
	id := NewID()
	_, err := db.Exec(`
		INSERT INTO experiments (id, proposal_id, lineage, baseline_id, candidate_id, status)
		VALUES (?, ?, ?, ?, ?, 'running')`,
		id, proposalID, lineage, baselineID, candidateID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{Entity: "experiment", ID: lineage,
				Reason: "an experiment is already running for this lineage"}
		}
		return nil, storageErr("open_experiment", err)
	}
	return db.GetExperiment(id)
}

// GetExperiment returns an experiment by ID.
func (db *DB) GetExperiment(id string) (*Experiment, error) {
	e, err := scanExperiment(db.QueryRow(experimentColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "experiment", ID: id}
	}
	return e, err
}

// GetRunningExperiment returns the live experiment for a lineage, or nil.
func (db *DB) GetRunningExperiment(lineage string) (*Experiment, error) {
	e, err := scanExperiment(db.QueryRow(experimentColumns+` WHERE lineage = ? AND status = 'running'`, lineage))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListExperiments returns experiments, optionally filtered by status.
func (db *DB) ListExperiments(status string, limit int) ([]*Experiment, error) {
	if limit <= 0 {
		limit = 20
	}
	query := experimentColumns
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertExperimentRun appends a run. The trace must have been served under
// one of the experiment's two arms; anything else is a caller bug that would
// contaminate the arm split. The guarded insert only succeeds while the
// experiment is running, so a run can never be attributed to an arm that no
// longer exists.
func (db *DB) InsertExperimentRun(experimentID, traceID string, score float64, safetyOK bool) (string, error) {
	trace, err := db.GetTrace(traceID)
	if err != nil {
		return "", err
	}
	exp, err := db.GetExperiment(experimentID)
	if err != nil {
		return "", err
	}
	if trace.PolicyVersionID != exp.BaselineID && trace.PolicyVersionID != exp.CandidateID {
		return "", &ValidationError{Entity: "experiment_run", Field: "trace_id",
			Reason: "trace was served under a version outside the experiment"}
	}
	id := NewID()
	res, err := db.Exec(`
		INSERT INTO experiment_runs (id, experiment_id, trace_id, score, safety_ok)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM experiments WHERE id = ? AND status = 'running')`,
		id, experimentID, traceID, score, boolToInt(safetyOK), experimentID)
	if err != nil {
		return "", storageErr("record_run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		e, err := db.GetExperiment(experimentID)
		if err != nil {
			return "", err
		}
		return "", &ConflictError{Entity: "experiment", ID: experimentID,
			Reason: "cannot record runs while " + e.Status}
	}
	return id, nil
}

// ExperimentRuns returns all runs with their arm resolved by comparing the
// run's trace policy version to the experiment's baseline/candidate ids.
func (db *DB) ExperimentRuns(experimentID string) ([]*ExperimentRun, error) {
	rows, err := db.Query(`
		SELECT r.id, r.experiment_id, r.trace_id, r.score, r.safety_ok, r.created_at,
			CASE WHEN t.policy_version_id = e.candidate_id THEN 'candidate' ELSE 'baseline' END AS arm
		FROM experiment_runs r
		JOIN experiments e ON e.id = r.experiment_id
		JOIN traces t ON t.id = r.trace_id
		WHERE r.experiment_id = ?
		ORDER BY r.created_at ASC`, experimentID)
	if err != nil {
		return nil, storageErr("experiment_runs", err)
	}
	defer rows.Close()

	var runs []*ExperimentRun
	for rows.Next() {
		r := &ExperimentRun{}
		if err := rows.Scan(&r.ID, &r.ExperimentID, &r.TraceID, &r.Score, &r.SafetyOK, &r.CreatedAt, &r.Arm); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PromoteCandidate applies a promote decision as one all-or-nothing
// transaction: the candidate becomes the active version of the lineage, the
// experiment completes with its result summary, and the proposal is accepted.
// A retry after a crash either finds the pre-state (and applies fully) or the
// post-state (and changes nothing).
func (db *DB) PromoteCandidate(experimentID, summary string) error {
	tx, err := db.Begin()
	if err != nil {
		return storageErr("promote", err)
	}
	defer tx.Rollback()

	e, err := scanExperiment(tx.QueryRow(experimentColumns+` WHERE id = ?`, experimentID))
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Entity: "experiment", ID: experimentID}
	}
	if err != nil {
		return storageErr("promote", err)
	}

	switch e.Status {
	case ExperimentRunning:
		// proceed
	case ExperimentCompleted:
		// Idempotent retry only if the prior attempt fully committed.
		var active int
		if err := tx.QueryRow(`SELECT is_active FROM policy_versions WHERE id = ?`, e.CandidateID).Scan(&active); err != nil {
			return storageErr("promote", err)
		}
		if active == 1 {
			return nil
		}
		return &InvalidStateError{Entity: "experiment", ID: experimentID, From: e.Status, To: "promoted"}
	default:
		return &InvalidStateError{Entity: "experiment", ID: experimentID, From: e.Status, To: "promoted"}
	}

	if _, err := tx.Exec(`UPDATE policy_versions SET is_active = 0 WHERE name = ? AND is_active = 1 AND id != ?`,
		e.Lineage, e.CandidateID); err != nil {
		return storageErr("promote", err)
	}
	if _, err := tx.Exec(`UPDATE policy_versions SET is_active = 1 WHERE id = ?`, e.CandidateID); err != nil {
		return storageErr("promote", err)
	}
	if _, err := tx.Exec(`
		UPDATE experiments SET status = 'completed', result_summary = ?, finished_at = datetime('now')
		WHERE id = ? AND status = 'running'`, summary, experimentID); err != nil {
		return storageErr("promote", err)
	}
	if err := db.DecideProposal(tx, e.ProposalID, ProposalAccepted, &e.CandidateID, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("promote", err)
	}
	return nil
}

// CloseExperiment applies a reject or abort decision: the experiment reaches
// the given terminal status, the proposal is rejected, and the baseline stays
// active. Idempotent for the same terminal status.
func (db *DB) CloseExperiment(experimentID, status, summary, reason string) error {
	if status != ExperimentCompleted && status != ExperimentAborted {
		return &ValidationError{Entity: "experiment", Field: "status", Reason: "must be completed or aborted"}
	}
	tx, err := db.Begin()
	if err != nil {
		return storageErr("close_experiment", err)
	}
	defer tx.Rollback()

	e, err := scanExperiment(tx.QueryRow(experimentColumns+` WHERE id = ?`, experimentID))
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Entity: "experiment", ID: experimentID}
	}
	if err != nil {
		return storageErr("close_experiment", err)
	}
	if e.Status != ExperimentRunning {
		if e.Status == status {
			return nil
		}
		return &InvalidStateError{Entity: "experiment", ID: experimentID, From: e.Status, To: status}
	}

	if _, err := tx.Exec(`
		UPDATE experiments SET status = ?, result_summary = ?, finished_at = datetime('now')
		WHERE id = ? AND status = 'running'`, status, summary, experimentID); err != nil {
		return storageErr("close_experiment", err)
	}
	if err := db.DecideProposal(tx, e.ProposalID, ProposalRejected, nil, reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("close_experiment", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const experimentColumns = `SELECT id, proposal_id, lineage, baseline_id, candidate_id, status,
	result_summary, created_at, finished_at
	FROM experiments`

func scanExperiment(s interface{ Scan(...any) error }) (*Experiment, error) {
	e := &Experiment{}
	var summary sql.NullString
	var finishedAt sql.NullTime
	err := s.Scan(&e.ID, &e.ProposalID, &e.Lineage, &e.BaselineID, &e.CandidateID, &e.Status,
		&summary, &e.CreatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if summary.Valid {
		e.ResultSummary = &summary.String
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Time
	}
	return e, nil
}
