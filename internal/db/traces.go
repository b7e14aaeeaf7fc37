// CLAUDE:SUMMARY Trace ledger — append-only interaction records with idempotent feedback merge and filtered lazy queries
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Trace is one served interaction. Immutable after insert except for the
// feedback column, which only ever grows by merge.
type Trace struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	TaskID          string    `json:"task_id"`
	TaskType        string    `json:"task_type"`
	Domain          string    `json:"domain"`
	InputText       string    `json:"input_text"`
	OutputText      string    `json:"output_text"`
	Metadata        string    `json:"metadata"`
	PolicyVersionID string    `json:"policy_version_id"`
	SelfPromptID    string    `json:"self_prompt_id"`
	UserFeedback    string    `json:"user_feedback"`
	UserID          *string   `json:"user_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type RecordTraceInput struct {
	SessionID       string
	TaskID          string
	TaskType        string
	Domain          string
	InputText       string
	OutputText      string
	Metadata        string
	PolicyVersionID string
	SelfPromptID    string
	UserID          *string
}

// RecordTrace appends one interaction to the ledger. Referential checks on
// the policy version and self-prompt surface caller bugs as ValidationError
// before the insert; the ledger itself never rejects on semantic grounds.
func (db *DB) RecordTrace(input RecordTraceInput) (*Trace, error) {
	if input.PolicyVersionID == "" {
		return nil, &ValidationError{Entity: "trace", Field: "policy_version_id", Reason: "must not be empty"}
	}
	if input.SelfPromptID == "" {
		return nil, &ValidationError{Entity: "trace", Field: "self_prompt_id", Reason: "must not be empty"}
	}
	if _, err := db.GetPolicyVersion(input.PolicyVersionID); err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, &ValidationError{Entity: "trace", Field: "policy_version_id",
				Reason: "unknown policy version " + input.PolicyVersionID}
		}
		return nil, err
	}
	if _, err := db.GetSelfPrompt(input.SelfPromptID); err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil, &ValidationError{Entity: "trace", Field: "self_prompt_id",
				Reason: "unknown self-prompt " + input.SelfPromptID}
		}
		return nil, err
	}
	if input.SessionID == "" {
		input.SessionID = uuid.NewString()
	}
	if input.TaskID == "" {
		input.TaskID = uuid.NewString()
	}
	if input.TaskType == "" {
		input.TaskType = "chat"
	}
	if input.Domain == "" {
		input.Domain = "general"
	}
	if input.Metadata == "" {
		input.Metadata = "{}"
	}
	if !json.Valid([]byte(input.Metadata)) {
		return nil, &ValidationError{Entity: "trace", Field: "metadata", Reason: "must be valid JSON"}
	}

	id := NewID()
	_, err := db.Exec(`
		INSERT INTO traces (id, session_id, task_id, task_type, domain, input_text, output_text,
			metadata, policy_version_id, self_prompt_id, user_feedback, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '{}', ?)`,
		id, input.SessionID, input.TaskID, input.TaskType, input.Domain,
		input.InputText, input.OutputText, input.Metadata,
		input.PolicyVersionID, input.SelfPromptID, input.UserID)
	if err != nil {
		return nil, storageErr("record_trace", err)
	}
	return db.GetTrace(id)
}

// GetTrace returns a trace by ID.
func (db *DB) GetTrace(id string) (*Trace, error) {
	t, err := scanTrace(db.QueryRow(traceColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "trace", ID: id}
	}
	return t, err
}

// AttachFeedback merges the given feedback keys into the trace's feedback
// document. Re-applying the same feedback is a no-op, so retries are safe.
func (db *DB) AttachFeedback(traceID string, feedback map[string]any) error {
	if len(feedback) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return storageErr("attach_feedback", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT user_feedback FROM traces WHERE id = ?`, traceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return &NotFoundError{Entity: "trace", ID: traceID}
	}
	if err != nil {
		return storageErr("attach_feedback", err)
	}

	var current map[string]any
	if err := json.Unmarshal([]byte(raw), &current); err != nil || current == nil {
		current = map[string]any{}
	}
	for k, v := range feedback {
		current[k] = v
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return &ValidationError{Entity: "trace", Field: "feedback", Reason: err.Error()}
	}

	if _, err := tx.Exec(`UPDATE traces SET user_feedback = ? WHERE id = ?`, string(merged), traceID); err != nil {
		return storageErr("attach_feedback", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("attach_feedback", err)
	}
	return nil
}

// TraceFilter narrows QueryTraces. Zero values mean "no constraint".
type TraceFilter struct {
	Since           time.Time
	Until           time.Time
	UserID          string
	PolicyVersionID string
	SessionID       string
	// FlaggedOnly keeps traces with a hallucination metadata flag or a
	// thumbs_down feedback, the problematic set the meta cycle feeds on.
	FlaggedOnly bool
	Limit       int
}

// TraceRows is a lazy, finite, non-restartable cursor over query results.
// Callers must Close it; re-issuing the query is the only way to restart.
type TraceRows struct {
	rows *sql.Rows
	cur  *Trace
	err  error
}

// Next advances the cursor. Returns false at the end or on error.
func (tr *TraceRows) Next() bool {
	if tr.err != nil || !tr.rows.Next() {
		return false
	}
	tr.cur, tr.err = scanTrace(tr.rows)
	return tr.err == nil
}

// Trace returns the current row.
func (tr *TraceRows) Trace() *Trace { return tr.cur }

// Err reports a scan error, if any.
func (tr *TraceRows) Err() error {
	if tr.err != nil {
		return tr.err
	}
	return tr.rows.Err()
}

// Close releases the underlying cursor.
func (tr *TraceRows) Close() error { return tr.rows.Close() }

// QueryTraces streams traces matching the filter, most recent first.
// Read-only; no side effects.
func (db *DB) QueryTraces(f TraceFilter) (*TraceRows, error) {
	query := traceColumns + ` WHERE 1=1`
	var args []any

	if !f.Since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.Until.UTC())
	}
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.PolicyVersionID != "" {
		query += ` AND policy_version_id = ?`
		args = append(args, f.PolicyVersionID)
	}
	if f.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.FlaggedOnly {
		query += ` AND (json_extract(metadata, '$.hallucination_flag') = 1
			OR json_extract(metadata, '$.hallucination_flag') = true
			OR json_extract(user_feedback, '$.thumbs_down') = 1
			OR json_extract(user_feedback, '$.thumbs_down') = true)`
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, storageErr("query_traces", err)
	}
	return &TraceRows{rows: rows}, nil
}

// ActiveUserIDs returns users with at least minTraces traces since the cutoff.
func (db *DB) ActiveUserIDs(since time.Time, minTraces int) ([]string, error) {
	rows, err := db.Query(`
		SELECT user_id FROM traces
		WHERE user_id IS NOT NULL AND created_at > ?
		GROUP BY user_id
		HAVING COUNT(*) >= ?`, since.UTC(), minTraces)
	if err != nil {
		return nil, storageErr("active_users", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const traceColumns = `SELECT id, session_id, task_id, task_type, domain, input_text, output_text,
	metadata, policy_version_id, self_prompt_id, user_feedback, user_id, created_at
	FROM traces`

func scanTrace(s interface{ Scan(...any) error }) (*Trace, error) {
	t := &Trace{}
	var userID sql.NullString
	err := s.Scan(&t.ID, &t.SessionID, &t.TaskID, &t.TaskType, &t.Domain,
		&t.InputText, &t.OutputText, &t.Metadata, &t.PolicyVersionID, &t.SelfPromptID,
		&t.UserFeedback, &userID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		t.UserID = &userID.String
	}
	return t, nil
}
