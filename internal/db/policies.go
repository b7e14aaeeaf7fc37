// CLAUDE:SUMMARY Policy version store — immutable lineage DAG with a single-active pointer flipped only inside the activation transaction
package db

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PolicyVersion is one immutable node of a policy lineage. The content
// columns are never updated after insert; only is_active moves, and only
// through ActivatePolicyVersion.
type PolicyVersion struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parent_id,omitempty"`
	Ruleset   string    `json:"ruleset"`
	CreatedBy *string   `json:"created_by,omitempty"`
	Label     *string   `json:"label,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Ruleset is the structured content of a policy version.
type Ruleset struct {
	Routing         map[string]any `json:"routing"`
	ToolUse         map[string]any `json:"tool_use"`
	SafetyOverrides map[string]any `json:"safety_overrides"`
}

// ParseRuleset validates raw JSON against the rule schema. Unknown top-level
// keys are rejected so a typo'd section cannot silently vanish.
func ParseRuleset(raw string) (*Ruleset, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	rs := &Ruleset{}
	if err := dec.Decode(rs); err != nil {
		return nil, &ValidationError{Entity: "policy_version", Field: "ruleset", Reason: err.Error()}
	}
	if rs.Routing == nil {
		rs.Routing = map[string]any{}
	}
	if rs.ToolUse == nil {
		rs.ToolUse = map[string]any{}
	}
	if rs.SafetyOverrides == nil {
		rs.SafetyOverrides = map[string]any{}
	}
	return rs, nil
}

// Encode renders the ruleset back to its canonical stored form.
func (rs *Ruleset) Encode() string {
	data, _ := json.Marshal(rs)
	return string(data)
}

// Merge returns a copy of the ruleset with the given section patches
// deep-merged in. Nil patches leave their section untouched.
func (rs *Ruleset) Merge(routing, toolUse, safetyOverrides map[string]any) *Ruleset {
	return &Ruleset{
		Routing:         deepMerge(rs.Routing, routing),
		ToolUse:         deepMerge(rs.ToolUse, toolUse),
		SafetyOverrides: deepMerge(rs.SafetyOverrides, safetyOverrides),
	}
}

type CreatePolicyVersionInput struct {
	Name      string
	ParentID  *string
	Ruleset   string
	CreatedBy string
	Label     string
}

// CreatePolicyVersion persists a new, inactive version. The ruleset must
// deserialize into the rule schema and the parent, when given, must exist.
func (db *DB) CreatePolicyVersion(input CreatePolicyVersionInput) (*PolicyVersion, error) {
	if input.Name == "" {
		input.Name = "default"
	}
	rs, err := ParseRuleset(input.Ruleset)
	if err != nil {
		return nil, err
	}

	if input.ParentID != nil {
		var parentName string
		err := db.QueryRow(`SELECT name FROM policy_versions WHERE id = ?`, *input.ParentID).Scan(&parentName)
		if err == sql.ErrNoRows {
			return nil, &NotFoundError{Entity: "policy_version", ID: *input.ParentID}
		}
		if err != nil {
			return nil, storageErr("create_version", err)
		}
		if parentName != input.Name {
			return nil, &ValidationError{Entity: "policy_version", Field: "parent_id",
				Reason: fmt.Sprintf("belongs to lineage %q, not %q", parentName, input.Name)}
		}
	}

	id := NewID()
	var createdBy, label *string
	if input.CreatedBy != "" {
		createdBy = &input.CreatedBy
	}
	if input.Label != "" {
		label = &input.Label
	}
	_, err = db.Exec(`
		INSERT INTO policy_versions (id, name, parent_id, ruleset, created_by, label, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		id, input.Name, input.ParentID, rs.Encode(), createdBy, label)
	if err != nil {
		return nil, storageErr("create_version", err)
	}
	return db.GetPolicyVersion(id)
}

// ActivatePolicyVersion atomically swaps the active pointer of the version's
// lineage. A concurrent reader sees either the old or the new active row,
// never zero or two. Calling it for the already-active version is a no-op.
func (db *DB) ActivatePolicyVersion(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return storageErr("activate", err)
	}
	defer tx.Rollback()

	var name string
	err = tx.QueryRow(`SELECT name FROM policy_versions WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return &NotFoundError{Entity: "policy_version", ID: id}
	}
	if err != nil {
		return storageErr("activate", err)
	}

	// Deactivate-then-activate inside one transaction keeps the partial
	// unique index satisfied at commit time.
	if _, err := tx.Exec(`UPDATE policy_versions SET is_active = 0 WHERE name = ? AND is_active = 1 AND id != ?`, name, id); err != nil {
		return storageErr("activate", err)
	}
	if _, err := tx.Exec(`UPDATE policy_versions SET is_active = 1 WHERE id = ?`, id); err != nil {
		return storageErr("activate", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("activate", err)
	}
	return nil
}

// GetActivePolicyVersion returns the active version of a lineage.
// ErrNoActiveVersion before bootstrap seeding.
func (db *DB) GetActivePolicyVersion(name string) (*PolicyVersion, error) {
	if name == "" {
		name = "default"
	}
	v, err := scanPolicyVersion(db.QueryRow(policyColumns+` WHERE name = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for lineage %q", ErrNoActiveVersion, name)
	}
	return v, err
}

// GetPolicyVersion returns a version by ID.
func (db *DB) GetPolicyVersion(id string) (*PolicyVersion, error) {
	v, err := scanPolicyVersion(db.QueryRow(policyColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "policy_version", ID: id}
	}
	return v, err
}

// ListPolicyVersions returns a lineage's versions, oldest first.
func (db *DB) ListPolicyVersions(name string) ([]*PolicyVersion, error) {
	rows, err := db.Query(policyColumns+` WHERE name = ? ORDER BY created_at ASC, id ASC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*PolicyVersion
	for rows.Next() {
		v, err := scanPolicyVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListLineages returns the distinct lineage names present in the store.
func (db *DB) ListLineages() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT name FROM policy_versions ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

const policyColumns = `SELECT id, name, parent_id, ruleset, created_by, label, is_active, created_at
	FROM policy_versions`

func scanPolicyVersion(s interface{ Scan(...any) error }) (*PolicyVersion, error) {
	v := &PolicyVersion{}
	var parentID, createdBy, label sql.NullString
	err := s.Scan(&v.ID, &v.Name, &parentID, &v.Ruleset, &createdBy, &label, &v.IsActive, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		v.ParentID = &parentID.String
	}
	if createdBy.Valid {
		v.CreatedBy = &createdBy.String
	}
	if label.Valid {
		v.Label = &label.String
	}
	return v, nil
}
