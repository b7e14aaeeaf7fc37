package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SelfPrompt is a versioned system prompt. Same single-active invariant as
// PolicyVersion but an independent, un-parented lineage.
type SelfPrompt struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	CreatedBy *string   `json:"created_by,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSelfPrompt persists a new, inactive self-prompt version.
func (db *DB) CreateSelfPrompt(name, prompt, createdBy string) (*SelfPrompt, error) {
	if name == "" {
		name = "default"
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, &ValidationError{Entity: "self_prompt", Field: "prompt", Reason: "must not be empty"}
	}
	id := NewID()
	var by *string
	if createdBy != "" {
		by = &createdBy
	}
	_, err := db.Exec(`
		INSERT INTO self_prompts (id, name, prompt, created_by, is_active)
		VALUES (?, ?, ?, ?, 0)`, id, name, prompt, by)
	if err != nil {
		return nil, storageErr("create_self_prompt", err)
	}
	return db.GetSelfPrompt(id)
}

// ActivateSelfPrompt atomically swaps the active self-prompt of a lineage.
func (db *DB) ActivateSelfPrompt(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return storageErr("activate_self_prompt", err)
	}
	defer tx.Rollback()

	var name string
	err = tx.QueryRow(`SELECT name FROM self_prompts WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return &NotFoundError{Entity: "self_prompt", ID: id}
	}
	if err != nil {
		return storageErr("activate_self_prompt", err)
	}

	if _, err := tx.Exec(`UPDATE self_prompts SET is_active = 0 WHERE name = ? AND is_active = 1 AND id != ?`, name, id); err != nil {
		return storageErr("activate_self_prompt", err)
	}
	if _, err := tx.Exec(`UPDATE self_prompts SET is_active = 1 WHERE id = ?`, id); err != nil {
		return storageErr("activate_self_prompt", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("activate_self_prompt", err)
	}
	return nil
}

// GetActiveSelfPrompt returns the active self-prompt of a lineage.
func (db *DB) GetActiveSelfPrompt(name string) (*SelfPrompt, error) {
	if name == "" {
		name = "default"
	}
	p, err := scanSelfPrompt(db.QueryRow(selfPromptColumns+` WHERE name = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w for self-prompt lineage %q", ErrNoActiveVersion, name)
	}
	return p, err
}

// GetSelfPrompt returns a self-prompt by ID.
func (db *DB) GetSelfPrompt(id string) (*SelfPrompt, error) {
	p, err := scanSelfPrompt(db.QueryRow(selfPromptColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "self_prompt", ID: id}
	}
	return p, err
}

const selfPromptColumns = `SELECT id, name, prompt, created_by, is_active, created_at FROM self_prompts`

func scanSelfPrompt(s interface{ Scan(...any) error }) (*SelfPrompt, error) {
	p := &SelfPrompt{}
	var createdBy sql.NullString
	err := s.Scan(&p.ID, &p.Name, &p.Prompt, &createdBy, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if createdBy.Valid {
		p.CreatedBy = &createdBy.String
	}
	return p, nil
}
