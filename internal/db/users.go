package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

type User struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Profile    string    `json:"profile"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GetOrCreateUser resolves an external identifier to a user row, creating it
// on first contact. The insert races benignly with concurrent first contacts:
// the unique index wins and the loser re-reads.
func (db *DB) GetOrCreateUser(externalID string) (*User, error) {
	if externalID == "" {
		return nil, &ValidationError{Entity: "user", Field: "external_id", Reason: "must not be empty"}
	}
	u, err := db.GetUserByExternalID(externalID)
	if err == nil {
		return u, nil
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}

	id := NewID()
	_, err = db.Exec(`
		INSERT INTO users (id, external_id, profile) VALUES (?, ?, '{}')
		ON CONFLICT(external_id) DO NOTHING`, id, externalID)
	if err != nil {
		return nil, storageErr("get_or_create_user", err)
	}
	return db.GetUserByExternalID(externalID)
}

// GetUserByExternalID returns the user with the given external identifier.
func (db *DB) GetUserByExternalID(externalID string) (*User, error) {
	u, err := scanUser(db.QueryRow(userColumns+` WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "user", ID: externalID}
	}
	return u, err
}

// GetUserByID returns a user by internal ID.
func (db *DB) GetUserByID(id string) (*User, error) {
	u, err := scanUser(db.QueryRow(userColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "user", ID: id}
	}
	return u, err
}

// Preferences decodes profile.preferences; missing or malformed sections
// yield an empty map.
func (u *User) Preferences() map[string]any {
	var profile map[string]any
	if err := json.Unmarshal([]byte(u.Profile), &profile); err != nil {
		return map[string]any{}
	}
	prefs, _ := profile["preferences"].(map[string]any)
	if prefs == nil {
		prefs = map[string]any{}
	}
	return prefs
}

// UpdateUserPreferences shallow-merges a patch into profile.preferences
// inside one transaction, so concurrent patches do not lose keys.
func (db *DB) UpdateUserPreferences(userID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return storageErr("update_preferences", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT profile FROM users WHERE id = ?`, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return &NotFoundError{Entity: "user", ID: userID}
	}
	if err != nil {
		return storageErr("update_preferences", err)
	}

	var profile map[string]any
	if err := json.Unmarshal([]byte(raw), &profile); err != nil || profile == nil {
		profile = map[string]any{}
	}
	prefs, _ := profile["preferences"].(map[string]any)
	if prefs == nil {
		prefs = map[string]any{}
	}
	for k, v := range patch {
		prefs[k] = v
	}
	profile["preferences"] = prefs

	updated, err := json.Marshal(profile)
	if err != nil {
		return &ValidationError{Entity: "user", Field: "profile", Reason: err.Error()}
	}
	if _, err := tx.Exec(`UPDATE users SET profile = ?, updated_at = datetime('now') WHERE id = ?`, string(updated), userID); err != nil {
		return storageErr("update_preferences", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("update_preferences", err)
	}
	return nil
}

// DeleteUser removes the user row. Overlays cascade; historical traces keep
// their rows with user_id set to NULL by the foreign key.
func (db *DB) DeleteUser(id string) error {
	res, err := db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete_user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "user", ID: id}
	}
	return nil
}

const userColumns = `SELECT id, external_id, profile, created_at, updated_at FROM users`

func scanUser(s interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	err := s.Scan(&u.ID, &u.ExternalID, &u.Profile, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}
