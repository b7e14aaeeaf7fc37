package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Operator is a human admin account for the governance surfaces.
type Operator struct {
	ID         string     `json:"id"`
	Handle     string     `json:"handle"`
	Role       string     `json:"role"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// CreateOperator inserts a new operator account.
func (db *DB) CreateOperator(handle, passwordHash, role string) (*Operator, error) {
	if role == "" {
		role = "operator"
	}
	id := NewID()
	_, err := db.Exec(`
		INSERT INTO operators (id, handle, password_hash, role)
		VALUES (?, ?, ?, ?)`, id, handle, passwordHash, role)
	if err != nil {
		return nil, fmt.Errorf("creating operator: %w", err)
	}
	return &Operator{ID: id, Handle: handle, Role: role}, nil
}

// GetOperatorByHandle returns the operator and its password hash.
func (db *DB) GetOperatorByHandle(handle string) (*Operator, string, error) {
	o := &Operator{}
	var lastSeen sql.NullTime
	var passwordHash string
	err := db.QueryRow(`
		SELECT id, handle, password_hash, role, created_at, last_seen_at
		FROM operators WHERE handle = ?`, handle).Scan(
		&o.ID, &o.Handle, &passwordHash, &o.Role, &o.CreatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", &NotFoundError{Entity: "operator", ID: handle}
	}
	if err != nil {
		return nil, "", err
	}
	if lastSeen.Valid {
		o.LastSeenAt = &lastSeen.Time
	}
	return o, passwordHash, nil
}

// TouchOperatorLastSeen updates the operator's last_seen_at timestamp.
func (db *DB) TouchOperatorLastSeen(id string) error {
	_, err := db.Exec(`UPDATE operators SET last_seen_at = datetime('now') WHERE id = ?`, id)
	return err
}
