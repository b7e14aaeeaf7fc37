// CLAUDE:SUMMARY User policy overlays — per-user routing/tool overrides on a base version, exactly one active overlay per user
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// UserPolicyOverlay layers per-user routing and tool-use overrides on top of
// a base policy version. History is kept; only one overlay per user is ever
// active, guarded by a partial unique index.
type UserPolicyOverlay struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	BaseVersionID   string    `json:"base_version_id"`
	RoutingOverride string    `json:"routing_override"`
	ToolOverride    string    `json:"tool_override"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UpsertUserOverlay deactivates any prior active overlay for the user and
// inserts the new one active, in a single transaction.
func (db *DB) UpsertUserOverlay(userID, baseVersionID, routingOverride, toolOverride string) (*UserPolicyOverlay, error) {
	if routingOverride == "" {
		routingOverride = "{}"
	}
	if toolOverride == "" {
		toolOverride = "{}"
	}
	if !json.Valid([]byte(routingOverride)) {
		return nil, &ValidationError{Entity: "user_policy_overlay", Field: "routing_override", Reason: "must be valid JSON"}
	}
	if !json.Valid([]byte(toolOverride)) {
		return nil, &ValidationError{Entity: "user_policy_overlay", Field: "tool_override", Reason: "must be valid JSON"}
	}

	if _, err := db.GetUserByID(userID); err != nil {
		return nil, err
	}
	if _, err := db.GetPolicyVersion(baseVersionID); err != nil {
		return nil, err
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, storageErr("upsert_overlay", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE user_policy_overlays SET is_active = 0, updated_at = datetime('now')
		WHERE user_id = ? AND is_active = 1`, userID); err != nil {
		return nil, storageErr("upsert_overlay", err)
	}

	id := NewID()
	if _, err := tx.Exec(`
		INSERT INTO user_policy_overlays (id, user_id, base_version_id, routing_override, tool_override, is_active)
		VALUES (?, ?, ?, ?, ?, 1)`,
		id, userID, baseVersionID, routingOverride, toolOverride); err != nil {
		return nil, storageErr("upsert_overlay", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("upsert_overlay", err)
	}
	return db.GetUserOverlay(id)
}

// GetActiveUserOverlay returns the user's current overlay, or nil when none
// is active. If more than one row is somehow flagged active the most recently
// updated wins, and the anomaly is logged rather than silently tolerated.
func (db *DB) GetActiveUserOverlay(userID string) (*UserPolicyOverlay, error) {
	var activeCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_policy_overlays WHERE user_id = ? AND is_active = 1`, userID).Scan(&activeCount); err != nil {
		return nil, storageErr("get_active_overlay", err)
	}
	if activeCount > 1 {
		slog.Warn("multiple active overlays for user, taking most recent", "user_id", userID, "count", activeCount)
	}
	if activeCount == 0 {
		return nil, nil
	}

	o, err := scanOverlay(db.QueryRow(overlayColumns+` WHERE user_id = ? AND is_active = 1
		ORDER BY updated_at DESC LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// GetUserOverlay returns an overlay by ID.
func (db *DB) GetUserOverlay(id string) (*UserPolicyOverlay, error) {
	o, err := scanOverlay(db.QueryRow(overlayColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "user_policy_overlay", ID: id}
	}
	return o, err
}

// EffectiveRuleset merges the user's active overlay (if any) into the base
// ruleset. Routing and tool-use overrides merge recursively; the base wins
// nothing, the override wins every leaf it names.
func (db *DB) EffectiveRuleset(base *PolicyVersion, userID string) (*Ruleset, error) {
	rs, err := ParseRuleset(base.Ruleset)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return rs, nil
	}

	overlay, err := db.GetActiveUserOverlay(userID)
	if err != nil {
		return nil, err
	}
	if overlay == nil {
		return rs, nil
	}

	var routingOv, toolOv map[string]any
	if err := json.Unmarshal([]byte(overlay.RoutingOverride), &routingOv); err == nil && routingOv != nil {
		rs.Routing = deepMerge(rs.Routing, routingOv)
	}
	if err := json.Unmarshal([]byte(overlay.ToolOverride), &toolOv); err == nil && toolOv != nil {
		rs.ToolUse = deepMerge(rs.ToolUse, toolOv)
	}
	return rs, nil
}

// deepMerge recursively merges b into a copy of a. Nested objects merge;
// every other value in b replaces the one in a.
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if bv, ok := v.(map[string]any); ok {
			if av, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(av, bv)
				continue
			}
		}
		out[k] = v
	}
	return out
}

const overlayColumns = `SELECT id, user_id, base_version_id, routing_override, tool_override, is_active, created_at, updated_at
	FROM user_policy_overlays`

func scanOverlay(s interface{ Scan(...any) error }) (*UserPolicyOverlay, error) {
	o := &UserPolicyOverlay{}
	err := s.Scan(&o.ID, &o.UserID, &o.BaseVersionID, &o.RoutingOverride, &o.ToolOverride,
		&o.IsActive, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}
