package db

import "time"

// SafetyPattern is one row of the block/flag lists the built-in safety gate
// scores candidate payloads against.
type SafetyPattern struct {
	ID          int64     `json:"id"`
	Pattern     string    `json:"pattern"`
	PatternType string    `json:"pattern_type"`
	ListType    string    `json:"list_type"`
	Severity    string    `json:"severity"`
	Description *string   `json:"description,omitempty"`
	CreatedBy   *string   `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateSafetyPattern inserts a new pattern.
func (db *DB) CreateSafetyPattern(pattern, patternType, listType, severity, description, createdBy string) (int64, error) {
	switch patternType {
	case "exact", "substring", "regex":
	default:
		return 0, &ValidationError{Entity: "safety_pattern", Field: "pattern_type", Reason: "unknown type " + patternType}
	}
	var desc, by *string
	if description != "" {
		desc = &description
	}
	if createdBy != "" {
		by = &createdBy
	}
	res, err := db.Exec(`
		INSERT INTO safety_patterns (pattern, pattern_type, list_type, severity, description, created_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pattern, patternType, listType, severity, desc, by)
	if err != nil {
		return 0, storageErr("create_safety_pattern", err)
	}
	return res.LastInsertId()
}

// ListSafetyPatterns returns all block/flag patterns.
func (db *DB) ListSafetyPatterns() ([]SafetyPattern, error) {
	rows, err := db.Query(`
		SELECT id, pattern, pattern_type, list_type, severity, description, created_by, created_at
		FROM safety_patterns ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []SafetyPattern
	for rows.Next() {
		var p SafetyPattern
		var desc, by *string
		if err := rows.Scan(&p.ID, &p.Pattern, &p.PatternType, &p.ListType, &p.Severity, &desc, &by, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc
		p.CreatedBy = by
		patterns = append(patterns, p)
	}
	if patterns == nil {
		patterns = []SafetyPattern{}
	}
	return patterns, rows.Err()
}
