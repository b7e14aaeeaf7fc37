package mcp

import (
	"database/sql"
	"log/slog"
)

// SeedDefaultReports inserts the built-in observability reports into the
// registry if it is empty. These are flight-control SQL reports that let MCP
// clients introspect the governor.
func SeedDefaultReports(db *sql.DB) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM report_registry").Scan(&count); err != nil {
		slog.Warn("seed: cannot check report registry", "error", err)
		return
	}
	if count > 0 {
		return // already seeded
	}

	seeds := []reportSeed{
		{
			name:     "governor_stats",
			category: "observability",
			desc:     "Counts of versions, traces, proposals by status and experiments by status",
			schema:   `{"type":"object","properties":{}}`,
			query: `SELECT
				(SELECT COUNT(*) FROM policy_versions) AS policy_versions,
				(SELECT COUNT(*) FROM policy_versions WHERE is_active = 1) AS active_versions,
				(SELECT COUNT(*) FROM traces) AS traces,
				(SELECT COUNT(*) FROM proposals WHERE status = 'pending') AS pending_proposals,
				(SELECT COUNT(*) FROM experiments WHERE status = 'running') AS running_experiments,
				(SELECT COUNT(*) FROM users) AS users`,
			params: `[]`,
			format: "object",
		},
		{
			name:     "recent_promotions",
			category: "observability",
			desc:     "Recently completed experiments with their result summaries",
			schema:   `{"type":"object","properties":{"limit":{"type":"integer","description":"Max results","default":10}}}`,
			query: `SELECT id, lineage, baseline_id, candidate_id, status, result_summary, finished_at
				FROM experiments WHERE status != 'running'
				ORDER BY finished_at DESC LIMIT ?`,
			params: `["limit"]`,
			format: "array",
		},
		{
			name:     "problematic_traces",
			category: "observability",
			desc:     "Recent traces flagged by hallucination metadata or thumbs-down feedback",
			schema:   `{"type":"object","properties":{"limit":{"type":"integer","description":"Max results","default":20}}}`,
			query: `SELECT id, session_id, task_type, domain, policy_version_id, created_at
				FROM traces
				WHERE json_extract(metadata, '$.hallucination_flag') IN (1, true)
				   OR json_extract(user_feedback, '$.thumbs_down') IN (1, true)
				ORDER BY created_at DESC LIMIT ?`,
			params: `["limit"]`,
			format: "array",
		},
	}

	insertReports(db, seeds)
	slog.Info("seeded default reports", "count", len(seeds))
}

// SeedAuditReports inserts the audit-side reports into the audit database's
// registry if empty. They live there because audit_log and sql_traces do.
func SeedAuditReports(db *sql.DB) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM report_registry").Scan(&count); err != nil {
		slog.Warn("seed: cannot check audit report registry", "error", err)
		return
	}
	if count > 0 {
		return
	}

	seeds := []reportSeed{
		{
			name:     "audit_recent",
			category: "observability",
			desc:     "Recent audit log entries",
			schema:   `{"type":"object","properties":{"limit":{"type":"integer","description":"Max entries","default":20}}}`,
			query: `SELECT entry_id, action, transport, user_id, status, duration_ms, timestamp
				FROM audit_log ORDER BY timestamp DESC LIMIT ?`,
			params: `["limit"]`,
			format: "array",
		},
		{
			name:     "slow_queries",
			category: "observability",
			desc:     "SQL queries slower than 100ms",
			schema:   `{"type":"object","properties":{"limit":{"type":"integer","description":"Max results","default":10}}}`,
			query: `SELECT op, query, duration_us, error, timestamp
				FROM sql_traces WHERE duration_us > 100000
				ORDER BY duration_us DESC LIMIT ?`,
			params: `["limit"]`,
			format: "array",
		},
	}

	insertReports(db, seeds)
	slog.Info("seeded audit reports", "count", len(seeds))
}

type reportSeed struct {
	name, category, desc, schema, query, params, format string
}

func insertReports(db *sql.DB, seeds []reportSeed) {
	for _, s := range seeds {
		_, err := db.Exec(`
			INSERT OR IGNORE INTO report_registry
				(report_name, category, description, input_schema, query, params, result_format)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.name, s.category, s.desc, s.schema, s.query, s.params, s.format)
		if err != nil {
			slog.Warn("seed: insert report", "report", s.name, "error", err)
		}
	}
}
