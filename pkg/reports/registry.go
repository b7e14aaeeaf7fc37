// CLAUDE:SUMMARY Report registry — read-only SQL reports loaded from the database, hot-reloaded on change
package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Report is a named read-only SQL query loaded from the report_registry
// table. Reports are data, not code: operators can add one at runtime and the
// watcher picks it up without a restart.
type Report struct {
	Name         string
	Category     string
	Description  string
	InputSchema  map[string]any
	Query        string
	Params       []string
	ResultFormat string
}

// Registry holds loaded reports in memory with a watcher for hot reload.
type Registry struct {
	db          *sql.DB
	reports     map[string]*Report
	lastVersion int64
	mu          sync.RWMutex
}

const Schema = `
CREATE TABLE IF NOT EXISTS report_registry (
	report_name TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	description TEXT NOT NULL,
	input_schema TEXT NOT NULL,
	query TEXT NOT NULL,
	params TEXT DEFAULT '[]',
	result_format TEXT NOT NULL DEFAULT 'array' CHECK(result_format IN ('array','object')),
	is_active INTEGER NOT NULL DEFAULT 1 CHECK(is_active IN (0, 1)),
	created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_reports_active ON report_registry(is_active);
`

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		db:      db,
		reports: make(map[string]*Report),
	}
}

// Init creates the registry table. Databases whose schema already carries it
// get a no-op.
func (r *Registry) Init() error {
	_, err := r.db.Exec(Schema)
	return err
}

// Load reads all active reports from the report_registry table.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, `
		SELECT report_name, category, description, input_schema, query, params, result_format
		FROM report_registry
		WHERE is_active = 1
		ORDER BY category, report_name`)
	if err != nil {
		return fmt.Errorf("query report registry: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]*Report)
	for rows.Next() {
		rep := &Report{}
		var schemaJSON, paramsJSON string
		if err := rows.Scan(&rep.Name, &rep.Category, &rep.Description,
			&schemaJSON, &rep.Query, &paramsJSON, &rep.ResultFormat); err != nil {
			return fmt.Errorf("scan report: %w", err)
		}
		if err := json.Unmarshal([]byte(schemaJSON), &rep.InputSchema); err != nil {
			slog.Warn("bad input_schema, skipping report", "report", rep.Name, "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(paramsJSON), &rep.Params); err != nil {
			slog.Warn("bad params, skipping report", "report", rep.Name, "error", err)
			continue
		}
		loaded[rep.Name] = rep
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.reports = loaded
	slog.Info("reports loaded", "count", len(loaded))
	return nil
}

func (r *Registry) List() []*Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Report, 0, len(r.reports))
	for _, rep := range r.reports {
		out = append(out, rep)
	}
	return out
}

func (r *Registry) Get(name string) (*Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.reports[name]
	return rep, ok
}

// Execute runs a report and returns its result as JSON. Required params from
// the input schema must be present; declared params map positionally onto the
// query placeholders.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	rep, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("report not found: %s", name)
	}
	if required, ok := rep.InputSchema["required"].([]any); ok {
		for _, rf := range required {
			pname, _ := rf.(string)
			if pname == "" {
				continue
			}
			if _, exists := params[pname]; !exists {
				return "", fmt.Errorf("missing required param: %s", pname)
			}
		}
	}

	args := make([]any, 0, len(rep.Params))
	for _, pname := range rep.Params {
		args = append(args, params[pname])
	}

	rows, err := r.db.QueryContext(ctx, rep.Query, args...)
	if err != nil {
		return "", fmt.Errorf("report %s failed: %w", name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	var output any
	if rep.ResultFormat == "object" && len(results) > 0 {
		output = results[0]
	} else {
		if results == nil {
			results = []map[string]any{}
		}
		output = results
	}

	data, err := json.Marshal(output)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RunWatcher polls PRAGMA data_version every 5s and reloads reports on change.
func (r *Registry) RunWatcher(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	slog.Info("report watcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("report watcher stopped")
			return
		case <-ticker.C:
			var ver int64
			if err := r.db.QueryRow("PRAGMA data_version").Scan(&ver); err != nil {
				slog.Warn("data_version poll failed", "error", err)
				continue
			}
			if ver != r.lastVersion && r.lastVersion != 0 {
				slog.Info("report registry change detected, reloading")
				if err := r.Load(ctx); err != nil {
					slog.Error("report reload failed", "error", err)
				}
			}
			r.lastVersion = ver
		}
	}
}
