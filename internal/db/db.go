package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/metagov/pkg/sqltrace"
)

type DB struct {
	*sql.DB
	trace *sqltrace.Store
}

func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{DB: sqlDB}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return db, nil
}

// SetTraceStore attaches a SQL trace store. Every Exec/Query through the
// wrapper is then recorded with its duration.
func (db *DB) SetTraceStore(s *sqltrace.Store) {
	db.trace = s
}

// Exec shadows the embedded handle to record timing when tracing is on.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := db.DB.Exec(query, args...)
	if db.trace != nil {
		db.trace.Record(context.Background(), "Exec", query, time.Since(start), err)
	}
	return res, err
}

// Query shadows the embedded handle to record timing when tracing is on.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := db.DB.Query(query, args...)
	if db.trace != nil {
		db.trace.Record(context.Background(), "Query", query, time.Since(start), err)
	}
	return rows, err
}

// QueryRow shadows the embedded handle to record timing when tracing is on.
// Row errors surface at Scan time and are not attributed here.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	start := time.Now()
	row := db.DB.QueryRow(query, args...)
	if db.trace != nil {
		db.trace.Record(context.Background(), "Query", query, time.Since(start), nil)
	}
	return row
}

func (db *DB) migrate() error {
	_, err := db.Exec(schema)
	return err
}
