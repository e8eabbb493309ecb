package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink appends entries to an access_log table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and its table.
func OpenSQLite(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS access_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		request_id TEXT,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		bytes_out INTEGER NOT NULL,
		peer TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create access_log table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_log (started_at, request_id, method, path, status, duration_ns, bytes_out, peer)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixNano(), e.RequestID, e.Method, e.Path, e.Status, int64(e.Duration), e.BytesOut, e.Peer)
	if err != nil {
		return fmt.Errorf("failed to insert access log entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, request_id, method, path, status, duration_ns, bytes_out, peer
		 FROM access_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query access log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			startedAt     int64
			durationNanos int64
			requestID     sql.NullString
			peer          sql.NullString
		)
		if err := rows.Scan(&startedAt, &requestID, &e.Method, &e.Path, &e.Status, &durationNanos, &e.BytesOut, &peer); err != nil {
			return nil, fmt.Errorf("failed to scan access log entry: %w", err)
		}
		e.Time = time.Unix(0, startedAt)
		e.Duration = time.Duration(durationNanos)
		e.RequestID = requestID.String
		e.Peer = peer.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
