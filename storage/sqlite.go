package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteLog implements MemoryLog on a SQLite database.
// Thread-safe: sql.DB handles connection pooling and concurrent access.
type SqliteLog struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSqlite opens or creates a SQLite database at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string) (*SqliteLog, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return newSqliteLog(db)
}

// NewSqliteInMemory creates an in-memory database (useful for testing).
func NewSqliteInMemory() (*SqliteLog, error) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)
	return newSqliteLog(db)
}

func newSqliteLog(db *sql.DB) (*SqliteLog, error) {
	s := &SqliteLog{db: db, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SqliteLog) Close() error {
	return s.db.Close()
}

func (s *SqliteLog) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			thread_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS memory_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			ts INTEGER NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_memory_entries_thread
		ON memory_entries(thread_id, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureThread(ctx context.Context, db execer, thread string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO threads (thread_id) VALUES (?)
		ON CONFLICT(thread_id) DO UPDATE SET updated_at = datetime('now')`,
		thread,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure thread: %w", err)
	}
	return nil
}

func (s *SqliteLog) Load(ctx context.Context, thread string, limit int) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, ts FROM (
			SELECT id, role, content, ts FROM memory_entries
			WHERE thread_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		thread, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query memory entries: %w", err)
	}
	defer rows.Close()

	entries := []MemoryEntry{}
	for rows.Next() {
		var (
			e  MemoryEntry
			ts int64
		)
		if err := rows.Scan(&e.Role, &e.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		e.TS = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory entries: %w", err)
	}
	return entries, nil
}

func (s *SqliteLog) Append(ctx context.Context, thread string, role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	if err := ensureThread(ctx, s.db, thread); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO memory_entries (thread_id, role, content, ts) VALUES (?, ?, ?, ?)",
		thread, string(role), content, s.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert memory entry: %w", err)
	}
	return nil
}

func (s *SqliteLog) Replace(ctx context.Context, thread string, entries []MemoryEntry) error {
	normalized, err := normalize(entries, s.now().UTC())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// defer tx.Rollback() is safe even after Commit() - it becomes a no-op
	defer func() { _ = tx.Rollback() }()

	if err := ensureThread(ctx, tx, thread); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_entries WHERE thread_id = ?", thread); err != nil {
		return fmt.Errorf("failed to clear old entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO memory_entries (thread_id, role, content, ts) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range normalized {
		if _, err := stmt.ExecContext(ctx, thread, string(e.Role), e.Content, e.TS.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert memory entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Threads lists thread ids, most recently updated first.
func (s *SqliteLog) Threads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT thread_id FROM threads ORDER BY updated_at DESC, thread_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	threads := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}
	return threads, nil
}

var _ MemoryLog = (*SqliteLog)(nil)
