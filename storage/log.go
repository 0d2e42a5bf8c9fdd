// Package storage provides the per-thread conversation memory log.
//
// Information Hiding:
// - Backend format (JSON file, SQLite tables, in-process map) hidden behind MemoryLog
// - Limit defaulting, role validation and timestamp filling shared by all backends
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultHistoryLimit is the number of entries Load returns when limit <= 0.
const DefaultHistoryLimit = 20

// Role identifies the speaker of a memory entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MemoryEntry is one remembered message.
type MemoryEntry struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

// UnmarshalJSON accepts RFC 3339 timestamps as well as zone-less ISO 8601
// ones ("2024-05-06T07:08:09.123456"), which are read as UTC.
func (e *MemoryEntry) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
		TS      string `json:"ts"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ts, err := parseTimestamp(raw.TS)
	if err != nil {
		return err
	}
	*e = MemoryEntry{Role: raw.Role, Content: raw.Content, TS: ts}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// MemoryLog stores a bounded, append-mostly message history per thread.
// Implementations are safe for concurrent use.
type MemoryLog interface {
	// Load returns the last limit entries of thread, oldest first. Unknown
	// threads yield an empty slice.
	Load(ctx context.Context, thread string, limit int) ([]MemoryEntry, error)

	// Append adds one entry stamped with the current UTC time.
	Append(ctx context.Context, thread string, role Role, content string) error

	// Replace overwrites the thread's entries. An empty slice clears it.
	Replace(ctx context.Context, thread string, entries []MemoryEntry) error

	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSqlite = "sqlite"
	BackendMemory = "memory"
)

// Open returns the MemoryLog for backend. path is the JSON file or SQLite
// database and is ignored by the memory backend.
func Open(backend, path string) (MemoryLog, error) {
	switch backend {
	case "", BackendFile:
		return NewFileLog(path), nil
	case BackendSqlite:
		return OpenSqlite(path)
	case BackendMemory:
		return NewInMemoryLog(), nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q (valid: file, sqlite, memory)", backend)
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

func tail(entries []MemoryEntry, limit int) []MemoryEntry {
	limit = normalizeLimit(limit)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]MemoryEntry, len(entries))
	copy(out, entries)
	return out
}

// normalize validates entries and fills missing timestamps.
func normalize(entries []MemoryEntry, now time.Time) ([]MemoryEntry, error) {
	out := make([]MemoryEntry, len(entries))
	for i, e := range entries {
		if e.Role == "" {
			e.Role = RoleUser
		}
		if !e.Role.Valid() {
			return nil, fmt.Errorf("entry %d: invalid role %q", i, e.Role)
		}
		if e.TS.IsZero() {
			e.TS = now
		}
		e.TS = e.TS.UTC()
		out[i] = e
	}
	return out, nil
}
