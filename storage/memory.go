package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryLog implements MemoryLog with a map. Data is lost when the process
// exits.
type InMemoryLog struct {
	mu      sync.RWMutex
	threads map[string][]MemoryEntry
}

// NewInMemoryLog creates an empty in-memory log.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{threads: make(map[string][]MemoryEntry)}
}

func (m *InMemoryLog) Load(_ context.Context, thread string, limit int) ([]MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.threads[thread], limit), nil
}

func (m *InMemoryLog) Append(_ context.Context, thread string, role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[thread] = append(m.threads[thread], MemoryEntry{Role: role, Content: content, TS: time.Now().UTC()})
	return nil
}

func (m *InMemoryLog) Replace(_ context.Context, thread string, entries []MemoryEntry) error {
	normalized, err := normalize(entries, time.Now().UTC())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(normalized) == 0 {
		delete(m.threads, thread)
		return nil
	}
	m.threads[thread] = normalized
	return nil
}

func (m *InMemoryLog) Close() error { return nil }

var _ MemoryLog = (*InMemoryLog)(nil)
