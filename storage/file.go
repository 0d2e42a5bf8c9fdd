package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/internal/fsutil"
)

// FileLog keeps every thread in one pretty-printed JSON file. Each mutation is
// a read-modify-write of the whole file, replaced atomically.
type FileLog struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewFileLog returns a FileLog at path. The file is created on first write.
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path, logger: slog.Default(), now: time.Now}
}

// WithLogger replaces the logger used for unreadable-file warnings.
func (f *FileLog) WithLogger(l *slog.Logger) *FileLog {
	if l != nil {
		f.logger = l
	}
	return f
}

func (f *FileLog) Load(_ context.Context, thread string, limit int) ([]MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.read()
	if err != nil {
		f.logger.Debug("memory file unreadable", "path", f.path, "error", err)
		return []MemoryEntry{}, nil
	}
	return tail(data[thread], limit), nil
}

func (f *FileLog) Append(_ context.Context, thread string, role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data := f.readOrEmpty()
	data[thread] = append(data[thread], MemoryEntry{Role: role, Content: content, TS: f.now().UTC()})
	return f.write(data)
}

func (f *FileLog) Replace(_ context.Context, thread string, entries []MemoryEntry) error {
	normalized, err := normalize(entries, f.now().UTC())
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data := f.readOrEmpty()
	data[thread] = normalized
	return f.write(data)
}

func (f *FileLog) Close() error { return nil }

func (f *FileLog) read() (map[string][]MemoryEntry, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]MemoryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	data := map[string][]MemoryEntry{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	return data, nil
}

func (f *FileLog) readOrEmpty() map[string][]MemoryEntry {
	data, err := f.read()
	if err != nil {
		f.logger.Warn("memory file unreadable, starting from empty", "path", f.path, "error", err)
		return map[string][]MemoryEntry{}
	}
	return data
}

func (f *FileLog) write(data map[string][]MemoryEntry) error {
	err := fsutil.Write(f.path, 0o644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	})
	if err != nil {
		return fmt.Errorf("failed to write memory file: %w", err)
	}
	return nil
}

var _ MemoryLog = (*FileLog)(nil)
