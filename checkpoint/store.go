package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/internal/fsutil"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/internal/otel"
)

type record struct {
	checkpoint Checkpoint
	metadata   Metadata
	parentID   string
	tasks      map[string][]Write
}

type namespaceLog struct {
	order   []string
	records map[string]*record
}

func newNamespaceLog() *namespaceLog {
	return &namespaceLog{records: make(map[string]*record)}
}

func (l *namespaceLog) append(r *record) {
	l.order = append(l.order, r.checkpoint.ID)
	l.records[r.checkpoint.ID] = r
}

func (l *namespaceLog) latest() *record {
	if len(l.order) == 0 {
		return nil
	}
	return l.records[l.order[len(l.order)-1]]
}

// Store is a durable checkpoint store. It is safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	threads threadLogs

	// flushMu orders flushes so the newest image is always the last renamed.
	flushMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for hydrate and mirror diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open returns a store backed by the snapshot at path, hydrating it when the
// file exists. A snapshot that cannot be decoded is logged and ignored. An
// empty path gives a memory-only store.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:    path,
		logger:  slog.Default(),
		now:     time.Now,
		threads: make(threadLogs),
	}
	for _, opt := range opts {
		opt(s)
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		s.logger.Warn("checkpoint snapshot unreadable, starting empty", "path", path, "error", err)
		return s, nil
	}
	threads, err := decodeSnapshot(data)
	if err != nil {
		s.logger.Warn("checkpoint snapshot corrupt, starting empty", "path", path, "error", err)
		return s, nil
	}
	s.threads = threads
	s.logger.Debug("checkpoint store hydrated", "path", path, "threads", len(threads))
	return s, nil
}

// Path returns the snapshot path, or "" for a memory-only store.
func (s *Store) Path() string {
	return s.path
}

// Put appends cp to the thread/namespace log. parentID may be empty for a root.
// On a StorageError the returned Ref is still valid: the checkpoint is stored in
// memory but may not be on disk.
func (s *Store) Put(ctx context.Context, thread, namespace string, cp Checkpoint, md Metadata, parentID string) (Ref, error) {
	const op = "put"
	if thread == "" {
		return Ref{}, invalid(op, "thread id is required")
	}
	if cp.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Ref{}, fmt.Errorf("failed to generate checkpoint id: %w", err)
		}
		cp.ID = id.String()
	}
	if cp.V == 0 {
		cp.V = SchemaVersion
	}
	if cp.TS.IsZero() {
		cp.TS = s.now().UTC()
	}
	cp = cp.clone()

	s.mu.Lock()
	log := s.threads[thread][namespace]
	if log != nil {
		if _, dup := log.records[cp.ID]; dup {
			s.mu.Unlock()
			return Ref{}, invalid(op, "checkpoint %q already exists in thread %q", cp.ID, thread)
		}
	}
	if parentID != "" && (log == nil || log.records[parentID] == nil) {
		s.mu.Unlock()
		return Ref{}, invalid(op, "parent checkpoint %q not found in thread %q namespace %q", parentID, thread, namespace)
	}
	if last := log.latestOrNil(); last != nil && md.Step <= last.metadata.Step {
		s.mu.Unlock()
		return Ref{}, invalid(op, "step %d must be greater than %d", md.Step, last.metadata.Step)
	}
	if log == nil {
		if s.threads[thread] == nil {
			s.threads[thread] = make(map[string]*namespaceLog)
		}
		log = newNamespaceLog()
		s.threads[thread][namespace] = log
	}
	log.append(&record{
		checkpoint: cp,
		metadata:   md,
		parentID:   parentID,
		tasks:      make(map[string][]Write),
	})
	s.mu.Unlock()

	ref := Ref{ThreadID: thread, Namespace: namespace, CheckpointID: cp.ID}
	return ref, s.flush(ctx, op)
}

func (l *namespaceLog) latestOrNil() *record {
	if l == nil {
		return nil
	}
	return l.latest()
}

// PutWrites records the writes of one task against an existing checkpoint.
// Submitting the same task again replaces its previous writes.
func (s *Store) PutWrites(ctx context.Context, ref Ref, taskID string, writes []Write) error {
	const op = "put_writes"
	if taskID == "" {
		return invalid(op, "task id is required")
	}

	s.mu.Lock()
	r := s.lookup(ref.ThreadID, ref.Namespace, ref.CheckpointID)
	if r == nil {
		s.mu.Unlock()
		return invalid(op, "checkpoint %q not found in thread %q namespace %q", ref.CheckpointID, ref.ThreadID, ref.Namespace)
	}
	r.tasks[taskID] = cloneWrites(writes)
	s.mu.Unlock()

	return s.flush(ctx, op)
}

// Get returns the named checkpoint, or the latest one when checkpointID is empty.
func (s *Store) Get(_ context.Context, thread, namespace, checkpointID string) (Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r *record
	if checkpointID == "" {
		r = s.threads[thread][namespace].latestOrNil()
	} else {
		r = s.lookup(thread, namespace, checkpointID)
	}
	if r == nil {
		if checkpointID == "" {
			return Tuple{}, fmt.Errorf("thread %q namespace %q: %w", thread, namespace, ErrNotFound)
		}
		return Tuple{}, fmt.Errorf("checkpoint %q in thread %q: %w", checkpointID, thread, ErrNotFound)
	}
	return r.tuple(thread, namespace), nil
}

// DeleteThread removes every checkpoint and pending write of thread.
func (s *Store) DeleteThread(ctx context.Context, thread string) error {
	s.mu.Lock()
	_, ok := s.threads[thread]
	delete(s.threads, thread)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.flush(ctx, "delete_thread")
}

// List yields the checkpoints of thread/namespace, most recent first. The set of
// ids is fixed when iteration starts; each tuple is built as it is yielded.
// A limit <= 0 means no limit.
func (s *Store) List(_ context.Context, thread, namespace string, limit int) iter.Seq[Tuple] {
	return func(yield func(Tuple) bool) {
		s.mu.RLock()
		var ids []string
		if log := s.threads[thread][namespace]; log != nil {
			ids = slices.Clone(log.order)
		}
		s.mu.RUnlock()

		slices.Reverse(ids)
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}
		for _, id := range ids {
			s.mu.RLock()
			r := s.lookup(thread, namespace, id)
			var t Tuple
			if r != nil {
				t = r.tuple(thread, namespace)
			}
			s.mu.RUnlock()
			if r == nil {
				// deleted since iteration began
				return
			}
			if !yield(t) {
				return
			}
		}
	}
}

// Threads returns the ids of all threads with at least one checkpoint.
func (s *Store) Threads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.threads))
}

// Flush writes the current state to disk. Callers may use it to retry after a
// StorageError.
func (s *Store) Flush(ctx context.Context) error {
	return s.flush(ctx, "flush")
}

func (s *Store) flush(ctx context.Context, op string) error {
	if s.path == "" {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	s.mu.RLock()
	image := encodeSnapshot(s.threads)
	mirror, mirrorErr := encodeMirror(s.threads)
	s.mu.RUnlock()

	if err := fsutil.WriteFile(s.path, image, 0o644); err != nil {
		otel.RecordCheckpointFlush(ctx, "error", time.Since(start))
		return &StorageError{Op: op, Path: s.path, Err: err}
	}
	otel.RecordCheckpointFlush(ctx, "ok", time.Since(start))

	if mirrorErr == nil {
		mirrorErr = fsutil.WriteFile(MirrorPath(s.path), mirror, 0o644)
	}
	if mirrorErr != nil {
		s.logger.Debug("checkpoint mirror not written", "path", MirrorPath(s.path), "error", mirrorErr)
	}
	return nil
}

// lookup must be called with mu held.
func (s *Store) lookup(thread, namespace, id string) *record {
	log := s.threads[thread][namespace]
	if log == nil {
		return nil
	}
	return log.records[id]
}

func (r *record) tuple(thread, namespace string) Tuple {
	t := Tuple{
		Ref:        Ref{ThreadID: thread, Namespace: namespace, CheckpointID: r.checkpoint.ID},
		Checkpoint: r.checkpoint.clone(),
		Metadata:   r.metadata,
	}
	if r.parentID != "" {
		t.Parent = &Ref{ThreadID: thread, Namespace: namespace, CheckpointID: r.parentID}
	}
	for _, taskID := range slices.Sorted(maps.Keys(r.tasks)) {
		for _, w := range r.tasks[taskID] {
			t.PendingWrites = append(t.PendingWrites, PendingWrite{
				TaskID:  taskID,
				Channel: w.Channel,
				Value:   w.Value.clone(),
			})
		}
	}
	return t
}
