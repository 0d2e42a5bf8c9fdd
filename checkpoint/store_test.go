package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func jsonValue(t *testing.T, v any) TypedValue {
	t.Helper()
	tv, err := JSONSerializer{}.Dump(v)
	if err != nil {
		t.Fatalf("dump %v: %v", v, err)
	}
	return tv
}

func newCheckpoint(t *testing.T, values map[string]any) Checkpoint {
	t.Helper()
	cp := Checkpoint{ChannelValues: map[string]TypedValue{}, ChannelVersions: map[string]int64{}}
	for k, v := range values {
		cp.ChannelValues[k] = jsonValue(t, v)
		cp.ChannelVersions[k] = 1
	}
	return cp
}

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.bin")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestPutAndGetLatest(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	root, err := s.Put(ctx, "user_1", "", newCheckpoint(t, nil), Metadata{Source: SourceInit, Step: -1}, "")
	if err != nil {
		t.Fatalf("Put root: %v", err)
	}
	if root.CheckpointID == "" {
		t.Fatal("expected generated checkpoint id")
	}
	next, err := s.Put(ctx, "user_1", "", newCheckpoint(t, map[string]any{"intent": "order_status"}),
		Metadata{Source: SourceLoop, Step: 0, Node: "classify", Next: "tool_exec"}, root.CheckpointID)
	if err != nil {
		t.Fatalf("Put child: %v", err)
	}

	got, err := s.Get(ctx, "user_1", "", "")
	if err != nil {
		t.Fatalf("Get latest: %v", err)
	}
	if got.Ref != next {
		t.Errorf("latest ref = %+v, want %+v", got.Ref, next)
	}
	if got.Parent == nil || got.Parent.CheckpointID != root.CheckpointID {
		t.Errorf("parent = %+v, want %s", got.Parent, root.CheckpointID)
	}
	if got.Metadata.Node != "classify" || got.Metadata.Next != "tool_exec" {
		t.Errorf("unexpected metadata %+v", got.Metadata)
	}
	var intent string
	if err := (JSONSerializer{}).Load(got.Checkpoint.ChannelValues["intent"], &intent); err != nil {
		t.Fatalf("Load intent: %v", err)
	}
	if intent != "order_status" {
		t.Errorf("intent = %q", intent)
	}
	if got.Checkpoint.V != SchemaVersion {
		t.Errorf("V = %d, want %d", got.Checkpoint.V, SchemaVersion)
	}

	byID, err := s.Get(ctx, "user_1", "", root.CheckpointID)
	if err != nil {
		t.Fatalf("Get by id: %v", err)
	}
	if byID.Parent != nil {
		t.Errorf("root has parent %+v", byID.Parent)
	}
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	if _, err := s.Get(ctx, "nobody", "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown thread, got %v", err)
	}
	if _, err := s.Put(ctx, "t", "", newCheckpoint(t, nil), Metadata{Step: 0}, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Get(ctx, "t", "", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
	if _, err := s.Get(ctx, "t", "other-ns", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown namespace, got %v", err)
	}
}

func TestPutValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	root, err := s.Put(ctx, "t", "", Checkpoint{ID: "cp-1"}, Metadata{Step: 1}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		name   string
		thread string
		cp     Checkpoint
		step   int64
		parent string
	}{
		{name: "empty thread", thread: "", cp: Checkpoint{}, step: 5},
		{name: "duplicate id", thread: "t", cp: Checkpoint{ID: "cp-1"}, step: 5, parent: root.CheckpointID},
		{name: "missing parent", thread: "t", cp: Checkpoint{}, step: 5, parent: "ghost"},
		{name: "step not increasing", thread: "t", cp: Checkpoint{}, step: 1, parent: root.CheckpointID},
		{name: "step decreasing", thread: "t", cp: Checkpoint{}, step: 0, parent: root.CheckpointID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Put(ctx, tt.thread, "", tt.cp, Metadata{Step: tt.step}, tt.parent)
			if !IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}

	if n := count(s.List(ctx, "t", "", 0)); n != 1 {
		t.Errorf("rejected puts changed the log: %d checkpoints", n)
	}
}

func TestParentMustBeInSameNamespace(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	ref, err := s.Put(ctx, "t", "a", Checkpoint{}, Metadata{Step: 0}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(ctx, "t", "b", Checkpoint{}, Metadata{Step: 1}, ref.CheckpointID); !IsValidation(err) {
		t.Errorf("expected ValidationError for cross-namespace parent, got %v", err)
	}
	if _, err := s.Put(ctx, "other", "a", Checkpoint{}, Metadata{Step: 1}, ref.CheckpointID); !IsValidation(err) {
		t.Errorf("expected ValidationError for cross-thread parent, got %v", err)
	}
}

func TestPutWritesOverwrites(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	ref, err := s.Put(ctx, "t", "", Checkpoint{}, Metadata{Step: 0}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	first := []Write{{Channel: "intent", Value: jsonValue(t, "returns")}}
	second := []Write{
		{Channel: "intent", Value: jsonValue(t, "order_status")},
		{Channel: "extracted_id", Value: jsonValue(t, "ORD-1")},
	}
	if err := s.PutWrites(ctx, ref, "task-a", first); err != nil {
		t.Fatalf("PutWrites first: %v", err)
	}
	if err := s.PutWrites(ctx, ref, "task-a", second); err != nil {
		t.Fatalf("PutWrites second: %v", err)
	}
	if err := s.PutWrites(ctx, ref, "task-a", second); err != nil {
		t.Fatalf("PutWrites repeat: %v", err)
	}

	got, err := s.Get(ctx, "t", "", ref.CheckpointID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.PendingWrites) != 2 {
		t.Fatalf("expected 2 pending writes, got %d: %+v", len(got.PendingWrites), got.PendingWrites)
	}
	for _, w := range got.PendingWrites {
		if w.TaskID != "task-a" {
			t.Errorf("unexpected task id %q", w.TaskID)
		}
	}
	if got.PendingWrites[0].Channel != "intent" || string(got.PendingWrites[0].Value.Data) != `"order_status"` {
		t.Errorf("first write = %+v", got.PendingWrites[0])
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again, err := reopened.Get(ctx, "t", "", ref.CheckpointID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if len(again.PendingWrites) != 2 {
		t.Errorf("pending writes lost across reopen: %+v", again.PendingWrites)
	}
}

func TestPutWritesValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	ref, err := s.Put(ctx, "t", "", Checkpoint{}, Metadata{Step: 0}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.PutWrites(ctx, ref, "", nil); !IsValidation(err) {
		t.Errorf("empty task id: expected ValidationError, got %v", err)
	}
	missing := ref
	missing.CheckpointID = "ghost"
	if err := s.PutWrites(ctx, missing, "task", nil); !IsValidation(err) {
		t.Errorf("unknown checkpoint: expected ValidationError, got %v", err)
	}
}

func TestListMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	var ids []string
	parent := ""
	for step := int64(-1); step < 4; step++ {
		ref, err := s.Put(ctx, "t", "", Checkpoint{}, Metadata{Step: step}, parent)
		if err != nil {
			t.Fatalf("Put step %d: %v", step, err)
		}
		ids = append(ids, ref.CheckpointID)
		parent = ref.CheckpointID
	}

	var got []string
	for tup := range s.List(ctx, "t", "", 3) {
		got = append(got, tup.Ref.CheckpointID)
	}
	want := []string{ids[4], ids[3], ids[2]}
	if len(got) != len(want) {
		t.Fatalf("got %d tuples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if n := count(s.List(ctx, "t", "", 0)); n != 5 {
		t.Errorf("unlimited list = %d, want 5", n)
	}
	if n := count(s.List(ctx, "missing", "", 0)); n != 0 {
		t.Errorf("unknown thread list = %d, want 0", n)
	}
}

func TestListStopsEarly(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	parent := ""
	for step := int64(0); step < 3; step++ {
		ref, err := s.Put(ctx, "t", "", Checkpoint{}, Metadata{Step: step}, parent)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		parent = ref.CheckpointID
	}

	seen := 0
	for range s.List(ctx, "t", "", 0) {
		seen++
		// mutating mid-iteration must not deadlock
		if _, err := s.Put(ctx, "other", "", Checkpoint{}, Metadata{Step: 0}, ""); err != nil {
			t.Fatalf("Put during List: %v", err)
		}
		break
	}
	if seen != 1 {
		t.Errorf("seen = %d", seen)
	}
}

func TestDeleteThread(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	if _, err := s.Put(ctx, "keep", "", Checkpoint{}, Metadata{Step: 0}, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(ctx, "drop", "", Checkpoint{}, Metadata{Step: 0}, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.DeleteThread(ctx, "drop"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if err := s.DeleteThread(ctx, "never-existed"); err != nil {
		t.Fatalf("DeleteThread unknown: %v", err)
	}

	if _, err := s.Get(ctx, "drop", "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted thread still readable: %v", err)
	}
	// id is reusable and starts a fresh step sequence
	if _, err := s.Put(ctx, "drop", "", Checkpoint{}, Metadata{Step: -1}, ""); err != nil {
		t.Errorf("Put after delete: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	threads := reopened.Threads()
	if len(threads) != 2 || threads[0] != "drop" || threads[1] != "keep" {
		t.Errorf("Threads() = %v", threads)
	}
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)
	path := filepath.Join(t.TempDir(), "cp.bin")
	s, err := Open(path, WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cp := newCheckpoint(t, map[string]any{
		"messages":        []map[string]string{{"role": "user", "content": "hi"}},
		"needs_more_info": false,
	})
	cp.ChannelValues["blob"] = TypedValue{Type: TypeBytes, Data: []byte{0, 1, 2}}
	cp.ChannelValues["tool_result_raw"] = TypedValue{Type: TypeNull}
	root, err := s.Put(ctx, "user_456", "", cp, Metadata{Source: SourceInput, Step: -1, Next: "initial"}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, "user_456", "", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Ref != root {
		t.Errorf("ref = %+v, want %+v", got.Ref, root)
	}
	if !got.Checkpoint.TS.Equal(clock) {
		t.Errorf("ts = %v, want %v", got.Checkpoint.TS, clock)
	}
	if got.Metadata != (Metadata{Source: SourceInput, Step: -1, Next: "initial"}) {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if string(got.Checkpoint.ChannelValues["blob"].Data) != "\x00\x01\x02" {
		t.Errorf("bytes channel = %v", got.Checkpoint.ChannelValues["blob"])
	}
	if !got.Checkpoint.ChannelValues["tool_result_raw"].IsNull() {
		t.Errorf("null channel = %+v", got.Checkpoint.ChannelValues["tool_result_raw"])
	}
	var msgs []map[string]string
	if err := (JSONSerializer{}).Load(got.Checkpoint.ChannelValues["messages"], &msgs); err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0]["content"] != "hi" {
		t.Errorf("messages = %v", msgs)
	}
	if got.Checkpoint.ChannelVersions["messages"] != 1 {
		t.Errorf("versions = %v", got.Checkpoint.ChannelVersions)
	}

	// steps keep increasing after a restart
	if _, err := reopened.Put(ctx, "user_456", "", Checkpoint{}, Metadata{Step: -1}, root.CheckpointID); !IsValidation(err) {
		t.Errorf("expected step validation after reopen, got %v", err)
	}
}

func TestJSONNamedSnapshotSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	root, err := s.Put(ctx, "t1", "", newCheckpoint(t, map[string]any{"intent": "returns"}), Metadata{Source: SourceInit, Step: -1}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := os.Stat(MirrorPath(path)); err != nil {
		t.Errorf("mirror missing: %v", err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, "t1", "", "")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Ref != root {
		t.Errorf("ref = %+v, want %+v", got.Ref, root)
	}
}

func TestOpenCorruptSnapshotStartsEmpty(t *testing.T) {
	tests := []struct {
		name string
		data func(valid []byte) []byte
	}{
		{name: "garbage", data: func([]byte) []byte { return []byte("not a snapshot at all") }},
		{name: "truncated", data: func(v []byte) []byte { return v[:len(v)-3] }},
		{name: "flipped payload bit", data: func(v []byte) []byte {
			c := append([]byte(nil), v...)
			c[len(c)-1] ^= 0xff
			return c
		}},
		{name: "empty file", data: func([]byte) []byte { return nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, path := openTemp(t)
			if _, err := s.Put(ctx, "t", "", Checkpoint{}, Metadata{Step: 0}, ""); err != nil {
				t.Fatalf("Put: %v", err)
			}
			valid, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if err := os.WriteFile(path, tt.data(valid), 0o644); err != nil {
				t.Fatalf("corrupt: %v", err)
			}

			reopened, err := Open(path)
			if err != nil {
				t.Fatalf("Open corrupt: %v", err)
			}
			if got := reopened.Threads(); len(got) != 0 {
				t.Errorf("expected empty store, got threads %v", got)
			}
		})
	}
}

func TestStorageErrorKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	s, err := Open(filepath.Join(blocker, "cp.bin"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ref, err := s.Put(ctx, "t", "", Checkpoint{}, Metadata{Step: 0}, "")
	if !IsStorage(err) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Err == nil {
		t.Fatalf("StorageError does not carry a cause: %v", err)
	}
	if ref.CheckpointID == "" {
		t.Fatal("expected a valid ref alongside the storage error")
	}
	if _, err := s.Get(ctx, "t", "", ref.CheckpointID); err != nil {
		t.Errorf("in-memory checkpoint missing after storage error: %v", err)
	}
	if err := s.Flush(ctx); !IsStorage(err) {
		t.Errorf("Flush: expected StorageError, got %v", err)
	}
}

func TestMemoryOnlyStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Put(ctx, "t", "", Checkpoint{}, Metadata{Step: 0}, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Errorf("Flush on memory store: %v", err)
	}
}

func TestMirrorWritten(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	root, err := s.Put(ctx, "t", "", newCheckpoint(t, map[string]any{"intent": "returns"}), Metadata{Source: SourceInit, Step: -1}, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	child, err := s.Put(ctx, "t", "", Checkpoint{ChannelValues: map[string]TypedValue{
		"blob": {Type: TypeBytes, Data: []byte("hi")},
	}}, Metadata{Source: SourceLoop, Step: 0, Node: "initial"}, root.CheckpointID)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := os.ReadFile(MirrorPath(path))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	var mirror map[string]map[string]map[string]struct {
		Checkpoint struct {
			ID            string                     `json:"id"`
			ChannelValues map[string]json.RawMessage `json:"channel_values"`
		} `json:"checkpoint"`
		Metadata Metadata `json:"metadata"`
		Parent   *string  `json:"parent"`
	}
	if err := json.Unmarshal(data, &mirror); err != nil {
		t.Fatalf("mirror is not JSON: %v", err)
	}

	rootEntry := mirror["t"][""][root.CheckpointID]
	if rootEntry.Parent != nil {
		t.Errorf("root parent = %v", *rootEntry.Parent)
	}
	if string(rootEntry.Checkpoint.ChannelValues["intent"]) != `"returns"` {
		t.Errorf("json channel = %s", rootEntry.Checkpoint.ChannelValues["intent"])
	}
	childEntry := mirror["t"][""][child.CheckpointID]
	if childEntry.Parent == nil || *childEntry.Parent != root.CheckpointID {
		t.Errorf("child parent = %v", childEntry.Parent)
	}
	if string(childEntry.Checkpoint.ChannelValues["blob"]) != `"aGk="` {
		t.Errorf("bytes channel = %s", childEntry.Checkpoint.ChannelValues["blob"])
	}
	if childEntry.Metadata.Node != "initial" {
		t.Errorf("metadata = %+v", childEntry.Metadata)
	}
}

func TestConcurrentThreads(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		thread := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			parent := ""
			for step := int64(0); step < 5; step++ {
				ref, err := s.Put(ctx, thread, "", Checkpoint{}, Metadata{Step: step}, parent)
				if err != nil {
					t.Errorf("Put %s/%d: %v", thread, step, err)
					return
				}
				parent = ref.CheckpointID
			}
		}()
	}
	wg.Wait()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for _, thread := range reopened.Threads() {
		if n := count(reopened.List(ctx, thread, "", 0)); n != 5 {
			t.Errorf("thread %s has %d checkpoints after reopen, want 5", thread, n)
		}
	}
	if len(reopened.Threads()) != 8 {
		t.Errorf("threads = %v", reopened.Threads())
	}
}

func count[T any](seq iter.Seq[T]) int {
	n := 0
	for range seq {
		n++
	}
	return n
}
