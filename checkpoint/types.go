// Package checkpoint provides a durable, append-only store of execution snapshots.
//
// Information Hiding:
// - Snapshot wire format and versioning hidden behind Open/Flush
// - Per-thread, per-namespace logs and pending-write tables hidden
// - Write-temp-then-rename persistence and the human-readable mirror hidden
//
// Every mutation (Put, PutWrites, DeleteThread) rewrites the whole store to disk
// before returning. Conversation volumes are small, and a full image keeps
// recovery trivial: whatever sits at the snapshot path is a complete store.
package checkpoint

import (
	"maps"
	"slices"
	"time"
)

// SchemaVersion is the version stamped on every Checkpoint.
const SchemaVersion = 1

// Ref identifies one checkpoint.
type Ref struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"namespace"`
	CheckpointID string `json:"checkpoint_id"`
}

// Source records what produced a checkpoint.
type Source string

const (
	// SourceInit is the empty-state root of a thread.
	SourceInit Source = "init"
	// SourceInput is a checkpoint holding caller input for a run.
	SourceInput Source = "input"
	// SourceLoop is a checkpoint produced by a state-machine step.
	SourceLoop Source = "loop"
)

// Checkpoint is an immutable snapshot of channel values at one step.
type Checkpoint struct {
	V               int
	ID              string
	TS              time.Time
	ChannelValues   map[string]TypedValue
	ChannelVersions map[string]int64
}

// Metadata describes the step that produced a checkpoint.
type Metadata struct {
	Source Source `json:"source"`
	Step   int64  `json:"step"`
	Node   string `json:"node,omitempty"`
	Next   string `json:"next,omitempty"`
}

// Write is one channel update.
type Write struct {
	Channel string
	Value   TypedValue
}

// PendingWrite is a Write recorded for a task against a checkpoint.
type PendingWrite struct {
	TaskID  string
	Channel string
	Value   TypedValue
}

// Tuple bundles a checkpoint with its metadata, parent and pending writes.
type Tuple struct {
	Ref           Ref
	Checkpoint    Checkpoint
	Metadata      Metadata
	Parent        *Ref
	PendingWrites []PendingWrite
}

// clone returns a deep copy so stored checkpoints cannot be mutated by callers.
func (c Checkpoint) clone() Checkpoint {
	out := c
	out.ChannelValues = make(map[string]TypedValue, len(c.ChannelValues))
	for k, v := range c.ChannelValues {
		out.ChannelValues[k] = v.clone()
	}
	out.ChannelVersions = maps.Clone(c.ChannelVersions)
	if out.ChannelVersions == nil {
		out.ChannelVersions = map[string]int64{}
	}
	return out
}

func cloneWrites(ws []Write) []Write {
	out := make([]Write, len(ws))
	for i, w := range ws {
		out[i] = Write{Channel: w.Channel, Value: w.Value.clone()}
	}
	return out
}

// channelNames returns the checkpoint's channel names in sorted order.
func (c Checkpoint) channelNames() []string {
	return slices.Sorted(maps.Keys(c.ChannelValues))
}
