package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/checkpoint"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/internal/otel"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/storage"
)

// Assistant serves chat turns: it seeds the graph from the memory log, runs
// it, and records the exchange.
type Assistant struct {
	graph  *Graph
	store  *checkpoint.Store
	memory storage.MemoryLog
	config Config
	logger *slog.Logger
}

// CheckpointInfo is the audit view of one checkpoint.
type CheckpointInfo struct {
	ID     string    `json:"id"`
	Parent string    `json:"parent,omitempty"`
	Step   int64     `json:"step"`
	Source string    `json:"source"`
	Node   string    `json:"node,omitempty"`
	Next   string    `json:"next,omitempty"`
	TS     time.Time `json:"ts"`
}

// Graph returns the underlying state machine.
func (a *Assistant) Graph() *Graph {
	return a.graph
}

// Chat runs one turn and returns the assistant's reply.
func (a *Assistant) Chat(ctx context.Context, thread, message string) (string, error) {
	start := time.Now()
	reply, err := a.chat(ctx, thread, message)
	status := "success"
	if err != nil {
		status = "error"
	}
	otel.RecordChatTurn(ctx, status, time.Since(start))
	return reply, err
}

func (a *Assistant) chat(ctx context.Context, thread, message string) (string, error) {
	if thread == "" {
		thread = DefaultThread
	}

	entries, err := a.memory.Load(ctx, thread, a.config.historyLimit())
	if err != nil {
		return "", fmt.Errorf("failed to load memory: %w", err)
	}
	messages := make([]Message, 0, len(entries)+1)
	for _, e := range entries {
		messages = append(messages, Message{Role: e.Role, Content: e.Content})
	}
	messages = append(messages, UserMessage(message))

	state, err := a.graph.Invoke(ctx, thread, messages)
	if err != nil {
		return "", err
	}
	last, ok := state.LastMessage()
	if !ok || last.Role != storage.RoleAssistant {
		return "", errors.New("graph finished without an assistant reply")
	}
	reply := last.Content

	if err := a.memory.Append(ctx, thread, storage.RoleUser, message); err != nil {
		a.logger.Warn("failed to record user message", "thread", thread, "error", err)
	}
	if err := a.memory.Append(ctx, thread, storage.RoleAssistant, reply); err != nil {
		a.logger.Warn("failed to record assistant message", "thread", thread, "error", err)
	}
	if a.config.ReconcileTranscript {
		transcript := make([]storage.MemoryEntry, len(state.Messages))
		for i, m := range state.Messages {
			transcript[i] = storage.MemoryEntry{Role: m.Role, Content: m.Content}
		}
		if err := a.memory.Replace(ctx, thread, transcript); err != nil {
			a.logger.Warn("failed to reconcile transcript", "thread", thread, "error", err)
		}
	}
	return reply, nil
}

// ClearThread forgets a thread's memory and checkpoints.
func (a *Assistant) ClearThread(ctx context.Context, thread string) error {
	if err := a.memory.Replace(ctx, thread, nil); err != nil {
		return fmt.Errorf("failed to clear memory: %w", err)
	}
	if err := a.store.DeleteThread(ctx, thread); err != nil {
		if checkpoint.IsStorage(err) {
			a.logger.Warn("checkpoint deletion not persisted", "thread", thread, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// History returns the thread's memory entries, oldest first.
func (a *Assistant) History(ctx context.Context, thread string, limit int) ([]storage.MemoryEntry, error) {
	return a.memory.Load(ctx, thread, limit)
}

// Checkpoints returns up to limit checkpoints of the thread, newest first.
func (a *Assistant) Checkpoints(ctx context.Context, thread string, limit int) []CheckpointInfo {
	out := []CheckpointInfo{}
	for tup := range a.store.List(ctx, thread, a.config.Namespace, limit) {
		info := CheckpointInfo{
			ID:     tup.Ref.CheckpointID,
			Step:   tup.Metadata.Step,
			Source: string(tup.Metadata.Source),
			Node:   tup.Metadata.Node,
			Next:   tup.Metadata.Next,
			TS:     tup.Checkpoint.TS,
		}
		if tup.Parent != nil {
			info.Parent = tup.Parent.CheckpointID
		}
		out = append(out, info)
	}
	return out
}

// Threads lists threads that have checkpoints.
func (a *Assistant) Threads() []string {
	return a.store.Threads()
}
