package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/checkpoint"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/internal/otel"
)

// Node names.
const (
	NodeInitial  = "initial"
	NodeClassify = "classify"
	NodeAskInfo  = "ask_info"
	NodeToolExec = "tool_exec"
	NodeRespond  = "respond"
	// End marks a finished run.
	End = "__end__"
)

// taskNamespace seeds deterministic task ids: the same node run against the
// same checkpoint always gets the same id.
var taskNamespace = uuid.MustParse("6f1c8a52-4a0e-4c8e-9d51-3b7f0c2e9a17")

func taskID(checkpointID, node string) string {
	return uuid.NewSHA1(taskNamespace, []byte(checkpointID+node)).String()
}

// Route picks the node after classify.
func Route(intent Intent, needsMoreInfo bool) string {
	switch {
	case needsMoreInfo:
		return NodeAskInfo
	case intent == IntentGeneralChat:
		return NodeRespond
	default:
		return NodeToolExec
	}
}

// next returns the node that follows node given the state it produced.
func next(node string, s State) string {
	switch node {
	case NodeInitial:
		return NodeClassify
	case NodeClassify:
		return Route(s.Intent, s.NeedsMoreInfo)
	case NodeToolExec:
		return NodeRespond
	default:
		return End
	}
}

// Graph runs the support state machine, checkpointing after every node.
// Runs on the same thread are serialized; different threads run concurrently.
type Graph struct {
	store      *checkpoint.Store
	classifier Classifier
	generator  Generator
	tools      ToolCaller
	serializer checkpoint.Serializer
	namespace  string
	logger     *slog.Logger
	locks      *threadLocks
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithNamespace sets the checkpoint namespace.
func WithNamespace(ns string) GraphOption {
	return func(g *Graph) { g.namespace = ns }
}

// WithSerializer overrides the channel serializer.
func WithSerializer(s checkpoint.Serializer) GraphOption {
	return func(g *Graph) {
		if s != nil {
			g.serializer = s
		}
	}
}

// WithGraphLogger sets the graph logger.
func WithGraphLogger(l *slog.Logger) GraphOption {
	return func(g *Graph) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGraph returns a graph over store and the given collaborators.
func NewGraph(store *checkpoint.Store, classifier Classifier, generator Generator, tools ToolCaller, opts ...GraphOption) *Graph {
	g := &Graph{
		store:      store,
		classifier: classifier,
		generator:  generator,
		tools:      tools,
		serializer: checkpoint.JSONSerializer{},
		logger:     slog.Default(),
		locks:      newThreadLocks(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// cursor is the position of a run: the last committed checkpoint and the state
// it holds.
type cursor struct {
	ref      checkpoint.Ref
	state    State
	versions map[string]int64
	step     int64
}

// Invoke runs one turn on thread with messages as the conversation so far,
// newest last, and returns the final state.
func (g *Graph) Invoke(ctx context.Context, thread string, messages []Message) (State, error) {
	release := g.locks.lock(thread)
	defer release()

	head, err := g.head(ctx, thread)
	if err != nil {
		return State{}, err
	}

	input := update{ChanMessages: slices.Clone(messages)}
	cur, err := g.commit(ctx, thread, head, input, checkpoint.Metadata{
		Source: checkpoint.SourceInput,
		Step:   head.step + 1,
		Next:   NodeInitial,
	})
	if err != nil {
		return State{}, err
	}
	return g.run(ctx, thread, cur, NodeInitial, nil)
}

// Resume continues an interrupted run from the latest checkpoint. Writes
// already recorded for the pending node are replayed instead of running it
// again. A thread whose last run finished is returned unchanged.
func (g *Graph) Resume(ctx context.Context, thread string) (State, error) {
	release := g.locks.lock(thread)
	defer release()

	tup, err := g.store.Get(ctx, thread, g.namespace, "")
	if err != nil {
		return State{}, err
	}
	state, err := stateFromCheckpoint(g.serializer, tup.Checkpoint)
	if err != nil {
		return State{}, fmt.Errorf("failed to restore state: %w", err)
	}
	node := tup.Metadata.Next
	if node == "" || node == End {
		return state, nil
	}

	g.logger.Info("resuming run", "thread", thread, "checkpoint", tup.Ref.CheckpointID, "node", node)
	cur := cursor{ref: tup.Ref, state: state, versions: tup.Checkpoint.ChannelVersions, step: tup.Metadata.Step}
	return g.run(ctx, thread, cur, node, tup.PendingWrites)
}

// State returns the thread's latest state.
func (g *Graph) State(ctx context.Context, thread string) (State, error) {
	tup, err := g.store.Get(ctx, thread, g.namespace, "")
	if err != nil {
		return State{}, err
	}
	return stateFromCheckpoint(g.serializer, tup.Checkpoint)
}

// head returns the thread's latest checkpoint, creating the empty root for a
// new thread.
func (g *Graph) head(ctx context.Context, thread string) (cursor, error) {
	tup, err := g.store.Get(ctx, thread, g.namespace, "")
	switch {
	case err == nil:
		state, err := stateFromCheckpoint(g.serializer, tup.Checkpoint)
		if err != nil {
			return cursor{}, fmt.Errorf("failed to restore state: %w", err)
		}
		return cursor{ref: tup.Ref, state: state, versions: tup.Checkpoint.ChannelVersions, step: tup.Metadata.Step}, nil
	case errors.Is(err, checkpoint.ErrNotFound):
		root := checkpoint.Checkpoint{V: checkpoint.SchemaVersion}
		ref, err := g.store.Put(ctx, thread, g.namespace, root, checkpoint.Metadata{Source: checkpoint.SourceInit, Step: -1}, "")
		if err := g.tolerate("put", err); err != nil {
			return cursor{}, err
		}
		return cursor{ref: ref, step: -1}, nil
	default:
		return cursor{}, err
	}
}

// commit applies u on top of cur and stores the result as a child checkpoint.
func (g *Graph) commit(ctx context.Context, thread string, cur cursor, u update, md checkpoint.Metadata) (cursor, error) {
	state := cur.state
	if err := state.apply(u); err != nil {
		return cursor{}, err
	}
	cp, versions, err := snapshot(g.serializer, state, cur.versions, u)
	if err != nil {
		return cursor{}, err
	}
	ref, err := g.store.Put(ctx, thread, g.namespace, cp, md, cur.ref.CheckpointID)
	if err := g.tolerate("put", err); err != nil {
		return cursor{}, err
	}
	return cursor{ref: ref, state: state, versions: versions, step: md.Step}, nil
}

// tolerate lets a run continue past failed flushes. The in-memory store has
// advanced, so the run stays consistent; only durability is in doubt.
func (g *Graph) tolerate(op string, err error) error {
	if err == nil {
		return nil
	}
	if checkpoint.IsStorage(err) {
		g.logger.Warn("checkpoint not persisted", "op", op, "error", err)
		return nil
	}
	return err
}

func (g *Graph) run(ctx context.Context, thread string, cur cursor, node string, pending []checkpoint.PendingWrite) (State, error) {
	for node != End {
		if err := ctx.Err(); err != nil {
			return cur.state, err
		}

		task := taskID(cur.ref.CheckpointID, node)
		u, replayed, err := g.replay(pending, task)
		if err != nil {
			return cur.state, err
		}
		if !replayed {
			u, err = g.execute(ctx, thread, node, cur.state)
			if err != nil {
				return cur.state, fmt.Errorf("node %s: %w", node, err)
			}
			writes, err := encodeWrites(g.serializer, u)
			if err != nil {
				return cur.state, err
			}
			if err := g.tolerate("put_writes", g.store.PutWrites(ctx, cur.ref, task, writes)); err != nil {
				return cur.state, err
			}
		}
		pending = nil

		after := cur.state
		if err := after.apply(u); err != nil {
			return cur.state, err
		}
		following := next(node, after)
		cur, err = g.commit(ctx, thread, cur, u, checkpoint.Metadata{
			Source: checkpoint.SourceLoop,
			Step:   cur.step + 1,
			Node:   node,
			Next:   following,
		})
		if err != nil {
			return State{}, err
		}
		otel.RecordGraphStep(ctx, node)
		g.logger.Debug("graph step", "thread", thread, "node", node, "next", following, "step", cur.step)
		node = following
	}
	return cur.state, nil
}

// replay returns the recorded writes for task, if any.
func (g *Graph) replay(pending []checkpoint.PendingWrite, task string) (update, bool, error) {
	var writes []checkpoint.Write
	for _, pw := range pending {
		if pw.TaskID == task {
			writes = append(writes, checkpoint.Write{Channel: pw.Channel, Value: pw.Value})
		}
	}
	if len(writes) == 0 {
		return nil, false, nil
	}
	u, err := decodeWrites(g.serializer, writes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to replay writes: %w", err)
	}
	return u, true, nil
}

func (g *Graph) execute(ctx context.Context, thread, node string, s State) (update, error) {
	switch node {
	case NodeInitial:
		return update{
			ChanIntent:        IntentNone,
			ChanExtractedID:   "",
			ChanToolResult:    "",
			ChanToolResultRaw: nil,
			ChanNeedsMoreInfo: false,
			ChanFinalResponse: "",
		}, nil

	case NodeClassify:
		c, err := g.classifier.Classify(ctx, classifyPrompt(s.Messages))
		if err != nil {
			return nil, err
		}
		intent := ParseIntent(string(c.Intent))
		g.logger.Info("classified", "thread", thread, "intent", intent, "id", c.ExtractedID)
		return update{
			ChanIntent:        intent,
			ChanExtractedID:   c.ExtractedID,
			ChanNeedsMoreInfo: intent != IntentGeneralChat && c.ExtractedID == "",
		}, nil

	case NodeAskInfo:
		msg := AskForInfo(s.Intent)
		return update{
			ChanMessages:      append(slices.Clip(s.Messages), AssistantMessage(msg)),
			ChanFinalResponse: msg,
		}, nil

	case NodeToolExec:
		if s.ExtractedID == "" {
			return update{ChanToolResult: MissingIDResult}, nil
		}
		name, args, ok := toolCall(s.Intent, s.ExtractedID)
		if !ok {
			return update{}, nil
		}
		g.logger.Info("executing tool", "thread", thread, "tool", name)
		text, raw := g.tools.Call(ctx, name, args)
		return update{ChanToolResult: text, ChanToolResultRaw: raw}, nil

	case NodeRespond:
		reply := EscalationMessage
		if !isBackendError(s.ToolResultRaw) {
			var err error
			reply, err = g.generator.Generate(ctx, respondPrompt(s.Messages, s.ToolResult))
			if err != nil {
				return nil, err
			}
		}
		return update{
			ChanMessages:      append(slices.Clip(s.Messages), AssistantMessage(reply)),
			ChanFinalResponse: reply,
		}, nil
	}
	return nil, fmt.Errorf("unknown node %q", node)
}
