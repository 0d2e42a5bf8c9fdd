package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/checkpoint"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedCall struct {
	name string
	args map[string]any
}

// fakeTools records calls and answers from a fixed table.
type fakeTools struct {
	mu      sync.Mutex
	calls   []recordedCall
	respond func(name string, args map[string]any) (string, any)
}

func (f *fakeTools) Call(_ context.Context, name string, args map[string]any) (string, any) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{name: name, args: args})
	f.mu.Unlock()
	return f.respond(name, args)
}

func (f *fakeTools) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fixedClassifier(intent Intent, id string) ClassifierFunc {
	return func(context.Context, string) (Classification, error) {
		return Classification{Intent: intent, ExtractedID: id}, nil
	}
}

// echoGenerator replies with a prefix of the prompt and records prompts.
type echoGenerator struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (g *echoGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	return "reply based on: " + prompt[strings.LastIndex(prompt, "SYSTEM DATA")+1:], nil
}

func newGraph(t *testing.T, c Classifier, g Generator, tools ToolCaller) (*Graph, *checkpoint.Store) {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.bin"), checkpoint.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	return NewGraph(store, c, g, tools, WithGraphLogger(quietLogger())), store
}

func okProduct(string, map[string]any) (string, any) {
	raw := map[string]any{"status": "ok", "product": map[string]any{"product_id": "P123", "name": "Desk Lamp"}}
	return `{"status":"ok","product":{"name":"Desk Lamp","product_id":"P123"}}`, raw
}

func TestRoute(t *testing.T) {
	tests := []struct {
		intent Intent
		more   bool
		want   string
	}{
		{IntentOrderStatus, true, NodeAskInfo},
		{IntentGeneralChat, false, NodeRespond},
		{IntentGeneralChat, true, NodeAskInfo},
		{IntentProductInquiry, false, NodeToolExec},
		{IntentReturns, false, NodeToolExec},
	}
	for _, tt := range tests {
		if got := Route(tt.intent, tt.more); got != tt.want {
			t.Errorf("Route(%s, %v) = %s, want %s", tt.intent, tt.more, got, tt.want)
		}
	}
}

func TestProductInquiryCallsTool(t *testing.T) {
	tools := &fakeTools{respond: okProduct}
	gen := &echoGenerator{}
	g, _ := newGraph(t, fixedClassifier(IntentProductInquiry, "P123"), gen, tools)

	state, err := g.Invoke(context.Background(), "user_456",
		[]Message{UserMessage("What's the price of product P123?")})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if tools.count() != 1 || tools.calls[0].name != "product_info" || tools.calls[0].args["product_id"] != "P123" {
		t.Fatalf("tool calls = %+v", tools.calls)
	}
	if state.Intent != IntentProductInquiry || state.ExtractedID != "P123" {
		t.Errorf("state = %+v", state)
	}
	if !strings.Contains(state.FinalResponse, "Desk Lamp") {
		t.Errorf("final response = %q", state.FinalResponse)
	}
	last, _ := state.LastMessage()
	if last.Role != "assistant" || last.Content != state.FinalResponse {
		t.Errorf("last message = %+v", last)
	}
	if len(gen.prompts) != 1 || !strings.Contains(gen.prompts[0], "SYSTEM DATA FROM MCP SERVER:\n{\"status\":\"ok\"") {
		t.Errorf("prompt = %q", gen.prompts)
	}
}

func TestMissingIDAsksForInfo(t *testing.T) {
	tools := &fakeTools{respond: okProduct}
	gen := &echoGenerator{}
	g, _ := newGraph(t, fixedClassifier(IntentOrderStatus, ""), gen, tools)

	state, err := g.Invoke(context.Background(), "t", []Message{UserMessage("Check my order")})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	want := "I understand you're asking about order status, but I need an ID (like an Order ID or Product ID) to help you. Could you please provide it?"
	if state.FinalResponse != want {
		t.Errorf("reply = %q", state.FinalResponse)
	}
	if !state.NeedsMoreInfo {
		t.Error("needs_more_info not set")
	}
	if tools.count() != 0 || len(gen.prompts) != 0 {
		t.Errorf("collaborators called: tools=%d generator=%d", tools.count(), len(gen.prompts))
	}
}

func TestGatewayFailureEscalates(t *testing.T) {
	tools := &fakeTools{respond: func(string, map[string]any) (string, any) {
		msg := "Error connecting to MCP server: connection refused"
		return msg, map[string]any{"status": "error", "code": "gateway_unreachable", "message": msg}
	}}
	gen := &echoGenerator{}
	g, _ := newGraph(t, fixedClassifier(IntentOrderStatus, "ORD-1"), gen, tools)

	state, err := g.Invoke(context.Background(), "t", []Message{UserMessage("Where is ORD-1?")})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if state.FinalResponse != EscalationMessage {
		t.Errorf("reply = %q", state.FinalResponse)
	}
	if !strings.HasPrefix(state.ToolResult, "Error connecting to MCP server") {
		t.Errorf("tool result = %q", state.ToolResult)
	}
	if len(gen.prompts) != 0 {
		t.Error("generator called despite backend error")
	}
}

func TestGeneralChatSkipsTools(t *testing.T) {
	tools := &fakeTools{respond: okProduct}
	gen := &echoGenerator{}
	g, _ := newGraph(t, fixedClassifier(IntentGeneralChat, ""), gen, tools)

	if _, err := g.Invoke(context.Background(), "t", []Message{UserMessage("hello")}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if tools.count() != 0 {
		t.Error("tool called for general chat")
	}
	if len(gen.prompts) != 1 || !strings.HasPrefix(gen.prompts[0], "Based on the conversation, provide a helpful response:") {
		t.Errorf("prompt = %q", gen.prompts)
	}
}

func TestReturnsSendsReason(t *testing.T) {
	tools := &fakeTools{respond: func(string, map[string]any) (string, any) {
		return `{"status":"ok","eligible":true}`, map[string]any{"status": "ok", "eligible": true}
	}}
	g, _ := newGraph(t, fixedClassifier(IntentReturns, "ORD-7"), &echoGenerator{}, tools)

	if _, err := g.Invoke(context.Background(), "t", []Message{UserMessage("return ORD-7")}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	call := tools.calls[0]
	if call.name != "return_request" || call.args["order_id"] != "ORD-7" || call.args["reason"] != ReturnReason {
		t.Errorf("call = %+v", call)
	}
}

func TestCheckpointTrail(t *testing.T) {
	tools := &fakeTools{respond: okProduct}
	g, store := newGraph(t, fixedClassifier(IntentProductInquiry, "P123"), &echoGenerator{}, tools)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.Invoke(ctx, "user_456", []Message{UserMessage("price of P123?")}); err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
	}

	var tuples []checkpoint.Tuple
	for tup := range store.List(ctx, "user_456", "", 0) {
		tuples = append(tuples, tup)
	}
	// root + 2 * (input + initial + classify + tool_exec + respond)
	if len(tuples) != 11 {
		t.Fatalf("checkpoints = %d", len(tuples))
	}

	root := tuples[len(tuples)-1]
	if root.Metadata.Source != checkpoint.SourceInit || root.Metadata.Step != -1 || root.Parent != nil {
		t.Errorf("root = %+v", root.Metadata)
	}
	wantNodes := []string{"", NodeInitial, NodeClassify, NodeToolExec, NodeRespond}
	for i := len(tuples) - 2; i >= 0; i-- {
		tup := tuples[i]
		if tup.Metadata.Step <= tuples[i+1].Metadata.Step {
			t.Errorf("step %d not after %d", tup.Metadata.Step, tuples[i+1].Metadata.Step)
		}
		if tup.Parent == nil || tup.Parent.CheckpointID != tuples[i+1].Ref.CheckpointID {
			t.Errorf("checkpoint %d parent = %+v", i, tup.Parent)
		}
		pos := (len(tuples) - 2 - i) % len(wantNodes)
		if tup.Metadata.Node != wantNodes[pos] {
			t.Errorf("checkpoint %d node = %q, want %q", i, tup.Metadata.Node, wantNodes[pos])
		}
	}
	if tuples[0].Metadata.Next != End {
		t.Errorf("latest next = %q", tuples[0].Metadata.Next)
	}

	// the node that ran against each checkpoint recorded its writes there
	input := tuples[4]
	if input.Metadata.Source != checkpoint.SourceInput || len(input.PendingWrites) == 0 {
		t.Fatalf("input checkpoint = %+v", input)
	}
	if input.PendingWrites[0].TaskID != taskID(input.Ref.CheckpointID, NodeInitial) {
		t.Errorf("task id = %s", input.PendingWrites[0].TaskID)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.bin")
	store, err := checkpoint.Open(path, checkpoint.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g := NewGraph(store, fixedClassifier(IntentProductInquiry, "P123"), &echoGenerator{}, &fakeTools{respond: okProduct},
		WithGraphLogger(quietLogger()))
	want, err := g.Invoke(context.Background(), "user_456", []Message{UserMessage("price of P123?")})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	reopened, err := checkpoint.Open(path, checkpoint.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := NewGraph(reopened, nil, nil, nil).State(context.Background(), "user_456")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got.FinalResponse != want.FinalResponse || len(got.Messages) != 2 || got.Intent != IntentProductInquiry {
		t.Errorf("restored state = %+v", got)
	}
	raw, ok := got.ToolResultRaw.(map[string]any)
	if !ok || raw["status"] != "ok" {
		t.Errorf("raw = %#v", got.ToolResultRaw)
	}
}

func TestResumeAfterFailure(t *testing.T) {
	tools := &fakeTools{respond: okProduct}
	gen := &echoGenerator{err: errors.New("model overloaded")}
	g, _ := newGraph(t, fixedClassifier(IntentProductInquiry, "P123"), gen, tools)
	ctx := context.Background()

	if _, err := g.Invoke(ctx, "t", []Message{UserMessage("price of P123?")}); err == nil {
		t.Fatal("expected generator failure")
	}
	if tools.count() != 1 {
		t.Fatalf("tool calls = %d", tools.count())
	}

	gen.err = nil
	state, err := g.Resume(ctx, "t")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if state.FinalResponse == "" {
		t.Error("resume did not finish the run")
	}
	if tools.count() != 1 {
		t.Errorf("resume re-ran tool_exec: %d calls", tools.count())
	}

	again, err := g.Resume(ctx, "t")
	if err != nil || again.FinalResponse != state.FinalResponse {
		t.Errorf("resume of finished run = %+v, %v", again, err)
	}
}

func TestResumeReplaysRecordedWrites(t *testing.T) {
	gen := &echoGenerator{err: errors.New("model overloaded")}
	g, store := newGraph(t, fixedClassifier(IntentGeneralChat, ""), gen, &fakeTools{respond: okProduct})
	ctx := context.Background()

	if _, err := g.Invoke(ctx, "t", []Message{UserMessage("hi")}); err == nil {
		t.Fatal("expected generator failure")
	}
	head, err := store.Get(ctx, "t", "", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if head.Metadata.Next != NodeRespond {
		t.Fatalf("pending node = %q", head.Metadata.Next)
	}

	// writes recorded before an interruption must be reused, not recomputed
	writes, err := encodeWrites(checkpoint.JSONSerializer{}, update{
		ChanMessages:      []Message{UserMessage("hi"), AssistantMessage("recorded reply")},
		ChanFinalResponse: "recorded reply",
	})
	if err != nil {
		t.Fatalf("encodeWrites: %v", err)
	}
	if err := store.PutWrites(ctx, head.Ref, taskID(head.Ref.CheckpointID, NodeRespond), writes); err != nil {
		t.Fatalf("PutWrites: %v", err)
	}

	state, err := g.Resume(ctx, "t")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if state.FinalResponse != "recorded reply" {
		t.Errorf("reply = %q", state.FinalResponse)
	}
	if len(gen.prompts) != 1 {
		t.Errorf("generator called on resume: %d prompts", len(gen.prompts))
	}
}

func TestConcurrentThreads(t *testing.T) {
	tools := &fakeTools{respond: okProduct}
	g, store := newGraph(t, fixedClassifier(IntentProductInquiry, "P123"), &echoGenerator{}, tools)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			thread := []string{"a", "b"}[i%2]
			if _, err := g.Invoke(ctx, thread, []Message{UserMessage("P123?")}); err != nil {
				t.Errorf("Invoke: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, thread := range []string{"a", "b"} {
		n := 0
		for range store.List(ctx, thread, "", 0) {
			n++
		}
		if n != 1+4*5 {
			t.Errorf("thread %s has %d checkpoints", thread, n)
		}
	}
}

func TestStorageFailureDoesNotAbortRun(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := writeFile(blocker); err != nil {
		t.Fatalf("setup: %v", err)
	}
	store, err := checkpoint.Open(filepath.Join(blocker, "checkpoints.bin"), checkpoint.WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g := NewGraph(store, fixedClassifier(IntentGeneralChat, ""), &echoGenerator{}, &fakeTools{respond: okProduct},
		WithGraphLogger(quietLogger()))

	state, err := g.Invoke(context.Background(), "t", []Message{UserMessage("hello")})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if state.FinalResponse == "" {
		t.Error("run did not complete")
	}
}

func TestUnknownNode(t *testing.T) {
	g, _ := newGraph(t, nil, nil, nil)
	if _, err := g.execute(context.Background(), "t", "bogus", State{}); err == nil {
		t.Error("expected error for unknown node")
	}
}
