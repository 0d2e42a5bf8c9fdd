package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/internal/otel"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/tools"
)

var (
	// ErrToolNotFound is returned when the server does not advertise a tool.
	ErrToolNotFound = errors.New("tool not found on MCP server")
	// ErrGatewayUnreachable is returned when the server cannot be reached.
	ErrGatewayUnreachable = errors.New("MCP server unreachable")
)

// UnreachableError carries the transport failure behind ErrGatewayUnreachable.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%v: %v", ErrGatewayUnreachable, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

func (e *UnreachableError) Is(target error) bool { return target == ErrGatewayUnreachable }

// Gateway invokes named tools on the tool server. Tools are discovered lazily
// and rediscovered once when a requested name is missing.
type Gateway struct {
	session  Session
	executor *tools.Executor
	logger   *slog.Logger

	mu       sync.RWMutex
	registry *tools.Registry
}

// NewGateway returns a gateway over session. A nil executor uses the defaults.
func NewGateway(session Session, executor *tools.Executor, logger *slog.Logger) *Gateway {
	if executor == nil {
		executor = tools.NewDefaultExecutor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{session: session, executor: executor, logger: logger}
}

// Discover lists the server's tools and replaces the registry.
func (g *Gateway) Discover(ctx context.Context) error {
	list, err := g.session.ListTools(ctx)
	if err != nil {
		return &UnreachableError{Err: err}
	}
	remote := make([]tools.Tool, 0, len(list))
	for _, t := range list {
		remote = append(remote, newRemoteTool(g.session, t))
	}
	reg, err := tools.NewRegistry(remote...)
	if err != nil {
		g.logger.Warn("some tools were skipped", "error", err)
	}
	g.mu.Lock()
	g.registry = reg
	g.mu.Unlock()
	g.logger.Debug("discovered tools", "count", reg.Len(), "tools", reg.Names())
	return nil
}

// Tools returns metadata for the currently known tools.
func (g *Gateway) Tools() []tools.ToolMetadata {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.registry == nil {
		return nil
	}
	return g.registry.List()
}

func (g *Gateway) lookup(name string) (tools.Tool, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.registry == nil {
		return nil, false
	}
	return g.registry.Get(name)
}

// Invoke calls the named tool. Tool-level failures are reported in the
// result; the error is non-nil only for ErrToolNotFound or
// ErrGatewayUnreachable.
func (g *Gateway) Invoke(ctx context.Context, name string, args map[string]any) (tools.ToolResult, error) {
	tool, ok := g.lookup(name)
	if !ok {
		if err := g.Discover(ctx); err != nil {
			otel.RecordToolCall(ctx, name, "unreachable")
			return tools.ToolResult{}, err
		}
		if tool, ok = g.lookup(name); !ok {
			otel.RecordToolCall(ctx, name, "not_found")
			return tools.ToolResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return tools.ToolResult{}, fmt.Errorf("failed to encode arguments for %s: %w", name, err)
	}

	result, err := g.executor.Execute(ctx, tool, payload)
	if err != nil {
		otel.RecordToolCall(ctx, name, "unreachable")
		return tools.ToolResult{}, &UnreachableError{Err: err}
	}
	outcome := "ok"
	if !result.Success() {
		outcome = "error"
	}
	otel.RecordToolCall(ctx, name, outcome)
	return result, nil
}

// Call is Invoke with gateway failures folded into the result: the text is
// what the response prompt sees and raw is a {"status":"error"} map.
func (g *Gateway) Call(ctx context.Context, name string, args map[string]any) (string, any) {
	result, err := g.Invoke(ctx, name, args)
	if err == nil {
		return result.Output, result.Raw
	}

	g.logger.Warn("tool call failed", "tool", name, "error", err)
	var unreachable *UnreachableError
	switch {
	case errors.Is(err, ErrToolNotFound):
		text := fmt.Sprintf("Error: Tool %s not found on MCP server.", name)
		return text, errorPayload("tool_not_found", text)
	case errors.As(err, &unreachable):
		text := fmt.Sprintf("Error connecting to MCP server: %v", unreachable.Err)
		return text, errorPayload("gateway_unreachable", text)
	default:
		text := fmt.Sprintf("Error connecting to MCP server: %v", err)
		return text, errorPayload("gateway_unreachable", text)
	}
}

func errorPayload(code, message string) map[string]any {
	return map[string]any{"status": "error", "code": code, "message": message}
}
