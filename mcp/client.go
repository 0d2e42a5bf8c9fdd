// Package mcp connects the assistant to the backend tool server over the
// Model Context Protocol (SSE transport).
//
// Information Hiding:
// - Session start, protocol handshake and reconnection hidden behind Client
// - Tool discovery and registry refresh hidden behind Gateway
// - Content-block decoding and result normalization hidden in FormatResult
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// Session is the subset of an MCP session the gateway needs.
type Session interface {
	ListTools(ctx context.Context) ([]mcpgo.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error)
}

// Client is a lazily connected MCP client for an SSE endpoint such as
// http://127.0.0.1:8000/sse. A transport failure drops the session so the next
// call reconnects.
type Client struct {
	url     string
	name    string
	version string
	logger  *slog.Logger

	// base outlives individual calls; the SSE stream is bound to it.
	base   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *mcpclient.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientInfo sets the implementation name and version sent on initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.name = name
		c.version = version
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient returns a client for url. No connection is made until first use.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{url: url, name: "shopdesk", version: "0.1.0", logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.base, c.cancel = context.WithCancel(context.Background())
	return c
}

// URL returns the SSE endpoint.
func (c *Client) URL() string {
	return c.url
}

func (c *Client) session(ctx context.Context) (*mcpclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	if err := c.base.Err(); err != nil {
		return nil, fmt.Errorf("mcp client closed: %w", err)
	}

	conn, err := mcpclient.NewSSEMCPClient(c.url)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}
	if err := conn.Start(c.base); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: c.name, Version: c.version}
	req.Params.Capabilities = mcpgo.ClientCapabilities{}
	if _, err := conn.Initialize(ctx, req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	c.logger.Debug("mcp session established", "url", c.url)
	c.conn = conn
	return conn, nil
}

// drop closes conn if it is still the current session.
func (c *Client) drop(conn *mcpclient.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// ListTools returns the tools advertised by the server.
func (c *Client) ListTools(ctx context.Context) ([]mcpgo.Tool, error) {
	conn, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	res, err := conn.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		c.drop(conn)
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	conn, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := conn.CallTool(ctx, req)
	if err != nil {
		c.drop(conn)
		return nil, fmt.Errorf("failed to call tool %s: %w", name, err)
	}
	return res, nil
}

// Close ends the session, if any.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

var _ Session = (*Client)(nil)
