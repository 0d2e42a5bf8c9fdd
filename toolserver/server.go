// Package toolserver exposes the catalog as MCP tools over SSE.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/catalog"
)

const (
	// Name is the implementation name advertised to clients.
	Name = "E-commerce Assistant"
	// Version is the advertised server version.
	Version = "0.1.0"
	// DefaultAddr is the default SSE listen address.
	DefaultAddr = "127.0.0.1:8000"
)

// ProductArgs are the product_info arguments.
type ProductArgs struct {
	ProductID string `json:"product_id" jsonschema:"required,description=Product identifier"`
}

// OrderArgs are the order_status arguments.
type OrderArgs struct {
	OrderID string `json:"order_id" jsonschema:"required,description=Order identifier"`
}

// ReturnArgs are the return_request arguments.
type ReturnArgs struct {
	OrderID string `json:"order_id" jsonschema:"required,description=Order identifier"`
	Reason  string `json:"reason" jsonschema:"required,description=Why the customer wants to return the order"`
}

// CustomerArgs are the customer_history arguments.
type CustomerArgs struct {
	CustomerID string `json:"customer_id" jsonschema:"required,description=Customer identifier"`
}

// RecommendArgs are the recommend arguments.
type RecommendArgs struct {
	CustomerID string `json:"customer_id" jsonschema:"required,description=Customer identifier"`
	Limit      int    `json:"limit,omitempty" jsonschema:"description=Maximum number of recommendations (default 5)"`
}

// New builds an MCP server with the five catalog tools registered.
func New(c *catalog.Catalog, logger *slog.Logger) *server.MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := server.NewMCPServer(Name, Version, server.WithToolCapabilities(false))
	h := &handlers{catalog: c, logger: logger}

	s.AddTool(mcpgo.NewTool("product_info",
		mcpgo.WithDescription("Get product details: name, price, stock status, and description."),
		mcpgo.WithInputSchema[ProductArgs](),
	), h.productInfo)

	s.AddTool(mcpgo.NewTool("order_status",
		mcpgo.WithDescription("Check the status of an order (pending, shipped, delivered, cancelled)."),
		mcpgo.WithInputSchema[OrderArgs](),
	), h.orderStatus)

	s.AddTool(mcpgo.NewTool("return_request",
		mcpgo.WithDescription("Process a return request. Checks if order is within the 30-day return window."),
		mcpgo.WithInputSchema[ReturnArgs](),
	), h.returnRequest)

	s.AddTool(mcpgo.NewTool("customer_history",
		mcpgo.WithDescription("Get a customer's purchase history and previous orders."),
		mcpgo.WithInputSchema[CustomerArgs](),
	), h.customerHistory)

	s.AddTool(mcpgo.NewTool("recommend",
		mcpgo.WithDescription("Recommend products for a customer based on purchase history."),
		mcpgo.WithInputSchema[RecommendArgs](),
	), h.recommend)

	return s
}

type handlers struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
}

func (h *handlers) productInfo(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var args ProductArgs
	if err := request.BindArguments(&args); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	h.logger.Info("product_info", "product_id", args.ProductID)

	p, err := h.catalog.ProductInfo(ctx, args.ProductID)
	if err != nil {
		return failure(err, "product_id", args.ProductID, "Product not found")
	}
	return payload(map[string]any{"status": "ok", "product": p})
}

func (h *handlers) orderStatus(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var args OrderArgs
	if err := request.BindArguments(&args); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	h.logger.Info("order_status", "order_id", args.OrderID)

	o, err := h.catalog.OrderStatus(ctx, args.OrderID)
	if err != nil {
		return failure(err, "order_id", args.OrderID, "Order not found")
	}
	return payload(map[string]any{"status": "ok", "order": o})
}

func (h *handlers) returnRequest(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var args ReturnArgs
	if err := request.BindArguments(&args); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	h.logger.Info("return_request", "order_id", args.OrderID)

	d, err := h.catalog.ReturnRequest(ctx, args.OrderID, args.Reason)
	if err != nil {
		return failure(err, "order_id", args.OrderID, "Order not found")
	}
	out := map[string]any{
		"status":   "ok",
		"order_id": d.OrderID,
		"eligible": d.Eligible,
		"message":  d.Message,
	}
	if d.Eligible {
		out["reason_recorded"] = d.Reason
	}
	return payload(out)
}

func (h *handlers) customerHistory(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var args CustomerArgs
	if err := request.BindArguments(&args); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	h.logger.Info("customer_history", "customer_id", args.CustomerID)

	history, err := h.catalog.CustomerHistory(ctx, args.CustomerID, 50)
	if err != nil {
		return failure(err, "customer_id", args.CustomerID, "Customer not found")
	}
	return payload(map[string]any{"status": "ok", "customer_id": args.CustomerID, "history": history})
}

func (h *handlers) recommend(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	var args RecommendArgs
	if err := request.BindArguments(&args); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	h.logger.Info("recommend", "customer_id", args.CustomerID)

	recs, err := h.catalog.Recommend(ctx, args.CustomerID, args.Limit)
	if err != nil {
		return failure(err, "customer_id", args.CustomerID, "")
	}
	return payload(map[string]any{"status": "ok", "recommendations": recs})
}

// failure maps catalog errors onto the {"status":"error"} payload. Errors
// that are not domain errors are returned to the transport.
func failure(err error, idField, id, notFound string) (*mcpgo.CallToolResult, error) {
	out := map[string]any{"status": "error"}
	switch {
	case errors.Is(err, catalog.ErrNoHistory):
		out["code"] = "no_history"
		out["message"] = "No customer history available"
	case errors.Is(err, catalog.ErrInvalidInput):
		out["code"] = "invalid_input"
		out["message"] = idField + " is required"
	case errors.Is(err, catalog.ErrNotFound):
		out["code"] = "not_found"
		out["message"] = notFound
		out[idField] = id
	default:
		return nil, err
	}
	return payload(out)
}

func payload(v map[string]any) (*mcpgo.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool payload: %w", err)
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// Server runs the tool server over SSE.
type Server struct {
	sse    *server.SSEServer
	addr   string
	logger *slog.Logger
}

// NewServer returns an SSE server for s listening on addr.
func NewServer(s *server.MCPServer, addr string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sse:    server.NewSSEServer(s, server.WithBaseURL("http://"+addr)),
		addr:   addr,
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("tool server listening", "url", "http://"+s.addr+"/sse")
		errCh <- s.sse.Start(s.addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.sse.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("tool server shutdown: %w", err)
		}
		s.logger.Info("tool server stopped")
		return nil
	}
}
