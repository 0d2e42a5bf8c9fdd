// Package httpapi serves the support assistant over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/agent"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/storage"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = "127.0.0.1:8001"

// ServiceName is reported by /health.
const ServiceName = "E-commerce Agent API"

// maxRequestBodyBytes caps request bodies at 1 MiB.
const maxRequestBodyBytes = 1 << 20

// Service is the assistant surface the handlers need.
type Service interface {
	Chat(ctx context.Context, thread, message string) (string, error)
	ClearThread(ctx context.Context, thread string) error
	History(ctx context.Context, thread string, limit int) ([]storage.MemoryEntry, error)
	Checkpoints(ctx context.Context, thread string, limit int) []agent.CheckpointInfo
}

// Options configures the HTTP server.
type Options struct {
	Addr           string
	MetricsHandler http.Handler // served at /metrics when set
	UseOtelHTTP    bool         // wrap the handler with otelhttp
	Logger         *slog.Logger
}

// ChatRequest is the POST /chat body.
type ChatRequest struct {
	Message  *string `json:"message"`
	ThreadID string  `json:"thread_id"`
}

// ChatResponse is the POST /chat reply.
type ChatResponse struct {
	Response string `json:"response"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"`
}

// NewServer builds an http.Server exposing svc.
func NewServer(svc Service, opts Options) *http.Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", h.chat)
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("DELETE /thread/{thread_id}", h.clearThread)
	mux.HandleFunc("GET /thread/{thread_id}/history", h.history)
	mux.HandleFunc("GET /thread/{thread_id}/checkpoints", h.checkpoints)
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(maxRequestBodyBytes, handler)
	handler = requestLogMiddleware(opts.Logger, handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "shopdesk")
	}
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	}
}

type handlers struct {
	svc    Service
	logger *slog.Logger
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body: "+err.Error())
		return
	}
	if req.Message == nil {
		writeDetail(w, http.StatusUnprocessableEntity, "field required: message")
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = agent.DefaultThread
	}

	h.logger.Info("chat request", "thread_id", req.ThreadID)
	reply, err := h.svc.Chat(r.Context(), req.ThreadID, *req.Message)
	if err != nil {
		h.logger.Error("chat failed", "thread_id", req.ThreadID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Response: reply, ThreadID: req.ThreadID, Status: "success"})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": ServiceName})
}

func (h *handlers) clearThread(w http.ResponseWriter, r *http.Request) {
	thread := r.PathValue("thread_id")
	if err := h.svc.ClearThread(r.Context(), thread); err != nil {
		h.logger.Error("clear thread failed", "thread_id", thread, "error", err)
		writeDetail(w, http.StatusInternalServerError, "Error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Thread %s cleared", thread),
	})
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	thread := r.PathValue("thread_id")
	entries, err := h.svc.History(r.Context(), thread, limit)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": thread, "entries": entries})
}

func (h *handlers) checkpoints(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	thread := r.PathValue("thread_id")
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":   thread,
		"checkpoints": h.svc.Checkpoints(r.Context(), thread, limit),
	})
}

// queryLimit parses ?limit=; absent means 0 (the callee's default).
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid limit %q", raw))
		return 0, false
	}
	return n, true
}

func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// responseRecorder captures the status code for request logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		logger.Debug("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeDetail sends {"detail": message} with the given status code.
func writeDetail(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"detail": message})
}
