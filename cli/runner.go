// Command execution for CLI commands.
//
// Information Hiding:
// - Settings loading and logger setup hidden
// - Assembly of provider, stores, gateway and assistant hidden
// - Interactive loop I/O hidden

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/agent"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/catalog"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/checkpoint"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/config"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/httpapi"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/internal/otel"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/llm"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/mcp"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/storage"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/tools"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/toolserver"
)

// Options holds CLI execution options shared by every command.
type Options struct {
	ConfigPath string
	Provider   string
	Verbose    bool
}

// Load resolves settings and builds the logger for opts.
func Load(opts Options, stderr io.Writer) (config.Settings, *slog.Logger, error) {
	settings, err := config.Load(opts.ConfigPath, opts.Provider)
	if err != nil {
		return config.Settings{}, nil, err
	}
	logger := NewLogger(stderr, settings.LogLevel, opts.Verbose)
	slog.SetDefault(logger)
	return settings, logger, nil
}

// NewLogger returns a text logger on w. Verbose forces debug level.
func NewLogger(w io.Writer, level string, verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Serve runs the HTTP API until ctx is cancelled.
func Serve(ctx context.Context, settings config.Settings, logger *slog.Logger) error {
	var metrics http.Handler
	if settings.Metrics {
		h, err := initMetrics(ctx)
		if err != nil {
			return err
		}
		metrics = h
	}

	app, err := newApp(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := httpapi.NewServer(app.assistant, httpapi.Options{
		Addr:           settings.API.Addr,
		MetricsHandler: metrics,
		UseOtelHTTP:    settings.Metrics,
		Logger:         logger,
	})
	logger.Info("http api listening", "addr", settings.API.Addr, "tool_server", settings.Tools.ServerURL)
	return httpapi.Serve(ctx, srv)
}

// ToolServer runs the MCP tool server over the catalog until ctx is cancelled.
func ToolServer(ctx context.Context, settings config.Settings, logger *slog.Logger) error {
	cat, err := catalog.Open(settings.CatalogPath(), catalog.WithLogger(logger))
	if err != nil {
		return err
	}
	defer cat.Close()

	logger.Info("starting tool server", "name", toolserver.Name, "catalog", settings.CatalogPath())
	srv := toolserver.NewServer(toolserver.New(cat, logger), settings.Tools.ServerAddr, logger)
	return srv.Run(ctx)
}

// Chat runs an interactive session on thread, reading lines from in. With
// withServer the tool server runs in-process for the session.
func Chat(ctx context.Context, settings config.Settings, logger *slog.Logger, thread string, withServer bool, in io.Reader, out io.Writer) error {
	if withServer {
		cat, err := catalog.Open(settings.CatalogPath(), catalog.WithLogger(logger))
		if err != nil {
			return err
		}
		defer cat.Close()

		srvCtx, stop := context.WithCancel(ctx)
		srv := toolserver.NewServer(toolserver.New(cat, logger), settings.Tools.ServerAddr, logger)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(srvCtx); err != nil {
				logger.Error("tool server failed", "error", err)
			}
		}()
		defer func() {
			stop()
			wg.Wait()
		}()
	}

	app, err := newApp(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	fmt.Fprintln(out, "--- E-commerce Agent ---")
	return chatLoop(ctx, app.assistant, thread, in, out)
}

type chatter interface {
	Chat(ctx context.Context, thread, message string) (string, error)
}

func chatLoop(ctx context.Context, a chatter, thread string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "\nYou: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if cmd := strings.ToLower(input); cmd == "exit" || cmd == "quit" {
			break
		}

		reply, err := a.Chat(ctx, thread, input)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "Assistant: %s\n", reply)
	}
	return scanner.Err()
}

// SetupDB fills the catalog from the CSV files in csvDir, or with the demo
// dataset when demo is set.
func SetupDB(ctx context.Context, settings config.Settings, logger *slog.Logger, csvDir string, demo bool) error {
	cat, err := catalog.Open(settings.CatalogPath(), catalog.WithLogger(logger))
	if err != nil {
		return err
	}
	defer cat.Close()

	if demo {
		if err := cat.SeedDemo(ctx); err != nil {
			return err
		}
		logger.Info("demo catalog ready", "path", settings.CatalogPath())
		return nil
	}
	if err := cat.ImportCSV(ctx, csvDir); err != nil {
		return err
	}
	logger.Info("catalog imported", "path", settings.CatalogPath(), "csv_dir", csvDir)
	return nil
}

// app owns everything a chat turn needs and releases it on Close.
type app struct {
	assistant *agent.Assistant
	store     *checkpoint.Store
	memory    storage.MemoryLog
	client    *mcp.Client
	logger    *slog.Logger
}

func newApp(ctx context.Context, settings config.Settings, logger *slog.Logger) (*app, error) {
	provider, err := createProvider(settings)
	if err != nil {
		return nil, err
	}
	return assemble(ctx, settings, logger,
		agent.NewLLMClassifier(provider), agent.NewLLMGenerator(provider))
}

func assemble(ctx context.Context, settings config.Settings, logger *slog.Logger, classifier agent.Classifier, generator agent.Generator) (*app, error) {
	store, err := checkpoint.Open(settings.CheckpointPath(), checkpoint.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	memory, err := storage.Open(settings.Storage.MemoryBackend, settings.MemoryPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open memory log: %w", err)
	}

	client := mcp.NewClient(settings.Tools.ServerURL,
		mcp.WithClientInfo("shopdesk", toolserver.Version),
		mcp.WithLogger(logger))
	executor := tools.NewExecutor(tools.ToolConfig{
		MaxRetries:  settings.Tools.Retries,
		TimeoutSecs: settings.Tools.TimeoutSecs,
	})
	gateway := mcp.NewGateway(client, executor, logger)
	if err := gateway.Discover(ctx); err != nil {
		logger.Warn("tool discovery failed; will retry on first call", "url", client.URL(), "error", err)
	} else {
		logger.Debug("tools discovered", "count", len(gateway.Tools()))
	}

	assistant, err := agent.NewBuilder().
		Config(agent.Config{
			HistoryLimit:        settings.Agent.HistoryLimit,
			ReconcileTranscript: settings.Agent.ReconcileTranscript,
		}).
		Store(store).
		Memory(memory).
		Classifier(classifier).
		Generator(generator).
		Tools(gateway).
		Logger(logger).
		Build()
	if err != nil {
		_ = client.Close()
		_ = memory.Close()
		return nil, err
	}
	return &app{assistant: assistant, store: store, memory: memory, client: client, logger: logger}, nil
}

// Close flushes the checkpoint store and releases connections.
func (a *app) Close() {
	if err := a.store.Flush(context.Background()); err != nil {
		a.logger.Warn("final checkpoint flush failed", "error", err)
	}
	if err := errors.Join(a.client.Close(), a.memory.Close()); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}

func createProvider(settings config.Settings) (llm.Provider, error) {
	apiKey, err := config.APIKeyFor(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}
	return settings.ProviderType().
		Model(settings.LLM.Model).
		MaxTokens(settings.LLM.MaxTokens).
		Temperature(float32(settings.LLM.Temperature)).
		APIKey(apiKey)
}

func initMetrics(ctx context.Context) (http.Handler, error) {
	handler, err := otel.InitMeterProvider(ctx, "shopdesk")
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	if err := otel.InitMetrics(ctx); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return handler, nil
}
