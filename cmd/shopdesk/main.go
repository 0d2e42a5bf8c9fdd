// Package main provides the shopdesk CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/cli"
)

var (
	// Global flags
	configPath string
	provider   string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "shopdesk",
		Short: "E-commerce customer support agent",
		Long: `A customer support agent that classifies requests, calls catalog tools
over MCP, and keeps every conversation step in a durable checkpoint store.

Typical setup:
  shopdesk setup-db --demo     # seed a small catalog
  shopdesk tool-server         # MCP tools on 127.0.0.1:8000/sse
  shopdesk serve               # HTTP API on 127.0.0.1:8001`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML settings file")
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (gemini, openai, anthropic, deepseek)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(toolServerCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(setupDBCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func options() cli.Options {
	return cli.Options{ConfigPath: configPath, Provider: provider, Verbose: verbose}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := cli.Load(options(), os.Stderr)
			if err != nil {
				return err
			}
			return cli.Serve(cmd.Context(), settings, logger)
		},
	}
}

func toolServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tool-server",
		Short: "Run the MCP tool server over SSE",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := cli.Load(options(), os.Stderr)
			if err != nil {
				return err
			}
			return cli.ToolServer(cmd.Context(), settings, logger)
		},
	}
}

func chatCmd() *cobra.Command {
	var thread string
	var withServer bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session. Type 'exit' or 'quit' to leave.

History and checkpoints are kept per thread, so a later session on the same
thread picks up where this one stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := cli.Load(options(), os.Stderr)
			if err != nil {
				return err
			}
			return cli.Chat(cmd.Context(), settings, logger, thread, withServer, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&thread, "thread", "user_456", "Conversation thread id")
	cmd.Flags().BoolVar(&withServer, "with-server", false, "Run the tool server in-process")

	return cmd
}

func setupDBCmd() *cobra.Command {
	var csvDir string
	var demo bool

	cmd := &cobra.Command{
		Use:   "setup-db",
		Short: "Build the catalog database",
		Long: `Build the catalog database from the df_Products, df_Orders, df_OrderItems
and df_Customers CSV files, or seed a small demo dataset with --demo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := cli.Load(options(), os.Stderr)
			if err != nil {
				return err
			}
			return cli.SetupDB(cmd.Context(), settings, logger, csvDir, demo)
		},
	}

	cmd.Flags().StringVar(&csvDir, "csv-dir", "train", "Directory holding the CSV exports")
	cmd.Flags().BoolVar(&demo, "demo", false, "Seed demo data instead of importing CSVs")

	return cmd
}
