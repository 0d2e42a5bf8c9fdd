// Tool Executor with Retry Logic.
//
// Information Hiding:
// - Retry strategy implementation hidden
// - Backoff algorithm hidden
// - Error classification logic hidden

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Executor provides tool execution with retry and timeout support.
type Executor struct {
	config ToolConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a new tool executor with the given configuration.
func NewExecutor(config ToolConfig) *Executor {
	return &Executor{config: config, logger: slog.Default(), sleep: sleepCtx}
}

// NewDefaultExecutor creates an executor with default configuration.
func NewDefaultExecutor() *Executor {
	return NewExecutor(DefaultToolConfig())
}

// WithLogger sets the logger used for retry diagnostics.
func (e *Executor) WithLogger(l *slog.Logger) *Executor {
	if l != nil {
		e.logger = l
	}
	return e
}

// Execute validates args and runs the tool, retrying transport errors and
// retryable tool failures with exponential backoff. Each attempt gets its own
// timeout. The returned error is non-nil only when the tool could not be
// reached on any attempt.
func (e *Executor) Execute(ctx context.Context, tool Tool, args json.RawMessage) (ToolResult, error) {
	toolName := tool.Metadata().Name
	if err := tool.Validate(args); err != nil {
		return FailureResult(fmt.Errorf("validation failed: %w", err)), nil
	}

	var lastErr error
	maxRetries := e.config.Retries()

	for attempt := uint32(0); attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.calculateBackoff(attempt)
			e.logger.Debug("retrying tool", "tool", toolName, "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			if err := e.sleep(ctx, backoff); err != nil {
				return ToolResult{}, err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout())
		result, err := tool.Execute(attemptCtx, args)
		cancel()

		if err != nil {
			if IsPermanent(err) || ctx.Err() != nil {
				return ToolResult{}, err
			}
			lastErr = err
			continue
		}

		if result.Success() || !shouldRetry(result) {
			return result, nil
		}
		lastErr = result.Error
	}

	return ToolResult{}, fmt.Errorf("tool '%s' failed after %d attempts: %w", toolName, maxRetries, lastErr)
}

// calculateBackoff returns the backoff duration for the given attempt.
func (e *Executor) calculateBackoff(attempt uint32) time.Duration {
	const (
		baseDelay = 100 * time.Millisecond
		maxDelay  = 5 * time.Second
	)

	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// shouldRetry reports whether a tool-level failure looks transient. Domain
// errors (unknown id, invalid input) are final.
func shouldRetry(result ToolResult) bool {
	if result.Error == nil {
		return false
	}
	errLower := strings.ToLower(result.Error.Error())
	for _, s := range []string{"timeout", "temporarily unavailable", "connection reset", "try again"} {
		if strings.Contains(errLower, s) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
