package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce       sync.Once
	chatTurnsCounter      metric.Int64Counter
	chatTurnDuration      metric.Float64Histogram
	checkpointFlushes     metric.Int64Counter
	checkpointFlushTiming metric.Float64Histogram
	toolCallsCounter      metric.Int64Counter
	graphStepsCounter     metric.Int64Counter
)

// InitMetrics creates the instruments. Only the first call does any work; call
// it after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		chatTurnsCounter, err = m.Int64Counter("shopdesk_chat_turns_total", metric.WithDescription("Chat turns handled"))
		if err != nil {
			return
		}
		chatTurnDuration, err = m.Float64Histogram("shopdesk_chat_turn_duration_seconds", metric.WithDescription("Chat turn duration in seconds"))
		if err != nil {
			return
		}
		checkpointFlushes, err = m.Int64Counter("shopdesk_checkpoint_flushes_total", metric.WithDescription("Checkpoint store flushes"))
		if err != nil {
			return
		}
		checkpointFlushTiming, err = m.Float64Histogram("shopdesk_checkpoint_flush_duration_seconds", metric.WithDescription("Checkpoint flush duration in seconds"))
		if err != nil {
			return
		}
		toolCallsCounter, err = m.Int64Counter("shopdesk_tool_calls_total", metric.WithDescription("Backend tool calls through the gateway"))
		if err != nil {
			return
		}
		graphStepsCounter, err = m.Int64Counter("shopdesk_graph_steps_total", metric.WithDescription("State machine node executions"))
	})
	return err
}

// RecordChatTurn records one chat turn and its duration.
func RecordChatTurn(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(AttrStatus.String(status))
	if chatTurnsCounter != nil {
		chatTurnsCounter.Add(ctx, 1, attrs)
	}
	if chatTurnDuration != nil {
		chatTurnDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordCheckpointFlush records a snapshot flush ("ok" or "error").
func RecordCheckpointFlush(ctx context.Context, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	if checkpointFlushes != nil {
		checkpointFlushes.Add(ctx, 1, attrs)
	}
	if checkpointFlushTiming != nil {
		checkpointFlushTiming.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordToolCall records a gateway call.
func RecordToolCall(ctx context.Context, tool, outcome string) {
	if toolCallsCounter != nil {
		toolCallsCounter.Add(ctx, 1, metric.WithAttributes(AttrTool.String(tool), AttrOutcome.String(outcome)))
	}
}

// RecordGraphStep records one node execution.
func RecordGraphStep(ctx context.Context, node string) {
	if graphStepsCounter != nil {
		graphStepsCounter.Add(ctx, 1, metric.WithAttributes(AttrNode.String(node)))
	}
}
