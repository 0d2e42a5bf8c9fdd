package otel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInitMeterProviderServesMetrics(t *testing.T) {
	ctx := context.Background()
	handler, err := InitMeterProvider(ctx, "otel-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordChatTurn(ctx, "success", 120*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics: status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "shopdesk_chat_turns") {
		t.Errorf("chat turn counter missing from exposition:\n%s", rec.Body.String())
	}
}

func TestInitMeterProviderEmptyServiceName(t *testing.T) {
	handler, err := InitMeterProvider(context.Background(), "")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestRecordHelpers(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "record-test")
	_ = InitMetrics(ctx)
	RecordCheckpointFlush(ctx, "ok", time.Millisecond)
	RecordCheckpointFlush(ctx, "error", time.Millisecond)
	RecordToolCall(ctx, "product_info", "ok")
	RecordGraphStep(ctx, "classify")
}
