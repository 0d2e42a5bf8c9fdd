package json

import (
	"strings"
	"testing"
)

type classification struct {
	Intent      string `json:"intent"`
	ExtractedID string `json:"extracted_id"`
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     classification
	}{
		{
			name:     "pure object",
			response: `{"intent": "order_status", "extracted_id": "ORD-1"}`,
			want:     classification{Intent: "order_status", ExtractedID: "ORD-1"},
		},
		{
			name:     "fenced with info string",
			response: "```json\n{\"intent\": \"returns\", \"extracted_id\": \"O9\"}\n```",
			want:     classification{Intent: "returns", ExtractedID: "O9"},
		},
		{
			name:     "fence after commentary",
			response: "Sure, here it is:\n```\n{\"intent\": \"general_chat\"}\n```\nAnything else?",
			want:     classification{Intent: "general_chat"},
		},
		{
			name:     "prefix and suffix text",
			response: `The classification is {"intent": "product_inquiry", "extracted_id": "P123"} as requested.`,
			want:     classification{Intent: "product_inquiry", ExtractedID: "P123"},
		},
		{
			name:     "braces inside strings",
			response: `note {"intent": "general_chat", "extracted_id": "}{"} trailing }`,
			want:     classification{Intent: "general_chat", ExtractedID: "}{"},
		},
		{
			name:     "first candidate invalid",
			response: `{not json} then {"intent": "customer_history", "extracted_id": "C1"}`,
			want:     classification{Intent: "customer_history", ExtractedID: "C1"},
		},
		{
			name:     "escaped quote",
			response: `{"intent": "general_chat", "extracted_id": "a\"}b"}`,
			want:     classification{Intent: "general_chat", ExtractedID: `a"}b`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode[classification](tt.response)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestExtractNoJSON(t *testing.T) {
	_, err := Extract("I could not decide on an intent.")
	if err == nil {
		t.Fatal("expected error for response without JSON")
	}
	if !strings.Contains(err.Error(), "failed to extract") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExtractUnbalanced(t *testing.T) {
	if _, err := Extract(`{"intent": "returns"`); err == nil {
		t.Error("expected error for unbalanced object")
	}
}

func TestDecodeTypeMismatch(t *testing.T) {
	if _, err := Decode[classification](`{"intent": 42}`); err == nil {
		t.Error("expected unmarshal error")
	}
}
