package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	jsonutil "github.com/Imro-iitr6394/E-commerce-Customer-Support/internal/json"
	"github.com/Imro-iitr6394/E-commerce-Customer-Support/llm"
)

// Classification is a classifier's reading of the latest user turn.
type Classification struct {
	Intent      Intent `json:"intent"`
	ExtractedID string `json:"extracted_id"`
}

// Classifier decides intent and id from the classify prompt.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (Classification, error)
}

// Generator produces the assistant reply from the respond prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ToolCaller invokes a backend tool. It never fails: gateway problems come
// back as an error text and a {"status":"error"} raw payload.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (string, any)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, prompt string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, prompt string) (Classification, error) {
	return f(ctx, prompt)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

var classificationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "intent": {
      "type": "string",
      "enum": ["product_inquiry", "order_status", "returns", "customer_history", "general_chat"],
      "description": "The classified intent of the user query."
    },
    "extracted_id": {
      "type": ["string", "null"],
      "description": "The extracted ID (product_id, order_id, or customer_id) if present."
    }
  },
  "required": ["intent", "extracted_id"],
  "additionalProperties": false
}`)

// rawClassification tolerates a null id and intents outside the enum.
type rawClassification struct {
	Intent      string  `json:"intent"`
	ExtractedID *string `json:"extracted_id"`
}

// LLMClassifier classifies with structured output from an llm.Provider.
type LLMClassifier struct {
	provider llm.Provider
}

// NewLLMClassifier returns a classifier backed by provider.
func NewLLMClassifier(provider llm.Provider) *LLMClassifier {
	return &LLMClassifier{provider: provider}
}

// Classify asks the model for a JSON classification. Unknown intents become
// general_chat.
func (c *LLMClassifier) Classify(ctx context.Context, prompt string) (Classification, error) {
	resp, err := c.provider.ChatWithFormat(ctx,
		[]llm.ChatMessage{llm.UserMessage(prompt)},
		llm.NewJSONSchemaFormat("intent_classification", classificationSchema))
	if err != nil {
		return Classification{}, fmt.Errorf("classification request failed: %w", err)
	}

	raw, err := jsonutil.Decode[rawClassification](resp.Content)
	if err != nil {
		return Classification{}, fmt.Errorf("failed to parse classification: %w", err)
	}

	out := Classification{Intent: ParseIntent(raw.Intent)}
	if raw.ExtractedID != nil {
		out.ExtractedID = strings.TrimSpace(*raw.ExtractedID)
	}
	return out, nil
}

// LLMGenerator produces replies with a plain chat call.
type LLMGenerator struct {
	provider llm.Provider
}

// NewLLMGenerator returns a generator backed by provider.
func NewLLMGenerator(provider llm.Provider) *LLMGenerator {
	return &LLMGenerator{provider: provider}
}

func (g *LLMGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.provider.Chat(ctx, []llm.ChatMessage{llm.UserMessage(prompt)})
	if err != nil {
		return "", fmt.Errorf("response generation failed: %w", err)
	}
	return resp.Content, nil
}
