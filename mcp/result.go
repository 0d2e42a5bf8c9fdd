package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/tools"
)

// FormatResult renders a raw tool payload as text for the response prompt.
// Maps are serialized as JSON, content-block lists are joined by their text,
// strings pass through unchanged.
func FormatResult(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		return marshalText(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, block := range v {
			parts = append(parts, blockText(block))
		}
		return strings.Join(parts, "")
	default:
		return fmt.Sprint(v)
	}
}

func blockText(block any) string {
	m, ok := block.(map[string]any)
	if !ok {
		return fmt.Sprint(block)
	}
	if text, ok := m["text"].(string); ok && m["type"] == "text" {
		return text
	}
	return marshalText(m)
}

func marshalText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// rawContent converts result content into a raw payload. A single text block
// holding a JSON object or array is decoded; any other single text block is
// returned as a string; several blocks become a list of block maps.
func rawContent(res *mcpgo.CallToolResult) any {
	if len(res.Content) == 0 {
		return res.StructuredContent
	}
	if len(res.Content) == 1 {
		if text, ok := textOf(res.Content[0]); ok {
			var decoded any
			if err := json.Unmarshal([]byte(text), &decoded); err == nil {
				switch decoded.(type) {
				case map[string]any, []any:
					return decoded
				}
			}
			return text
		}
	}
	blocks := make([]any, 0, len(res.Content))
	for _, c := range res.Content {
		if text, ok := textOf(c); ok {
			blocks = append(blocks, map[string]any{"type": "text", "text": text})
			continue
		}
		var m map[string]any
		if b, err := json.Marshal(c); err == nil && json.Unmarshal(b, &m) == nil {
			blocks = append(blocks, m)
		} else {
			blocks = append(blocks, fmt.Sprint(c))
		}
	}
	return blocks
}

func textOf(c mcpgo.Content) (string, bool) {
	switch tc := c.(type) {
	case mcpgo.TextContent:
		return tc.Text, true
	case *mcpgo.TextContent:
		return tc.Text, true
	}
	return "", false
}

// toToolResult maps a call result onto tools.ToolResult. Results flagged as
// errors always carry a map raw payload with status "error".
func toToolResult(res *mcpgo.CallToolResult) tools.ToolResult {
	raw := rawContent(res)
	if !res.IsError {
		return tools.SuccessResult(FormatResult(raw), raw)
	}

	text := FormatResult(raw)
	m, ok := raw.(map[string]any)
	if !ok {
		m = map[string]any{"message": text}
	}
	m["status"] = "error"
	if text == "" {
		text = "tool reported an error"
	}
	return tools.ToolResult{Output: text, Raw: m, Error: errors.New(text)}
}
