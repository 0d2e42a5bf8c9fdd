// Remote tool adapter: makes a server-advertised tool usable by tools.Executor.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/Imro-iitr6394/E-commerce-Customer-Support/tools"
)

// remoteTool implements tools.Tool on top of a shared Session.
type remoteTool struct {
	session Session
	meta    tools.ToolMetadata
}

func newRemoteTool(session Session, t mcpgo.Tool) *remoteTool {
	return &remoteTool{
		session: session,
		meta: tools.ToolMetadata{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  parseParameters(inputSchema(t)),
		},
	}
}

// inputSchema returns the tool's JSON schema whichever field carried it.
func inputSchema(t mcpgo.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema
	}
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil
	}
	return raw
}

// parseParameters extracts tool parameters from a JSON schema in sorted order.
func parseParameters(schemaJSON json.RawMessage) []tools.ToolParameter {
	var schema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tools.ToolParameter, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		paramType := prop.Type
		if paramType == "" {
			paramType = "string"
		}
		params = append(params, tools.ToolParameter{
			Name:        name,
			Description: prop.Description,
			ParamType:   paramType,
			Required:    required[name],
		})
	}
	return params
}

func (r *remoteTool) Metadata() tools.ToolMetadata {
	return r.meta
}

// Validate checks that args is a JSON object carrying every required parameter.
func (r *remoteTool) Validate(args json.RawMessage) error {
	m, err := decodeArgs(args)
	if err != nil {
		return err
	}
	for _, p := range r.meta.Parameters {
		if !p.Required {
			continue
		}
		if _, ok := m[p.Name]; !ok {
			return fmt.Errorf("missing required argument %q", p.Name)
		}
	}
	return nil
}

func (r *remoteTool) Execute(ctx context.Context, args json.RawMessage) (tools.ToolResult, error) {
	m, err := decodeArgs(args)
	if err != nil {
		return tools.ToolResult{}, tools.Permanent(err)
	}
	res, err := r.session.CallTool(ctx, r.meta.Name, m)
	if err != nil {
		return tools.ToolResult{}, err
	}
	return toToolResult(res), nil
}

func decodeArgs(args json.RawMessage) (map[string]any, error) {
	m := map[string]any{}
	if len(args) == 0 || string(args) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(args, &m); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return m, nil
}

var _ tools.Tool = (*remoteTool)(nil)
