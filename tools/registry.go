package tools

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrDuplicateTool is reported when two tools share a name.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Registry is an immutable, name-indexed set of tools. Callers that learn
// about tools over time build a new Registry and swap it in.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry indexes ts by name. Unnamed and duplicate tools are left out
// and described in the returned error; the registry is usable either way.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	var errs []error
	for i, t := range ts {
		name := t.Metadata().Name
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("tool #%d has no name", i))
		case r.tools[name] != nil:
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateTool, name))
		default:
			r.tools[name] = t
		}
	}
	r.names = slices.Sorted(maps.Keys(r.tools))
	return r, errors.Join(errs...)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Len returns the number of tools.
func (r *Registry) Len() int { return len(r.tools) }

// Names returns the tool names, sorted.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// List returns metadata for every tool, sorted by name.
func (r *Registry) List() []ToolMetadata {
	out := make([]ToolMetadata, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name].Metadata())
	}
	return out
}
