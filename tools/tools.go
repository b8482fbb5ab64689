package tools

import (
	"context"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/mcpharness/config"
	"github.com/m4xw311/mcpharness/errors"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	// Name is the identifier shown to the model.
	Name() string
	Description() string
	// Schema is the JSON schema object describing the arguments.
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ServerTool is implemented by tools provided by a named tool server.
type ServerTool interface {
	Tool
	Server() string
}

// Path returns "<server>/<name>" for server tools and the bare name otherwise.
// Toolset patterns are matched against it.
func Path(t Tool) string {
	if st, ok := t.(ServerTool); ok && st.Server() != "" {
		return st.Server() + "/" + st.Name()
	}
	return t.Name()
}

// EmptySchema is the schema of a tool that takes no arguments.
func EmptySchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// ToolRegistry holds all available tools keyed by model-facing name.
type ToolRegistry struct {
	tools map[string]Tool
}

func NewToolRegistry(ts ...Tool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Two tools may not share a model-facing name, even when
// they come from different servers.
func (r *ToolRegistry) Register(t Tool) error {
	if prev, exists := r.tools[t.Name()]; exists {
		return errors.New("tool name %q provided by both %s and %s", t.Name(), Path(prev), Path(t))
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns every registered tool ordered by path.
func (r *ToolRegistry) Tools() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return Path(out[i]) < Path(out[j]) })
	return out
}

// GetActiveTools returns the tools selected by a toolset. Each entry is a
// doublestar pattern over tool paths, e.g. "math/*" or "weather/get_weather".
// A pattern that selects nothing is reported as an error so typos surface.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	all := r.Tools()
	selected := make(map[string]bool)
	var active []Tool
	for _, pattern := range ts.Tools {
		if !doublestar.ValidatePattern(pattern) {
			return nil, errors.New("invalid tool pattern %q in toolset %q", pattern, ts.Name)
		}
		matched := false
		for _, t := range all {
			ok, err := doublestar.Match(pattern, Path(t))
			if err != nil {
				return nil, errors.Wrapf(err, "matching tool pattern %q", pattern)
			}
			if !ok {
				continue
			}
			matched = true
			if !selected[t.Name()] {
				selected[t.Name()] = true
				active = append(active, t)
			}
		}
		if !matched {
			return nil, errors.New("tool pattern %q from toolset %q matches no registered tool", pattern, ts.Name)
		}
	}
	return active, nil
}
