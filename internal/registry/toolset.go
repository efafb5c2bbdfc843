// ABOUTME: Toolset is the isolated set of callable tools belonging to one service.
// ABOUTME: Tools execute in-process through a JSON-in, JSON-out handler.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrToolNotFound indicates the requested tool does not exist in the toolset.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolCollision indicates two tools in one toolset share a name.
var ErrToolCollision = errors.New("tool name collision")

// ToolHandler executes a tool.
// It receives the tool input as a JSON object and returns the result as JSON.
type ToolHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Tool is one named callable with its documentation and input schema.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     ToolHandler
}

// Toolset is the tool namespace of a single service.
// It is immutable after construction and safe for concurrent use.
type Toolset struct {
	ServiceID string
	Module    string
	tools     map[string]*Tool
	names     []string
}

// NewToolset builds a toolset, rejecting duplicate tool names.
func NewToolset(serviceID, module string, tools ...*Tool) (*Toolset, error) {
	ts := &Toolset{
		ServiceID: serviceID,
		Module:    module,
		tools:     make(map[string]*Tool, len(tools)),
	}
	for _, tool := range tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("tool in module %q has no name", module)
		}
		if tool.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", tool.Name)
		}
		if _, exists := ts.tools[tool.Name]; exists {
			return nil, fmt.Errorf("%w: tool '%s' declared twice in module '%s'", ErrToolCollision, tool.Name, module)
		}
		ts.tools[tool.Name] = tool
		ts.names = append(ts.names, tool.Name)
	}
	sort.Strings(ts.names)
	return ts, nil
}

// Get returns a tool by name.
func (ts *Toolset) Get(name string) (*Tool, bool) {
	tool, ok := ts.tools[name]
	return tool, ok
}

// List returns all tools ordered by name.
func (ts *Toolset) List() []*Tool {
	out := make([]*Tool, 0, len(ts.names))
	for _, name := range ts.names {
		out = append(out, ts.tools[name])
	}
	return out
}

// Names returns the tool names in order.
func (ts *Toolset) Names() []string {
	return append([]string(nil), ts.names...)
}

// Len returns the number of tools.
func (ts *Toolset) Len() int {
	return len(ts.tools)
}

// Call invokes a tool by name.
// Returns ErrToolNotFound if the toolset has no such tool.
func (ts *Toolset) Call(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	tool, ok := ts.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool.Handler(ctx, input)
}
