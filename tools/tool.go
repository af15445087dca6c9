// Package tools implements the named actions the decision loop and replay
// engine may invoke against a browser session (spec §4.3). Each Tool
// validates its own arguments and maps to one or more Browser Capability
// operations; contracts are identical in live and replay mode.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/AryanChopraa/autosurf-server-node/types"
)

// Tool is a single named action the language model may request.
type Tool interface {
	// Name is the tool's unique identifier (e.g. "handle_url").
	Name() string
	// Schema describes the tool's JSON-shaped argument contract.
	Schema() types.ToolSchema
	// Execute validates args and performs the action.
	Execute(ctx context.Context, args json.RawMessage) (*types.ToolResult, error)
}

// Registry is a concurrency-safe lookup table from tool name to Tool,
// mirroring the teacher's tagged-capability registration pattern.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Schemas returns the JSON-Schema function declarations for every
// registered tool, in the shape the language model is given each turn.
func (r *Registry) Schemas() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Schema())
	}
	return out
}

// Dispatch resolves call.Name and executes it, producing a ToolResult tagged
// with the original tool call id.
func (r *Registry) Dispatch(ctx context.Context, call types.ToolCall) (*types.ToolResult, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("tool %q not registered", call.Name)
	}
	result, err := t.Execute(ctx, call.Arguments)
	if err != nil {
		return &types.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Error:      err.Error(),
		}, err
	}
	result.ToolCallID = call.ID
	result.Name = call.Name
	return result, nil
}
