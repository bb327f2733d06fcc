// Package tools implements the tool registry consumed by the dispatch engine:
// named callables with a declared input schema.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goalforge/internal/logging"
)

// Handler executes a tool against its arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered tool with metadata.
type Tool struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Category     string            `json:"category"`
	InputSchema  map[string]string `json:"input_schema"` // argument name -> type hint
	Handler      Handler           `json:"-"`
	RegisteredAt time.Time         `json:"registered_at"`
	ExecuteCount int64             `json:"execute_count"`
	Crystallized bool              `json:"crystallized"` // Promoted from a trace
}

// Registry manages registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any previous registration
// under the same name.
func (r *Registry) Register(tool *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool.Name == "" {
		logging.ToolsError("Register: tool name cannot be empty")
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Handler == nil {
		logging.ToolsError("Register: tool %s has no handler", tool.Name)
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	if tool.RegisteredAt.IsZero() {
		tool.RegisteredAt = time.Now()
	}

	r.tools[tool.Name] = tool
	logging.Tools("Registered tool %s (category=%s crystallized=%v)", tool.Name, tool.Category, tool.Crystallized)
	return nil
}

// Get retrieves a registered tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, exists := r.tools[name]
	return tool, exists
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a tool by name and bumps its execution counter.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	tool, exists := r.tools[name]
	r.mu.RUnlock()

	if !exists {
		logging.ToolsError("Execute: unknown tool %s", name)
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	timer := logging.StartTimer(logging.CategoryTools, "Execute:"+name)
	defer timer.Stop()

	result, err := tool.Handler(ctx, args)

	r.mu.Lock()
	tool.ExecuteCount++
	r.mu.Unlock()

	if err != nil {
		logging.ToolsError("Execute: tool %s failed: %v", name, err)
		return result, err
	}
	return result, nil
}

// Unregister removes a tool. Returns false if it was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	logging.Tools("Unregistered tool %s", name)
	return true
}
