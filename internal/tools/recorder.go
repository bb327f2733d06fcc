package tools

import (
	"context"
	"sync"

	"goalforge/internal/trace"
)

// Recorder wraps a Registry and captures every call made through it, in
// order. LEARNER and ORCHESTRATOR runs execute tools through a Recorder so a
// trace can be born from the recorded sequence afterwards.
type Recorder struct {
	registry *Registry

	mu    sync.Mutex
	calls trace.ToolSequence
}

// NewRecorder wraps a registry for call capture.
func NewRecorder(registry *Registry) *Recorder {
	return &Recorder{registry: registry}
}

// Execute runs the named tool and records the call regardless of outcome.
// Recording failed calls keeps the trace honest about what was attempted.
func (r *Recorder) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, trace.ToolCall{Name: name, Arguments: cloneArgs(args)})
	r.mu.Unlock()

	return r.registry.Execute(ctx, name, args)
}

// Has reports whether the underlying registry has the tool.
func (r *Recorder) Has(name string) bool {
	return r.registry.Has(name)
}

// Calls returns the recorded sequence so far.
func (r *Recorder) Calls() trace.ToolSequence {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(trace.ToolSequence, len(r.calls))
	copy(out, r.calls)
	return out
}

// Reset clears the recorded sequence.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
