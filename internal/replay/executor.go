// Package replay executes recorded tool-call sequences against live tools.
// Calls run strictly in recorded order; the executor makes no idempotence
// guarantee beyond preserving that order.
package replay

import (
	"context"
	"fmt"
	"time"

	"goalforge/internal/logging"
	"goalforge/internal/tools"
	"goalforge/internal/trace"

	"golang.org/x/sync/semaphore"
)

// ToolExecutionError reports a single failed call during replay.
type ToolExecutionError struct {
	Tool  string
	Index int
	Err   error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s (call %d) failed: %v", e.Tool, e.Index, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// CallResult is the outcome of one replayed call.
type CallResult struct {
	Name         string  `json:"name"`
	Output       any     `json:"output,omitempty"`
	Error        string  `json:"error,omitempty"`
	DurationSecs float64 `json:"duration_secs"`
}

// SequenceResult is the outcome of replaying one sequence.
type SequenceResult struct {
	Success           bool         `json:"success"`
	Results           []CallResult `json:"results"`
	ExecutionTimeSecs float64      `json:"execution_time_secs"`
	ContainerID       string       `json:"container_id"`
	Error             error        `json:"-"`
}

// Executor replays tool sequences using a pool of reusable execution contexts.
type Executor struct {
	registry    *tools.Registry
	pool        *containerPool
	callTimeout time.Duration
	sem         *semaphore.Weighted
}

// Config holds executor settings.
type Config struct {
	MaxContainers int
	CallTimeout   time.Duration
}

// NewExecutor creates a replay executor backed by the given registry.
func NewExecutor(registry *tools.Registry, cfg Config) *Executor {
	if cfg.MaxContainers <= 0 {
		cfg.MaxContainers = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Executor{
		registry:    registry,
		pool:        newContainerPool(cfg.MaxContainers),
		callTimeout: cfg.CallTimeout,
		sem:         semaphore.NewWeighted(int64(cfg.MaxContainers)),
	}
}

// ExecuteSequence replays the sequence strictly in recorded order. The first
// failing call aborts the remainder; partial results plus the error are
// returned. An empty containerID acquires a fresh (or evicted-and-reused)
// container; a known ID reuses that container's context.
func (e *Executor) ExecuteSequence(ctx context.Context, sequence trace.ToolSequence, containerID string) *SequenceResult {
	timer := logging.StartTimer(logging.CategoryReplay, "ExecuteSequence")
	defer timer.Stop()

	start := time.Now()
	res := &SequenceResult{Results: make([]CallResult, 0, len(sequence))}

	// Bound concurrent replays to the pool size so sequences beyond capacity
	// queue instead of thrashing container eviction.
	if err := e.sem.Acquire(ctx, 1); err != nil {
		res.Error = err
		res.ExecutionTimeSecs = time.Since(start).Seconds()
		return res
	}
	defer e.sem.Release(1)

	container := e.pool.acquire(containerID)
	res.ContainerID = container.id
	logging.ReplayDebug("ExecuteSequence: %d calls on container %s", len(sequence), container.id)

	for i, call := range sequence {
		callStart := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		output, err := e.registry.Execute(callCtx, call.Name, call.Arguments)
		cancel()

		cr := CallResult{
			Name:         call.Name,
			DurationSecs: time.Since(callStart).Seconds(),
		}
		if err != nil {
			cr.Error = err.Error()
			res.Results = append(res.Results, cr)
			res.Error = &ToolExecutionError{Tool: call.Name, Index: i, Err: err}
			res.ExecutionTimeSecs = time.Since(start).Seconds()
			logging.Replay("Sequence aborted at call %d/%d (%s): %v", i+1, len(sequence), call.Name, err)
			return res
		}
		cr.Output = output
		res.Results = append(res.Results, cr)
		container.touch()
	}

	res.Success = true
	res.ExecutionTimeSecs = time.Since(start).Seconds()
	logging.ReplayDebug("Sequence completed: %d calls in %.3fs", len(sequence), res.ExecutionTimeSecs)
	return res
}

// PoolSize returns the number of live containers, for observability.
func (e *Executor) PoolSize() int {
	return e.pool.size()
}

// ContainerIDs returns the IDs of live containers, oldest first.
func (e *Executor) ContainerIDs() []string {
	return e.pool.ids()
}
