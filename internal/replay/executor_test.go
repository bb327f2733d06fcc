package replay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"goalforge/internal/tools"
	"goalforge/internal/trace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func registryWithTools(t *testing.T) (*tools.Registry, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	r := tools.NewRegistry()

	must := func(err error) {
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	must(r.Register(&tools.Tool{
		Name: "ok",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return args["v"], nil
		},
	}))
	must(r.Register(&tools.Tool{
		Name: "boom",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return nil, errors.New("exploded")
		},
	}))
	must(r.Register(&tools.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
	return r, &calls
}

func TestExecuteSequenceInOrder(t *testing.T) {
	r, _ := registryWithTools(t)
	e := NewExecutor(r, Config{MaxContainers: 2, CallTimeout: time.Second})

	seq := trace.ToolSequence{
		{Name: "ok", Arguments: map[string]any{"v": "first"}},
		{Name: "ok", Arguments: map[string]any{"v": "second"}},
		{Name: "ok", Arguments: map[string]any{"v": "third"}},
	}
	res := e.ExecuteSequence(context.Background(), seq, "")
	if !res.Success {
		t.Fatalf("sequence failed: %v", res.Error)
	}
	if len(res.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(res.Results))
	}
	for i, want := range []string{"first", "second", "third"} {
		if res.Results[i].Output != want {
			t.Errorf("result %d = %v, want %v", i, res.Results[i].Output, want)
		}
	}
	if res.ContainerID == "" {
		t.Error("expected a container ID")
	}
}

func TestFailFastPartialResults(t *testing.T) {
	r, calls := registryWithTools(t)
	e := NewExecutor(r, Config{MaxContainers: 2, CallTimeout: time.Second})

	seq := trace.ToolSequence{
		{Name: "ok", Arguments: map[string]any{"v": 1}},
		{Name: "boom"},
		{Name: "ok", Arguments: map[string]any{"v": 2}},
	}
	res := e.ExecuteSequence(context.Background(), seq, "")
	if res.Success {
		t.Fatal("sequence should have failed")
	}
	if len(res.Results) != 2 {
		t.Fatalf("got %d partial results, want 2 (ok + failed boom)", len(res.Results))
	}
	if calls.Load() != 2 {
		t.Errorf("tool invoked %d times, want 2 (fail-fast)", calls.Load())
	}

	var toolErr *ToolExecutionError
	if !errors.As(res.Error, &toolErr) {
		t.Fatalf("error = %v, want *ToolExecutionError", res.Error)
	}
	if toolErr.Tool != "boom" || toolErr.Index != 1 {
		t.Errorf("toolErr = %+v", toolErr)
	}
}

func TestPerCallTimeout(t *testing.T) {
	r, _ := registryWithTools(t)
	e := NewExecutor(r, Config{MaxContainers: 2, CallTimeout: 50 * time.Millisecond})

	seq := trace.ToolSequence{
		{Name: "slow"},
		{Name: "ok", Arguments: map[string]any{"v": "never"}},
	}
	start := time.Now()
	res := e.ExecuteSequence(context.Background(), seq, "")
	if res.Success {
		t.Fatal("sequence should have timed out")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
	if len(res.Results) != 1 {
		t.Errorf("got %d results, want 1 (timed-out call only)", len(res.Results))
	}
	var toolErr *ToolExecutionError
	if !errors.As(res.Error, &toolErr) || !errors.Is(toolErr.Err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded inside ToolExecutionError", res.Error)
	}
}

func TestContainerReuse(t *testing.T) {
	r, _ := registryWithTools(t)
	e := NewExecutor(r, Config{MaxContainers: 2, CallTimeout: time.Second})

	seq := trace.ToolSequence{{Name: "ok", Arguments: map[string]any{"v": "x"}}}
	first := e.ExecuteSequence(context.Background(), seq, "")
	second := e.ExecuteSequence(context.Background(), seq, first.ContainerID)

	if first.ContainerID != second.ContainerID {
		t.Errorf("container not reused: %s vs %s", first.ContainerID, second.ContainerID)
	}
	if e.PoolSize() != 1 {
		t.Errorf("pool size = %d, want 1", e.PoolSize())
	}
}

func TestPoolEvictsOldestCreated(t *testing.T) {
	p := newContainerPool(2)

	a := p.acquire("")
	time.Sleep(5 * time.Millisecond)
	b := p.acquire("")
	time.Sleep(5 * time.Millisecond)

	// Touch a so it is most recently used but still oldest created.
	a.touch()

	c := p.acquire("") // Full: must evict a (oldest created), not b.
	if p.size() != 2 {
		t.Fatalf("pool size = %d, want 2", p.size())
	}
	ids := p.ids()
	for _, id := range ids {
		if id == a.id {
			t.Error("oldest-created container should have been evicted despite recent use")
		}
	}
	foundB, foundC := false, false
	for _, id := range ids {
		if id == b.id {
			foundB = true
		}
		if id == c.id {
			foundC = true
		}
	}
	if !foundB || !foundC {
		t.Errorf("pool contents = %v, want b and c", ids)
	}
}

func TestUnknownContainerIDGetsReplacement(t *testing.T) {
	r, _ := registryWithTools(t)
	e := NewExecutor(r, Config{MaxContainers: 2, CallTimeout: time.Second})

	seq := trace.ToolSequence{{Name: "ok", Arguments: map[string]any{"v": "x"}}}
	res := e.ExecuteSequence(context.Background(), seq, "no-such-container")
	if !res.Success {
		t.Fatalf("sequence failed: %v", res.Error)
	}
	if res.ContainerID == "no-such-container" || res.ContainerID == "" {
		t.Errorf("expected a fresh container ID, got %q", res.ContainerID)
	}
}
