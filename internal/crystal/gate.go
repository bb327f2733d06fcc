package crystal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"goalforge/internal/logging"
	"goalforge/internal/replay"
	"goalforge/internal/store"
	"goalforge/internal/tools"
	"goalforge/internal/trace"
)

// ErrVerificationFailed marks a promotion candidate that did not reproduce
// its recorded execution. Non-fatal: the trace stays replayable.
var ErrVerificationFailed = errors.New("verification failed")

// Config tunes promotion eligibility and verification.
type Config struct {
	MinUsage       int     // trace must have been reused this often
	MinSuccess     float64 // and hold at least this success rating
	MatchThreshold float64 // verification pass rate required to promote
	ToolsDir       string  // where promoted tool sources are written
	RunTimeout     time.Duration
}

// DefaultConfig returns the standard promotion gate settings.
func DefaultConfig() Config {
	return Config{
		MinUsage:       3,
		MinSuccess:     0.9,
		MatchThreshold: 0.95,
		ToolsDir:       filepath.Join(".goalforge", "tools"),
		RunTimeout:     5 * time.Second,
	}
}

// Gate promotes eligible traces into crystallized tools. Promotion is
// opportunistic and failures are never fatal to the caller: a trace that
// fails verification simply stays a trace.
type Gate struct {
	traces   *store.TraceStore
	toolsDB  *store.ToolStore
	registry *tools.Registry
	executor *replay.Executor
	sandbox  *Sandbox
	cfg      Config
}

// NewGate wires the promotion pipeline together.
func NewGate(traces *store.TraceStore, toolsDB *store.ToolStore, registry *tools.Registry, executor *replay.Executor, cfg Config) *Gate {
	if cfg.MinUsage <= 0 {
		cfg.MinUsage = 3
	}
	if cfg.MinSuccess <= 0 {
		cfg.MinSuccess = 0.9
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = 0.95
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Second
	}
	return &Gate{
		traces:   traces,
		toolsDB:  toolsDB,
		registry: registry,
		executor: executor,
		sandbox:  NewSandbox(),
		cfg:      cfg,
	}
}

// Eligible reports whether a trace qualifies for promotion.
func (g *Gate) Eligible(t *trace.ExecutionTrace) bool {
	return !t.IsCrystallized() &&
		t.UsageCount >= g.cfg.MinUsage &&
		t.SuccessRating >= g.cfg.MinSuccess &&
		len(t.ToolCalls) > 0
}

// Sweep promotes every eligible trace in the store. Individual failures
// are logged and skipped.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	candidates, err := g.traces.Eligible(g.cfg.MinUsage, g.cfg.MinSuccess)
	if err != nil {
		return 0, fmt.Errorf("listing eligible traces: %w", err)
	}
	promoted := 0
	for _, t := range candidates {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		if _, err := g.Crystallize(ctx, t); err != nil {
			logging.Crystal("Promotion of %s failed: %v", t.GoalSignature, err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// Crystallize promotes one trace: generate the tool source, verify it
// reproduces the recorded execution, persist it, and register a handler.
func (g *Gate) Crystallize(ctx context.Context, t *trace.ExecutionTrace) (string, error) {
	if !g.Eligible(t) {
		return "", fmt.Errorf("trace %s not eligible (usage=%d rating=%.2f crystallized=%v)",
			t.GoalSignature, t.UsageCount, t.SuccessRating, t.IsCrystallized())
	}

	timer := logging.StartTimer(logging.CategoryCrystal, "crystallize")
	defer timer.StopWithInfo(t.GoalSignature)

	name := ToolName(t)
	source, err := GenerateSource(name, t)
	if err != nil {
		return "", err
	}

	suite, err := g.verify(ctx, source, t)
	if err != nil {
		return "", fmt.Errorf("verification: %w", err)
	}
	rate := suite.SuccessRate()
	if rate < g.cfg.MatchThreshold {
		for _, check := range suite {
			if !check.Passed {
				logging.CrystalDebug("Verification check %s failed: expected %q got %q %s",
					check.TestName, check.Expected, check.Actual, check.Error)
			}
		}
		return "", fmt.Errorf("%w: pass rate %.2f below threshold %.2f", ErrVerificationFailed, rate, g.cfg.MatchThreshold)
	}

	// Claim the trace first so concurrent sweeps cannot double-promote.
	if err := g.traces.SetCrystallized(t.GoalSignature, name); err != nil {
		if errors.Is(err, store.ErrAlreadyCrystallized) {
			return "", err
		}
		return "", fmt.Errorf("marking trace: %w", err)
	}

	if err := g.toolsDB.Put(&store.CrystallizedTool{
		Name:            name,
		Source:          source,
		SourceSignature: t.GoalSignature,
		GoalText:        t.GoalText,
		SuccessRate:     rate,
		CreatedAt:       time.Now(),
	}); err != nil {
		return "", fmt.Errorf("persisting tool: %w", err)
	}

	if err := g.writeSource(name, source); err != nil {
		// On-disk copy is for inspection and hot reload; the DB copy is
		// authoritative, so a write failure only loses the nicety.
		logging.Crystal("Could not write tool source for %s: %v", name, err)
	}

	if err := g.Register(name, source); err != nil {
		return "", fmt.Errorf("registering tool: %w", err)
	}

	logging.Crystal("Promoted trace %s into tool %s (verification %.2f)", t.GoalSignature, name, rate)
	return name, nil
}

// VerificationResult is the outcome of one verification check.
type VerificationResult struct {
	TestName string `json:"test_name"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Error    string `json:"error,omitempty"`
}

// VerificationSuite collects the checks run against a promotion candidate.
type VerificationSuite []VerificationResult

// SuccessRate returns the fraction of checks that passed.
func (s VerificationSuite) SuccessRate() float64 {
	if len(s) == 0 {
		return 0
	}
	passed := 0
	for _, r := range s {
		if r.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(s))
}

// verify runs the generated tool on the recorded arguments and checks the
// emitted plan matches the recorded sequence call for call, then replays
// the plan against the live registry.
func (g *Gate) verify(ctx context.Context, source string, t *trace.ExecutionTrace) (VerificationSuite, error) {
	runCtx, cancel := context.WithTimeout(ctx, g.cfg.RunTimeout)
	defer cancel()

	out, err := g.sandbox.Run(runCtx, source, "{}")
	if err != nil {
		return nil, err
	}
	plan, err := ParsePlan(out)
	if err != nil {
		return nil, err
	}

	suite := VerificationSuite{{
		TestName: "plan_length",
		Passed:   len(plan) == len(t.ToolCalls),
		Expected: fmt.Sprintf("%d calls", len(t.ToolCalls)),
		Actual:   fmt.Sprintf("%d calls", len(plan)),
	}}
	for i := range plan {
		if i >= len(t.ToolCalls) {
			break
		}
		suite = append(suite, VerificationResult{
			TestName: fmt.Sprintf("call_%d", i),
			Passed:   plan[i].Name == t.ToolCalls[i].Name && plan[i].ArgumentKeySet() == t.ToolCalls[i].ArgumentKeySet(),
			Expected: t.ToolCalls[i].Name + " " + t.ToolCalls[i].ArgumentKeySet(),
			Actual:   plan[i].Name + " " + plan[i].ArgumentKeySet(),
		})
	}

	// The plan must also still run. Replay counts as one check.
	replayCheck := VerificationResult{TestName: "live_replay"}
	if result := g.executor.ExecuteSequence(ctx, plan, ""); result.Success {
		replayCheck.Passed = true
	} else if result.Error != nil {
		replayCheck.Error = result.Error.Error()
	}
	suite = append(suite, replayCheck)

	return suite, nil
}

// Register installs a handler for a crystallized tool. The handler runs
// the sandboxed source to produce the plan, then replays the plan through
// the executor.
func (g *Gate) Register(name, source string) error {
	if err := g.sandbox.Check(source); err != nil {
		return err
	}
	handler := g.makeHandler(name, source)
	if g.registry.Has(name) {
		g.registry.Unregister(name)
	}
	return g.registry.Register(&tools.Tool{
		Name:         name,
		Description:  "Crystallized replay of a proven execution",
		Category:     "crystallized",
		Handler:      handler,
		Crystallized: true,
	})
}

func (g *Gate) makeHandler(name, source string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		input := "{}"
		if len(args) > 0 {
			encoded, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("encoding arguments: %w", err)
			}
			input = string(encoded)
		}

		runCtx, cancel := context.WithTimeout(ctx, g.cfg.RunTimeout)
		defer cancel()
		out, err := g.sandbox.Run(runCtx, source, input)
		if err != nil {
			return nil, fmt.Errorf("crystallized tool %s: %w", name, err)
		}
		plan, err := ParsePlan(out)
		if err != nil {
			return nil, fmt.Errorf("crystallized tool %s: %w", name, err)
		}

		result := g.executor.ExecuteSequence(ctx, plan, "")
		if g.toolsDB != nil {
			if err := g.toolsDB.RecordCall(name); err != nil {
				logging.CrystalDebug("RecordCall(%s) failed: %v", name, err)
			}
		}
		if !result.Success {
			return result, fmt.Errorf("crystallized tool %s: %w", name, result.Error)
		}
		return result, nil
	}
}

// LoadAll registers every persisted crystallized tool. Called at startup
// before dispatch begins.
func (g *Gate) LoadAll() (int, error) {
	stored, err := g.toolsDB.All()
	if err != nil {
		return 0, fmt.Errorf("listing crystallized tools: %w", err)
	}
	loaded := 0
	for _, t := range stored {
		if err := g.Register(t.Name, t.Source); err != nil {
			logging.Crystal("Skipping stored tool %s: %v", t.Name, err)
			continue
		}
		loaded++
	}
	logging.Crystal("Loaded %d crystallized tools", loaded)
	return loaded, nil
}

func (g *Gate) writeSource(name, source string) error {
	if g.cfg.ToolsDir == "" {
		return nil
	}
	if err := os.MkdirAll(g.cfg.ToolsDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.cfg.ToolsDir, name+".go"), []byte(source), 0644)
}
