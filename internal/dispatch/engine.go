// Package dispatch routes goals to the cheapest execution mode that can
// still accomplish them. An incoming goal is matched against stored traces
// (exactly by signature, then approximately through the oracle) and runs in
// one of five modes: CRYSTALLIZED invokes a promoted tool directly,
// FOLLOWER replays a stored sequence, MIXED adapts one, LEARNER solves
// from scratch, and ORCHESTRATOR splits a coordination-heavy goal into
// subgoals dispatched individually.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goalforge/internal/budget"
	"goalforge/internal/crystal"
	"goalforge/internal/logging"
	"goalforge/internal/oracle"
	"goalforge/internal/replay"
	"goalforge/internal/store"
	"goalforge/internal/tools"
	"goalforge/internal/trace"
)

// Per-execution cost estimates in USD, reserved before work starts.
// Learning dominates because it burns model tokens; replay is near-free.
const (
	costCrystallized = 0.0001
	costFollower     = 0.001
	costMixed        = 0.005
	costLearner      = 0.01
	costDecompose    = 0.005
)

const maxOrchestrationDepth = 2

// Options tunes a single Execute call.
type Options struct {
	ForceMode    trace.Mode // run in this mode regardless of the strategy
	MaxBudgetUSD float64    // per-execution spend cap, 0 means ledger-only

	depth int // orchestration recursion depth
}

// ExecutionResult is the outcome of dispatching one goal.
type ExecutionResult struct {
	Goal         string                `json:"goal"`
	Signature    string                `json:"signature"`
	Mode         trace.Mode            `json:"mode"`
	Success      bool                  `json:"success"`
	CostUSD      float64               `json:"cost_usd"`
	DurationSecs float64               `json:"duration_secs"`
	Output       any                   `json:"output,omitempty"`
	Trace        *trace.ExecutionTrace `json:"trace,omitempty"`
	Subresults   []*ExecutionResult    `json:"subresults,omitempty"`
	Reasoning    string                `json:"reasoning,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// Deps bundles the engine's collaborators. Gate may be nil to disable
// crystallization; Orchestrator may be nil to run complex goals through
// the learner instead.
type Deps struct {
	Traces       *store.TraceStore
	Ledger       *budget.Ledger
	Matcher      oracle.Matcher
	Registry     *tools.Registry
	Executor     *replay.Executor
	Gate         *crystal.Gate
	Learner      Learner
	Orchestrator Orchestrator
	Strategy     Strategy
	Scorer       *ComplexityScorer
}

// Engine is the dispatcher.
type Engine struct {
	traces       *store.TraceStore
	ledger       *budget.Ledger
	matcher      oracle.Matcher
	registry     *tools.Registry
	executor     *replay.Executor
	gate         *crystal.Gate
	learner      Learner
	orchestrator Orchestrator
	strategy     Strategy
	scorer       *ComplexityScorer

	oracleCandidates int
	confidenceFloor  float64
}

// NewEngine assembles a dispatcher. oracleCandidates caps how many keyword
// matches the oracle sees; confidenceFloor filters candidates below it.
func NewEngine(deps Deps, oracleCandidates int, confidenceFloor float64) (*Engine, error) {
	if deps.Traces == nil || deps.Ledger == nil || deps.Registry == nil || deps.Executor == nil || deps.Learner == nil {
		return nil, errors.New("dispatch engine needs traces, ledger, registry, executor, and a learner")
	}
	if deps.Matcher == nil {
		deps.Matcher = &oracle.StaticMatcher{Result: oracle.NoMatch("no oracle configured")}
	}
	if deps.Strategy == nil {
		deps.Strategy = &autoStrategy{follower: 0.92, mixed: 0.75}
	}
	if deps.Scorer == nil {
		deps.Scorer = NewComplexityScorer(nil, 0)
	}
	if oracleCandidates <= 0 {
		oracleCandidates = 5
	}
	return &Engine{
		traces:           deps.Traces,
		ledger:           deps.Ledger,
		matcher:          deps.Matcher,
		registry:         deps.Registry,
		executor:         deps.Executor,
		gate:             deps.Gate,
		learner:          deps.Learner,
		orchestrator:     deps.Orchestrator,
		strategy:         deps.Strategy,
		scorer:           deps.Scorer,
		oracleCandidates: oracleCandidates,
		confidenceFloor:  confidenceFloor,
	}, nil
}

// Execute dispatches one goal end to end: decide a mode, reserve budget,
// run, and record the outcome back into the trace store.
func (e *Engine) Execute(ctx context.Context, goal string, opts Options) (*ExecutionResult, error) {
	start := time.Now()
	sig := trace.Signature(goal)

	timer := logging.StartTimer(logging.CategoryDispatch, "execute")
	defer timer.StopWithInfo(goal)

	decision, err := e.decide(ctx, goal, sig, opts)
	if err != nil {
		return failedResult(goal, sig, decision, start, err), err
	}
	logging.Dispatch("Goal %q -> %s (confidence %.2f): %s", goal, decision.Mode, decision.Confidence, decision.Reasoning)

	cost, decision, err := e.reserve(decision, opts)
	if err != nil {
		return failedResult(goal, sig, decision, start, err), err
	}

	result := &ExecutionResult{
		Goal:      goal,
		Signature: sig,
		Mode:      decision.Mode,
		CostUSD:   cost,
		Reasoning: decision.Reasoning,
	}

	switch decision.Mode {
	case trace.ModeCrystallized:
		e.runCrystallized(ctx, decision, result)
	case trace.ModeFollower:
		e.runFollower(ctx, decision, result)
	case trace.ModeMixed:
		e.runAdaptive(ctx, goal, decision.Trace, trace.ModeMixed, cost, result)
	case trace.ModeLearner:
		e.runAdaptive(ctx, goal, nil, trace.ModeLearner, cost, result)
	case trace.ModeOrchestrator:
		e.runOrchestrator(ctx, goal, opts, result)
	}

	result.DurationSecs = time.Since(start).Seconds()
	logging.Dispatch("Goal %q finished: mode=%s success=%v cost=$%.4f in %.2fs",
		goal, result.Mode, result.Success, result.CostUSD, result.DurationSecs)
	return result, nil
}

// decide gathers matching context and lets the strategy (or a forced
// mode) choose. Oracle matching only runs when no exact match exists;
// a crystallized or stored exact hit never consults it.
func (e *Engine) decide(ctx context.Context, goal, sig string, opts Options) (ModeDecision, error) {
	in := DecisionInput{
		Goal:            goal,
		ComplexityScore: e.scorer.Score(goal),
		ComplexityBar:   e.scorer.Threshold(),
	}

	exact, found, err := e.traces.FindExact(sig)
	if err != nil {
		logging.Dispatch("FindExact failed, continuing without exact match: %v", err)
	}
	if found {
		in.Exact = exact
		in.Crystallized = exact.IsCrystallized() && e.registry.Has(exact.CrystallizedIntoTool)
	}

	if opts.ForceMode != "" {
		return e.forcedDecision(opts.ForceMode, in)
	}

	if in.Exact == nil {
		scored, err := e.traces.Search(goal, e.oracleCandidates, e.confidenceFloor)
		if err != nil {
			logging.Dispatch("Candidate search failed, continuing without: %v", err)
		}
		for _, s := range scored {
			in.Candidates = append(in.Candidates, s.Trace)
		}
		if len(in.Candidates) > 0 {
			in.Verdict = e.matcher.Match(ctx, goal, in.Candidates)
		} else {
			in.Verdict = oracle.NoMatch("no candidates")
		}
	}

	return e.strategy.Decide(in), nil
}

func (e *Engine) forcedDecision(mode trace.Mode, in DecisionInput) (ModeDecision, error) {
	if !mode.Valid() {
		return ModeDecision{}, fmt.Errorf("invalid forced mode %q", mode)
	}
	d := ModeDecision{Mode: mode, Confidence: 1, Reasoning: "forced by caller"}
	switch mode {
	case trace.ModeCrystallized:
		if !in.Crystallized {
			return d, fmt.Errorf("forced CRYSTALLIZED but no promoted tool for this goal")
		}
		d.Trace = in.Exact
	case trace.ModeFollower, trace.ModeMixed:
		if in.Exact == nil {
			return d, fmt.Errorf("forced %s but no stored trace for this goal", mode)
		}
		d.Trace = in.Exact
	case trace.ModeOrchestrator:
		if e.orchestrator == nil {
			return d, errors.New("forced ORCHESTRATOR but no orchestrator configured")
		}
	}
	return d, nil
}

// reserve checks and deducts the mode's cost estimate in one step. When
// the ledger cannot cover learning but a matched trace exists, the engine
// downgrades to FOLLOWER and tries once more.
func (e *Engine) reserve(decision ModeDecision, opts Options) (float64, ModeDecision, error) {
	cost := estimateCost(decision.Mode)
	if opts.MaxBudgetUSD > 0 && cost > opts.MaxBudgetUSD {
		if downgraded, ok := e.downgrade(decision); ok && estimateCost(downgraded.Mode) <= opts.MaxBudgetUSD {
			decision = downgraded
			cost = estimateCost(decision.Mode)
		} else {
			return 0, decision, fmt.Errorf("estimated cost $%.4f exceeds per-call cap $%.4f: %w",
				cost, opts.MaxBudgetUSD, budget.ErrBudgetExceeded)
		}
	}

	err := e.ledger.Reserve(cost, "dispatch:"+string(decision.Mode))
	if err == nil {
		return cost, decision, nil
	}
	if !errors.Is(err, budget.ErrBudgetExceeded) {
		return 0, decision, err
	}

	if downgraded, ok := e.downgrade(decision); ok {
		cost = estimateCost(downgraded.Mode)
		if derr := e.ledger.Reserve(cost, "dispatch:"+string(downgraded.Mode)); derr == nil {
			logging.Budget("Downgraded %s to %s to fit remaining budget", decision.Mode, downgraded.Mode)
			return cost, downgraded, nil
		}
	}
	return 0, decision, err
}

// downgrade maps an unaffordable decision to a cheaper replay, when a
// trace is available to replay.
func (e *Engine) downgrade(decision ModeDecision) (ModeDecision, bool) {
	if decision.Trace == nil {
		return decision, false
	}
	switch decision.Mode {
	case trace.ModeLearner, trace.ModeMixed, trace.ModeOrchestrator:
		return ModeDecision{
			Mode:       trace.ModeFollower,
			Confidence: decision.Confidence,
			Trace:      decision.Trace,
			Reasoning:  decision.Reasoning + " (downgraded for budget)",
		}, true
	}
	return decision, false
}

func (e *Engine) runCrystallized(ctx context.Context, decision ModeDecision, result *ExecutionResult) {
	toolName := decision.Trace.CrystallizedIntoTool
	out, err := e.registry.Execute(ctx, toolName, nil)
	result.Output = out
	result.Success = err == nil
	if err != nil {
		result.Error = err.Error()
	}
	e.recordOutcome(decision.Trace.GoalSignature, result.Success, result.Error, result)
}

func (e *Engine) runFollower(ctx context.Context, decision ModeDecision, result *ExecutionResult) {
	seq := e.executor.ExecuteSequence(ctx, decision.Trace.ToolCalls, "")
	result.Output = seq
	result.Success = seq.Success
	if seq.Error != nil {
		result.Error = seq.Error.Error()
	}
	e.recordOutcome(decision.Trace.GoalSignature, result.Success, result.Error, result)
}

// runAdaptive covers MIXED (hint present) and LEARNER (hint nil). Tool
// calls are recorded and, on any recorded activity, born as a new trace
// under the goal's own signature.
func (e *Engine) runAdaptive(ctx context.Context, goal string, hint *trace.ExecutionTrace, mode trace.Mode, cost float64, result *ExecutionResult) {
	recorder := tools.NewRecorder(e.registry)
	solveStart := time.Now()
	out, success, err := e.learner.Solve(ctx, goal, hint, recorder)
	result.Output = out
	result.Success = success
	if err != nil {
		result.Error = err.Error()
	}

	if hint != nil {
		// The source trace shaped this run; its rating moves with the outcome.
		e.recordOutcome(hint.GoalSignature, success, result.Error, nil)
	}

	calls := recorder.Calls()
	if len(calls) == 0 {
		return
	}
	born := trace.New(goal, mode, calls, success)
	born.EstimatedCostUSD = cost
	born.EstimatedTimeSecs = time.Since(solveStart).Seconds()
	if err := e.traces.Save(born); err != nil {
		logging.Store("Could not save birth trace for %q: %v", goal, err)
		return
	}
	result.Trace = born
	logging.StoreDebug("Birth trace %s saved with %d calls", born.GoalSignature, len(calls))
}

func (e *Engine) runOrchestrator(ctx context.Context, goal string, opts Options, result *ExecutionResult) {
	if e.orchestrator == nil || opts.depth >= maxOrchestrationDepth {
		// No coordinator, or nested too deep: treat it as one big goal.
		e.runAdaptive(ctx, goal, nil, trace.ModeLearner, estimateCost(trace.ModeLearner), result)
		result.Mode = trace.ModeLearner
		return
	}

	subgoals, err := e.orchestrator.Decompose(ctx, goal)
	if err != nil {
		result.Error = fmt.Sprintf("decomposition failed: %v", err)
		return
	}
	logging.Dispatch("Orchestrating %q into %d subgoals", goal, len(subgoals))

	result.Success = true
	for _, sg := range subgoals {
		sub, err := e.Execute(ctx, sg, Options{MaxBudgetUSD: opts.MaxBudgetUSD, depth: opts.depth + 1})
		if sub != nil {
			result.Subresults = append(result.Subresults, sub)
			result.CostUSD += sub.CostUSD
		}
		if err != nil || sub == nil || !sub.Success {
			result.Success = false
			if err != nil {
				result.Error = err.Error()
			} else if sub != nil {
				result.Error = sub.Error
			}
			break
		}
	}
	result.Output = result.Subresults

	if result.Success {
		e.recordOrchestration(goal, result)
	}
}

// recordOrchestration births a trace for the parent goal out of the
// subgoal executions, so a repeated coordination-heavy goal replays as
// FOLLOWER instead of decomposing again.
func (e *Engine) recordOrchestration(goal string, result *ExecutionResult) {
	var calls trace.ToolSequence
	for _, sub := range result.Subresults {
		if sub.Trace != nil {
			calls = append(calls, sub.Trace.ToolCalls...)
		}
	}
	if len(calls) == 0 {
		return
	}
	born := trace.New(goal, trace.ModeOrchestrator, calls, true)
	born.EstimatedCostUSD = result.CostUSD
	if err := e.traces.Save(born); err != nil {
		logging.Store("Could not save orchestration trace for %q: %v", goal, err)
		return
	}
	result.Trace = born
	logging.StoreDebug("Orchestration trace %s saved with %d calls from %d subgoals",
		born.GoalSignature, len(calls), len(result.Subresults))
}

// recordOutcome applies the EMA update to the trace that was used and, on
// success, gives the crystallization gate a chance to promote it. result
// may be nil when the outcome belongs to a hint rather than the dispatched
// goal itself.
func (e *Engine) recordOutcome(sig string, success bool, errNote string, result *ExecutionResult) {
	updated, err := e.traces.UpdateUsage(sig, success)
	if err != nil {
		logging.Store("UpdateUsage(%s) failed: %v", sig, err)
		return
	}
	if result != nil {
		result.Trace = updated
	}
	if !success && errNote != "" {
		if err := e.traces.AddErrorNote(sig, errNote); err != nil {
			logging.StoreDebug("AddErrorNote(%s) failed: %v", sig, err)
		}
	}
	if success && e.gate != nil && e.gate.Eligible(updated) {
		if name, err := e.gate.Crystallize(context.Background(), updated); err != nil {
			logging.CrystalDebug("Opportunistic crystallization of %s skipped: %v", sig, err)
		} else {
			logging.Crystal("Opportunistically crystallized %s into %s", sig, name)
		}
	}
}

func estimateCost(mode trace.Mode) float64 {
	switch mode {
	case trace.ModeCrystallized:
		return costCrystallized
	case trace.ModeFollower:
		return costFollower
	case trace.ModeMixed:
		return costMixed
	case trace.ModeOrchestrator:
		return costDecompose
	default:
		return costLearner
	}
}

func failedResult(goal, sig string, decision ModeDecision, start time.Time, err error) *ExecutionResult {
	return &ExecutionResult{
		Goal:         goal,
		Signature:    sig,
		Mode:         decision.Mode,
		Success:      false,
		DurationSecs: time.Since(start).Seconds(),
		Reasoning:    decision.Reasoning,
		Error:        err.Error(),
	}
}
