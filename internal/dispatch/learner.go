package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goalforge/internal/llm"
	"goalforge/internal/logging"
	"goalforge/internal/toolindex"
	"goalforge/internal/tools"
	"goalforge/internal/trace"
)

// ToolRunner executes tools by name. The engine hands learners a recorder
// so every call they make is captured for the birth trace.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
	Has(name string) bool
}

// Learner solves a goal from scratch. hint carries a partially matching
// trace in MIXED mode and is nil in pure LEARNER mode. Every tool call
// must go through run.
type Learner interface {
	Solve(ctx context.Context, goal string, hint *trace.ExecutionTrace, run ToolRunner) (output any, success bool, err error)
}

// Orchestrator breaks a coordination-heavy goal into sequential subgoals
// that dispatch individually.
type Orchestrator interface {
	Decompose(ctx context.Context, goal string) ([]string, error)
}

const learnerSystemPrompt = `You solve goals by planning tool calls.

Respond with ONLY a JSON array of calls, no prose:
[{"name": "<tool name>", "arguments": {<arguments per the tool's schema>}}]

Rules:
- Use only the listed tools.
- Keep the plan minimal; every call costs money.
- When a reference sequence is given, adapt it instead of starting over.`

// LLMLearner plans a tool sequence with an LLM and executes it. Few-shot
// examples mined from past successes are attached to each tool listing.
type LLMLearner struct {
	client   llm.Client
	registry *tools.Registry
	index    *toolindex.Index
	maxSteps int
}

// NewLLMLearner creates the default learner. index may be nil to skip
// example mining.
func NewLLMLearner(client llm.Client, registry *tools.Registry, index *toolindex.Index) *LLMLearner {
	return &LLMLearner{client: client, registry: registry, index: index, maxSteps: 10}
}

func (l *LLMLearner) Solve(ctx context.Context, goal string, hint *trace.ExecutionTrace, run ToolRunner) (any, bool, error) {
	timer := logging.StartTimer(logging.CategoryDispatch, "learner_solve")
	defer timer.StopWithInfo(goal)

	resp, err := l.client.CompleteWithSystem(ctx, learnerSystemPrompt, l.buildPrompt(goal, hint))
	if err != nil {
		return nil, false, fmt.Errorf("planning: %w", err)
	}

	plan, err := parseCallPlan(resp)
	if err != nil {
		return nil, false, fmt.Errorf("parsing plan: %w", err)
	}
	if len(plan) == 0 {
		return nil, false, fmt.Errorf("model produced an empty plan")
	}
	if len(plan) > l.maxSteps {
		plan = plan[:l.maxSteps]
	}

	var output any
	for i, call := range plan {
		if !run.Has(call.Name) {
			return output, false, fmt.Errorf("plan step %d names unknown tool %q", i, call.Name)
		}
		out, err := run.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			return output, false, fmt.Errorf("plan step %d (%s): %w", i, call.Name, err)
		}
		output = out
	}
	return output, true, nil
}

func (l *LLMLearner) buildPrompt(goal string, hint *trace.ExecutionTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nAvailable tools:\n", goal)
	for _, t := range l.registry.List() {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if len(t.InputSchema) > 0 {
			schema, _ := json.Marshal(t.InputSchema)
			fmt.Fprintf(&b, " arguments=%s", schema)
		}
		b.WriteString("\n")
		if l.index == nil {
			continue
		}
		examples, err := l.index.ExamplesFor(t.Name)
		if err != nil || len(examples) == 0 {
			continue
		}
		for _, ex := range examples {
			args, _ := json.Marshal(ex.Arguments)
			fmt.Fprintf(&b, "  example (%q): %s\n", ex.GoalText, args)
		}
	}
	if hint != nil {
		seq, _ := json.Marshal(hint.ToolCalls)
		fmt.Fprintf(&b, "\nReference sequence from a similar goal (%q):\n%s\n", hint.GoalText, seq)
	}
	return b.String()
}

// parseCallPlan extracts the JSON call array from a model response.
func parseCallPlan(resp string) (trace.ToolSequence, error) {
	raw := extractJSONArray(resp)
	var plan trace.ToolSequence
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// extractJSONArray finds the first balanced JSON array in mixed output.
func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	if start == -1 {
		return "[]"
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '[':
			if !inString {
				depth++
			}
		case ']':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return text[start:]
}

const orchestratorSystemPrompt = `You split a coordination-heavy goal into independent subgoals that can be executed one after another.

Respond with ONLY a JSON array of subgoal strings, no prose:
["<subgoal 1>", "<subgoal 2>"]

Rules:
- Each subgoal must stand alone; no references like "the previous step".
- Two to five subgoals. Do not restate the original goal as a single item.`

// LLMOrchestrator decomposes goals with an LLM.
type LLMOrchestrator struct {
	client      llm.Client
	maxSubgoals int
}

// NewLLMOrchestrator creates the default orchestrator.
func NewLLMOrchestrator(client llm.Client) *LLMOrchestrator {
	return &LLMOrchestrator{client: client, maxSubgoals: 5}
}

func (o *LLMOrchestrator) Decompose(ctx context.Context, goal string) ([]string, error) {
	resp, err := o.client.CompleteWithSystem(ctx, orchestratorSystemPrompt, "Goal: "+goal)
	if err != nil {
		return nil, fmt.Errorf("decomposing: %w", err)
	}
	var subgoals []string
	if err := json.Unmarshal([]byte(extractJSONArray(resp)), &subgoals); err != nil {
		return nil, fmt.Errorf("parsing subgoals: %w", err)
	}
	cleaned := subgoals[:0]
	for _, sg := range subgoals {
		if sg = strings.TrimSpace(sg); sg != "" {
			cleaned = append(cleaned, sg)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("model produced no subgoals")
	}
	if len(cleaned) > o.maxSubgoals {
		cleaned = cleaned[:o.maxSubgoals]
	}
	return cleaned, nil
}
