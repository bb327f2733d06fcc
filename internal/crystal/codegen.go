package crystal

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"goalforge/internal/trace"
)

// Crystallized tool sources follow a single shape: the recorded call plan
// is baked in as JSON, and RunTool merges caller-supplied argument
// overrides into it before emitting the final plan. The host executes the
// emitted plan through the replay executor; the sandboxed code itself never
// touches tools directly.
var toolSourceTemplate = template.Must(template.New("tool").Parse(`package main

// {{.ToolName}} replays a proven call plan.
// Origin goal: {{.GoalComment}}

import "encoding/json"

const plan = {{.PlanLiteral}}

type call struct {
	Name      string                 ` + "`json:\"name\"`" + `
	Arguments map[string]interface{} ` + "`json:\"arguments\"`" + `
}

// RunTool merges argument overrides (JSON object keyed by tool name) into
// the recorded plan and returns the plan to execute.
func RunTool(input string) (string, error) {
	var calls []call
	if err := json.Unmarshal([]byte(plan), &calls); err != nil {
		return "", err
	}
	if input != "" && input != "{}" {
		var overrides map[string]map[string]interface{}
		if err := json.Unmarshal([]byte(input), &overrides); err != nil {
			return "", err
		}
		for i := range calls {
			ov, ok := overrides[calls[i].Name]
			if !ok {
				continue
			}
			if calls[i].Arguments == nil {
				calls[i].Arguments = map[string]interface{}{}
			}
			for k, v := range ov {
				calls[i].Arguments[k] = v
			}
		}
	}
	out, err := json.Marshal(calls)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
`))

// GenerateSource renders the tool source for a trace's recorded sequence.
func GenerateSource(toolName string, t *trace.ExecutionTrace) (string, error) {
	planJSON, err := json.Marshal(t.ToolCalls)
	if err != nil {
		return "", fmt.Errorf("encoding call plan: %w", err)
	}
	var b strings.Builder
	err = toolSourceTemplate.Execute(&b, struct {
		ToolName    string
		GoalComment string
		PlanLiteral string
	}{
		ToolName:    toolName,
		GoalComment: strings.ReplaceAll(t.GoalText, "\n", " "),
		PlanLiteral: fmt.Sprintf("%q", string(planJSON)),
	})
	if err != nil {
		return "", fmt.Errorf("rendering tool source: %w", err)
	}
	return b.String(), nil
}

// ToolName derives a registry-safe name from the originating trace:
// a crystal_ prefix, up to three goal words, and a signature fragment to
// keep names unique across similar goals.
func ToolName(t *trace.ExecutionTrace) string {
	words := strings.Fields(trace.Normalize(t.GoalText))
	if len(words) > 3 {
		words = words[:3]
	}
	slug := strings.Join(words, "_")
	slug = sanitizeSlug(slug)
	if slug == "" {
		slug = "goal"
	}
	sig := t.GoalSignature
	if sig == "" {
		sig = trace.Signature(t.GoalText)
	}
	if len(sig) > 8 {
		sig = sig[:8]
	}
	return "crystal_" + slug + "_" + sig
}

func sanitizeSlug(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' || r == ' ':
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// ParsePlan decodes the plan JSON a crystallized tool emits.
func ParsePlan(planJSON string) (trace.ToolSequence, error) {
	var seq trace.ToolSequence
	if err := json.Unmarshal([]byte(planJSON), &seq); err != nil {
		return nil, fmt.Errorf("decoding emitted plan: %w", err)
	}
	return seq, nil
}
