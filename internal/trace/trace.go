// Package trace defines the execution trace data model: a recorded tool-call
// sequence plus outcome metadata for a previously executed goal. Traces are
// owned by the store and mutated only through its update API.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
	"unicode"
)

// EMAAlpha is the smoothing factor for success rating updates.
// Applied uniformly regardless of sample count.
const EMAAlpha = 0.1

// Mode describes how a goal is (or was) executed.
type Mode string

const (
	ModeCrystallized Mode = "CRYSTALLIZED" // Direct call to a promoted compiled tool
	ModeFollower     Mode = "FOLLOWER"     // Verbatim replay of a recorded sequence
	ModeMixed        Mode = "MIXED"        // Trace used as guidance, not replayed verbatim
	ModeLearner      Mode = "LEARNER"      // Fresh reasoning, trace captured
	ModeOrchestrator Mode = "ORCHESTRATOR" // Multi-agent delegation
)

// Valid reports whether m is a known execution mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeCrystallized, ModeFollower, ModeMixed, ModeLearner, ModeOrchestrator:
		return true
	}
	return false
}

// ToolCall is a single recorded tool invocation.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSequence is an ordered list of tool calls. Replay order is exactly
// recorded order.
type ToolSequence []ToolCall

// ExecutionTrace records how a goal was solved.
type ExecutionTrace struct {
	GoalSignature        string       `json:"goal_signature"`
	GoalText             string       `json:"goal_text"`
	ToolCalls            ToolSequence `json:"tool_calls"`
	ToolsUsed            []string     `json:"tools_used"`
	SuccessRating        float64      `json:"success_rating"`
	UsageCount           int          `json:"usage_count"`
	CreatedAt            time.Time    `json:"created_at"`
	LastUsed             time.Time    `json:"last_used"`
	EstimatedCostUSD     float64      `json:"estimated_cost_usd"`
	EstimatedTimeSecs    float64      `json:"estimated_time_secs"`
	Mode                 Mode         `json:"mode"`
	CrystallizedIntoTool string       `json:"crystallized_into_tool,omitempty"`
	ErrorNotes           []string     `json:"error_notes,omitempty"`
}

// Signature returns the goal signature: sha256 over the normalized goal text,
// hex-encoded. This is the primary lookup key.
func Signature(goalText string) string {
	sum := sha256.Sum256([]byte(Normalize(goalText)))
	return hex.EncodeToString(sum[:])
}

// Normalize lowercases the goal, collapses whitespace runs and strips
// leading/trailing punctuation so trivially different phrasings of the same
// goal share a signature.
func Normalize(goalText string) string {
	lower := strings.ToLower(strings.TrimSpace(goalText))
	fields := strings.FieldsFunc(lower, unicode.IsSpace)
	for i, f := range fields {
		fields[i] = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) && r != '_' && r != '-'
		})
	}
	// Drop fields that were pure punctuation, including ones made of the
	// in-word characters the trim exempts ("--", "__").
	out := fields[:0]
	for _, f := range fields {
		if hasAlnum(f) {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// New creates a trace for a goal solved with the given mode and calls.
// The initial success rating reflects the outcome of the first run.
func New(goalText string, mode Mode, calls ToolSequence, success bool) *ExecutionTrace {
	now := time.Now().UTC()
	rating := 0.0
	if success {
		rating = 1.0
	}
	return &ExecutionTrace{
		GoalSignature: Signature(goalText),
		GoalText:      goalText,
		ToolCalls:     calls,
		ToolsUsed:     toolNames(calls),
		SuccessRating: rating,
		UsageCount:    1,
		CreatedAt:     now,
		LastUsed:      now,
		Mode:          mode,
	}
}

// ApplyOutcome folds a replay outcome into the rating via the EMA and bumps
// the usage counters. UsageCount is monotone non-decreasing.
func (t *ExecutionTrace) ApplyOutcome(success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	t.SuccessRating = (1-EMAAlpha)*t.SuccessRating + EMAAlpha*outcome
	t.UsageCount++
	t.LastUsed = time.Now().UTC()
}

// IsCrystallized reports whether this trace has been promoted into a compiled tool.
func (t *ExecutionTrace) IsCrystallized() bool {
	return t.CrystallizedIntoTool != ""
}

// Summary returns a one-line description suitable for oracle candidate lists.
func (t *ExecutionTrace) Summary() string {
	var b strings.Builder
	b.WriteString(t.GoalText)
	if len(t.ToolsUsed) > 0 {
		b.WriteString(" [tools: ")
		b.WriteString(strings.Join(t.ToolsUsed, ", "))
		b.WriteString("]")
	}
	return b.String()
}

// ArgumentKeySet returns the sorted set of argument keys for a call, used to
// deduplicate mined examples.
func (c ToolCall) ArgumentKeySet() string {
	keys := make([]string, 0, len(c.Arguments))
	for k := range c.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func toolNames(calls ToolSequence) []string {
	seen := make(map[string]bool, len(calls))
	var names []string
	for _, c := range calls {
		if !seen[c.Name] {
			seen[c.Name] = true
			names = append(names, c.Name)
		}
	}
	return names
}
