package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"goalforge/internal/llm"
	"goalforge/internal/logging"
	"goalforge/internal/trace"
)

const matcherSystemPrompt = `You compare a new goal against previously executed goals and decide whether any stored execution can be reused.

Respond with ONLY a JSON object, no prose:
{
  "best_index": <int, index of the best candidate, or -1 if none is reusable>,
  "confidence": <float 0.0-1.0, how certain you are the candidate's tool sequence accomplishes the new goal>,
  "reasoning": "<one sentence>",
  "recommended_mode": "<FOLLOWER if the stored sequence can be replayed as-is, MIXED if it needs adaptation, LEARNER if nothing fits>"
}

Rules:
- FOLLOWER only when the goals are near-identical and the stored sequence would succeed unchanged.
- MIXED when the stored sequence is a useful skeleton but arguments or steps need adjustment.
- best_index -1 and LEARNER when no candidate helps.`

// LLMOracle asks an LLM to pick the best candidate trace for a goal.
// Every call is bounded by a hard timeout; a slow or broken model degrades
// to NoMatch instead of failing dispatch.
type LLMOracle struct {
	client        llm.Client
	timeout       time.Duration
	maxCandidates int
}

// NewLLMOracle creates an oracle with the given per-call timeout. A zero
// timeout defaults to 2 seconds.
func NewLLMOracle(client llm.Client, timeout time.Duration, maxCandidates int) *LLMOracle {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if maxCandidates <= 0 {
		maxCandidates = 5
	}
	return &LLMOracle{client: client, timeout: timeout, maxCandidates: maxCandidates}
}

// Match asks the model to compare the goal against the candidates.
// Timeouts, transport errors, and unparseable responses all degrade to
// NoMatch with a reasoning string describing the failure.
func (o *LLMOracle) Match(ctx context.Context, goal string, candidates []*trace.ExecutionTrace) MatchResult {
	if len(candidates) == 0 {
		return NoMatch("no candidates")
	}
	if len(candidates) > o.maxCandidates {
		candidates = candidates[:o.maxCandidates]
	}

	timer := logging.StartTimer(logging.CategoryOracle, "match")
	defer timer.StopWithInfo(fmt.Sprintf("candidates=%d", len(candidates)))

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CompleteWithSystem(callCtx, matcherSystemPrompt, buildMatchPrompt(goal, candidates))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logging.Oracle("Match timed out after %s, degrading to no-match", o.timeout)
			return NoMatch("oracle timeout")
		}
		logging.Oracle("Match failed (%v), degrading to no-match", err)
		return NoMatch("oracle error: " + err.Error())
	}

	result, err := parseMatchResponse(resp, len(candidates))
	if err != nil {
		logging.Oracle("Unparseable oracle response (%v), degrading to no-match", err)
		return NoMatch("unparseable oracle response")
	}
	logging.OracleDebug("Match verdict: index=%d confidence=%.2f mode=%s", result.BestIndex, result.Confidence, result.RecommendedMode)
	return result
}

func buildMatchPrompt(goal string, candidates []*trace.ExecutionTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New goal: %s\n\nStored candidates:\n", goal)
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] goal=%q tools=%s rating=%.2f used=%d times\n",
			i, c.GoalText, strings.Join(c.ToolsUsed, ","), c.SuccessRating, c.UsageCount)
	}
	return b.String()
}

// parseMatchResponse pulls the verdict JSON out of a possibly chatty model
// response and clamps it into a valid MatchResult.
func parseMatchResponse(resp string, numCandidates int) (MatchResult, error) {
	raw := extractJSON(resp)
	// A response with no verdict object must not decode into index 0.
	result := MatchResult{BestIndex: -1}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return MatchResult{}, fmt.Errorf("parsing verdict: %w", err)
	}
	if result.BestIndex < 0 || result.BestIndex >= numCandidates {
		return NoMatch(result.Reasoning), nil
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	mode := trace.Mode(strings.ToUpper(string(result.RecommendedMode)))
	if !mode.Valid() {
		mode = trace.ModeMixed
	}
	result.RecommendedMode = mode
	return result, nil
}

// extractJSON finds the first balanced JSON object in a mixed-format
// response, tolerating markdown fences and surrounding prose.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return "{}"
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
		case '{':
			if !inString {
				depth++
			}
		case '}':
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
