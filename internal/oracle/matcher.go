// Package oracle decides whether a new goal is close enough to a stored
// trace to reuse it, and which execution mode fits best. The default
// implementation asks an LLM to compare the goal against candidate traces;
// a degraded oracle (timeout, parse failure, no client) reports no match
// rather than an error so the caller can fall back to learning from scratch.
package oracle

import (
	"context"

	"goalforge/internal/trace"
)

// MatchResult is the oracle's verdict on a set of candidate traces.
// BestIndex is -1 when no candidate is a usable match.
type MatchResult struct {
	BestIndex       int        `json:"best_index"`
	Confidence      float64    `json:"confidence"`
	Reasoning       string     `json:"reasoning"`
	RecommendedMode trace.Mode `json:"recommended_mode"`
}

// Matched reports whether the result points at a usable candidate.
func (r MatchResult) Matched() bool {
	return r.BestIndex >= 0
}

// NoMatch is the degraded verdict: no candidate, zero confidence.
func NoMatch(reason string) MatchResult {
	return MatchResult{BestIndex: -1, Confidence: 0, Reasoning: reason}
}

// Matcher compares a goal against candidate traces. Implementations must
// not fail the dispatch path: on any internal problem they return NoMatch.
type Matcher interface {
	Match(ctx context.Context, goal string, candidates []*trace.ExecutionTrace) MatchResult
}

// StaticMatcher always returns the same result. Used in tests and for the
// forced dispatch strategies that bypass LLM matching.
type StaticMatcher struct {
	Result MatchResult
}

func (s *StaticMatcher) Match(ctx context.Context, goal string, candidates []*trace.ExecutionTrace) MatchResult {
	if s.Result.BestIndex >= len(candidates) {
		return NoMatch("static matcher index out of range")
	}
	return s.Result
}
