package dispatch

import "strings"

// ComplexityScorer detects goals that need multi-agent coordination. It
// counts occurrences of coordination keywords in the goal text; at or above
// the threshold, a goal with no reusable trace routes to the orchestrator
// instead of the learner.
type ComplexityScorer struct {
	keywords  []string
	threshold int
}

// NewComplexityScorer creates a scorer. Empty keywords or a non-positive
// threshold fall back to the defaults.
func NewComplexityScorer(keywords []string, threshold int) *ComplexityScorer {
	if len(keywords) == 0 {
		keywords = []string{
			"and", "then", "coordinate", "delegate", "after", "meanwhile",
			"both", "orchestrate", "in parallel", "multiple agents", "collaborate",
		}
	}
	if threshold <= 0 {
		threshold = 3
	}
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	return &ComplexityScorer{keywords: lowered, threshold: threshold}
}

// Score counts keyword hits in the goal. Multi-word keywords match as
// substrings; single words match whole tokens so "sandwich" does not count
// as "and".
func (s *ComplexityScorer) Score(goal string) int {
	lowered := strings.ToLower(goal)
	tokens := tokenize(lowered)
	hits := 0
	for _, kw := range s.keywords {
		if strings.Contains(kw, " ") {
			hits += strings.Count(lowered, kw)
			continue
		}
		for _, tok := range tokens {
			if tok == kw {
				hits++
			}
		}
	}
	return hits
}

// IsComplex reports whether the goal meets the orchestration threshold.
func (s *ComplexityScorer) IsComplex(goal string) bool {
	return s.Score(goal) >= s.threshold
}

// Threshold returns the configured orchestration threshold. Strategies may
// raise it further.
func (s *ComplexityScorer) Threshold() int {
	return s.threshold
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
}
