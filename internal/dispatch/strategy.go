package dispatch

import (
	"fmt"

	"goalforge/internal/oracle"
	"goalforge/internal/trace"
)

// ModeDecision is the outcome of strategy selection: which mode to run the
// goal in, backed by which stored trace (nil for LEARNER and ORCHESTRATOR).
type ModeDecision struct {
	Mode       trace.Mode
	Confidence float64
	Trace      *trace.ExecutionTrace
	Reasoning  string
}

// DecisionInput is everything a strategy may consult. The engine gathers
// it once per goal; strategies stay pure functions over it.
type DecisionInput struct {
	Goal            string
	ComplexityScore int                     // coordination keyword hits in the goal
	ComplexityBar   int                     // engine's configured orchestration threshold
	Exact           *trace.ExecutionTrace   // exact signature match, may be nil
	Crystallized    bool                    // exact match has a live crystallized tool
	Verdict         oracle.MatchResult      // oracle verdict over Candidates
	Candidates      []*trace.ExecutionTrace // candidates shown to the oracle
}

// matched returns the trace the verdict points at, or the exact match.
func (in DecisionInput) matched() *trace.ExecutionTrace {
	if in.Exact != nil {
		return in.Exact
	}
	if in.Verdict.Matched() && in.Verdict.BestIndex < len(in.Candidates) {
		return in.Candidates[in.Verdict.BestIndex]
	}
	return nil
}

// Strategy picks an execution mode for a goal.
type Strategy interface {
	Name() string
	Decide(in DecisionInput) ModeDecision
}

// NewStrategy builds a strategy by name. provider is only consulted by the
// sentience strategy and may be nil for the others.
func NewStrategy(name string, followerThreshold, mixedThreshold float64, provider StateProvider) (Strategy, error) {
	auto := &autoStrategy{follower: followerThreshold, mixed: mixedThreshold}
	switch name {
	case "", "auto":
		return auto, nil
	case "cost":
		// Reuse is cheaper than learning, so lean into it. Orchestration
		// is the most expensive path, so its bar rises too.
		return &autoStrategy{name: "cost", follower: followerThreshold * 0.9, mixed: mixedThreshold * 0.9, complexityBias: 2}, nil
	case "speed":
		// Replay beats a learning loop on latency.
		return &autoStrategy{name: "speed", follower: followerThreshold * 0.92, mixed: 0.6}, nil
	case "forced-learner":
		return forcedLearner{}, nil
	case "forced-follower":
		return forcedFollower{}, nil
	case "sentience":
		if provider == nil {
			provider = NeutralState()
		}
		return &sentienceStrategy{base: auto, provider: provider}, nil
	default:
		return nil, fmt.Errorf("unknown dispatch strategy %q", name)
	}
}

// autoStrategy is the default threshold-based selection. complexityBias
// shifts the engine's orchestration bar up for strategies that want to
// avoid the expensive multi-agent path.
type autoStrategy struct {
	name           string
	follower       float64
	mixed          float64
	complexityBias int
}

func (s *autoStrategy) Name() string {
	if s.name == "" {
		return "auto"
	}
	return s.name
}

// Decide checks stored work first. Complexity only routes to the
// orchestrator when no trace clears a reuse threshold: a memoized goal
// replays however coordination-heavy its phrasing is.
func (s *autoStrategy) Decide(in DecisionInput) ModeDecision {
	if in.Crystallized {
		return ModeDecision{Mode: trace.ModeCrystallized, Confidence: 1, Trace: in.Exact, Reasoning: "exact match with a promoted tool"}
	}
	if in.Exact != nil {
		d := s.byConfidence(in.Exact.SuccessRating, in.Exact, "exact signature match, rating "+fmt.Sprintf("%.2f", in.Exact.SuccessRating))
		if d.Mode != trace.ModeLearner {
			return d
		}
		return s.fresh(in, d.Reasoning)
	}
	if m := in.matched(); m != nil {
		reasoning := in.Verdict.Reasoning
		if reasoning == "" {
			reasoning = "oracle match"
		}
		// The oracle can cap the mode: a MIXED recommendation never
		// becomes FOLLOWER however confident the match is.
		d := s.byConfidence(in.Verdict.Confidence, m, reasoning)
		if d.Mode == trace.ModeFollower && in.Verdict.RecommendedMode == trace.ModeMixed {
			d.Mode = trace.ModeMixed
		}
		if d.Mode != trace.ModeLearner {
			return d
		}
		return s.fresh(in, d.Reasoning)
	}
	return s.fresh(in, "no usable trace")
}

// fresh picks between orchestration and learning once no trace is reusable.
func (s *autoStrategy) fresh(in DecisionInput, reasoning string) ModeDecision {
	if bar := in.ComplexityBar + s.complexityBias; in.ComplexityBar > 0 && in.ComplexityScore >= bar {
		return ModeDecision{Mode: trace.ModeOrchestrator, Confidence: 1,
			Reasoning: fmt.Sprintf("coordination keywords (%d) meet the orchestration bar (%d)", in.ComplexityScore, bar)}
	}
	return ModeDecision{Mode: trace.ModeLearner, Confidence: 0, Reasoning: reasoning}
}

func (s *autoStrategy) byConfidence(conf float64, t *trace.ExecutionTrace, reasoning string) ModeDecision {
	switch {
	case conf >= s.follower:
		return ModeDecision{Mode: trace.ModeFollower, Confidence: conf, Trace: t, Reasoning: reasoning}
	case conf >= s.mixed:
		return ModeDecision{Mode: trace.ModeMixed, Confidence: conf, Trace: t, Reasoning: reasoning}
	default:
		return ModeDecision{Mode: trace.ModeLearner, Confidence: conf, Reasoning: reasoning + " (below reuse threshold)"}
	}
}

// forcedLearner always learns from scratch. Useful for refreshing stale
// traces and for benchmarking the learning loop.
type forcedLearner struct{}

func (forcedLearner) Name() string { return "forced-learner" }

func (forcedLearner) Decide(in DecisionInput) ModeDecision {
	return ModeDecision{Mode: trace.ModeLearner, Confidence: 1, Reasoning: "strategy forces learning"}
}

// forcedFollower replays any matched trace regardless of confidence, and
// only learns when nothing matched at all.
type forcedFollower struct{}

func (forcedFollower) Name() string { return "forced-follower" }

func (forcedFollower) Decide(in DecisionInput) ModeDecision {
	if in.Crystallized {
		return ModeDecision{Mode: trace.ModeCrystallized, Confidence: 1, Trace: in.Exact, Reasoning: "exact match with a promoted tool"}
	}
	if m := in.matched(); m != nil {
		return ModeDecision{Mode: trace.ModeFollower, Confidence: 1, Trace: m, Reasoning: "strategy forces replay"}
	}
	return ModeDecision{Mode: trace.ModeLearner, Confidence: 0, Reasoning: "no trace to follow"}
}

// sentienceStrategy adjusts the auto thresholds by cognitive state:
// feeling unsafe raises the bar for replaying old work, low energy avoids
// expensive learning when any trace can be reused, and high curiosity
// trades a MIXED replay for a fresh learning run.
type sentienceStrategy struct {
	base     *autoStrategy
	provider StateProvider
}

func (s *sentienceStrategy) Name() string { return "sentience" }

func (s *sentienceStrategy) Decide(in DecisionInput) ModeDecision {
	state := s.provider.State()

	adjusted := &autoStrategy{name: "sentience", follower: s.base.follower, mixed: s.base.mixed, complexityBias: s.base.complexityBias}
	if state.Safety < 0.3 {
		adjusted.follower = min(adjusted.follower+0.05, 0.99)
		adjusted.mixed = min(adjusted.mixed+0.05, 0.99)
	}

	d := adjusted.Decide(in)

	if state.Energy < 0.3 && d.Mode == trace.ModeLearner {
		if m := in.matched(); m != nil {
			return ModeDecision{Mode: trace.ModeFollower, Confidence: d.Confidence, Trace: m,
				Reasoning: "low energy, reusing the closest trace"}
		}
	}
	if state.Curiosity > 0.8 && d.Mode == trace.ModeMixed {
		return ModeDecision{Mode: trace.ModeLearner, Confidence: d.Confidence,
			Reasoning: "high curiosity, exploring a fresh solution"}
	}
	return d
}
