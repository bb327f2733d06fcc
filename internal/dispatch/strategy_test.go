package dispatch

import (
	"testing"

	"goalforge/internal/oracle"
	"goalforge/internal/trace"
)

func storedTrace(goal string, rating float64) *trace.ExecutionTrace {
	t := trace.New(goal, trace.ModeLearner, trace.ToolSequence{
		{Name: "echo", Arguments: map[string]any{"message": "x"}},
	}, true)
	t.SuccessRating = rating
	return t
}

func newAuto(t *testing.T) Strategy {
	t.Helper()
	s, err := NewStrategy("auto", 0.92, 0.75, nil)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	return s
}

func TestAutoCrystallizedWins(t *testing.T) {
	s := newAuto(t)
	exact := storedTrace("goal", 0.99)
	exact.CrystallizedIntoTool = "crystal_goal_abc"

	d := s.Decide(DecisionInput{Goal: "goal", Exact: exact, Crystallized: true})
	if d.Mode != trace.ModeCrystallized {
		t.Fatalf("Mode = %s, want CRYSTALLIZED", d.Mode)
	}
	if d.Trace != exact {
		t.Error("decision must carry the exact trace")
	}
}

func TestAutoExactMatchThresholds(t *testing.T) {
	s := newAuto(t)
	cases := []struct {
		rating float64
		want   trace.Mode
	}{
		{0.95, trace.ModeFollower},
		{0.92, trace.ModeFollower},
		{0.85, trace.ModeMixed},
		{0.75, trace.ModeMixed},
		{0.5, trace.ModeLearner},
	}
	for _, tc := range cases {
		d := s.Decide(DecisionInput{Goal: "goal", Exact: storedTrace("goal", tc.rating)})
		if d.Mode != tc.want {
			t.Errorf("rating %.2f: Mode = %s, want %s", tc.rating, d.Mode, tc.want)
		}
	}
}

func TestAutoOracleMatch(t *testing.T) {
	s := newAuto(t)
	candidate := storedTrace("similar goal", 0.95)

	d := s.Decide(DecisionInput{
		Goal:       "goal",
		Candidates: []*trace.ExecutionTrace{candidate},
		Verdict:    oracle.MatchResult{BestIndex: 0, Confidence: 0.95, RecommendedMode: trace.ModeFollower},
	})
	if d.Mode != trace.ModeFollower {
		t.Fatalf("Mode = %s, want FOLLOWER", d.Mode)
	}
	if d.Trace != candidate {
		t.Error("decision must carry the matched candidate")
	}
}

func TestAutoOracleCapsMode(t *testing.T) {
	s := newAuto(t)
	candidate := storedTrace("similar goal", 0.95)

	// High confidence but the oracle says the sequence needs adaptation.
	d := s.Decide(DecisionInput{
		Goal:       "goal",
		Candidates: []*trace.ExecutionTrace{candidate},
		Verdict:    oracle.MatchResult{BestIndex: 0, Confidence: 0.97, RecommendedMode: trace.ModeMixed},
	})
	if d.Mode != trace.ModeMixed {
		t.Fatalf("Mode = %s, want MIXED despite high confidence", d.Mode)
	}
}

func TestAutoComplexGoalOrchestrates(t *testing.T) {
	s := newAuto(t)

	// No stored work at all: complexity decides.
	d := s.Decide(DecisionInput{Goal: "goal", ComplexityScore: 4, ComplexityBar: 3})
	if d.Mode != trace.ModeOrchestrator {
		t.Fatalf("Mode = %s, want ORCHESTRATOR for an unmatched complex goal", d.Mode)
	}

	// A low-rated exact match falls past both reuse thresholds and then
	// orchestrates.
	d = s.Decide(DecisionInput{Goal: "goal", ComplexityScore: 4, ComplexityBar: 3, Exact: storedTrace("goal", 0.4)})
	if d.Mode != trace.ModeOrchestrator {
		t.Fatalf("Mode = %s, want ORCHESTRATOR below the reuse thresholds", d.Mode)
	}
}

func TestAutoStoredWorkBeatsComplexity(t *testing.T) {
	s := newAuto(t)

	exact := storedTrace("goal", 1.0)
	exact.CrystallizedIntoTool = "crystal_goal_abc"
	d := s.Decide(DecisionInput{Goal: "goal", ComplexityScore: 5, ComplexityBar: 3, Exact: exact, Crystallized: true})
	if d.Mode != trace.ModeCrystallized {
		t.Fatalf("Mode = %s, want CRYSTALLIZED for a promoted goal however complex its phrasing", d.Mode)
	}

	d = s.Decide(DecisionInput{Goal: "goal", ComplexityScore: 5, ComplexityBar: 3, Exact: storedTrace("goal", 1.0)})
	if d.Mode != trace.ModeFollower {
		t.Fatalf("Mode = %s, want FOLLOWER for a trusted exact match however complex its phrasing", d.Mode)
	}
}

func TestAutoNoMatchLearns(t *testing.T) {
	s := newAuto(t)
	d := s.Decide(DecisionInput{Goal: "goal", Verdict: oracle.NoMatch("nothing")})
	if d.Mode != trace.ModeLearner {
		t.Fatalf("Mode = %s, want LEARNER", d.Mode)
	}
}

func TestForcedStrategies(t *testing.T) {
	learnerStrat, err := NewStrategy("forced-learner", 0.92, 0.75, nil)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	exact := storedTrace("goal", 0.99)
	if d := learnerStrat.Decide(DecisionInput{Goal: "goal", Exact: exact}); d.Mode != trace.ModeLearner {
		t.Errorf("forced-learner Mode = %s, want LEARNER", d.Mode)
	}

	followerStrat, err := NewStrategy("forced-follower", 0.92, 0.75, nil)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	low := storedTrace("goal", 0.4)
	if d := followerStrat.Decide(DecisionInput{Goal: "goal", Exact: low}); d.Mode != trace.ModeFollower {
		t.Errorf("forced-follower Mode = %s, want FOLLOWER even at low rating", d.Mode)
	}
	if d := followerStrat.Decide(DecisionInput{Goal: "goal"}); d.Mode != trace.ModeLearner {
		t.Errorf("forced-follower with no trace Mode = %s, want LEARNER", d.Mode)
	}
}

func TestCostStrategyLowersThresholds(t *testing.T) {
	s, err := NewStrategy("cost", 0.92, 0.75, nil)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	// 0.85 misses the auto follower bar (0.92) but clears cost's 0.828.
	d := s.Decide(DecisionInput{Goal: "goal", Exact: storedTrace("goal", 0.85)})
	if d.Mode != trace.ModeFollower {
		t.Errorf("cost Mode = %s, want FOLLOWER", d.Mode)
	}
}

func TestCostStrategyRaisesComplexityBar(t *testing.T) {
	s, err := NewStrategy("cost", 0.92, 0.75, nil)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}

	// Score 3 meets the engine bar but not cost's raised one.
	d := s.Decide(DecisionInput{Goal: "goal", ComplexityScore: 3, ComplexityBar: 3})
	if d.Mode != trace.ModeLearner {
		t.Errorf("cost Mode = %s, want LEARNER below the raised orchestration bar", d.Mode)
	}
	d = s.Decide(DecisionInput{Goal: "goal", ComplexityScore: 5, ComplexityBar: 3})
	if d.Mode != trace.ModeOrchestrator {
		t.Errorf("cost Mode = %s, want ORCHESTRATOR at the raised bar", d.Mode)
	}
}

func TestSentienceLowEnergyReuses(t *testing.T) {
	provider := &StaticState{Current: CognitiveState{Energy: 0.1, Safety: 0.8, Curiosity: 0.5, Confidence: 0.7}}
	s, err := NewStrategy("sentience", 0.92, 0.75, provider)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}

	// Rating too low for any replay under auto, but low energy reuses anyway.
	weak := storedTrace("goal", 0.5)
	d := s.Decide(DecisionInput{Goal: "goal", Exact: weak})
	if d.Mode != trace.ModeFollower {
		t.Fatalf("Mode = %s, want FOLLOWER under low energy", d.Mode)
	}

	// With no trace at all, learning is the only option.
	d = s.Decide(DecisionInput{Goal: "goal"})
	if d.Mode != trace.ModeLearner {
		t.Fatalf("Mode = %s, want LEARNER with nothing to reuse", d.Mode)
	}
}

func TestSentienceLowSafetyRaisesBar(t *testing.T) {
	provider := &StaticState{Current: CognitiveState{Energy: 0.8, Safety: 0.1, Curiosity: 0.5, Confidence: 0.7}}
	s, err := NewStrategy("sentience", 0.92, 0.75, provider)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}

	// 0.93 clears the normal follower bar but not the raised 0.97.
	d := s.Decide(DecisionInput{Goal: "goal", Exact: storedTrace("goal", 0.93)})
	if d.Mode != trace.ModeMixed {
		t.Fatalf("Mode = %s, want MIXED under low safety", d.Mode)
	}
}

func TestSentienceHighCuriosityExplores(t *testing.T) {
	provider := &StaticState{Current: CognitiveState{Energy: 0.8, Safety: 0.8, Curiosity: 0.95, Confidence: 0.7}}
	s, err := NewStrategy("sentience", 0.92, 0.75, provider)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}

	d := s.Decide(DecisionInput{Goal: "goal", Exact: storedTrace("goal", 0.8)})
	if d.Mode != trace.ModeLearner {
		t.Fatalf("Mode = %s, want LEARNER under high curiosity", d.Mode)
	}
}

func TestUnknownStrategy(t *testing.T) {
	if _, err := NewStrategy("yolo", 0.92, 0.75, nil); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
