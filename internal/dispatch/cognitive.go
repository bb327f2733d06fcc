package dispatch

// CognitiveState is a coarse self-assessment that the sentience strategy
// consults before committing to a mode. All values are in [0, 1].
type CognitiveState struct {
	Energy     float64 `json:"energy"`     // remaining appetite for expensive work
	Safety     float64 `json:"safety"`     // how risky the current environment feels
	Curiosity  float64 `json:"curiosity"`  // willingness to explore fresh solutions
	Confidence float64 `json:"confidence"` // trust in stored experience
}

// StateProvider supplies the current cognitive state.
type StateProvider interface {
	State() CognitiveState
}

// StaticState is a fixed-state provider, the default when nothing richer
// is wired in.
type StaticState struct {
	Current CognitiveState
}

func (s *StaticState) State() CognitiveState { return s.Current }

// NeutralState returns a balanced state that leaves strategy behavior
// unchanged.
func NeutralState() *StaticState {
	return &StaticState{Current: CognitiveState{Energy: 0.7, Safety: 0.7, Curiosity: 0.5, Confidence: 0.7}}
}
