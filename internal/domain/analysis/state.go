package analysis

// State enum
type State string

const (
	StateQueued           State = "queued"
	StateRunning          State = "running"
	StateAwaitingDecision State = "awaiting_decision"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// Terminal states accept no further records or transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var transitions = map[State][]State{
	StateQueued:           {StateRunning, StateCancelled},
	StateRunning:          {StateAwaitingDecision, StateCompleted, StateFailed, StateCancelled},
	StateAwaitingDecision: {StateRunning, StateCancelled},
}

// CanTransition reports whether from → to is a legal edge of the lifecycle.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
