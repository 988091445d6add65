package analysis

import "time"

// EventType tags every message delivered to subscribers.
type EventType string

const (
	EventLogAppend       EventType = "log_append"
	EventStateChanged    EventType = "state_changed"
	EventDecisionRaised  EventType = "decision_raised"
	EventDecisionCleared EventType = "decision_cleared"
	// EventCompacted tells a consumer that buffered log batches were merged
	// because it fell behind. No records are lost.
	EventCompacted EventType = "buffer_compacted"
)

// Outcome of a decision
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Resolution is how a pending decision was cleared.
type Resolution struct {
	Value   string  `json:"value,omitempty"`
	Outcome Outcome `json:"outcome"`
	// Fail is set when a timeout resolves by failing the analysis.
	Fail bool `json:"fail,omitempty"`
}

// Event is the typed union fanned out by the broker.
type Event struct {
	Type       EventType        `json:"type"`
	AnalysisID ID               `json:"analysis_id"`
	Records    []LogRecord      `json:"records,omitempty"`
	State      State            `json:"state,omitempty"`
	Previous   State            `json:"previous_state,omitempty"`
	Decision   *PendingDecision `json:"decision,omitempty"`
	Resolution *Resolution      `json:"resolution,omitempty"`
	At         time.Time        `json:"at"`
}

// LastSequence returns the highest record sequence carried by e, or 0.
func (e Event) LastSequence() uint64 {
	if n := len(e.Records); n > 0 {
		return e.Records[n-1].Sequence
	}
	return 0
}
