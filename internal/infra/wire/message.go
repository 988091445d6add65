// Package wire defines the JSON messages exchanged on the push stream.
package wire

import (
	"time"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// Message types sent by the client.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeAnswer      = "answer"
)

// Message types sent by the server, next to the event types of the domain.
const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeAck          = "ack"
	TypeError        = "error"
)

// TypeHeartbeat goes both ways.
const TypeHeartbeat = "heartbeat"

// Message is the single envelope of the push stream. Log messages carry the
// record sequences, Sequence is the highest of them.
type Message struct {
	Type       string                  `json:"type"`
	AnalysisID domain.ID               `json:"analysis_id,omitempty"`
	Cursor     uint64                  `json:"cursor,omitempty"`
	Sequence   uint64                  `json:"sequence,omitempty"`
	Records    []domain.LogRecord      `json:"records,omitempty"`
	State      domain.State            `json:"state,omitempty"`
	Previous   domain.State            `json:"previous_state,omitempty"`
	Decision   *domain.PendingDecision `json:"decision,omitempty"`
	Resolution *domain.Resolution      `json:"resolution,omitempty"`
	Value      string                  `json:"value,omitempty"`
	RequestID  string                  `json:"request_id,omitempty"`
	Code       string                  `json:"code,omitempty"`
	Error      string                  `json:"error,omitempty"`
	At         *time.Time              `json:"at,omitempty"`
}

// FromEvent encodes a broker event.
func FromEvent(ev domain.Event) Message {
	m := Message{
		Type:       string(ev.Type),
		AnalysisID: ev.AnalysisID,
		Sequence:   ev.LastSequence(),
		Records:    ev.Records,
		State:      ev.State,
		Previous:   ev.Previous,
		Decision:   ev.Decision,
		Resolution: ev.Resolution,
	}
	if !ev.At.IsZero() {
		at := ev.At
		m.At = &at
	}
	return m
}

// Event decodes m back into a domain event. ok is false for control messages.
func (m Message) Event() (domain.Event, bool) {
	switch domain.EventType(m.Type) {
	case domain.EventLogAppend, domain.EventStateChanged, domain.EventDecisionRaised,
		domain.EventDecisionCleared, domain.EventCompacted:
	default:
		return domain.Event{}, false
	}
	ev := domain.Event{
		Type:       domain.EventType(m.Type),
		AnalysisID: m.AnalysisID,
		Records:    m.Records,
		State:      m.State,
		Previous:   m.Previous,
		Decision:   m.Decision,
		Resolution: m.Resolution,
	}
	if m.At != nil {
		ev.At = *m.At
	}
	return ev, true
}

// ErrorMessage builds an error reply.
func ErrorMessage(id domain.ID, requestID string, err error) Message {
	return Message{
		Type:       TypeError,
		AnalysisID: id,
		RequestID:  requestID,
		Code:       domain.Kind(err),
		Error:      err.Error(),
	}
}
