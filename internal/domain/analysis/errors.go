package analysis

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("analysis not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidState      = errors.New("invalid state")
	ErrAlreadyStarted    = errors.New("analysis already started")
	ErrAlreadyPending    = errors.New("decision already pending")
	ErrNoPendingDecision = errors.New("no pending decision")
	ErrInvalidChoice     = errors.New("invalid choice")
	ErrDeliveryFailure   = errors.New("delivery failure")
	ErrStepFailure       = errors.New("step failure")
)

// StepError is returned when a tool step exits with a failure status.
type StepError struct {
	Step       int
	Tool       string
	ExitStatus int
	Message    string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed with exit status %d: %s", e.Step, e.Tool, e.ExitStatus, e.Message)
}

func (e *StepError) Is(target error) bool { return target == ErrStepFailure }

// DecisionNeeded is a question a running step puts to a human.
type DecisionNeeded struct {
	Key      string
	Question string
	Options  []Option
	// Default overrides the gate's configured timeout choice when set.
	Default string
}

func (d *DecisionNeeded) Error() string {
	values := make([]string, 0, len(d.Options))
	for _, o := range d.Options {
		values = append(values, o.Value)
	}
	return fmt.Sprintf("decision needed: %s (%s)", d.Question, strings.Join(values, "/"))
}

// Kind returns a short machine-readable name for err, used in API error bodies.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrAlreadyStarted):
		return "already_started"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAlreadyPending):
		return "already_pending"
	case errors.Is(err, ErrNoPendingDecision):
		return "no_pending_decision"
	case errors.Is(err, ErrInvalidChoice):
		return "invalid_choice"
	case errors.Is(err, ErrDeliveryFailure):
		return "delivery_failure"
	case errors.Is(err, ErrStepFailure):
		return "step_failure"
	}
	return "internal"
}
