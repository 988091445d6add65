// Package decision implements the per-analysis single-slot mailbox that
// pauses an analysis until a human answers a prompt, the prompt times out,
// or the analysis is cancelled.
package decision

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// Hooks are the side effects of raising and clearing a decision. They run
// while the gate holds its lock, so they must not call back into the gate.
type Hooks interface {
	DecisionRaised(d domain.PendingDecision) error
	DecisionCleared(d domain.PendingDecision, r domain.Resolution) error
}

// TimeoutAction decides what an unanswered decision resolves to.
type TimeoutAction string

const (
	TimeoutUseDefault TimeoutAction = "default"
	TimeoutFail       TimeoutAction = "fail"
)

// Policy configures timeouts for decisions that do not set their own.
type Policy struct {
	Timeout       time.Duration
	Action        TimeoutAction
	DefaultChoice string
}

// Request untuk Raise
type Request struct {
	Question    string
	Options     []domain.Option
	Timeout     time.Duration
	ToolContext string
	Default     string
}

// Ticket is handed to the waiting execution.
type Ticket struct {
	Decision domain.PendingDecision
	done     chan domain.Resolution
}

// Done delivers exactly one resolution.
func (t *Ticket) Done() <-chan domain.Resolution { return t.done }

type slot struct {
	decision domain.PendingDecision
	def      string
	done     chan domain.Resolution
	timer    clockwork.Timer
}

type Gate struct {
	clock  clockwork.Clock
	hooks  Hooks
	policy Policy
	logger logrus.FieldLogger

	mu    sync.Mutex
	slots map[domain.ID]*slot
}

func New(clock clockwork.Clock, hooks Hooks, policy Policy, logger logrus.FieldLogger) *Gate {
	if policy.Action == "" {
		policy.Action = TimeoutUseDefault
	}
	return &Gate{
		clock:  clock,
		hooks:  hooks,
		policy: policy,
		logger: logger,
		slots:  make(map[domain.ID]*slot),
	}
}

func validate(req Request) error {
	if req.Question == "" {
		return errors.Wrap(domain.ErrInvalidRequest, "decision question is empty")
	}
	if len(req.Options) == 0 {
		return errors.Wrap(domain.ErrInvalidRequest, "decision has no options")
	}
	seen := make(map[string]bool, len(req.Options))
	for _, o := range req.Options {
		if o.Value == "" {
			return errors.Wrap(domain.ErrInvalidRequest, "decision option without value")
		}
		if seen[o.Value] {
			return errors.Wrapf(domain.ErrInvalidRequest, "duplicate decision option %q", o.Value)
		}
		seen[o.Value] = true
	}
	return nil
}

// Raise opens the slot for id. It fails with ErrAlreadyPending while another
// decision is open for the same analysis.
func (g *Gate) Raise(id domain.ID, req Request) (*Ticket, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.slots[id]; ok {
		return nil, errors.Wrapf(domain.ErrAlreadyPending, "analysis %s", id)
	}

	now := g.clock.Now().UTC()
	d := domain.PendingDecision{
		AnalysisID:  id,
		Question:    req.Question,
		Options:     append([]domain.Option(nil), req.Options...),
		RaisedAt:    now,
		ToolContext: req.ToolContext,
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = g.policy.Timeout
	}
	if timeout > 0 {
		expires := now.Add(timeout)
		d.ExpiresAt = &expires
	}

	s := &slot{decision: d, def: req.Default, done: make(chan domain.Resolution, 1)}
	// timer first: once the hook publishes awaiting_decision the deadline is already armed
	if timeout > 0 {
		s.timer = g.clock.AfterFunc(timeout, func() { g.expire(id, s) })
	}
	if err := g.hooks.DecisionRaised(d); err != nil {
		if s.timer != nil {
			s.timer.Stop()
		}
		return nil, err
	}
	g.slots[id] = s

	return &Ticket{Decision: d, done: s.done}, nil
}

// Answer resolves the open decision with value.
func (g *Gate) Answer(id domain.ID, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[id]
	if !ok {
		return errors.Wrapf(domain.ErrNoPendingDecision, "analysis %s", id)
	}
	if !s.decision.HasOption(value) {
		return errors.Wrapf(domain.ErrInvalidChoice, "%q is not an option", value)
	}
	return g.resolve(id, s, domain.Resolution{Value: value, Outcome: domain.OutcomeAnswered})
}

// Cancel resolves any open decision as cancelled. No-op when none is open.
func (g *Gate) Cancel(id domain.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[id]
	if !ok {
		return
	}
	if err := g.resolve(id, s, domain.Resolution{Outcome: domain.OutcomeCancelled}); err != nil {
		g.logger.WithError(err).WithField("analysis_id", id).Warn("decision cancel hook failed")
	}
}

// Pending returns a copy of the open decision, if any.
func (g *Gate) Pending(id domain.ID) (*domain.PendingDecision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[id]
	if !ok {
		return nil, false
	}
	d := s.decision
	return &d, true
}

// Wait blocks until the ticket resolves or ctx ends.
func (g *Gate) Wait(ctx context.Context, t *Ticket) (domain.Resolution, error) {
	select {
	case r := <-t.done:
		return r, nil
	case <-ctx.Done():
		return domain.Resolution{Outcome: domain.OutcomeCancelled}, ctx.Err()
	}
}

func (g *Gate) expire(id domain.ID, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.slots[id] != s {
		// answered or cancelled first
		return
	}

	res := domain.Resolution{Outcome: domain.OutcomeTimedOut}
	choice := g.defaultChoice(s)
	if g.policy.Action == TimeoutFail || choice == "" {
		res.Fail = true
	} else {
		res.Value = choice
	}

	g.logger.WithFields(logrus.Fields{
		"analysis_id": id,
		"choice":      res.Value,
		"fail":        res.Fail,
	}).Info("decision timed out")

	if err := g.resolve(id, s, res); err != nil {
		g.logger.WithError(err).WithField("analysis_id", id).Warn("decision timeout hook failed")
	}
}

func (g *Gate) defaultChoice(s *slot) string {
	if s.def != "" && s.decision.HasOption(s.def) {
		return s.def
	}
	if g.policy.DefaultChoice != "" && s.decision.HasOption(g.policy.DefaultChoice) {
		return g.policy.DefaultChoice
	}
	return ""
}

// resolve must be called with g.mu held.
func (g *Gate) resolve(id domain.ID, s *slot, r domain.Resolution) error {
	delete(g.slots, id)
	if s.timer != nil {
		s.timer.Stop()
	}
	err := g.hooks.DecisionCleared(s.decision, r)
	s.done <- r
	return err
}
