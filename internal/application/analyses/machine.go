package analyses

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-forensics/internal/application/decision"
	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// run is the in-memory state machine of one analysis. Every append and
// every transition happens under mu so the log, the published events and the
// state agree on order.
type run struct {
	tenant string

	mu           sync.Mutex
	a            domain.Analysis
	pending      *domain.PendingDecision
	lastSequence uint64
	cancelled    bool
	stop         context.CancelFunc
	outcomes     []domain.StepOutcome
}

func (r *run) snapshot() domain.Analysis {
	a := r.a
	a.ToolScope = append([]string(nil), r.a.ToolScope...)
	a.TargetUsers = append([]string(nil), r.a.TargetUsers...)
	if r.a.Options != nil {
		a.Options = make(domain.ExtractionOptions, len(r.a.Options))
		for k, v := range r.a.Options {
			a.Options[k] = v
		}
	}
	return a
}

func (r *run) pendingCopy() *domain.PendingDecision {
	if r.pending == nil {
		return nil
	}
	d := *r.pending
	d.Options = append([]domain.Option(nil), r.pending.Options...)
	return &d
}

// discarding reports whether output of the execution must be dropped.
func (r *run) discarding() bool {
	return r.cancelled || r.a.State.Terminal()
}

func (s *Service) appendLocked(r *run, level domain.Level, msg string) (domain.LogRecord, error) {
	rec, err := s.Log.Append(r.a.ID, level, msg)
	if err != nil {
		return rec, err
	}
	r.lastSequence = rec.Sequence
	s.Broker.Publish(domain.Event{
		Type:       domain.EventLogAppend,
		AnalysisID: r.a.ID,
		Records:    []domain.LogRecord{rec},
		At:         rec.Timestamp,
	})
	return rec, nil
}

func (s *Service) finalLocked(r *run, level domain.Level, msg string) (domain.LogRecord, error) {
	rec, err := s.Log.AppendFinal(r.a.ID, level, msg)
	if err != nil {
		return rec, err
	}
	r.lastSequence = rec.Sequence
	s.Broker.Publish(domain.Event{
		Type:       domain.EventLogAppend,
		AnalysisID: r.a.ID,
		Records:    []domain.LogRecord{rec},
		At:         rec.Timestamp,
	})
	return rec, nil
}

func (s *Service) transitionLocked(r *run, to domain.State) error {
	from := r.a.State
	if !domain.CanTransition(from, to) {
		return errors.Wrapf(domain.ErrInvalidState, "analysis %s: %s -> %s", r.a.ID, from, to)
	}
	r.a.State = to
	transitionsTotal.WithLabelValues(string(to)).Inc()
	if to == domain.StateRunning && from == domain.StateQueued {
		runningAnalyses.Inc()
	}
	s.Broker.Publish(domain.Event{
		Type:       domain.EventStateChanged,
		AnalysisID: r.a.ID,
		State:      to,
		Previous:   from,
		At:         s.deps.Clock.Now().UTC(),
	})
	return nil
}

// emit appends tool output unless the analysis has been cancelled or
// finished in the meantime.
func (s *Service) emit(r *run, level domain.Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discarding() {
		return
	}
	if _, err := s.appendLocked(r, level, msg); err != nil {
		s.deps.Logger.WithError(err).WithField("analysis_id", r.a.ID).Warn("append failed")
	}
}

func (s *Service) stopped(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discarding()
}

// execute drives the steps of one analysis in order.
func (s *Service) execute(ctx context.Context, r *run, steps []string) {
	defer s.wg.Done()

	logger := s.deps.Logger.WithField("analysis_id", r.a.ID)
	for i, tool := range steps {
		step := i + 1
		if s.stopped(r) {
			return
		}
		s.emit(r, domain.LevelInfo, fmt.Sprintf("Step %d/%d: running %s", step, len(steps), tool))

		res, err := s.runStep(ctx, r, step, tool)
		if s.stopped(r) {
			logger.WithField("step", step).Debug("discarding result of cancelled step")
			return
		}
		if err != nil {
			s.fail(r, step, tool, err)
			return
		}
		if res.ExitStatus != 0 {
			s.fail(r, step, tool, &domain.StepError{
				Step:       step,
				Tool:       tool,
				ExitStatus: res.ExitStatus,
				Message:    "tool reported failure",
			})
			return
		}

		summary := res.FindingsSummary
		if summary == "" {
			summary = res.Findings.Summary()
		}
		s.emit(r, domain.LevelSuccess, fmt.Sprintf("Step %d/%d: %s finished (%s)", step, len(steps), tool, summary))

		r.mu.Lock()
		r.outcomes = append(r.outcomes, domain.StepOutcome{Tool: tool, FindingsSummary: summary, Findings: res.Findings})
		r.mu.Unlock()
	}

	if s.deps.Summarizer != nil {
		s.triage(ctx, r)
	}
	s.complete(r)
}

func (s *Service) triage(ctx context.Context, r *run) {
	r.mu.Lock()
	if r.discarding() {
		r.mu.Unlock()
		return
	}
	snapshot := r.snapshot()
	outcomes := append([]domain.StepOutcome(nil), r.outcomes...)
	r.mu.Unlock()

	summary, err := s.deps.Summarizer.Summarize(ctx, &snapshot, outcomes)
	if err != nil {
		s.emit(r, domain.LevelWarning, "AI triage unavailable: "+err.Error())
		s.recordFailure(ctx, snapshot.TenantID, snapshot.ID, "", domain.PhaseTriage, err, nil)
		return
	}
	if summary = strings.TrimSpace(summary); summary != "" {
		s.emit(r, domain.LevelInfo, "AI triage: "+summary)
	}
}

// runStep runs one tool once. A question from the tool suspends the step
// at the decision gate; the answer goes back to the same execution.
func (s *Service) runStep(ctx context.Context, r *run, step int, tool string) (domain.StepResult, error) {
	r.mu.Lock()
	req := domain.StepRequest{
		AnalysisID:  r.a.ID,
		Step:        step,
		Tool:        tool,
		CaseID:      r.a.CaseID,
		TargetUsers: append([]string(nil), r.a.TargetUsers...),
		Options:     r.snapshot().Options,
	}
	r.mu.Unlock()

	req.Emit = func(level domain.Level, msg string) {
		s.emit(r, level, fmt.Sprintf("[%s] %s", tool, msg))
	}
	req.Ask = func(ctx context.Context, need *domain.DecisionNeeded) (string, error) {
		return s.awaitDecision(ctx, r, step, tool, need)
	}
	return s.deps.Executor.RunStep(ctx, req)
}

func (s *Service) awaitDecision(ctx context.Context, r *run, step int, tool string, need *domain.DecisionNeeded) (string, error) {
	options := need.Options
	if len(options) == 0 {
		options = domain.YesNo()
	}
	ticket, err := s.Gate.Raise(r.a.ID, decision.Request{
		Question:    need.Question,
		Options:     options,
		ToolContext: fmt.Sprintf("step %d (%s): %s", step, tool, need.Key),
		Default:     need.Default,
	})
	if err != nil {
		return "", err
	}

	res, err := s.Gate.Wait(ctx, ticket)
	if err != nil {
		return "", err
	}
	switch {
	case res.Outcome == domain.OutcomeCancelled:
		return "", context.Canceled
	case res.Fail:
		return "", errors.Errorf("decision %q was not answered in time", need.Question)
	}
	return res.Value, nil
}

// DecisionRaised moves the analysis to awaiting_decision. It is called by
// the gate with the gate lock held.
func (s *Service) DecisionRaised(d domain.PendingDecision) error {
	r := s.get(d.AnalysisID)
	if r == nil {
		return errors.Wrapf(domain.ErrNotFound, "analysis %s", d.AnalysisID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return errors.Wrapf(domain.ErrInvalidState, "analysis %s is cancelled", d.AnalysisID)
	}
	if err := s.transitionLocked(r, domain.StateAwaitingDecision); err != nil {
		return err
	}

	values := make([]string, 0, len(d.Options))
	for _, o := range d.Options {
		values = append(values, o.Value)
	}
	if _, err := s.appendLocked(r, domain.LevelPrompt, fmt.Sprintf("%s (%s)", d.Question, strings.Join(values, "/"))); err != nil {
		return err
	}

	r.pending = &d
	s.Broker.Publish(domain.Event{
		Type:       domain.EventDecisionRaised,
		AnalysisID: d.AnalysisID,
		State:      r.a.State,
		Decision:   r.pendingCopy(),
		At:         d.RaisedAt,
	})
	return nil
}

// DecisionCleared records how the decision ended and resumes the analysis.
func (s *Service) DecisionCleared(d domain.PendingDecision, res domain.Resolution) error {
	r := s.get(d.AnalysisID)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = nil
	cleared := domain.Event{
		Type:       domain.EventDecisionCleared,
		AnalysisID: d.AnalysisID,
		Decision:   &d,
		Resolution: &res,
		At:         s.deps.Clock.Now().UTC(),
	}
	if res.Outcome == domain.OutcomeCancelled || r.a.State != domain.StateAwaitingDecision {
		// the cancel path already wrote the terminal record
		cleared.State = r.a.State
		s.Broker.Publish(cleared)
		return nil
	}

	var msg string
	level := domain.LevelPrompt
	switch {
	case res.Outcome == domain.OutcomeAnswered:
		msg = fmt.Sprintf("Answered %q: %s", d.Question, res.Value)
	case res.Fail:
		level = domain.LevelWarning
		msg = fmt.Sprintf("Decision %q timed out after %s, failing analysis", d.Question, waited(d))
	default:
		level = domain.LevelWarning
		msg = fmt.Sprintf("Decision %q timed out after %s, using default: %s", d.Question, waited(d), res.Value)
	}
	if _, err := s.appendLocked(r, level, msg); err != nil {
		return err
	}

	cleared.State = domain.StateRunning
	s.Broker.Publish(cleared)
	return s.transitionLocked(r, domain.StateRunning)
}

func waited(d domain.PendingDecision) string {
	if d.ExpiresAt == nil {
		return "deadline"
	}
	return d.ExpiresAt.Sub(d.RaisedAt).String()
}

func (s *Service) fail(r *run, step int, tool string, cause error) {
	var se *domain.StepError
	if !errors.As(cause, &se) {
		se = &domain.StepError{Step: step, Tool: tool, ExitStatus: -1, Message: cause.Error()}
	}

	r.mu.Lock()
	if r.discarding() || !domain.CanTransition(r.a.State, domain.StateFailed) {
		r.mu.Unlock()
		return
	}
	if _, err := s.finalLocked(r, domain.LevelError, "Analysis failed: "+se.Error()); err != nil {
		s.deps.Logger.WithError(err).WithField("analysis_id", r.a.ID).Warn("append failed")
	}
	_ = s.transitionLocked(r, domain.StateFailed)
	r.a.Reason = se.Message
	r.a.FailedStep = tool
	now := s.deps.Clock.Now().UTC()
	r.a.FinishedAt = &now
	snapshot := r.snapshot()
	r.mu.Unlock()

	runningAnalyses.Dec()
	s.deps.Logger.WithFields(logrus.Fields{
		"analysis_id": snapshot.ID,
		"step":        step,
		"tool":        tool,
	}).WithError(cause).Warn("analysis failed")

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	s.recordFailure(ctx, snapshot.TenantID, snapshot.ID, tool, domain.PhaseStep, se,
		map[string]any{"step": step, "exit_status": se.ExitStatus})
	cancel()
	s.finish(snapshot)
}

func (s *Service) complete(r *run) {
	r.mu.Lock()
	if r.discarding() || !domain.CanTransition(r.a.State, domain.StateCompleted) {
		r.mu.Unlock()
		return
	}
	msg := fmt.Sprintf("Analysis %s completed (%d step(s))", r.a.ID, len(r.a.ToolScope))
	if _, err := s.finalLocked(r, domain.LevelSuccess, msg); err != nil {
		s.deps.Logger.WithError(err).WithField("analysis_id", r.a.ID).Warn("append failed")
	}
	_ = s.transitionLocked(r, domain.StateCompleted)
	now := s.deps.Clock.Now().UTC()
	r.a.FinishedAt = &now
	snapshot := r.snapshot()
	r.mu.Unlock()

	runningAnalyses.Dec()
	s.deps.Logger.WithField("analysis_id", snapshot.ID).Info("analysis completed")
	s.finish(snapshot)
}
