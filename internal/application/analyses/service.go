package analyses

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Velocidex/ttlcache/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-forensics/internal/application"
	"github.com/bryanwahyu/automaton-forensics/internal/application/broker"
	"github.com/bryanwahyu/automaton-forensics/internal/application/decision"
	"github.com/bryanwahyu/automaton-forensics/internal/application/eventlog"
	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// Options tune the streaming core.
type Options struct {
	IDPrefix        string
	DecisionTimeout time.Duration
	TimeoutAction   decision.TimeoutAction
	DefaultChoice   string
	BufferSize      int
	Retention       time.Duration
}

// Dependencies of the Service. Executor and Clock are required, the rest
// are optional collaborators.
type Dependencies struct {
	Executor   domain.ToolExecutor
	Cases      domain.CaseStore
	Repo       domain.Repository
	Archive    domain.LogArchive
	Artifacts  domain.ArtifactStore
	Summarizer domain.Summarizer
	Failures   domain.FailureLog
	Clock      application.Clock
	Logger     logrus.FieldLogger
}

// Service implements use-cases untuk Analysis and owns every analysis'
// state machine. It is safe for concurrent use.
type Service struct {
	deps Dependencies
	opts Options

	Log    *eventlog.Log
	Broker *broker.Broker
	Gate   *decision.Gate

	mu      sync.RWMutex
	runs    map[domain.ID]*run
	counter atomic.Int64

	retention *ttlcache.Cache
	wg        sync.WaitGroup
}

func NewService(deps Dependencies, opts Options) *Service {
	if deps.Clock == nil {
		deps.Clock = application.SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if opts.IDPrefix == "" {
		opts.IDPrefix = "FA"
	}

	s := &Service{
		deps: deps,
		opts: opts,
		runs: make(map[domain.ID]*run),
	}
	s.Log = eventlog.New(deps.Clock)
	s.Broker = broker.New(s.Log, opts.BufferSize, deps.Logger)
	s.Gate = decision.New(deps.Clock, s, decision.Policy{
		Timeout:       opts.DecisionTimeout,
		Action:        opts.TimeoutAction,
		DefaultChoice: opts.DefaultChoice,
	}, deps.Logger)

	if opts.Retention > 0 {
		s.retention = ttlcache.NewCache()
		_ = s.retention.SetTTL(opts.Retention)
		s.retention.SetExpirationCallback(func(key string, value interface{}) error {
			s.evict(domain.ID(key))
			return nil
		})
	}
	return s
}

// Seed continues id numbering after the highest id already stored.
func (s *Service) Seed(ctx context.Context) error {
	if s.deps.Repo == nil {
		return nil
	}
	n, err := s.deps.Repo.MaxSequenceNumber(ctx, s.opts.IDPrefix)
	if err != nil {
		return errors.Wrap(err, "seed analysis ids")
	}
	s.counter.Store(int64(n))
	return nil
}

func (s *Service) nextID() domain.ID {
	n := s.counter.Add(1)
	return domain.ID(fmt.Sprintf("%s-%04d", s.opts.IDPrefix, n))
}

//
// ==== USE CASES ====
//

// SubmitCommand untuk membuat analysis baru
type SubmitCommand struct {
	TenantID  string
	CaseID    string
	ToolScope []string
	Options   domain.ExtractionOptions
}

// Submit accepts an analysis in state queued.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*domain.Analysis, error) {
	if strings.TrimSpace(cmd.CaseID) == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "case_id is required")
	}
	if len(cmd.ToolScope) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "tool_scope is empty")
	}

	options := domain.ExtractionOptions{}
	var targets []string
	if s.deps.Cases != nil {
		c, err := s.deps.Cases.GetCase(ctx, cmd.TenantID, cmd.CaseID)
		if err != nil {
			return nil, errors.Wrapf(err, "load case %s", cmd.CaseID)
		}
		if c == nil {
			return nil, errors.Wrapf(domain.ErrInvalidRequest, "unknown case %s", cmd.CaseID)
		}
		targets = append(targets, c.TargetUsers...)
		for k, v := range c.Options {
			options[k] = v
		}
	}
	for k, v := range cmd.Options {
		options[k] = v
	}

	id := s.nextID()
	r := &run{
		tenant: cmd.TenantID,
		a: domain.Analysis{
			ID:          id,
			TenantID:    cmd.TenantID,
			CaseID:      cmd.CaseID,
			ToolScope:   append([]string(nil), cmd.ToolScope...),
			TargetUsers: targets,
			Options:     options,
			State:       domain.StateQueued,
			CreatedAt:   s.deps.Clock.Now().UTC(),
		},
	}

	s.Log.Open(id)
	s.Broker.Open(id, domain.StateQueued)
	s.mu.Lock()
	s.runs[id] = r
	s.mu.Unlock()
	transitionsTotal.WithLabelValues(string(domain.StateQueued)).Inc()

	r.mu.Lock()
	_, err := s.appendLocked(r, domain.LevelInfo, fmt.Sprintf("Analysis %s queued for case %s (tools: %s)",
		id, cmd.CaseID, strings.Join(cmd.ToolScope, ", ")))
	snapshot := r.snapshot()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.save(ctx, &snapshot)
	s.deps.Logger.WithFields(logrus.Fields{
		"analysis_id": id,
		"tenant":      cmd.TenantID,
		"case_id":     cmd.CaseID,
	}).Info("analysis queued")
	return &snapshot, nil
}

// Start moves a queued analysis to running and drives its steps in the
// background. A non-empty scope replaces the submitted tool scope.
func (s *Service) Start(ctx context.Context, tenant string, id domain.ID, scope []string) (*domain.Analysis, error) {
	r := s.lookup(tenant, id)
	if r == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "analysis %s", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.a.State != domain.StateQueued {
		return nil, errors.Wrapf(domain.ErrAlreadyStarted, "analysis %s is %s", id, r.a.State)
	}
	if len(scope) > 0 {
		r.a.ToolScope = append([]string(nil), scope...)
	}
	if err := s.transitionLocked(r, domain.StateRunning); err != nil {
		return nil, err
	}
	now := s.deps.Clock.Now().UTC()
	r.a.StartedAt = &now
	if _, err := s.appendLocked(r, domain.LevelInfo, fmt.Sprintf("Analysis started with %d step(s)", len(r.a.ToolScope))); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.stop = cancel
	steps := append([]string(nil), r.a.ToolScope...)

	s.wg.Add(1)
	go s.execute(runCtx, r, steps)

	snapshot := r.snapshot()
	return &snapshot, nil
}

// Cancel pins a non-terminal analysis to cancelled. Cancelling twice, or
// cancelling a finished analysis, is a no-op.
func (s *Service) Cancel(ctx context.Context, tenant string, id domain.ID, reason string) (*domain.Analysis, error) {
	r := s.lookup(tenant, id)
	if r == nil {
		if a, err := s.archived(ctx, tenant, id); err == nil {
			return a, nil
		}
		return nil, errors.Wrapf(domain.ErrNotFound, "analysis %s", id)
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	r.mu.Lock()
	if r.a.State.Terminal() {
		snapshot := r.snapshot()
		r.mu.Unlock()
		return &snapshot, nil
	}
	r.cancelled = true
	wasRunning := r.a.State != domain.StateQueued
	if _, err := s.finalLocked(r, domain.LevelWarning, "Analysis cancelled: "+reason); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if err := s.transitionLocked(r, domain.StateCancelled); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.a.Reason = reason
	now := s.deps.Clock.Now().UTC()
	r.a.FinishedAt = &now
	stop := r.stop
	snapshot := r.snapshot()
	r.mu.Unlock()

	// the in-flight step is left to finish, its result is discarded
	if stop != nil {
		stop()
	}
	s.Gate.Cancel(id)
	if wasRunning {
		runningAnalyses.Dec()
	}

	s.deps.Logger.WithFields(logrus.Fields{"analysis_id": id, "reason": reason}).Info("analysis cancelled")
	s.finish(snapshot)
	return &snapshot, nil
}

// Answer resolves the open decision of an analysis.
func (s *Service) Answer(ctx context.Context, tenant string, id domain.ID, value string) error {
	r := s.lookup(tenant, id)
	if r == nil {
		return errors.Wrapf(domain.ErrNotFound, "analysis %s", id)
	}
	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		return errors.Wrapf(domain.ErrInvalidState, "analysis %s is cancelled", id)
	}
	return s.Gate.Answer(id, value)
}

// StatusView is what status queries return.
type StatusView struct {
	domain.Analysis
	PendingDecision *domain.PendingDecision `json:"pending_decision,omitempty"`
	LastSequence    uint64                  `json:"last_sequence"`
}

// Status returns state, open decision and last sequence of an analysis.
func (s *Service) Status(ctx context.Context, tenant string, id domain.ID) (*StatusView, error) {
	if r := s.lookup(tenant, id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return &StatusView{Analysis: r.snapshot(), PendingDecision: r.pendingCopy(), LastSequence: r.lastSequence}, nil
	}

	a, err := s.archived(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Analysis: *a}
	if s.deps.Archive != nil {
		last, err := s.deps.Archive.LastSequence(ctx, id)
		if err != nil {
			s.deps.Logger.WithError(err).WithField("analysis_id", id).Warn("read last archived sequence")
		}
		view.LastSequence = last
	}
	return view, nil
}

// LogPage is one page of the pull delivery channel.
type LogPage struct {
	AnalysisID      domain.ID               `json:"analysis_id"`
	Records         []domain.LogRecord      `json:"records"`
	Cursor          uint64                  `json:"cursor"`
	State           domain.State            `json:"state"`
	PendingDecision *domain.PendingDecision `json:"pending_decision,omitempty"`
}

// Logs returns records after since (at most limit when limit > 0) together
// with the state they were read under.
func (s *Service) Logs(ctx context.Context, tenant string, id domain.ID, since uint64, limit int) (*LogPage, error) {
	page := &LogPage{AnalysisID: id, Cursor: since}

	live := false
	if r := s.lookup(tenant, id); r != nil {
		r.mu.Lock()
		page.State = r.a.State
		page.PendingDecision = r.pendingCopy()
		records, err := s.Log.ReadPage(id, since, limit)
		r.mu.Unlock()
		switch {
		case err == nil:
			page.Records = records
			live = true
		case errors.Is(err, domain.ErrNotFound):
			// evicted between lookup and read
			page.PendingDecision = nil
		default:
			return nil, err
		}
	}
	if !live {
		a, err := s.archived(ctx, tenant, id)
		if err != nil {
			return nil, err
		}
		if s.deps.Archive == nil {
			return nil, errors.Wrapf(domain.ErrNotFound, "log of analysis %s", id)
		}
		records, err := s.deps.Archive.ReadSince(ctx, id, since, limit)
		if err != nil {
			return nil, err
		}
		page.State = a.State
		page.Records = records
	}

	if n := len(page.Records); n > 0 {
		page.Cursor = page.Records[n-1].Sequence
	}
	if page.Records == nil {
		page.Records = []domain.LogRecord{}
	}
	return page, nil
}

// List returns the most recent analyses of a tenant, newest first.
func (s *Service) List(ctx context.Context, tenant string, limit int) ([]*domain.Analysis, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		if r.tenant == tenant {
			runs = append(runs, r)
		}
	}
	s.mu.RUnlock()

	seen := make(map[domain.ID]bool, len(runs))
	out := make([]*domain.Analysis, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		a := r.snapshot()
		r.mu.Unlock()
		seen[a.ID] = true
		out = append(out, &a)
	}

	if s.deps.Repo != nil {
		stored, err := s.deps.Repo.Latest(ctx, tenant, limit)
		if err != nil {
			return nil, err
		}
		for _, a := range stored {
			if !seen[a.ID] {
				out = append(out, a)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Subscribe opens a live subscription starting after cursor.
func (s *Service) Subscribe(tenant string, id domain.ID, cursor uint64) (*broker.Subscription, error) {
	if s.lookup(tenant, id) == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "analysis %s", id)
	}
	return s.Broker.Subscribe(id, cursor)
}

// Unsubscribe releases a subscription. Idempotent.
func (s *Service) Unsubscribe(sub *broker.Subscription) {
	s.Broker.Unsubscribe(sub)
}

// Failures lists the recorded failures of an analysis, newest first.
func (s *Service) Failures(ctx context.Context, tenant string, id domain.ID, limit int) ([]*domain.Failure, error) {
	if s.lookup(tenant, id) == nil {
		if _, err := s.archived(ctx, tenant, id); err != nil {
			return nil, err
		}
	}
	if s.deps.Failures == nil {
		return []*domain.Failure{}, nil
	}
	list, err := s.deps.Failures.ListByAnalysis(ctx, tenant, id, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list failures of %s", id)
	}
	if list == nil {
		list = []*domain.Failure{}
	}
	return list, nil
}

// Stats counts in-memory analyses by state plus live subscriptions.
func (s *Service) Stats() map[string]int {
	s.mu.RLock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	stats := map[string]int{"analyses": len(runs), "subscriptions": 0}
	for _, r := range runs {
		r.mu.Lock()
		id, state := r.a.ID, r.a.State
		r.mu.Unlock()
		stats[string(state)]++
		stats["subscriptions"] += s.Broker.Subscribers(id)
	}
	return stats
}

// Shutdown cancels every unfinished analysis and waits for background work.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	var active []*run
	for _, r := range s.runs {
		active = append(active, r)
	}
	s.mu.RUnlock()

	for _, r := range active {
		r.mu.Lock()
		terminal := r.a.State.Terminal()
		r.mu.Unlock()
		if !terminal {
			_, _ = s.Cancel(ctx, r.tenant, r.a.ID, "server shutting down")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.retention != nil {
		return s.retention.Close()
	}
	return nil
}

func (s *Service) lookup(tenant string, id domain.ID) *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok || r.tenant != tenant {
		return nil
	}
	return r
}

func (s *Service) get(id domain.ID) *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[id]
}

func (s *Service) archived(ctx context.Context, tenant string, id domain.ID) (*domain.Analysis, error) {
	if s.deps.Repo == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "analysis %s", id)
	}
	a, err := s.deps.Repo.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "analysis %s", id)
	}
	return a, nil
}
