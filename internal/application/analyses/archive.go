package analyses

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

const archiveTimeout = 30 * time.Second

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forensics_analysis_transitions_total",
		Help: "Analysis state transitions by target state.",
	}, []string{"state"})
	runningAnalyses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forensics_analysis_running",
		Help: "Analyses currently running or awaiting a decision.",
	})
	archiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forensics_analysis_archive_failures_total",
		Help: "Failed attempts to persist a finished analysis.",
	})
)

// finish archives a terminal analysis in the background and schedules its
// in-memory stream for eviction.
func (s *Service) finish(a domain.Analysis) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		s.archive(ctx, a)
		if s.retention != nil {
			_ = s.retention.Set(string(a.ID), a.TenantID)
		}
	}()
}

func (s *Service) archive(ctx context.Context, a domain.Analysis) {
	logger := s.deps.Logger.WithField("analysis_id", a.ID)

	records, err := s.Log.ReadSince(a.ID, 0)
	if err != nil {
		logger.WithError(err).Warn("read log for archive")
		return
	}

	if s.deps.Artifacts != nil {
		data, err := encodeNDJSON(records)
		if err == nil {
			key := fmt.Sprintf("%s/%s/%s.ndjson", a.TenantID, a.CaseID, a.ID)
			url, err := s.deps.Artifacts.PutLogExport(ctx, key, data)
			if err != nil {
				archiveFailures.Inc()
				logger.WithError(err).Warn("export log to object storage")
				s.recordFailure(ctx, a.TenantID, a.ID, "", domain.PhaseArchive, err, map[string]any{"key": key})
			} else {
				a.ArtifactURL = url
				if r := s.get(a.ID); r != nil {
					r.mu.Lock()
					r.a.ArtifactURL = url
					r.mu.Unlock()
				}
			}
		}
	}

	if s.deps.Archive != nil {
		if err := s.deps.Archive.AppendRecords(ctx, records); err != nil {
			archiveFailures.Inc()
			logger.WithError(err).Warn("archive log records")
			s.recordFailure(ctx, a.TenantID, a.ID, "", domain.PhaseArchive, err, map[string]any{"records": len(records)})
		}
	}
	s.save(ctx, &a)
}

func (s *Service) save(ctx context.Context, a *domain.Analysis) {
	if s.deps.Repo == nil {
		return
	}
	if err := s.deps.Repo.Save(ctx, a); err != nil {
		archiveFailures.Inc()
		s.deps.Logger.WithError(err).WithField("analysis_id", a.ID).Warn("save analysis")
	}
}

// recordFailure writes an entry to the failure log when one is configured.
// Errors writing it are only logged.
func (s *Service) recordFailure(ctx context.Context, tenant string, id domain.ID, tool, phase string, cause error, details map[string]any) {
	if s.deps.Failures == nil {
		return
	}
	f := &domain.Failure{
		TenantID:   tenant,
		AnalysisID: id,
		Tool:       tool,
		Phase:      phase,
		Message:    cause.Error(),
		CreatedAt:  s.deps.Clock.Now().UTC(),
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			f.DetailsJSON = string(b)
		}
	}
	if err := s.deps.Failures.Save(ctx, f); err != nil {
		s.deps.Logger.WithError(err).WithField("analysis_id", id).Warn("save failure entry")
	}
}

// evict drops everything the server holds in memory for a finished analysis.
// Later queries fall back to the repository and the log archive.
func (s *Service) evict(id domain.ID) {
	// unlist first so new queries go to the archive before the stream is gone
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	s.Broker.Close(id)
	s.Log.Clear(id)
	s.deps.Logger.WithField("analysis_id", id).Debug("analysis evicted from memory")
}

func encodeNDJSON(records []domain.LogRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
