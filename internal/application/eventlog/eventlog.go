// Package eventlog keeps the ordered, append-only record of everything that
// happened to each analysis.
package eventlog

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// Log holds one stream per analysis. Each stream has a single writer (the
// analysis' own state machine) and any number of readers.
type Log struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	streams map[domain.ID]*stream
}

type stream struct {
	mu      sync.RWMutex
	records []domain.LogRecord
	sealed  bool
}

func New(clock clockwork.Clock) *Log {
	return &Log{clock: clock, streams: make(map[domain.ID]*stream)}
}

// Open creates the stream for a newly accepted analysis. Opening an existing
// stream is a no-op.
func (l *Log) Open(id domain.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.streams[id]; !ok {
		l.streams[id] = &stream{}
	}
}

func (l *Log) get(id domain.ID) (*stream, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.streams[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "event log %s", id)
	}
	return s, nil
}

// Append adds a record with the next sequence number.
func (l *Log) Append(id domain.ID, level domain.Level, message string) (domain.LogRecord, error) {
	return l.append(id, level, message, false)
}

// AppendFinal appends the terminating record and seals the stream in one
// step; afterwards every Append fails with ErrInvalidState.
func (l *Log) AppendFinal(id domain.ID, level domain.Level, message string) (domain.LogRecord, error) {
	return l.append(id, level, message, true)
}

func (l *Log) append(id domain.ID, level domain.Level, message string, seal bool) (domain.LogRecord, error) {
	if !level.Valid() {
		return domain.LogRecord{}, errors.Wrapf(domain.ErrInvalidRequest, "unknown level %q", level)
	}
	s, err := l.get(id)
	if err != nil {
		return domain.LogRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return domain.LogRecord{}, errors.Wrapf(domain.ErrInvalidState, "event log %s is closed", id)
	}
	rec := domain.LogRecord{
		Sequence:   uint64(len(s.records)) + 1,
		Timestamp:  l.clock.Now().UTC(),
		Level:      level,
		Message:    message,
		AnalysisID: id,
	}
	s.records = append(s.records, rec)
	s.sealed = seal
	return rec, nil
}

// ReadSince returns a copy of every record with sequence > since, ascending.
func (l *Log) ReadSince(id domain.ID, since uint64) ([]domain.LogRecord, error) {
	return l.ReadPage(id, since, 0)
}

// ReadPage is ReadSince capped at limit records; limit <= 0 means all.
func (l *Log) ReadPage(id domain.ID, since uint64, limit int) ([]domain.LogRecord, error) {
	s, err := l.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// sequences are 1..n without gaps, so record i has sequence i+1
	if since >= uint64(len(s.records)) {
		return []domain.LogRecord{}, nil
	}
	n := len(s.records) - int(since)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.LogRecord, n)
	copy(out, s.records[since:])
	return out, nil
}

// LastSequence returns the highest sequence appended so far (0 when empty).
func (l *Log) LastSequence(id domain.ID) (uint64, error) {
	s, err := l.get(id)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.records)), nil
}

// Sealed reports whether the stream accepts no further appends.
func (l *Log) Sealed(id domain.ID) (bool, error) {
	s, err := l.get(id)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed, nil
}

// Clear discards the stream of a finished or archived analysis. Idempotent.
func (l *Log) Clear(id domain.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.streams, id)
}
