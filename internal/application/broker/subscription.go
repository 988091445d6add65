package broker

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// ErrClosed is returned by Next once the subscription has been released.
var ErrClosed = errors.Wrap(domain.ErrDeliveryFailure, "subscription closed")

// Subscription is one consumer's view of an analysis: an owned bounded
// buffer plus the cursor of the last record handed to the transport.
type Subscription struct {
	ID         string
	AnalysisID domain.ID

	capacity  int
	onCompact func()

	mu         sync.Mutex
	queue      []domain.Event
	lastQueued uint64
	cursor     uint64
	compacted  bool
	closed     bool

	ready chan struct{}
	done  chan struct{}
}

func newSubscription(id string, analysisID domain.ID, capacity int, cursor uint64, onCompact func()) *Subscription {
	return &Subscription{
		ID:         id,
		AnalysisID: analysisID,
		capacity:   capacity,
		onCompact:  onCompact,
		lastQueued: cursor,
		cursor:     cursor,
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Ready is signalled whenever events are waiting.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed when the subscription is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cursor returns the last record sequence handed out by Drain/Next.
func (s *Subscription) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Pending returns the number of buffered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// preload queues the history replay ahead of any live event. Replay is not
// subject to compaction.
func (s *Subscription) preload(events []domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, events...)
	for _, ev := range events {
		if seq := ev.LastSequence(); seq > s.lastQueued {
			s.lastQueued = seq
		}
	}
	if len(s.queue) > 0 {
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}

func (s *Subscription) enqueue(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if ev.Type == domain.EventLogAppend {
		// drop records already queued (history replay races with live appends)
		fresh := ev.Records[:0:0]
		for _, r := range ev.Records {
			if r.Sequence > s.lastQueued {
				fresh = append(fresh, r)
			}
		}
		if len(fresh) == 0 {
			return
		}
		ev.Records = fresh
		s.lastQueued = fresh[len(fresh)-1].Sequence
	}

	s.queue = append(s.queue, ev)
	if s.capacity > 0 && len(s.queue) > s.capacity {
		s.compact()
	}

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// compact merges adjacent log batches. State and decision events are kept
// as they are, so the buffer may stay above capacity when it holds mostly
// those.
func (s *Subscription) compact() {
	before := len(s.queue)
	merged := make([]domain.Event, 0, before)
	for _, ev := range s.queue {
		n := len(merged)
		if ev.Type == domain.EventLogAppend && n > 0 && merged[n-1].Type == domain.EventLogAppend {
			tail := &merged[n-1]
			records := make([]domain.LogRecord, 0, len(tail.Records)+len(ev.Records))
			records = append(records, tail.Records...)
			tail.Records = append(records, ev.Records...)
			tail.At = ev.At
			continue
		}
		merged = append(merged, ev)
	}
	s.queue = merged
	if len(merged) < before {
		s.compacted = true
		if s.onCompact != nil {
			s.onCompact()
		}
	}
}

// Drain takes every buffered event without blocking. A buffer_compacted
// notice leads the batch when compaction happened since the last drain.
func (s *Subscription) Drain() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}

	events := s.queue
	s.queue = nil
	if s.compacted {
		notice := domain.Event{Type: domain.EventCompacted, AnalysisID: s.AnalysisID, At: events[0].At}
		events = append([]domain.Event{notice}, events...)
		s.compacted = false
	}
	for _, ev := range events {
		if seq := ev.LastSequence(); seq > s.cursor {
			s.cursor = seq
		}
	}
	return events
}

// Next blocks until events are available, the subscription closes, or ctx ends.
func (s *Subscription) Next(ctx context.Context) ([]domain.Event, error) {
	for {
		if events := s.Drain(); len(events) > 0 {
			return events, nil
		}
		select {
		case <-s.ready:
		case <-s.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	return true
}
