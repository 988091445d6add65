// Package broker fans analysis events out to any number of independent
// subscribers without letting a slow subscriber hold up the producer.
package broker

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

const (
	// DefaultBufferSize is the per-subscription event capacity.
	DefaultBufferSize = 256

	historyBatch = 256
)

var (
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forensics_stream_active_subscriptions",
		Help: "Number of live analysis subscriptions.",
	})
	compactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forensics_stream_buffer_compactions_total",
		Help: "Number of times a slow subscriber's buffer was compacted.",
	})
	publishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forensics_stream_published_events_total",
		Help: "Events published to the broker by type.",
	}, []string{"type"})
)

// History supplies the records a new subscriber has not seen yet.
type History interface {
	ReadSince(id domain.ID, since uint64) ([]domain.LogRecord, error)
	LastSequence(id domain.ID) (uint64, error)
}

type topic struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	state   domain.State
	pending *domain.PendingDecision
	closed  bool
}

type Broker struct {
	history  History
	capacity int
	logger   logrus.FieldLogger

	mu     sync.Mutex
	topics map[domain.ID]*topic
}

func New(history History, bufferSize int, logger logrus.FieldLogger) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broker{
		history:  history,
		capacity: bufferSize,
		logger:   logger,
		topics:   make(map[domain.ID]*topic),
	}
}

// Open registers an analysis so clients can subscribe to it.
func (b *Broker) Open(id domain.ID, state domain.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[id]; !ok {
		b.topics[id] = &topic{subs: make(map[string]*Subscription), state: state}
	}
}

func (b *Broker) topic(id domain.ID) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[id]
}

// Subscribe replays every record after cursor, then the current state and
// any open decision, and only then starts live delivery.
func (b *Broker) Subscribe(id domain.ID, cursor uint64) (*Subscription, error) {
	t := b.topic(id)
	if t == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "analysis %s", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.Wrapf(domain.ErrNotFound, "analysis %s", id)
	}

	last, err := b.history.LastSequence(id)
	if err != nil {
		return nil, err
	}
	if cursor > last {
		cursor = last
	}
	records, err := b.history.ReadSince(id, cursor)
	if err != nil {
		return nil, err
	}

	replay := make([]domain.Event, 0, len(records)/historyBatch+2)
	for start := 0; start < len(records); start += historyBatch {
		end := start + historyBatch
		if end > len(records) {
			end = len(records)
		}
		replay = append(replay, domain.Event{
			Type:       domain.EventLogAppend,
			AnalysisID: id,
			Records:    records[start:end],
			At:         records[end-1].Timestamp,
		})
	}
	replay = append(replay, domain.Event{Type: domain.EventStateChanged, AnalysisID: id, State: t.state})
	if t.pending != nil {
		d := *t.pending
		replay = append(replay, domain.Event{Type: domain.EventDecisionRaised, AnalysisID: id, State: t.state, Decision: &d})
	}

	sub := newSubscription(uuid.NewString(), id, b.capacity, cursor, compactions.Inc)
	sub.preload(replay)
	t.subs[sub.ID] = sub
	activeSubscriptions.Inc()

	b.logger.WithFields(logrus.Fields{
		"analysis_id":  id,
		"subscription": sub.ID,
		"cursor":       cursor,
		"replayed":     len(records),
	}).Debug("subscribed")
	return sub, nil
}

// Publish hands ev to every subscriber of its analysis. It never blocks on
// a consumer; callers publish in append order.
func (b *Broker) Publish(ev domain.Event) {
	t := b.topic(ev.AnalysisID)
	if t == nil {
		return
	}
	publishedEvents.WithLabelValues(string(ev.Type)).Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	switch ev.Type {
	case domain.EventStateChanged:
		t.state = ev.State
	case domain.EventDecisionRaised:
		d := *ev.Decision
		t.pending = &d
	case domain.EventDecisionCleared:
		t.pending = nil
	}
	for _, sub := range t.subs {
		sub.enqueue(ev)
	}
}

// Unsubscribe stops delivery to sub immediately. Idempotent.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if t := b.topic(sub.AnalysisID); t != nil {
		t.mu.Lock()
		delete(t.subs, sub.ID)
		t.mu.Unlock()
	}
	if sub.close() {
		activeSubscriptions.Dec()
	}
}

// Close releases every subscriber of id and forgets the topic.
func (b *Broker) Close(id domain.ID) {
	b.mu.Lock()
	t := b.topics[id]
	delete(b.topics, id)
	b.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, sub := range t.subs {
		if sub.close() {
			activeSubscriptions.Dec()
		}
		delete(t.subs, key)
	}
}

// Subscribers returns the number of live subscriptions for id.
func (b *Broker) Subscribers(id domain.ID) int {
	t := b.topic(id)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
