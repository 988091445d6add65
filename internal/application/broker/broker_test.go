package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-forensics/internal/application/eventlog"
	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

const id = domain.ID("FA-0001")

type fixture struct {
	log    *eventlog.Log
	broker *Broker
}

func newFixture(t *testing.T, buffer int) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	l := eventlog.New(clockwork.NewFakeClock())
	l.Open(id)
	b := New(l, buffer, logrus.NewEntry(logger))
	b.Open(id, domain.StateQueued)
	return &fixture{log: l, broker: b}
}

// appendAndPublish is what the state machine does for every record.
func (f *fixture) appendAndPublish(t *testing.T, msg string) domain.LogRecord {
	t.Helper()
	rec, err := f.log.Append(id, domain.LevelInfo, msg)
	require.NoError(t, err)
	f.broker.Publish(domain.Event{Type: domain.EventLogAppend, AnalysisID: id, Records: []domain.LogRecord{rec}, At: rec.Timestamp})
	return rec
}

func sequences(events []domain.Event) []uint64 {
	var out []uint64
	for _, ev := range events {
		for _, r := range ev.Records {
			out = append(out, r.Sequence)
		}
	}
	return out
}

func next(t *testing.T, sub *Subscription) []domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := sub.Next(ctx)
	require.NoError(t, err)
	return events
}

func TestLateSubscriberGetsHistoryBeforeLiveEvents(t *testing.T) {
	f := newFixture(t, 0)
	for i := 1; i <= 5; i++ {
		f.appendAndPublish(t, fmt.Sprintf("line %d", i))
	}

	sub, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)
	f.appendAndPublish(t, "live")

	events := next(t, sub)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, domain.EventLogAppend, events[0].Type)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sequences(events[:1]))
	assert.Equal(t, domain.EventStateChanged, events[1].Type)
	assert.Equal(t, domain.StateQueued, events[1].State)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, sequences(events))
	assert.Equal(t, uint64(6), sub.Cursor())
}

func TestSubscribeResumesFromCursor(t *testing.T) {
	f := newFixture(t, 0)
	for i := 0; i < 4; i++ {
		f.appendAndPublish(t, "x")
	}

	sub, err := f.broker.Subscribe(id, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, sequences(next(t, sub)))

	// cursor past the end is clamped
	sub2, err := f.broker.Subscribe(id, 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), sub2.Cursor())
	f.appendAndPublish(t, "y")
	assert.Equal(t, []uint64{5}, sequences(next(t, sub2)))
}

func TestDuplicatePublishIsDropped(t *testing.T) {
	f := newFixture(t, 0)
	rec, err := f.log.Append(id, domain.LevelInfo, "appended before subscribe, published after")
	require.NoError(t, err)

	sub, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)
	f.broker.Publish(domain.Event{Type: domain.EventLogAppend, AnalysisID: id, Records: []domain.LogRecord{rec}})

	assert.Equal(t, []uint64{1}, sequences(next(t, sub)))
	assert.Equal(t, 0, sub.Pending())
}

func TestIndependentCursors(t *testing.T) {
	f := newFixture(t, 0)
	a, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)
	b, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, f.broker.Subscribers(id))

	f.appendAndPublish(t, "one")
	next(t, a)
	f.appendAndPublish(t, "two")

	assert.Equal(t, []uint64{2}, sequences(next(t, a)))
	assert.Equal(t, []uint64{1, 2}, sequences(next(t, b)))
}

func TestSlowConsumerIsCompactedNotDropped(t *testing.T) {
	f := newFixture(t, 4)
	sub, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)
	next(t, sub) // initial state snapshot

	for i := 0; i < 20; i++ {
		f.appendAndPublish(t, "burst")
		if i == 9 {
			f.broker.Publish(domain.Event{Type: domain.EventStateChanged, AnalysisID: id, State: domain.StateRunning, Previous: domain.StateQueued})
		}
	}

	events := next(t, sub)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventCompacted, events[0].Type)

	var stateEvents int
	for _, ev := range events {
		if ev.Type == domain.EventStateChanged {
			stateEvents++
			assert.Equal(t, domain.StateRunning, ev.State)
		}
	}
	assert.Equal(t, 1, stateEvents, "state changes are never coalesced away")

	want := make([]uint64, 20)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	assert.Equal(t, want, sequences(events))

	// the state event sits between record 10 and 11
	for i, ev := range events {
		if ev.Type == domain.EventStateChanged {
			assert.Equal(t, uint64(10), events[i-1].LastSequence())
			assert.Equal(t, uint64(11), events[i+1].Records[0].Sequence)
		}
	}
}

func TestSnapshotIncludesOpenDecision(t *testing.T) {
	f := newFixture(t, 0)
	decision := &domain.PendingDecision{AnalysisID: id, Question: "Continue?", Options: domain.YesNo()}
	f.broker.Publish(domain.Event{Type: domain.EventStateChanged, AnalysisID: id, State: domain.StateAwaitingDecision})
	f.broker.Publish(domain.Event{Type: domain.EventDecisionRaised, AnalysisID: id, Decision: decision})

	sub, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)
	events := next(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, domain.StateAwaitingDecision, events[0].State)
	require.NotNil(t, events[1].Decision)
	assert.Equal(t, "Continue?", events[1].Decision.Question)

	f.broker.Publish(domain.Event{Type: domain.EventDecisionCleared, AnalysisID: id})
	late, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)
	assert.Len(t, next(t, late), 1)
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	sub, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)

	f.broker.Unsubscribe(sub)
	f.broker.Unsubscribe(sub)
	f.appendAndPublish(t, "after")

	assert.Equal(t, 0, f.broker.Subscribers(id))
	_, err = sub.Next(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(err, domain.ErrDeliveryFailure))
}

func TestCloseReleasesSubscribers(t *testing.T) {
	f := newFixture(t, 0)
	sub, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)

	f.broker.Close(id)
	f.broker.Close(id)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	_, err = f.broker.Subscribe(id, 0)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestPublishNeverBlocksOnIdleConsumer(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.broker.Subscribe(id, 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			f.appendAndPublish(t, "flood")
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a consumer that never reads")
	}
}
