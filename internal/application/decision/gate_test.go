package decision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

type recordingHooks struct {
	mu      sync.Mutex
	raised  []domain.PendingDecision
	cleared []domain.Resolution
	failOn  error
}

func (h *recordingHooks) DecisionRaised(d domain.PendingDecision) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failOn != nil {
		return h.failOn
	}
	h.raised = append(h.raised, d)
	return nil
}

func (h *recordingHooks) DecisionCleared(d domain.PendingDecision, r domain.Resolution) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared = append(h.cleared, r)
	return nil
}

func (h *recordingHooks) clearedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cleared)
}

func newGate(t *testing.T, policy Policy) (*Gate, *recordingHooks, *clockwork.FakeClock) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	hooks := &recordingHooks{}
	return New(clock, hooks, policy, logrus.NewEntry(logger)), hooks, clock
}

func yesNo(question string) Request {
	return Request{Question: question, Options: domain.YesNo(), ToolContext: "step-1"}
}

func TestRaiseTwiceFailsWithAlreadyPending(t *testing.T) {
	g, hooks, _ := newGate(t, Policy{})

	_, err := g.Raise("FA-0001", yesNo("Continue?"))
	require.NoError(t, err)

	_, err = g.Raise("FA-0001", yesNo("Again?"))
	assert.True(t, errors.Is(err, domain.ErrAlreadyPending))
	assert.Len(t, hooks.raised, 1)

	// other analyses have their own slot
	_, err = g.Raise("FA-0002", yesNo("Continue?"))
	assert.NoError(t, err)
}

func TestAnswerValidation(t *testing.T) {
	g, _, _ := newGate(t, Policy{})

	err := g.Answer("FA-0001", "yes")
	assert.True(t, errors.Is(err, domain.ErrNoPendingDecision))

	ticket, err := g.Raise("FA-0001", yesNo("Continue?"))
	require.NoError(t, err)

	err = g.Answer("FA-0001", "maybe")
	assert.True(t, errors.Is(err, domain.ErrInvalidChoice))

	_, pending := g.Pending("FA-0001")
	assert.True(t, pending, "invalid choice must leave the decision open")

	require.NoError(t, g.Answer("FA-0001", "no"))
	res, err := g.Wait(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, domain.Resolution{Value: "no", Outcome: domain.OutcomeAnswered}, res)

	_, pending = g.Pending("FA-0001")
	assert.False(t, pending)

	// slot is free again
	_, err = g.Raise("FA-0001", yesNo("Next?"))
	assert.NoError(t, err)
}

func TestRaiseRejectsBadRequests(t *testing.T) {
	g, _, _ := newGate(t, Policy{})

	_, err := g.Raise("FA-0001", Request{Question: "", Options: domain.YesNo()})
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

	_, err = g.Raise("FA-0001", Request{Question: "q"})
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))

	_, err = g.Raise("FA-0001", Request{Question: "q", Options: []domain.Option{{Value: "a"}, {Value: "a"}}})
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

func TestHookFailureLeavesSlotFree(t *testing.T) {
	g, hooks, _ := newGate(t, Policy{Timeout: time.Second})
	hooks.failOn = domain.ErrInvalidState

	_, err := g.Raise("FA-0001", yesNo("Continue?"))
	assert.True(t, errors.Is(err, domain.ErrInvalidState))

	_, pending := g.Pending("FA-0001")
	assert.False(t, pending)
}

func TestTimeoutResolvesWithDefault(t *testing.T) {
	g, hooks, clock := newGate(t, Policy{DefaultChoice: "no"})

	req := yesNo("Continue?")
	req.Timeout = 5 * time.Second
	ticket, err := g.Raise("FA-0001", req)
	require.NoError(t, err)
	require.NotNil(t, ticket.Decision.ExpiresAt)
	assert.Equal(t, ticket.Decision.RaisedAt.Add(5*time.Second), *ticket.Decision.ExpiresAt)

	clock.Advance(4 * time.Second)
	select {
	case <-ticket.Done():
		t.Fatal("resolved before the deadline")
	default:
	}

	clock.Advance(time.Second)
	select {
	case res := <-ticket.Done():
		assert.Equal(t, domain.OutcomeTimedOut, res.Outcome)
		assert.Equal(t, "no", res.Value)
		assert.False(t, res.Fail)
	case <-time.After(2 * time.Second):
		t.Fatal("decision did not time out")
	}
	require.Eventually(t, func() bool { return hooks.clearedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTimeoutRequestDefaultWins(t *testing.T) {
	g, _, clock := newGate(t, Policy{Timeout: time.Second, DefaultChoice: "no"})

	req := yesNo("Continue?")
	req.Default = "yes"
	ticket, err := g.Raise("FA-0001", req)
	require.NoError(t, err)

	clock.Advance(time.Second)
	select {
	case res := <-ticket.Done():
		assert.Equal(t, "yes", res.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("decision did not time out")
	}
}

func TestTimeoutFailPolicy(t *testing.T) {
	g, _, clock := newGate(t, Policy{Timeout: time.Second, Action: TimeoutFail, DefaultChoice: "no"})

	ticket, err := g.Raise("FA-0001", yesNo("Continue?"))
	require.NoError(t, err)

	clock.Advance(time.Second)
	select {
	case res := <-ticket.Done():
		assert.Equal(t, domain.OutcomeTimedOut, res.Outcome)
		assert.True(t, res.Fail)
		assert.Empty(t, res.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("decision did not time out")
	}
}

func TestAnswerBeforeTimeoutStopsTimer(t *testing.T) {
	g, hooks, clock := newGate(t, Policy{Timeout: time.Second, DefaultChoice: "no"})

	_, err := g.Raise("FA-0001", yesNo("Continue?"))
	require.NoError(t, err)
	require.NoError(t, g.Answer("FA-0001", "yes"))

	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, hooks.clearedCount())
}

func TestCancelResolvesWaiter(t *testing.T) {
	g, hooks, _ := newGate(t, Policy{})

	g.Cancel("FA-0001") // nothing open

	ticket, err := g.Raise("FA-0001", yesNo("Continue?"))
	require.NoError(t, err)

	done := make(chan domain.Resolution, 1)
	go func() {
		res, _ := g.Wait(context.Background(), ticket)
		done <- res
	}()

	g.Cancel("FA-0001")
	select {
	case res := <-done:
		assert.Equal(t, domain.OutcomeCancelled, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter left dangling")
	}
	assert.Equal(t, 1, hooks.clearedCount())
}

func TestWaitHonoursContext(t *testing.T) {
	g, _, _ := newGate(t, Policy{})
	ticket, err := g.Raise("FA-0001", yesNo("Continue?"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Wait(ctx, ticket)
	assert.ErrorIs(t, err, context.Canceled)
}
