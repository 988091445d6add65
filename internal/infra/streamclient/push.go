// Package streamclient follows an analysis from outside the server, over the
// push (websocket) or pull (log polling) delivery channel.
package streamclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/wire"
)

// ConnState is the health of the channel itself. It says nothing about the
// analysis: a failed analysis on a healthy channel is Connected.
type ConnState string

const (
	Connecting   ConnState = "connecting"
	Connected    ConnState = "connected"
	Reconnecting ConnState = "reconnecting"
	Disconnected ConnState = "disconnected"
)

// ErrClosedByServer means the server released the subscription, usually
// because the analysis was evicted. Its history is still on the log endpoint.
var ErrClosedByServer = errors.Wrap(domain.ErrDeliveryFailure, "stream closed by server")

// Config for both clients.
type Config struct {
	BaseURL string
	Tenant  string
	APIKey  string

	// HeartbeatTimeout is the silence after which the push client reconnects.
	HeartbeatTimeout time.Duration
	MaxRetries       uint64
	InitialInterval  time.Duration
	MaxInterval      time.Duration

	// OnState is called on every channel state change.
	OnState func(ConnState)

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

func (c *Config) defaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

func (c *Config) retryPolicy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialInterval
	exp.MaxInterval = c.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, c.MaxRetries), ctx)
}

// PushClient follows analyses over the websocket stream and reconnects with
// bounded exponential backoff. Replayed records are dropped by sequence.
type PushClient struct {
	cfg Config

	mu      sync.Mutex
	state   ConnState
	conn    *websocket.Conn
	replies map[string]chan wire.Message
}

func NewPushClient(cfg Config) *PushClient {
	cfg.defaults()
	return &PushClient{cfg: cfg, state: Disconnected, replies: make(map[string]chan wire.Message)}
}

// State returns the current channel state.
func (c *PushClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *PushClient) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *PushClient) streamURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/" + url.PathEscape(c.cfg.Tenant) + "/stream"
	return u.String(), nil
}

// Follow subscribes to one analysis starting after cursor and hands every
// new event to handle, in order and at most once per record. It returns nil
// once the analysis reaches a terminal state. When the reconnect budget runs
// out the client stays Disconnected and the error wraps ErrDeliveryFailure.
func (c *PushClient) Follow(ctx context.Context, id domain.ID, cursor uint64, handle func(domain.Event)) error {
	target, err := c.streamURL()
	if err != nil {
		return err
	}
	log := c.cfg.Logger.WithField("analysis_id", id)

	policy := c.cfg.retryPolicy(ctx)
	attempt := 0
	op := func() error {
		if attempt == 0 {
			c.setState(Connecting)
		} else {
			c.setState(Reconnecting)
		}
		attempt++

		conn, err := c.dial(ctx, target)
		if err != nil {
			return err
		}
		c.setState(Connected)
		policy.Reset()

		err = c.session(ctx, conn, id, &cursor, handle)
		c.detach(conn)
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warn("stream interrupted, reconnecting")
	}

	err = backoff.RetryNotify(op, policy, notify)
	c.setState(Disconnected)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, domain.ErrDeliveryFailure):
		return err
	default:
		return errors.Wrapf(domain.ErrDeliveryFailure, "reconnect budget exhausted: %v", err)
	}
}

func (c *PushClient) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound) {
			return nil, backoff.Permanent(errors.Wrapf(domain.ErrDeliveryFailure, "stream rejected with status %d", resp.StatusCode))
		}
		return nil, errors.Wrap(err, "dial stream")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *PushClient) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for key, ch := range c.replies {
		close(ch)
		delete(c.replies, key)
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *PushClient) write(m wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.Wrap(domain.ErrDeliveryFailure, "not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(m)
}

// session runs one connection until it breaks or the analysis finishes.
func (c *PushClient) session(ctx context.Context, conn *websocket.Conn, id domain.ID, cursor *uint64, handle func(domain.Event)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := c.write(wire.Message{Type: wire.TypeSubscribe, AnalysisID: id, Cursor: *cursor}); err != nil {
		return err
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		var m wire.Message
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return errors.Wrap(err, "read stream")
		}

		switch m.Type {
		case wire.TypeSubscribed, wire.TypeHeartbeat:
			continue
		case wire.TypeAck, wire.TypeError:
			if c.reply(m) {
				continue
			}
			if m.Type == wire.TypeError && m.AnalysisID == id {
				return backoff.Permanent(errors.Wrapf(domain.ErrDeliveryFailure, "subscribe %s: %s", id, m.Error))
			}
			continue
		case wire.TypeUnsubscribed:
			if m.AnalysisID == id {
				return backoff.Permanent(ErrClosedByServer)
			}
			continue
		}

		ev, ok := m.Event()
		if !ok || ev.AnalysisID != id {
			continue
		}
		if ev.Type == domain.EventLogAppend {
			ev.Records = fresh(ev.Records, *cursor)
			if len(ev.Records) == 0 {
				continue
			}
			*cursor = ev.LastSequence()
		}
		handle(ev)
		if ev.Type == domain.EventStateChanged && ev.State.Terminal() {
			return nil
		}
	}
}

// fresh drops records at or below cursor.
func fresh(records []domain.LogRecord, cursor uint64) []domain.LogRecord {
	for i, r := range records {
		if r.Sequence > cursor {
			return records[i:]
		}
	}
	return nil
}

func (c *PushClient) reply(m wire.Message) bool {
	if m.RequestID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.replies[m.RequestID]
	delete(c.replies, m.RequestID)
	c.mu.Unlock()
	if ok {
		ch <- m
	}
	return ok
}

// Answer resolves the open decision of an analysis over the live connection.
// Errors carry the server's error kind.
func (c *PushClient) Answer(ctx context.Context, id domain.ID, value string) error {
	requestID := uuid.NewString()
	ch := make(chan wire.Message, 1)
	c.mu.Lock()
	c.replies[requestID] = ch
	c.mu.Unlock()

	if err := c.write(wire.Message{Type: wire.TypeAnswer, AnalysisID: id, Value: value, RequestID: requestID}); err != nil {
		c.mu.Lock()
		delete(c.replies, requestID)
		c.mu.Unlock()
		return err
	}

	select {
	case m, ok := <-ch:
		if !ok {
			return errors.Wrap(domain.ErrDeliveryFailure, "connection lost before answer was acknowledged")
		}
		if m.Type == wire.TypeError {
			return errors.Wrap(errorOf(m.Code), m.Error)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.replies, requestID)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// errorOf maps an error kind from the wire back to its sentinel.
func errorOf(code string) error {
	for _, sentinel := range []error{
		domain.ErrNotFound, domain.ErrInvalidRequest, domain.ErrAlreadyStarted, domain.ErrInvalidState,
		domain.ErrAlreadyPending, domain.ErrNoPendingDecision, domain.ErrInvalidChoice,
		domain.ErrDeliveryFailure, domain.ErrStepFailure,
	} {
		if domain.Kind(sentinel) == code {
			return sentinel
		}
	}
	return errors.Errorf("server error (%s)", code)
}
