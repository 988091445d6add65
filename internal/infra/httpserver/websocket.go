package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-forensics/internal/application/analyses"
	"github.com/bryanwahyu/automaton-forensics/internal/application/broker"
	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/wire"
	"github.com/bryanwahyu/automaton-forensics/internal/middleware"
)

const (
	outboxSize     = 64
	maxMessageSize = 64 << 10
)

// pushHandler serves GET /v1/{tenant}/stream. One socket can follow any
// number of analyses of its tenant.
type pushHandler struct {
	svc      *analyses.Service
	cfg      StreamConfig
	clock    clockwork.Clock
	logger   logrus.FieldLogger
	upgrader websocket.Upgrader
}

func newPushHandler(svc *analyses.Service, cfg StreamConfig, origins []string, clock clockwork.Clock, logger logrus.FieldLogger) *pushHandler {
	return &pushHandler{
		svc:    svc,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
	}
}

// originChecker allows same-origin requests, requests without Origin and
// the configured dashboard origins.
func originChecker(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func (h *pushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantFromContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already replied
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &pushConn{
		h:      h,
		conn:   conn,
		tenant: tenant,
		out:    make(chan wire.Message, outboxSize),
		subs:   make(map[domain.ID]*pump),
		ctx:    ctx,
		cancel: cancel,
		log:    h.logger.WithFields(logrus.Fields{"tenant": tenant, "remote": r.RemoteAddr}),
	}
	c.serve()
}

type pump struct {
	sub    *broker.Subscription
	cancel context.CancelFunc
}

type pushConn struct {
	h      *pushHandler
	conn   *websocket.Conn
	tenant string
	out    chan wire.Message
	ctx    context.Context
	cancel context.CancelFunc
	log    logrus.FieldLogger

	mu   sync.Mutex
	subs map[domain.ID]*pump
	wg   sync.WaitGroup
}

func (c *pushConn) serve() {
	c.log.Debug("push channel connected")
	c.wg.Add(1)
	go c.writeLoop()

	c.readLoop()

	c.cancel()
	c.mu.Lock()
	for id, p := range c.subs {
		p.cancel()
		c.h.svc.Unsubscribe(p.sub)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
	_ = c.conn.Close()
	c.log.Debug("push channel closed")
}

func (c *pushConn) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("push channel read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.PongWait))

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(wire.ErrorMessage("", "", errors.Wrap(domain.ErrInvalidRequest, "malformed message")))
			continue
		}
		c.handle(msg)
	}
}

func (c *pushConn) handle(msg wire.Message) {
	switch msg.Type {
	case wire.TypeSubscribe:
		c.subscribe(msg.AnalysisID, msg.Cursor, msg.RequestID)
	case wire.TypeUnsubscribe:
		c.unsubscribe(msg.AnalysisID)
		c.send(wire.Message{Type: wire.TypeUnsubscribed, AnalysisID: msg.AnalysisID, RequestID: msg.RequestID})
	case wire.TypeAnswer:
		err := c.h.svc.Answer(c.ctx, c.tenant, msg.AnalysisID, msg.Value)
		if err != nil {
			c.send(wire.ErrorMessage(msg.AnalysisID, msg.RequestID, err))
			return
		}
		c.send(wire.Message{Type: wire.TypeAck, AnalysisID: msg.AnalysisID, RequestID: msg.RequestID, Value: msg.Value})
	case wire.TypeHeartbeat:
		c.send(c.heartbeat())
	default:
		c.send(wire.ErrorMessage(msg.AnalysisID, msg.RequestID,
			errors.Wrapf(domain.ErrInvalidRequest, "unknown message type %q", msg.Type)))
	}
}

func (c *pushConn) subscribe(id domain.ID, cursor uint64, requestID string) {
	if err := middleware.ValidateAnalysisID(string(id)); err != nil {
		c.send(wire.ErrorMessage(id, requestID, errors.Wrap(domain.ErrInvalidRequest, err.Error())))
		return
	}
	// a repeated subscribe restarts from the new cursor
	c.unsubscribe(id)

	sub, err := c.h.svc.Subscribe(c.tenant, id, cursor)
	if err != nil {
		c.send(wire.ErrorMessage(id, requestID, err))
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.subs[id] = &pump{sub: sub, cancel: cancel}
	c.mu.Unlock()

	c.send(wire.Message{Type: wire.TypeSubscribed, AnalysisID: id, Cursor: sub.Cursor(), RequestID: requestID})
	c.log.WithFields(logrus.Fields{"analysis_id": id, "subscription": sub.ID, "cursor": cursor}).Debug("subscribed")

	c.wg.Add(1)
	go c.pump(ctx, sub)
}

func (c *pushConn) unsubscribe(id domain.ID) {
	c.mu.Lock()
	p, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		p.cancel()
		c.h.svc.Unsubscribe(p.sub)
	}
}

// pump forwards one subscription to the outbox. Blocking on a full outbox
// lets the subscription buffer absorb and compact the backlog.
func (c *pushConn) pump(ctx context.Context, sub *broker.Subscription) {
	defer c.wg.Done()
	for {
		events, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) && ctx.Err() == nil {
				c.mu.Lock()
				if p, ok := c.subs[sub.AnalysisID]; ok && p.sub == sub {
					delete(c.subs, sub.AnalysisID)
				}
				c.mu.Unlock()
				c.send(wire.Message{Type: wire.TypeUnsubscribed, AnalysisID: sub.AnalysisID})
			}
			return
		}
		for _, ev := range events {
			if !c.sendCtx(ctx, wire.FromEvent(ev)) {
				return
			}
		}
	}
}

func (c *pushConn) send(m wire.Message) bool { return c.sendCtx(c.ctx, m) }

func (c *pushConn) sendCtx(ctx context.Context, m wire.Message) bool {
	select {
	case c.out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *pushConn) heartbeat() wire.Message {
	now := c.h.clock.Now().UTC()
	return wire.Message{Type: wire.TypeHeartbeat, At: &now}
}

// writeLoop is the only writer of the socket.
func (c *pushConn) writeLoop() {
	defer c.wg.Done()
	ticker := c.h.clock.NewTicker(c.h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.h.cfg.WriteWait))
			return
		case m := <-c.out:
			if err := c.write(m); err != nil {
				c.fail(err)
				return
			}
		case <-ticker.Chan():
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.h.cfg.WriteWait)); err != nil {
				c.fail(err)
				return
			}
			if err := c.write(c.heartbeat()); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *pushConn) write(m wire.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteWait))
	if err := c.conn.WriteJSON(m); err != nil {
		return errors.Wrap(domain.ErrDeliveryFailure, err.Error())
	}
	return nil
}

// fail tears the socket down so the read loop returns too.
func (c *pushConn) fail(err error) {
	c.log.WithError(err).Debug("push channel write failed")
	c.cancel()
	_ = c.conn.Close()
}
