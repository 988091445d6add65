package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/infra/wire"
)

// GET /v1/{tenant}/analyses/{id}/events
// Server-sent events. The id field is the record sequence so a reconnecting
// EventSource resumes through Last-Event-ID; ?since= does the same for
// clients that manage the cursor themselves.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported")
	}

	cursor, err := eventCursor(req)
	if err != nil {
		return err
	}
	sub, err := r.svc.Subscribe(tenantOf(req), id, cursor)
	if err != nil {
		return err
	}
	defer r.svc.Unsubscribe(sub)

	log := r.logger.WithFields(logrus.Fields{"analysis_id": id, "subscription": sub.ID})
	log.Debug("event stream opened")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", r.stream.HeartbeatInterval.Milliseconds())
	flusher.Flush()

	ticker := r.clock.NewTicker(r.stream.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-req.Context().Done():
			return nil
		case <-sub.Done():
			// evicted, the client falls back to the log endpoint
			fmt.Fprint(w, "event: closed\ndata: {}\n\n")
			flusher.Flush()
			return nil
		case <-ticker.Chan():
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case <-sub.Ready():
			finished := false
			for _, ev := range sub.Drain() {
				if err := writeEvent(w, ev); err != nil {
					log.WithError(err).Debug("event stream write failed")
					return nil
				}
				if ev.Type == domain.EventStateChanged && ev.State.Terminal() {
					finished = true
				}
			}
			flusher.Flush()
			if finished {
				return nil
			}
		}
	}
}

func eventCursor(req *http.Request) (uint64, error) {
	raw := req.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = req.URL.Query().Get("since")
	}
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrap(domain.ErrInvalidRequest, "cursor must be a non-negative integer")
	}
	return cursor, nil
}

func writeEvent(w http.ResponseWriter, ev domain.Event) error {
	data, err := json.Marshal(wire.FromEvent(ev))
	if err != nil {
		return errors.Wrap(domain.ErrDeliveryFailure, err.Error())
	}
	if seq := ev.LastSequence(); seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
