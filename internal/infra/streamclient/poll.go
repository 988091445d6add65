package streamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

// Page is one answer of the log endpoint.
type Page struct {
	AnalysisID      domain.ID               `json:"analysis_id"`
	Records         []domain.LogRecord      `json:"records"`
	Cursor          uint64                  `json:"cursor"`
	State           domain.State            `json:"state"`
	PendingDecision *domain.PendingDecision `json:"pending_decision,omitempty"`
}

// Poller is the pull variant. The interval is a client policy.
type Poller struct {
	cfg      Config
	interval time.Duration
	limit    int
	clock    clockwork.Clock
}

func NewPoller(cfg Config, interval time.Duration, clock clockwork.Clock) *Poller {
	cfg.defaults()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{cfg: cfg, interval: interval, limit: 500, clock: clock}
}

// Page fetches records after since together with the current state.
func (p *Poller) Page(ctx context.Context, id domain.ID, since uint64) (*Page, error) {
	u := fmt.Sprintf("%s/v1/%s/analyses/%s/logs?since=%d&limit=%d",
		p.cfg.BaseURL, url.PathEscape(p.cfg.Tenant), url.PathEscape(string(id)), since, p.limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(domain.ErrDeliveryFailure, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			err = errors.Wrap(errorOf(apiErr.Code), apiErr.Error)
		} else {
			err = errors.Wrapf(domain.ErrDeliveryFailure, "log endpoint returned %d", resp.StatusCode)
		}
		return nil, err
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Wrap(domain.ErrDeliveryFailure, "decode log page")
	}
	return &page, nil
}

// Poll advances a cursor through the log until the analysis is terminal,
// calling handle for every page that carries records or a state change.
// Transient failures are retried with backoff before giving up.
func (p *Poller) Poll(ctx context.Context, id domain.ID, cursor uint64, handle func(*Page)) error {
	var lastState domain.State
	var lastDecision bool
	for {
		var page *Page
		err := backoff.Retry(func() error {
			var err error
			page, err = p.Page(ctx, id, cursor)
			if err != nil && !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}, p.cfg.retryPolicy(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if retryable(err) {
				return errors.Wrapf(domain.ErrDeliveryFailure, "retries exhausted: %v", err)
			}
			return err
		}

		page.Records = fresh(page.Records, cursor)
		hasDecision := page.PendingDecision != nil
		if len(page.Records) > 0 || page.State != lastState || hasDecision != lastDecision {
			handle(page)
		}
		lastState, lastDecision = page.State, hasDecision
		if n := len(page.Records); n > 0 {
			cursor = page.Records[n-1].Sequence
			if n == p.limit {
				// more is waiting, fetch it right away
				continue
			}
		}
		if page.State.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.interval):
		}
	}
}

// retryable reports whether err is a transport or server fault rather than
// an answer about the analysis itself.
func retryable(err error) bool {
	kind := domain.Kind(err)
	return kind == "internal" || kind == "delivery_failure"
}
