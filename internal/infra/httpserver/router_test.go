package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-forensics/internal/application/analyses"
	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
)

const tenant = "acme"

// promptingExecutor asks one yes/no question in sparrow and finishes every
// other tool right away.
type promptingExecutor struct{}

func (promptingExecutor) RunStep(ctx context.Context, req domain.StepRequest) (domain.StepResult, error) {
	if req.Tool == "sparrow" {
		req.Emit(domain.LevelInfo, "collecting sign-ins")
		if _, err := req.Ask(ctx, &domain.DecisionNeeded{Key: "expand", Question: "Expand to guest accounts?", Options: domain.YesNo()}); err != nil {
			return domain.StepResult{}, err
		}
	}
	req.Emit(domain.LevelInfo, req.Tool+" done")
	return domain.StepResult{FindingsSummary: "0 alerts"}, nil
}

type server struct {
	svc   *analyses.Service
	http  *httptest.Server
	clock *clockwork.FakeClock
}

func newServer(t *testing.T, keys map[string]string) *server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)
	svc := analyses.NewService(analyses.Dependencies{
		Executor: promptingExecutor{},
		Clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		Logger:   log,
	}, analyses.Options{})

	clock := clockwork.NewFakeClock()
	h := NewRouter(svc, Config{
		APIKeys: keys,
		Stream:  StreamConfig{HeartbeatInterval: time.Second, PongWait: 5 * time.Second, WriteWait: time.Second},
		Clock:   clock,
		Logger:  log,
	})
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &server{svc: svc, http: ts, clock: clock}
}

func (s *server) do(t *testing.T, method, path string, body any, header ...string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.http.URL+path, &buf)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *server) submit(t *testing.T, tools ...string) string {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/v1/acme/analyses", map[string]any{"case_id": "CASE-1", "tool_scope": tools})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	return body["analysis_id"].(string)
}

func (s *server) waitState(t *testing.T, id string, want domain.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		view, err := s.svc.Status(context.Background(), tenant, domain.ID(id))
		return err == nil && view.State == want
	}, 2*time.Second, 5*time.Millisecond, "analysis never reached %s", want)
}

func TestSubmitReturnsQueuedAnalysis(t *testing.T) {
	s := newServer(t, nil)

	resp, body := s.do(t, http.MethodPost, "/v1/acme/analyses", map[string]any{
		"case_id":            "CASE-1",
		"tool_scope":         []string{"hawk", "loki"},
		"extraction_options": map[string]string{"days_back": "30"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "FA-0001", body["analysis_id"])
	assert.Equal(t, "queued", body["state"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestSubmitValidation(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing case", map[string]any{"tool_scope": []string{"hawk"}}},
		{"empty scope", map[string]any{"case_id": "CASE-1", "tool_scope": []string{}}},
		{"unknown tool", map[string]any{"case_id": "CASE-1", "tool_scope": []string{"nmap"}}},
		{"duplicate tool", map[string]any{"case_id": "CASE-1", "tool_scope": []string{"hawk", "hawk"}}},
		{"bad option key", map[string]any{"case_id": "CASE-1", "tool_scope": []string{"hawk"}, "extraction_options": map[string]string{"Bad Key": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, "/v1/acme/analyses", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_request", body["code"])
		})
	}
}

func TestDecisionFlowOverREST(t *testing.T) {
	s := newServer(t, nil)
	id := s.submit(t, "sparrow", "hawk")

	resp, body := s.do(t, http.MethodPost, "/v1/acme/analyses/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["state"])
	s.waitState(t, id, domain.StateAwaitingDecision)

	resp, body = s.do(t, http.MethodGet, "/v1/acme/analyses/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "awaiting_decision", body["state"])
	pending := body["pending_decision"].(map[string]any)
	assert.Equal(t, "Expand to guest accounts?", pending["question"])

	resp, body = s.do(t, http.MethodPost, "/v1/acme/analyses/"+id+"/decision", map[string]string{"value": "maybe"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_choice", body["code"])

	resp, _ = s.do(t, http.MethodPost, "/v1/acme/analyses/"+id+"/decision", map[string]string{"value": "yes"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s.waitState(t, id, domain.StateCompleted)

	resp, body = s.do(t, http.MethodPost, "/v1/acme/analyses/"+id+"/decision", map[string]string{"value": "yes"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "no_pending_decision", body["code"])

	resp, body = s.do(t, http.MethodPost, "/v1/acme/analyses/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_started", body["code"])
}

func TestLogsPaging(t *testing.T) {
	s := newServer(t, nil)
	resp, body := s.do(t, http.MethodPost, "/v1/acme/analyses", map[string]any{
		"case_id": "CASE-1", "tool_scope": []string{"hawk"}, "auto_start": true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["analysis_id"].(string)
	s.waitState(t, id, domain.StateCompleted)

	resp, body = s.do(t, http.MethodGet, "/v1/acme/analyses/"+id+"/logs?since=0&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := body["records"].([]any)
	require.Len(t, records, 2)
	assert.EqualValues(t, 2, body["cursor"])
	assert.Equal(t, "completed", body["state"])

	resp, body = s.do(t, http.MethodGet, "/v1/acme/analyses/"+id+"/logs?since=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rest := body["records"].([]any)
	require.NotEmpty(t, rest)
	first := rest[0].(map[string]any)
	assert.EqualValues(t, 3, first["sequence"])

	resp, _ = s.do(t, http.MethodGet, "/v1/acme/analyses/"+id+"/logs?since=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := newServer(t, nil)
	id := s.submit(t, "sparrow")

	resp, body := s.do(t, http.MethodPost, "/v1/acme/analyses/"+id+"/cancel", map[string]string{"reason": "wrong case"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["state"])

	resp, body = s.do(t, http.MethodPost, "/v1/acme/analyses/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["state"])
}

func TestUnknownAnalysis(t *testing.T) {
	s := newServer(t, nil)

	resp, body := s.do(t, http.MethodGet, "/v1/acme/analyses/FA-0404", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])

	resp, _ = s.do(t, http.MethodGet, "/v1/acme/analyses/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFailuresEndpoint(t *testing.T) {
	s := newServer(t, nil)
	id := s.submit(t, "loki")

	resp, body := s.do(t, http.MethodGet, "/v1/acme/analyses/"+id+"/failures", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["analysis_id"])
	assert.Empty(t, body["failures"])

	resp, _ = s.do(t, http.MethodGet, "/v1/acme/analyses/FA-0404/failures", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListNewestFirst(t *testing.T) {
	s := newServer(t, nil)
	s.submit(t, "hawk")
	s.submit(t, "loki")

	resp, body := s.do(t, http.MethodGet, "/v1/acme/analyses?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["analyses"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "FA-0002", list[0].(map[string]any)["analysis_id"])
}

func TestAPIKeysScopeTenants(t *testing.T) {
	s := newServer(t, map[string]string{"acme": "k-acme", "globex": "k-globex"})

	resp, _ := s.do(t, http.MethodGet, "/v1/acme/analyses", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/v1/acme/analyses", nil, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/v1/acme/analyses",
		map[string]any{"case_id": "CASE-1", "tool_scope": []string{"hawk"}}, "Authorization", "Bearer k-acme")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["analysis_id"].(string)

	resp, _ = s.do(t, http.MethodGet, "/v1/acme/analyses/"+id, nil, "Authorization", "Bearer k-globex")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/v1/globex/analyses/"+id, nil, "Authorization", "Bearer k-globex")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/v1/acme/analyses/"+id+"?access_token=k-acme", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProbes(t *testing.T) {
	s := newServer(t, nil)

	resp, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "streams")

	resp, err := s.http.Client().Get(s.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
}
