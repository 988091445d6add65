package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tenantEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetTenantFromContext(r.Context())))
	})
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"acme": "secret"})(tenantEcho())

	tests := []struct {
		name   string
		header string
		query  string
		status int
		tenant string
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "bearer", header: "Bearer secret", status: http.StatusOK, tenant: "acme"},
		{name: "bare", header: "secret", status: http.StatusOK, tenant: "acme"},
		{name: "query", query: "?access_token=secret", status: http.StatusOK, tenant: "acme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/acme/analyses"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.tenant != "" {
				assert.Equal(t, tt.tenant, rec.Body.String())
			}
		})
	}
}

func TestAPIKeyAuthDisabledWithoutKeys(t *testing.T) {
	rec := httptest.NewRecorder()
	APIKeyAuth(nil)(tenantEcho()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireTenant(t *testing.T) {
	mux := chi.NewRouter()
	mux.With(APIKeyAuth(map[string]string{"acme": "k1"}), RequireTenant).Get("/auth/{tenant}", tenantEcho().ServeHTTP)
	mux.With(RequireTenant).Get("/open/{tenant}", tenantEcho().ServeHTTP)

	do := func(path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("/auth/acme", "k1").Code)
	assert.Equal(t, http.StatusNotFound, do("/auth/globex", "k1").Code)

	rec := do("/open/globex", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "globex", rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, do("/open/bad%20tenant", "").Code)
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := RateLimit(rl)(tenantEcho())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, 1, rl.size())

	// other clients keep their own budget
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, ValidateToolScope([]string{"sparrow", "hawk"}))
	assert.Error(t, ValidateToolScope(nil))
	assert.Error(t, ValidateToolScope([]string{"hawk", "hawk"}))
	assert.Error(t, ValidateToolScope([]string{"nmap"}))

	assert.NoError(t, ValidateAnalysisID("FA-0001"))
	assert.NoError(t, ValidateAnalysisID("FA-12345"))
	assert.Error(t, ValidateAnalysisID("fa-1"))
	assert.Error(t, ValidateAnalysisID("FA-0001; DROP"))

	assert.NoError(t, ValidateCaseID("CASE-2026.01"))
	assert.Error(t, ValidateCaseID("../etc"))

	opts, err := ValidateOptions(map[string]string{"days_back": " 30\x00\x07 "})
	require.NoError(t, err)
	assert.Equal(t, "30", opts["days_back"])
	_, err = ValidateOptions(map[string]string{"Days": "1"})
	assert.Error(t, err)

	assert.Equal(t, 20, ValidateLimit(0))
	assert.Equal(t, 100, ValidateLimit(1000))
	assert.Equal(t, 0, ValidateLogLimit(-3))
}

func TestHealthHandler(t *testing.T) {
	checkers := map[string]HealthChecker{
		"ok":     CheckFunc(func(context.Context) error { return nil }),
		"broken": CheckFunc(func(context.Context) error { return errors.New("down") }),
	}
	rec := httptest.NewRecorder()
	HealthHandler(checkers)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"down"`)

	rec = httptest.NewRecorder()
	ReadinessHandler(func() map[string]int { return map[string]int{"running": 2} })(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running":2`)
}

func TestLoggingKeepsStreamingInterfaces(t *testing.T) {
	var flushed, hijackable bool
	h := Logging(nullLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushed = w.(http.Flusher)
		_, hijackable = w.(http.Hijacker)
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	RequestID(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, flushed)
	assert.True(t, hijackable)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}
