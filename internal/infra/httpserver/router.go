package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-forensics/internal/application/analyses"
	domain "github.com/bryanwahyu/automaton-forensics/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-forensics/internal/middleware"
)

const maxBodyBytes = 1 << 20

// StreamConfig tunes the live delivery channels.
type StreamConfig struct {
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
}

func (c *StreamConfig) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
}

// Config carries everything the router needs besides the service.
type Config struct {
	CORSOrigins []string
	APIKeys     map[string]string
	RateLimiter *middleware.RateLimiter
	Checkers    map[string]middleware.HealthChecker
	Stream      StreamConfig
	Clock       clockwork.Clock
	Logger      logrus.FieldLogger
}

type Router struct {
	svc    *analyses.Service
	stream StreamConfig
	clock  clockwork.Clock
	logger logrus.FieldLogger
	ws     *pushHandler
}

func NewRouter(svc *analyses.Service, cfg Config) http.Handler {
	cfg.Stream.defaults()
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	r := &Router{svc: svc, stream: cfg.Stream, clock: cfg.Clock, logger: cfg.Logger}
	r.ws = newPushHandler(svc, cfg.Stream, cfg.CORSOrigins, cfg.Clock, cfg.Logger)

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Logging(cfg.Logger))
	mux.Use(middleware.Metrics)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	mux.Get("/health", middleware.HealthHandler(cfg.Checkers))
	mux.Get("/ready", middleware.ReadinessHandler(svc.Stats))
	mux.Get("/live", middleware.LivenessHandler)
	mux.Method(http.MethodGet, "/metrics", middleware.MetricsHandler())

	mux.Route("/v1/{tenant}", func(rt chi.Router) {
		rt.Use(middleware.APIKeyAuth(cfg.APIKeys))
		rt.Use(middleware.RequireTenant)
		if cfg.RateLimiter != nil {
			rt.Use(middleware.RateLimit(cfg.RateLimiter))
		}

		rt.Post("/analyses", r.wrap(r.handleSubmit))
		rt.Get("/analyses", r.wrap(r.handleList))
		rt.Get("/analyses/{id}", r.wrap(r.handleStatus))
		rt.Post("/analyses/{id}/start", r.wrap(r.handleStart))
		rt.Post("/analyses/{id}/cancel", r.wrap(r.handleCancel))
		rt.Get("/analyses/{id}/logs", r.wrap(r.handleLogs))
		rt.Post("/analyses/{id}/decision", r.wrap(r.handleDecision))
		rt.Get("/analyses/{id}/failures", r.wrap(r.handleFailures))
		rt.Get("/analyses/{id}/events", r.wrap(r.handleEvents))
		rt.Get("/stream", r.ws.ServeHTTP)
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			status := statusOf(err)
			if status >= 500 {
				r.logger.WithError(err).WithField("path", req.URL.Path).Error("request failed")
			}
			writeJSON(w, status, map[string]string{"error": err.Error(), "code": domain.Kind(err)})
		}
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidChoice):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrAlreadyStarted),
		errors.Is(err, domain.ErrAlreadyPending), errors.Is(err, domain.ErrNoPendingDecision):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads an optional JSON body; an empty body leaves v untouched.
func decode(req *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(domain.ErrInvalidRequest, "malformed body: %v", err)
	}
	return nil
}

func tenantOf(req *http.Request) string {
	return middleware.GetTenantFromContext(req.Context())
}

func analysisID(req *http.Request) (domain.ID, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateAnalysisID(id); err != nil {
		return "", errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	return domain.ID(id), nil
}

func invalid(err error) error {
	return errors.Wrap(domain.ErrInvalidRequest, err.Error())
}

// POST /v1/{tenant}/analyses
// Body: {"case_id": "...", "tool_scope": ["sparrow"], "extraction_options": {}, "auto_start": false}
func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		CaseID    string            `json:"case_id"`
		ToolScope []string          `json:"tool_scope"`
		Options   map[string]string `json:"extraction_options"`
		AutoStart bool              `json:"auto_start"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	if err := middleware.ValidateCaseID(body.CaseID); err != nil {
		return invalid(err)
	}
	if err := middleware.ValidateToolScope(body.ToolScope); err != nil {
		return invalid(err)
	}
	options, err := middleware.ValidateOptions(body.Options)
	if err != nil {
		return invalid(err)
	}

	a, err := r.svc.Submit(req.Context(), analyses.SubmitCommand{
		TenantID:  tenantOf(req),
		CaseID:    body.CaseID,
		ToolScope: body.ToolScope,
		Options:   options,
	})
	if err != nil {
		return err
	}
	if body.AutoStart {
		if a, err = r.svc.Start(req.Context(), a.TenantID, a.ID, nil); err != nil {
			return err
		}
	}

	writeJSON(w, http.StatusAccepted, a)
	return nil
}

// GET /v1/{tenant}/analyses?limit=20
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.svc.List(req.Context(), tenantOf(req), middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": list})
	return nil
}

// GET /v1/{tenant}/analyses/{id}
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	view, err := r.svc.Status(req.Context(), tenantOf(req), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, view)
	return nil
}

// POST /v1/{tenant}/analyses/{id}/start
// Body (optional): {"tool_scope": [...]}
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	var body struct {
		ToolScope []string `json:"tool_scope"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	if len(body.ToolScope) > 0 {
		if err := middleware.ValidateToolScope(body.ToolScope); err != nil {
			return invalid(err)
		}
	}

	a, err := r.svc.Start(req.Context(), tenantOf(req), id, body.ToolScope)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysis_id": a.ID, "state": a.State})
	return nil
}

// POST /v1/{tenant}/analyses/{id}/cancel
// Body (optional): {"reason": "..."}
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}

	a, err := r.svc.Cancel(req.Context(), tenantOf(req), id, middleware.SanitizeString(body.Reason))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysis_id": a.ID, "state": a.State})
	return nil
}

// GET /v1/{tenant}/analyses/{id}/logs?since=0&limit=500
func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	var since uint64
	if raw := q.Get("since"); raw != "" {
		if since, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return errors.Wrap(domain.ErrInvalidRequest, "since must be a non-negative integer")
		}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := r.svc.Logs(req.Context(), tenantOf(req), id, since, middleware.ValidateLogLimit(limit))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, page)
	return nil
}

// POST /v1/{tenant}/analyses/{id}/decision
// Body: {"value": "yes"}
func (r *Router) handleDecision(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	if body.Value == "" {
		return errors.Wrap(domain.ErrInvalidRequest, "value is required")
	}

	if err := r.svc.Answer(req.Context(), tenantOf(req), id, body.Value); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysis_id": id, "value": body.Value, "status": "accepted"})
	return nil
}

// GET /v1/{tenant}/analyses/{id}/failures?limit=20
func (r *Router) handleFailures(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.svc.Failures(req.Context(), tenantOf(req), id, middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysis_id": id, "failures": list})
	return nil
}
