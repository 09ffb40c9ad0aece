package controlplane

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/coact/internal/auth"
	"github.com/fentz26/coact/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint.
var Version = "dev"

// ServerOptions configure the HTTP server.
type ServerOptions struct {
	Addr string
	// Tokens verifies user bearer tokens.
	Tokens *auth.Tokens
	// AdminToken guards /v1/admin. Empty disables the admin routes.
	AdminToken string
	// MetricsToken also grants access to /metrics, besides AdminToken.
	MetricsToken string
	// Redis is reported by /health when set.
	Redis *redis.Client
	// DeviceChannel serves GET /ws/agent.
	DeviceChannel http.Handler
	Log           zerolog.Logger
}

// Server provides the HTTP API for coact.
type Server struct {
	service *Service
	opts    ServerOptions
	log     zerolog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, opts ServerOptions) *Server {
	return &Server{
		service: service,
		opts:    opts,
		log:     opts.Log.With().Str("component", "http").Logger(),
	}
}

type ctxKey int

const userKey ctxKey = iota

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.With(s.requireMetrics).Method(http.MethodGet, "/metrics", s.service.Metrics().Handler())
	if s.opts.DeviceChannel != nil {
		r.Method(http.MethodGet, "/ws/agent", s.opts.DeviceChannel)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)

			r.Post("/tasks", s.createTask)
			r.Get("/tasks", s.listTasks)
			r.Get("/tasks/{id}", s.getTask)
			r.Delete("/tasks/{id}", s.cancelTask)
			r.Get("/tasks/{id}/logs", s.getTaskLogs)
			r.Post("/tasks/{id}/approve", s.approveTask)
			r.Post("/tasks/{id}/reject", s.rejectTask)

			r.Post("/devices", s.enrollDevice)
			r.Get("/devices", s.listDevices)
			r.Post("/devices/{id}/token/refresh", s.refreshDeviceToken)
			r.Post("/devices/{id}/revoke", s.revokeDevice)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Post("/admin/ratelimit/reset", s.resetRateLimits)
			r.Get("/admin/ratelimit", s.rateLimitStats)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", s.opts.Addr).Msg("starting coact server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Tokens == nil {
			writeError(w, ErrUnauthorized)
			return
		}
		userID, err := s.opts.Tokens.VerifyUser(bearerToken(r))
		if err != nil {
			writeError(w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return requireToken(next, s.opts.AdminToken)
}

func (s *Server) requireMetrics(next http.Handler) http.Handler {
	return requireToken(next, s.opts.MetricsToken, s.opts.AdminToken)
}

// requireToken accepts a bearer token equal to any non-empty allowed value.
func requireToken(next http.Handler, allowed ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		for _, want := range allowed {
			if want != "" && subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, ErrUnauthorized)
	})
}

func userFrom(r *http.Request) string {
	userID, _ := r.Context().Value(userKey).(string)
	return userID
}

// --- Responses ---

type errorResponse struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		resp.Reasons = blocked.Reasons
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	}
	writeError(w, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json", ErrValidation)
	}
	return nil
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK          bool   `json:"ok"`
	DB          string `json:"db"`
	Redis       string `json:"redis"`
	NodeID      string `json:"node_id"`
	Connections int    `json:"connections"`
	Version     string `json:"version"`
	Time        string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{
		OK:          true,
		DB:          "ok",
		Redis:       "disabled",
		NodeID:      s.service.NodeID(),
		Connections: s.service.Registry().Count(),
		Version:     Version,
		Time:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.service.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
	}
	if s.opts.Redis != nil {
		health.Redis = "ok"
		if err := s.opts.Redis.Ping(ctx).Err(); err != nil {
			health.OK = false
			health.Redis = err.Error()
		}
	}

	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// --- Task Handlers ---

type createTaskRequest struct {
	DeviceID    string          `json:"device_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Actions     []models.Action `json:"actions"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	task, err := s.service.CreateTask(r.Context(), CreateTaskInput{
		UserID:         userFrom(r),
		DeviceID:       req.DeviceID,
		Title:          req.Title,
		Description:    req.Description,
		Actions:        req.Actions,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	tasks, err := s.service.ListTasks(r.Context(), ListTasksInput{
		UserID:   userFrom(r),
		DeviceID: q.Get("device_id"),
		Status:   q.Get("status"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type cancelResponse struct {
	Outcome CancelOutcome `json:"outcome"`
	Task    *models.Task  `json:"task"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	outcome, task, err := s.service.CancelTask(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Outcome: outcome, Task: task})
}

func (s *Server) getTaskLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.service.TaskLogs(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.ActionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) approveTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.ApproveTask(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) rejectTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.RejectTask(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Device Handlers ---

type enrollRequest struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

func (s *Server) enrollDevice(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	enrollment, err := s.service.EnrollDevice(r.Context(), userFrom(r), req.Name, req.Platform)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollment)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.service.ListDevices(r.Context(), userFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) refreshDeviceToken(w http.ResponseWriter, r *http.Request) {
	enrollment, err := s.service.RefreshDeviceToken(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (s *Server) revokeDevice(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.RevokeDevice(r.Context(), userFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked_sessions": n})
}

// --- Admin Handlers ---

func (s *Server) resetRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ResetRateLimits(r.Context(), "admin"))
}

func (s *Server) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.RateLimitStats())
}
