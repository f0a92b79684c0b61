package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cwygoda/herald/internal/domain"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultProcessLimit = 10
	maxBodyBytes        = 1 << 20
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP adapter for the job queue admin API.
type Server struct {
	svc    *domain.JobService
	router chi.Router
	server *http.Server
	secret string
	logger *zap.Logger
	checks map[string]HealthCheck
}

type Option func(*Server)

// WithSecret requires signed POST /jobs requests.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHealthCheck adds a named dependency check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer creates a new HTTP server.
func NewServer(svc *domain.JobService, addr string, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		router: chi.NewRouter(),
		logger: zap.NewNop(),
		checks: map[string]HealthCheck{"store": svc.Ping},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListJobs)
		r.Post("/process", s.handleProcess)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/replay", s.handleReplay)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// enqueueRequest is the request body for POST /jobs.
type enqueueRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	ProcessedAt string          `json:"processed_at,omitempty"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	// Read body for verification and parsing
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	// Verify signature if secret is configured
	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			s.logger.Warn("enqueue verification failed", zap.Error(err))
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var req enqueueRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	// Known types are checked up front; unknown types are stored and
	// dead-lettered by the dispatcher.
	jobType := domain.JobType(req.Type)
	if _, err := domain.DecodePayload(jobType, req.Payload); err != nil && !errors.Is(err, domain.ErrUnknownJobType) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.svc.Enqueue(r.Context(), jobType, req.Payload, domain.WithJobMaxAttempts(req.MaxAttempts))
	if err != nil {
		s.logger.Error("enqueue error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get job error", zap.String("job_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	// Check X-Timestamp header
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	// Check X-Signature header
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	if subtle.ConstantTimeCompare([]byte(signature), []byte(Sign(timestamp, body, s.secret))) != 1 {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the X-Signature value: hex SHA256("${timestamp}\n${body}\n${secret}").
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, string(body), secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultProcessLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A client hanging up must not abort handlers halfway through a send.
	s.writeJSON(w, http.StatusOK, s.svc.ProcessJobs(context.WithoutCancel(r.Context()), limit))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.JobStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusDead
	}
	limit, err := intParam(r, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.svc.List(r.Context(), status, limit)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("list jobs error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, jobToResponse(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Replay(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrJobNotDead):
		s.writeError(w, http.StatusConflict, "job is not dead")
	case err != nil:
		s.logger.Error("replay error", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		s.writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := map[string]string{"status": "ok"}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
			resp[name] = err.Error()
			continue
		}
		resp[name] = "ok"
	}
	s.writeJSON(w, status, resp)
}

func intParam(r *http.Request, name string, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return min(n, ceiling), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func jobToResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:          job.ID,
		Type:        string(job.Type),
		Payload:     job.Payload,
		Status:      string(job.Status),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Error:       job.LastError,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.ProcessedAt != nil {
		resp.ProcessedAt = job.ProcessedAt.Format(time.RFC3339)
	}
	return resp
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
