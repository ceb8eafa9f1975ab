// Package server provides the HTTP API for project initialization: enqueueing
// jobs, reading derived state and streaming live progress.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonathan/project-init/internal/db"
	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/pipeline/steps"
	"github.com/jonathan/project-init/internal/progress"
	"github.com/jonathan/project-init/internal/queue"
	"github.com/jonathan/project-init/internal/server/middleware"
	"github.com/jonathan/project-init/internal/server/ratelimit"
)

// JobQueue is the part of the job queue the API uses
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, projectID uuid.UUID, payload any, opts queue.EnqueueOptions) (*queue.Job, bool, error)
	Latest(ctx context.Context, kind string, projectID uuid.UUID) (*queue.Job, error)
	ListDead(ctx context.Context, kind string, limit int) ([]queue.Job, error)
	Requeue(ctx context.Context, jobID uuid.UUID) error
}

// StepReader reads and resets a project's step ledger
type StepReader interface {
	GetSteps(ctx context.Context, projectID string) ([]ledger.Record, error)
	Reset(ctx context.Context, projectID string) error
}

// ProjectStore reads and creates project rows
type ProjectStore interface {
	CreateProject(ctx context.Context, project *db.Project) (*db.Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (*db.Project, error)
}

// Subscriber delivers live progress events for a project
type Subscriber interface {
	Subscribe(projectID string) (<-chan progress.Event, func())
}

// Deps are the server's collaborators
type Deps struct {
	Queue    JobQueue
	Ledger   StepReader
	Projects ProjectStore
	Events   Subscriber
	Catalog  *steps.Catalog
	// Auth validates bearer tokens. Nil leaves the API unauthenticated.
	Auth        middleware.TokenValidator
	RateLimiter *ratelimit.Limiter
	Logger      *slog.Logger
}

// Config holds server configuration
type Config struct {
	Port           int
	JobMaxAttempts int
	// KeepAlive is the interval of stream heartbeats
	KeepAlive time.Duration
	// AllowedOrigins restricts WebSocket origins. Empty allows any origin.
	AllowedOrigins []string
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	deps        Deps
	cfg         Config
	logger      *slog.Logger
	validate    *validator.Validate
	upgrader    websocket.Upgrader
	rateLimiter *ratelimit.Limiter
}

// New creates a new server instance
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("server: queue is required")
	case deps.Ledger == nil:
		return nil, errors.New("server: ledger is required")
	case deps.Projects == nil:
		return nil, errors.New("server: project store is required")
	case deps.Events == nil:
		return nil, errors.New("server: event subscriber is required")
	case deps.Catalog == nil:
		return nil, errors.New("server: step catalog is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}

	s := &Server{
		deps:        deps,
		cfg:         cfg,
		logger:      deps.Logger.With("component", "server"),
		validate:    validator.New(),
		rateLimiter: deps.RateLimiter,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// Setup router
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /projects/{id}/init", s.handleInitialize)
	protected.HandleFunc("GET /projects/{id}/init", s.handleInitStatus)
	protected.HandleFunc("POST /projects/{id}/init/retry", s.handleRetry)
	protected.HandleFunc("GET /projects/{id}/init/stream", s.handleStream)
	protected.HandleFunc("GET /projects/{id}/init/ws", s.handleWebSocket)

	// Dead-letter visibility
	protected.HandleFunc("GET /jobs/dead", s.handleListDeadJobs)
	protected.HandleFunc("POST /jobs/{id}/requeue", s.handleRequeueJob)

	var api http.Handler = protected
	if deps.Auth != nil {
		api = middleware.AuthMiddleware(deps.Auth)(protected)
	}
	mux.Handle("/projects/", api)
	mux.Handle("/jobs/", api)

	s.handler = s.withRateLimit(s.withLogging(s.withCORS(mux)))
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: progress streams stay open for the whole initialization
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully. Open
// progress streams end when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// writeError maps err to a status code. Internal errors are logged and
// hidden from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.errorResponse(w, status, "internal server error")
		return
	}
	s.errorResponse(w, status, err.Error())
}

// extractClientID extracts the client identifier from the request.
func (s *Server) extractClientID(r *http.Request) string {
	// Get IP from RemoteAddr (format: "IP:port")
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		secs := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = secs
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}

	s.logger.Warn("rate limit exceeded", "path", r.URL.Path, "client", s.extractClientID(r), "limit", info.Limit)
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
