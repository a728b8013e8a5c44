// Package gateway is the HTTP surface: subject authentication,
// idempotent mutations, upload presigning and the execution watch
// stream.
package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/idempotency"
	"github.com/cardlens/cardlens/internal/persistence"
	"github.com/cardlens/cardlens/internal/pipeline"
	"github.com/cardlens/cardlens/internal/storage"
	"github.com/cardlens/cardlens/internal/telemetry"
)

// ServerConfig holds the HTTP server and gateway policy knobs.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MaxUploadBytes int64
	AllowedMime    []string
	PresignTTL     time.Duration

	IdempotencyTTL time.Duration
	RevalueLockTTL time.Duration
}

// DefaultServerConfig returns the production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1",
		Port:           8080,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxUploadBytes: 12 << 20,
		AllowedMime:    []string{"image/jpeg", "image/png", "image/webp"},
		PresignTTL:     15 * time.Minute,
		IdempotencyTTL: 600 * time.Second,
		RevalueLockTTL: 200 * time.Second,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultServerConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if len(c.AllowedMime) == 0 {
		c.AllowedMime = d.AllowedMime
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = d.PresignTTL
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.RevalueLockTTL <= 0 {
		c.RevalueLockTTL = d.RevalueLockTTL
	}
	return c
}

// Authenticator resolves a bearer token to its subject.
type Authenticator interface {
	Subject(token string) (string, error)
}

// StaticTokens is the config-file authenticator: token -> subject.
type StaticTokens map[string]string

func (t StaticTokens) Subject(token string) (string, error) {
	subject, ok := t[token]
	if !ok {
		return "", fmt.Errorf("%w: unknown token", domain.ErrAuthDenied)
	}
	return subject, nil
}

// Deps bundles what the handlers touch.
type Deps struct {
	Store     persistence.Store
	Objects   storage.ObjectStore
	Presigner *storage.Presigner
	Tokens    idempotency.TokenStore
	Executor  *pipeline.Executor
	Auth      Authenticator
	Metrics   *telemetry.MetricsRegistry
}

// Server is the gateway HTTP server.
type Server struct {
	router *mux.Router
	server *http.Server
	deps   Deps
	config ServerConfig
	now    func() time.Time
}

// NewServer wires routes and middleware. Metrics may be nil.
func NewServer(deps Deps, config ServerConfig) *Server {
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewMetricsRegistry()
	}
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config.withDefaults(),
		now:    time.Now,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("Gateway listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Unauthenticated surface.
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/upload/{key:.+}", s.handleUpload).Methods(http.MethodPut)

	// Subject-scoped API.
	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/upload/presign", s.handlePresign).Methods(http.MethodPost)
	api.HandleFunc("/cards", s.idempotent("createCard", s.handleCreateCard)).Methods(http.MethodPost)
	api.HandleFunc("/cards", s.handleListCards).Methods(http.MethodGet)
	api.HandleFunc("/cards/{cardId}", s.handleGetCard).Methods(http.MethodGet)
	api.HandleFunc("/cards/{cardId}", s.handleUpdateCard).Methods(http.MethodPatch)
	api.HandleFunc("/cards/{cardId}", s.handleDeleteCard).Methods(http.MethodDelete)
	api.HandleFunc("/cards/{cardId}/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/cards/{cardId}/revalue", s.idempotent("revalue", s.handleRevalue)).Methods(http.MethodPost)
	api.HandleFunc("/executions/{executionId}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{executionId}/watch", s.handleWatchExecution).Methods(http.MethodGet)
	api.HandleFunc("/analytics/top", s.handleAnalyticsTop).Methods(http.MethodGet)
	api.HandleFunc("/ops/dlq", s.handleDLQ).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, problemNotFound, "route not found")
	})
}

type contextKey string

const (
	subjectKey   contextKey = "subject"
	requestIDKey contextKey = "request_id"
)

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// subjectFrom returns the authenticated subject stored by the auth
// middleware.
func subjectFrom(r *http.Request) string {
	subject, _ := r.Context().Value(subjectKey).(string)
	return subject
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		elapsed := s.now().Sub(start)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.deps.Metrics.HTTPDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(wrapper.status)).
			Observe(elapsed.Seconds())

		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", elapsed).
			Str("request_id", w.Header().Get("X-Request-Id")).
			Msg("Request handled")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, r, fmt.Errorf("%w: bearer token required", domain.ErrAuthRequired))
			return
		}
		subject, err := s.deps.Auth.Subject(header[len(prefix):])
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

// Upgrades reach the real connection through the wrapper.
var _ http.Hijacker = (*statusWriter)(nil)

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack hands the underlying connection to websocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
