// Package ops is the local-only operational surface of the conversion
// worker: health, queue stats, backpressure, Prometheus metrics, and a
// websocket feed of job lifecycle events.
package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/homewalk/tourforge/internal/metrics"
	"github.com/homewalk/tourforge/internal/queue"
	"github.com/homewalk/tourforge/internal/worker"
)

// Config holds the ops server configuration.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1" // local-only by default
	}
	if c.Port == 0 {
		c.Port = 8090
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	return c
}

// Info describes the running process for the health endpoint.
type Info struct {
	Version     string
	Environment string
	BinaryMode  string
	BinaryPath  string
	QAMode      string
}

// Server is the read-only HTTP server.
type Server struct {
	cfg     Config
	router  *mux.Router
	server  *http.Server
	worker  *worker.Worker
	metrics *metrics.Registry
	hub     *Hub
	info    Info
	started time.Time
}

// NewServer wires the routes. The port is probed up front so a busy port
// fails at startup instead of at first request.
func NewServer(cfg Config, w *worker.Worker, reg *metrics.Registry, info Info) (*Server, error) {
	cfg = cfg.withDefaults()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", cfg.Port, err)
	}
	listener.Close()

	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		worker:  w,
		metrics: reg,
		hub:     NewHub(),
		info:    info,
		started: time.Now().UTC(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Hub returns the event hub so the worker can be pointed at it.
func (s *Server) Hub() *Hub { return s.hub }

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Address returns the bind address.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// The websocket route must not run under the request timeout.
	s.router.HandleFunc("/ws/events", s.hub.Serve).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/backpressure", s.handleBackpressure).Methods("GET")

	// mux skips router middleware for unmatched routes, so the chain is
	// applied to the not-found handler by hand.
	s.router.NotFoundHandler = s.requestIDMiddleware(s.loggingMiddleware(http.HandlerFunc(s.handleNotFound)))
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Info().
			Str("request_id", requestIDFrom(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	UptimeSec   int64             `json:"uptime_seconds"`
	Version     string            `json:"version,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Converter   map[string]string `json:"converter"`
	QAMode      string            `json:"qa_mode"`
	Queue       *queue.Counts     `json:"queue,omitempty"`
	QueueError  string            `json:"queue_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		UptimeSec:   int64(time.Since(s.started).Seconds()),
		Version:     s.info.Version,
		Environment: s.info.Environment,
		Converter: map[string]string{
			"mode": s.info.BinaryMode,
			"path": s.info.BinaryPath,
		},
		QAMode: s.info.QAMode,
	}
	status := http.StatusOK
	if counts, err := s.worker.Stats(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.QueueError = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Queue = &counts
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.worker.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "stats_unavailable", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleBackpressure(w http.ResponseWriter, r *http.Request) {
	st, err := s.worker.Backpressure(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "backpressure_unavailable", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "the requested endpoint does not exist")
}

type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFrom(r),
		Timestamp: time.Now().UTC(),
	})
}

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.Address()).Msg("ops server listening (local-only, read-only)")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and disconnects websocket subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("ops server shutting down")
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade reach the underlying connection
// through the logging wrapper.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
