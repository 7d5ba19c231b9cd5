package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Status is the mutable run status served at /status, updated by the
// engine as a run progresses. Safe for concurrent access.
type Status struct {
	mu      sync.RWMutex
	RunID   string `json:"run_id"`
	Phase   string `json:"phase"`
	Symbols int    `json:"symbols_total"`
	Done    int32  `json:"symbols_done"`
}

// SetPhase records the current run phase.
func (s *Status) SetPhase(runID, phase string, symbolsTotal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RunID, s.Phase, s.Symbols = runID, phase, symbolsTotal
}

// SetRunID tags the status with the run currently in progress, reset on
// every new run the server observes.
func (s *Status) SetRunID(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RunID, s.Phase, s.Symbols = runID, "", 0
	atomic.StoreInt32(&s.Done, 0)
}

// MarkSymbolDone increments the completed-symbol counter.
func (s *Status) MarkSymbolDone() { atomic.AddInt32(&s.Done, 1) }

func (s *Status) snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{RunID: s.RunID, Phase: s.Phase, Symbols: s.Symbols, Done: atomic.LoadInt32(&s.Done)}
}

// Config controls the ops server's bind address and timeouts.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig binds to loopback only, matching the read-only local-only
// surface this server is meant to provide during long portfolio runs.
func DefaultConfig() Config {
	return Config{
		Host: "127.0.0.1", Port: 9100,
		ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, IdleTimeout: 60 * time.Second,
	}
}

// Server is the local-only ops HTTP surface: /healthz, /status, /metrics.
type Server struct {
	router   *mux.Router
	server   *http.Server
	status   *Status
	metrics  *MetricsRegistry
	registry *prometheus.Registry
	log      zerolog.Logger
	config   Config
}

// New builds a Server bound to config.Host:config.Port. registry must be
// the *prometheus.Registry returned alongside metrics by NewMetricsRegistry
// so /metrics serves exactly the metrics this run populated. The port is
// not opened until Start is called.
func New(config Config, metrics *MetricsRegistry, registry *prometheus.Registry, log zerolog.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		status:   &Status{},
		metrics:  metrics,
		registry: registry,
		log:      log,
		config:   config,
	}
	s.setupRoutes()
	return s
}

// Status returns the server's mutable status tracker for the engine to
// update as a run progresses.
func (s *Server) Status() *Status { return s.status }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.status.snapshot())
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type ctxKey int

const requestIDKey ctxKey = iota

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("request_id", fmt.Sprint(r.Context().Value(requestIDKey))).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("ops request")
	})
}

// Start opens the listener and serves until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ops server: port %d unavailable: %w", s.config.Port, err)
	}
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.log.Info().Str("addr", addr).Msg("ops server listening")
	return s.server.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
