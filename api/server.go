package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360/ocpprouter/config"
	"github.com/c360/ocpprouter/connection"
	"github.com/c360/ocpprouter/errors"
	"github.com/c360/ocpprouter/health"
	"github.com/c360/ocpprouter/module"
	"github.com/c360/ocpprouter/webhook"
)

// ConnectionRegistry is the part of connection.Manager the API exposes
type ConnectionRegistry interface {
	Connections(tenantID string) []connection.Info
	Disconnect(tenantID, stationID string) bool
}

// StationCaller sends Calls to stations, usually a *module.Caller
type StationCaller interface {
	SendCall(ctx context.Context, tenantID, stationID, action string, payload any,
		timeout time.Duration) (json.RawMessage, error)
}

// Option configures a Server
type Option func(*Server)

// WithSubscriptions enables the subscription endpoints. The registry is
// resynced from store after every change.
func WithSubscriptions(registry *webhook.Registry, store webhook.Store) Option {
	return func(s *Server) {
		s.registry = registry
		s.store = store
	}
}

// WithCaller enables POST /api/v1/stations/{stationId}/calls
func WithCaller(c StationCaller) Option {
	return func(s *Server) { s.caller = c }
}

// WithSequences lets callers ask for a requestId to be assigned
func WithSequences(seq module.SequenceRepository) Option {
	return func(s *Server) { s.sequences = seq }
}

// WithHealth serves the monitor on /healthz
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) { s.health = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server is the management REST API
type Server struct {
	cfg       config.ManagementConfig
	conns     ConnectionRegistry
	registry  *webhook.Registry
	store     webhook.Store
	caller    StationCaller
	sequences module.SequenceRepository
	health    *health.Monitor
	logger    *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer builds the API over conns
func NewServer(cfg config.ManagementConfig, conns ConnectionRegistry, opts ...Option) *Server {
	s := &Server{cfg: cfg, conns: conns, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Routes returns the HTTP handler
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireToken([]byte(s.cfg.JWTSecret)))

		r.Get("/connections", s.listConnections)
		r.Delete("/connections/{stationId}", s.disconnect)

		r.Get("/subscriptions", s.listSubscriptions)
		r.Post("/subscriptions", s.createSubscription)
		r.Delete("/subscriptions/{id}", s.deleteSubscription)

		r.Post("/stations/{stationId}/calls", s.sendCall)
	})
	return r
}

// Start serves the API until Stop is called. It blocks.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start management API")
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("management API listening", "port", s.cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("serve management API on port %d", s.cfg.Port))
	}
	return nil
}

// Stop shuts the API down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, health.NewHealthy("ocpprouter", "ok"))
		return
	}
	status := s.health.Check(r.Context(), "ocpprouter")
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.conns.Connections(tenantFor(r))
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns, "count": len(conns)})
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	tenant, station := tenantFor(r), chi.URLParam(r, "stationId")
	if !s.conns.Disconnect(tenant, station) {
		writeError(w, http.StatusNotFound, "station not connected")
		return
	}
	s.logger.Info("station disconnected by operator", "tenant_id", tenant, "station_id", station)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
