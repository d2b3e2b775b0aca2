package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psantana5/meshgen/pkg/auth"
	"github.com/psantana5/meshgen/pkg/metrics"
	"github.com/psantana5/meshgen/pkg/middleware"
	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/ratelimit"
	"github.com/psantana5/meshgen/pkg/registry"
	"github.com/psantana5/meshgen/pkg/tracing"
)

// Tracker is the part of a session the API drives
type Tracker interface {
	Submit(ctx context.Context, kind models.JobKind, params models.JobParams) (string, error)
	Attach(id string) error
	Cancel(id string) bool
	Jobs() []string
}

// BalanceSource reports the last known account balance
type BalanceSource interface {
	Balance() (float64, string, time.Time)
}

// Config wires the observation server. Tracker and Registry are required.
type Config struct {
	Tracker  Tracker
	Registry *registry.Registry
	Balance  BalanceSource
	Metrics  *metrics.Metrics
	Tracer   *tracing.Provider
	Limiter  *ratelimit.Limiter
	Logger   *zap.Logger

	// Verifier enables bearer token auth on everything but /health
	Verifier *auth.TokenVerifier
	// TLS serves HTTPS when set
	TLS *tls.Config
}

// Server exposes the job registry over HTTP and pushes changes over a
// websocket. It only observes and steers jobs; imports stay in the session.
type Server struct {
	cfg      Config
	hub      *Hub
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   *zap.Logger
	started  time.Time

	httpServer *http.Server
}

// SubmitRequest is the body of POST /jobs
type SubmitRequest struct {
	Kind   models.JobKind   `json:"kind"`
	Params models.JobParams `json:"params"`
}

// SubmitResponse is returned for an accepted submission
type SubmitResponse struct {
	ID string `json:"id"`
}

// BalanceResponse is the body of GET /balance
type BalanceResponse struct {
	Balance   float64    `json:"balance"`
	Display   string     `json:"display"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// JobResponse is one registry entry plus whether this process follows it
type JobResponse struct {
	*models.Job
	Tracking bool `json:"tracking"`
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Tracker == nil || cfg.Registry == nil {
		return nil, errors.New("api server requires a tracker and a registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		hub:    NewHub(logger),
		logger: logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		started: time.Now(),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(s.logger))
	r.Use(tracing.HTTPMiddleware(s.cfg.Tracer))
	r.Use(s.cfg.Metrics.Middleware)
	if s.cfg.Limiter != nil {
		r.Use(s.cfg.Limiter.Middleware(ratelimit.IPKeyFunc))
	}
	if s.cfg.Verifier != nil {
		r.Use(auth.Middleware(s.cfg.Verifier, s.logger, "/health"))
	}
	r.Use(middleware.RequireJSON)

	r.HandleFunc("/health", s.Health).Methods("GET")
	r.Handle("/metrics", s.cfg.Metrics.Handler()).Methods("GET")
	r.HandleFunc("/balance", s.GetBalance).Methods("GET")
	r.HandleFunc("/ws", s.ServeWS).Methods("GET")

	r.HandleFunc("/jobs", s.ListJobs).Methods("GET")
	r.HandleFunc("/jobs", s.SubmitJob).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.CancelJob).Methods("DELETE")
	r.HandleFunc("/jobs/{id}/attach", s.AttachJob).Methods("POST")
	return r
}

// Handler returns the routed handler, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on addr and serves until Shutdown. The hub and the registry
// feed run until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.Run(ctx)
	s.hub.Follow(ctx, s.cfg.Registry)

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.cfg.TLS,
	}
	s.logger.Info("API server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.cfg.TLS != nil),
		zap.Bool("auth", s.cfg.Verifier != nil))

	go func() {
		var err error
		if s.cfg.TLS != nil {
			err = s.httpServer.ServeTLS(ln, "", "")
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"tracking":   len(s.cfg.Tracker.Jobs()),
		"jobs":       s.cfg.Registry.Len(),
		"ws_clients": s.hub.Clients(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
	})
}

// ListJobs returns registry entries in insertion order. ?status= filters.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := models.JobStatus(r.URL.Query().Get("status"))
	tracking := s.tracking()

	response := make([]JobResponse, 0, s.cfg.Registry.Len())
	for _, job := range s.cfg.Registry.All() {
		if filter != "" && job.Status != filter {
			continue
		}
		response = append(response, JobResponse{Job: job, Tracking: tracking[job.ID]})
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := s.cfg.Registry.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("Job not found: %s", id), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Job: job, Tracking: s.tracking()[id]})
}

// SubmitJob submits a job and starts following it
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	id, err := s.cfg.Tracker.Submit(r.Context(), req.Kind, req.Params)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("Failed to submit job", zap.Error(err))
		http.Error(w, fmt.Sprintf("Failed to submit job: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResponse{ID: id})
}

// AttachJob follows a job submitted elsewhere
func (s *Server) AttachJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.cfg.Tracker.Attach(id); err != nil {
		http.Error(w, fmt.Sprintf("Failed to attach job: %v", err), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
}

// CancelJob stops following a job. The remote job keeps running.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.cfg.Tracker.Cancel(id) {
		http.Error(w, fmt.Sprintf("Job is not being tracked: %s", id), http.StatusNotFound)
		return
	}
	s.logger.Info("Stopped tracking job on request", zap.String("job_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Balance == nil {
		http.Error(w, "Balance not available", http.StatusServiceUnavailable)
		return
	}
	value, display, updated := s.cfg.Balance.Balance()
	resp := BalanceResponse{Balance: value, Display: display}
	if !updated.IsZero() {
		resp.UpdatedAt = &updated
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeWS upgrades the connection and streams job updates
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.serve(conn)
}

func (s *Server) tracking() map[string]bool {
	ids := s.cfg.Tracker.Jobs()
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
