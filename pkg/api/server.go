package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/homeroute/homeroute/pkg/log"
	"github.com/homeroute/homeroute/pkg/metrics"
	"github.com/homeroute/homeroute/pkg/registry"
	"github.com/homeroute/homeroute/pkg/services"
	"github.com/homeroute/homeroute/pkg/types"
)

// Server is the registry's admin HTTP API: application management,
// service commands, update announcements, health and metrics.
type Server struct {
	registry *registry.Registry
	version  string
	mux      *http.ServeMux

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates the admin API around a registry.
func NewServer(reg *registry.Registry, version string) *Server {
	s := &Server{
		registry: reg,
		version:  version,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("POST /v1/applications", s.createApplication)
	s.mux.HandleFunc("GET /v1/applications", s.listApplications)
	s.mux.HandleFunc("GET /v1/applications/{id}", s.getApplication)
	s.mux.HandleFunc("DELETE /v1/applications/{id}", s.deleteApplication)
	s.mux.HandleFunc("POST /v1/applications/{id}/services", s.serviceCommand)
	s.mux.HandleFunc("POST /v1/applications/{id}/config", s.pushConfig)
	s.mux.HandleFunc("POST /v1/updates", s.announceUpdate)

	return s
}

// Start binds the API listener.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	server := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithComponent("api").Error().Err(err).Msg("API server failed")
		}
	}()

	log.WithComponent("api").Info().Str("addr", ln.Addr().String()).Msg("Admin API started")
	return nil
}

// Addr returns the listener's concrete address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the API listener.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "ready"
	code := http.StatusOK

	if _, err := s.registry.ListApplications(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		status = "not ready"
		code = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	writeJSON(w, code, readyResponse{Status: status, Timestamp: time.Now(), Checks: checks})
}

type createApplicationRequest struct {
	Slug          string                 `json:"slug"`
	Name          string                 `json:"name"`
	ContainerName string                 `json:"container_name"`
	Frontend      types.FrontendEndpoint `json:"frontend"`
	APIs          []types.APIEndpoint    `json:"apis,omitempty"`
}

type createApplicationResponse struct {
	Application *types.Application `json:"application"`
	// Token is returned exactly once; only its hash is stored.
	Token string `json:"token"`
}

func (s *Server) createApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Slug == "" || req.Frontend.Port == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("slug and frontend.port are required"))
		return
	}

	app, token, err := s.registry.CreateApplication(req.Slug, req.Name, req.ContainerName, req.Frontend, req.APIs)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	writeJSON(w, http.StatusCreated, createApplicationResponse{Application: app, Token: token})
}

func (s *Server) listApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := s.registry.ListApplications()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) getApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.registry.GetApplication(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) deleteApplication(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteApplication(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type serviceCommandRequest struct {
	Service string `json:"service"`
	Action  string `json:"action"`
}

func (s *Server) serviceCommand(w http.ResponseWriter, r *http.Request) {
	var req serviceCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	err := s.registry.SendServiceCommand(r.PathValue("id"), services.ServiceType(req.Service), services.Action(req.Action))
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) pushConfig(w http.ResponseWriter, r *http.Request) {
	version, err := s.registry.PushConfig(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"config_version": version})
}

type announceUpdateRequest struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"sha256"`
}

func (s *Server) announceUpdate(w http.ResponseWriter, r *http.Request) {
	var req announceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Version == "" || req.DownloadURL == "" || req.SHA256 == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("version, download_url and sha256 are required"))
		return
	}

	s.registry.AnnounceUpdate(req.Version, req.DownloadURL, req.SHA256)
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
