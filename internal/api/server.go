package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/mysqlcore/internal/config"
	"github.com/dbbouncer/mysqlcore/internal/health"
	"github.com/dbbouncer/mysqlcore/internal/metrics"
	"github.com/dbbouncer/mysqlcore/internal/pool"
)

const maxRequestBody = 1 << 20 // 1MB

// Server is the admin REST API, health/ready probes, and metrics endpoint
// for mysqlpoold. It has no proxy listeners of its own — the daemon only
// dials outward through pool.Manager.
type Server struct {
	registry    *config.Registry
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	apiCfg      config.APIConfig
}

// NewServer creates a new API server.
func NewServer(r *config.Registry, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, apiCfg config.APIConfig) *Server {
	return &Server{
		registry:    r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		apiCfg:      apiCfg,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start() error {
	r := mux.NewRouter()

	// Endpoint CRUD
	r.HandleFunc("/endpoints", s.listEndpoints).Methods("GET")
	r.HandleFunc("/endpoints", s.createEndpoint).Methods("POST")
	r.HandleFunc("/endpoints/{name}", s.getEndpoint).Methods("GET")
	r.HandleFunc("/endpoints/{name}", s.updateEndpoint).Methods("PUT")
	r.HandleFunc("/endpoints/{name}", s.deleteEndpoint).Methods("DELETE")
	r.HandleFunc("/endpoints/{name}/stats", s.endpointStats).Methods("GET")
	r.HandleFunc("/endpoints/{name}/drain", s.drainEndpoint).Methods("POST")

	// Server status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Admin dashboard, served at exactly "/" and "/dashboard"
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.apiCfg.Bind, s.apiCfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("api server listening", "addr", addr, "tls", s.apiCfg.TLSEnabled())

	go func() {
		var err error
		if s.apiCfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.apiCfg.TLSCert, s.apiCfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware enforces a bearer-token API key when one is configured.
// Health, readiness, and metrics stay exempt so orchestrators and scrapers
// never need the key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if s.apiCfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		switch r.URL.Path {
		case "/health", "/ready", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		authz := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authz, "Bearer ")
		if token == "" || token == authz || token != s.apiCfg.APIKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// --- Endpoint Handlers ---

type endpointRequest struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Socket         string `json:"socket,omitempty"`
	DBName         string `json:"dbname"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PreferSocket   bool   `json:"prefer_socket,omitempty"`
	Compress       bool   `json:"compress,omitempty"`
	StmtCacheSize  int    `json:"stmt_cache_size,omitempty"`
	MinConnections *int   `json:"min_connections,omitempty"`
	MaxConnections *int   `json:"max_connections,omitempty"`
}

type endpointResponse struct {
	Name   string                 `json:"name"`
	Config config.EndpointConfig  `json:"config"`
	Stats  *pool.Stats            `json:"stats,omitempty"`
	Health *health.EndpointHealth `json:"health,omitempty"`
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints := s.registry.ListEndpoints()

	result := make([]endpointResponse, 0, len(endpoints))
	for name, ec := range endpoints {
		er := endpointResponse{Name: name, Config: ec.Redacted()}
		if stats, ok := s.poolMgr.EndpointStats(name); ok {
			er.Stats = &stats
		}
		if s.healthCheck != nil {
			h := s.healthCheck.GetStatus(name)
			er.Health = &h
		}
		result = append(result, er)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		endpointRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "endpoint name is required")
		return
	}
	if req.Host == "" && req.Socket == "" {
		writeError(w, http.StatusBadRequest, "host or socket is required")
		return
	}
	if req.Host != "" && req.Port == 0 {
		writeError(w, http.StatusBadRequest, "port is required when host is set")
		return
	}
	if req.DBName == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "dbname and username are required")
		return
	}

	ec := config.EndpointConfig{
		Host:           req.Host,
		Port:           req.Port,
		Socket:         req.Socket,
		DBName:         req.DBName,
		Username:       req.Username,
		Password:       req.Password,
		PreferSocket:   req.PreferSocket,
		Compress:       req.Compress,
		StmtCacheSize:  req.StmtCacheSize,
		MinConnections: req.MinConnections,
		MaxConnections: req.MaxConnections,
	}

	s.registry.AddEndpoint(req.Name, ec)
	slog.Info("endpoint registered", "endpoint", req.Name, "host", ec.Host, "port", ec.Port)

	writeJSON(w, http.StatusCreated, endpointResponse{Name: req.Name, Config: ec.Redacted()})
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	ec, err := s.registry.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	er := endpointResponse{Name: name, Config: ec.Redacted()}
	if stats, ok := s.poolMgr.EndpointStats(name); ok {
		er.Stats = &stats
	}
	if s.healthCheck != nil {
		h := s.healthCheck.GetStatus(name)
		er.Health = &h
	}

	writeJSON(w, http.StatusOK, er)
}

func (s *Server) updateEndpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	existing, err := s.registry.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	if req.Host != "" {
		existing.Host = req.Host
	}
	if req.Port != 0 {
		existing.Port = req.Port
	}
	if req.Socket != "" {
		existing.Socket = req.Socket
	}
	if req.DBName != "" {
		existing.DBName = req.DBName
	}
	if req.Username != "" {
		existing.Username = req.Username
	}
	if req.Password != "" {
		existing.Password = req.Password
	}
	if req.MinConnections != nil {
		existing.MinConnections = req.MinConnections
	}
	if req.MaxConnections != nil {
		existing.MaxConnections = req.MaxConnections
	}

	s.registry.AddEndpoint(name, existing)
	slog.Info("endpoint updated", "endpoint", name)

	writeJSON(w, http.StatusOK, endpointResponse{Name: name, Config: existing.Redacted()})
}

func (s *Server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.registry.RemoveEndpoint(name) {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	s.poolMgr.Remove(name)
	if s.healthCheck != nil {
		s.healthCheck.RemoveEndpoint(name)
	}

	slog.Info("endpoint removed", "endpoint", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "endpoint": name})
}

func (s *Server) endpointStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	stats, ok := s.poolMgr.EndpointStats(name)
	if !ok {
		if _, err := s.registry.Resolve(name); err != nil {
			writeError(w, http.StatusNotFound, "endpoint not found")
			return
		}
		stats = pool.Stats{Endpoint: name}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) drainEndpoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.poolMgr.DrainEndpoint(name) {
		writeError(w, http.StatusNotFound, "endpoint not found or no active pool")
		return
	}

	slog.Info("endpoint drained", "endpoint", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "endpoint": name})
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "endpoints": map[string]health.EndpointHealth{}})
		return
	}

	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(allHealthy),
		"endpoints": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	endpoints := s.registry.ListEndpoints()
	if len(endpoints) == 0 || s.healthCheck == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for name := range endpoints {
		if s.healthCheck.IsHealthy(name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	endpoints := s.registry.ListEndpoints()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_endpoints":  len(endpoints),
		"api_bind":       s.apiCfg.Bind,
		"api_port":       s.apiCfg.Port,
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	defaults := s.registry.Defaults()
	endpoints := s.registry.ListEndpoints()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"defaults": map[string]interface{}{
			"min_connections": defaults.MinConnections,
			"max_connections": defaults.MaxConnections,
			"idle_timeout":    defaults.IdleTimeout.String(),
			"max_lifetime":    defaults.MaxLifetime.String(),
			"acquire_timeout": defaults.AcquireTimeout.String(),
		},
		"endpoint_count": len(endpoints),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
