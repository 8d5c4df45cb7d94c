package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/pgpooler/internal/config"
	"github.com/dbbouncer/pgpooler/internal/health"
	"github.com/dbbouncer/pgpooler/internal/metrics"
	"github.com/dbbouncer/pgpooler/internal/pool"
)

// maxRequestBodyBytes bounds a single API request body, refusing a
// malformed or abusive client before its JSON ever reaches the decoder.
const maxRequestBodyBytes = 1 << 20 // 1 MiB

// Server is the REST API and metrics server, the operator surface sitting
// next to the pgbouncer-style admin console: both read and mutate the
// same Engine, the console over the wire protocol, this one over HTTP.
type Server struct {
	engine      *pool.Engine
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates a new API server.
func NewServer(e *pool.Engine, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		engine:      e,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	// Database CRUD
	r.HandleFunc("/databases", s.listDatabases).Methods("GET")
	r.HandleFunc("/databases", s.createDatabase).Methods("POST")
	r.HandleFunc("/databases/{id}", s.getDatabase).Methods("GET")
	r.HandleFunc("/databases/{id}", s.updateDatabase).Methods("PUT")
	r.HandleFunc("/databases/{id}", s.deleteDatabase).Methods("DELETE")
	r.HandleFunc("/databases/{id}/stats", s.databaseStats).Methods("GET")
	r.HandleFunc("/databases/{id}/drain", s.drainDatabase).Methods("POST")

	// Pause/Resume
	r.HandleFunc("/databases/{id}/pause", s.pauseDatabase).Methods("POST")
	r.HandleFunc("/databases/{id}/resume", s.resumeDatabase).Methods("POST")

	// Server status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Admin dashboard (must be registered last — catch-all for "/" and "/dashboard")
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	bind := s.listenCfg.APIBind
	if bind == "" {
		bind = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
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

// --- Database Handlers ---

type databaseRequest struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	DBName      string `json:"dbname"`
	PoolMode    string `json:"pool_mode"`
	MinPoolSize *int   `json:"min_pool_size,omitempty"`
	PoolSize    *int   `json:"pool_size,omitempty"`
}

type databaseResponse struct {
	ID     string                  `json:"id"`
	Config pool.DatabaseSnapshot   `json:"config"`
	Stats  []pool.PoolSnapshot     `json:"stats,omitempty"`
	Health *health.DatabaseHealth  `json:"health,omitempty"`
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	databases := s.engine.ListDatabases()

	result := make([]databaseResponse, 0, len(databases))
	for _, db := range databases {
		dr := databaseResponse{ID: db.Name, Config: db}
		if stats, ok := s.engine.PoolStats(db.Name); ok {
			dr.Stats = stats
		}
		h := s.healthCheck.GetStatus(db.Name)
		dr.Health = &h
		result = append(result, dr)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createDatabase(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	var req struct {
		ID string `json:"id"`
		databaseRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "database id is required")
		return
	}
	if req.Host == "" || req.Port == 0 || req.DBName == "" {
		writeError(w, http.StatusBadRequest, "host, port, and dbname are required")
		return
	}
	mode, err := parsePoolMode(req.PoolMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	db := &pool.Database{
		Name:     req.ID,
		Hosts:    []string{req.Host},
		Port:     req.Port,
		DBName:   req.DBName,
		PoolMode: mode,
		PoolSize: intOrDefault(req.PoolSize, 20),
		Users:    map[string]*pool.Credential{},
	}
	if req.MinPoolSize != nil {
		db.MinPoolSize = *req.MinPoolSize
	}

	s.engine.AddDatabase(db)
	log.Printf("[api] database %s registered (%s at %s:%d)", req.ID, mode, req.Host, req.Port)

	writeJSON(w, http.StatusCreated, databaseResponse{ID: req.ID, Config: pool.DatabaseSnapshotFromDatabase(db)})
}

func (s *Server) getDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	db, ok := s.engine.GetDatabaseSnapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}

	dr := databaseResponse{ID: id, Config: db}
	if stats, ok := s.engine.PoolStats(id); ok {
		dr.Stats = stats
	}
	h := s.healthCheck.GetStatus(id)
	dr.Health = &h

	writeJSON(w, http.StatusOK, dr)
}

func (s *Server) updateDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	var req databaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	existing, ok := s.engine.GetDatabaseSnapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}

	hosts := existing.Hosts
	if req.Host != "" {
		hosts = []string{req.Host}
	}
	port := existing.Port
	if req.Port != 0 {
		port = req.Port
	}
	dbname := existing.DBName
	if req.DBName != "" {
		dbname = req.DBName
	}
	mode := existing.PoolMode
	if req.PoolMode != "" {
		parsed, err := parsePoolMode(req.PoolMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = parsed
	}
	poolSize := existing.PoolSize
	if req.PoolSize != nil {
		poolSize = *req.PoolSize
	}

	db := &pool.Database{
		Name:     id,
		Hosts:    hosts,
		Port:     port,
		DBName:   dbname,
		PoolMode: mode,
		PoolSize: poolSize,
		Auto:     existing.Auto,
		Users:    map[string]*pool.Credential{},
	}
	s.engine.AddDatabase(db)
	log.Printf("[api] database %s updated", id)

	writeJSON(w, http.StatusOK, databaseResponse{ID: id, Config: pool.DatabaseSnapshotFromDatabase(db)})
}

func (s *Server) deleteDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.engine.RemoveDatabase(id) {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}
	if s.metrics != nil {
		s.metrics.RemoveDatabase(id)
	}
	s.healthCheck.RemoveDatabase(id)

	log.Printf("[api] database %s removed", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "database": id})
}

func (s *Server) databaseStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	stats, ok := s.engine.PoolStats(id)
	if !ok {
		if _, exists := s.engine.GetDatabaseSnapshot(id); !exists {
			writeError(w, http.StatusNotFound, "database not found")
			return
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) drainDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.engine.DrainDatabase(id) {
		writeError(w, http.StatusNotFound, "database not found or no active pool")
		return
	}

	log.Printf("[api] database %s drained", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "database": id})
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(allHealthy),
		"databases": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	databases := s.engine.ListDatabases()
	if len(databases) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for _, db := range databases {
		if s.healthCheck.IsHealthy(db.Name) {
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
	databases := s.engine.ListDatabases()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_databases":  len(databases),
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"api_port":      s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	databases := s.engine.ListDatabases()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"api_port":      s.listenCfg.APIPort,
		},
		"database_count": len(databases),
	})
}

// --- Pause/Resume Handlers ---

func (s *Server) pauseDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.engine.SetPaused(id, true) {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}

	log.Printf("[api] database %s paused", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "database": id})
}

func (s *Server) resumeDatabase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.engine.SetPaused(id, false) {
		writeError(w, http.StatusNotFound, "database not found")
		return
	}

	log.Printf("[api] database %s resumed", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "database": id})
}

// --- Middleware ---

// unauthenticatedPaths never require the API key, so load balancers and
// orchestrators can probe liveness without a credential.
var unauthenticatedPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// authMiddleware enforces the configured API key as a bearer token. An
// empty key (the default) disables auth entirely, matching the teacher's
// "secure by configuration, not by default" posture for a tool that's
// often run behind a trusted network boundary anyway.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.listenCfg.APIKey == "" || unauthenticatedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(auth, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.listenCfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

func parsePoolMode(s string) (pool.PoolMode, error) {
	switch pool.PoolMode(s) {
	case pool.PoolModeSession, pool.PoolModeTransaction, pool.PoolModeStatement:
		return pool.PoolMode(s), nil
	default:
		return "", fmt.Errorf("pool_mode must be session, transaction, or statement")
	}
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

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
