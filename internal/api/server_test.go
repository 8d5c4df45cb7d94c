package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/dbbouncer/pgpooler/internal/config"
	"github.com/dbbouncer/pgpooler/internal/health"
	"github.com/dbbouncer/pgpooler/internal/metrics"
	"github.com/dbbouncer/pgpooler/internal/pool"
)

func newTestDatabases() map[string]*pool.Database {
	return map[string]*pool.Database{
		"db_1": {
			Name:     "db_1",
			Hosts:    []string{"localhost"},
			Port:     5432,
			DBName:   "db1",
			PoolMode: pool.PoolModeTransaction,
			PoolSize: 20,
			Users:    map[string]*pool.Credential{},
		},
	}
}

func newTestEngine(t *testing.T) *pool.Engine {
	t.Helper()
	e := pool.NewEngine(pool.Config{
		Databases: newTestDatabases(),
		Users:     map[string]*pool.GlobalUser{},
	})
	go e.Run()
	t.Cleanup(func() {
		e.Shutdown(false, false)
		<-e.Done()
	})
	return e
}

func registerRoutes(mr *mux.Router, s *Server) {
	mr.HandleFunc("/databases", s.listDatabases).Methods("GET")
	mr.HandleFunc("/databases", s.createDatabase).Methods("POST")
	mr.HandleFunc("/databases/{id}", s.getDatabase).Methods("GET")
	mr.HandleFunc("/databases/{id}", s.updateDatabase).Methods("PUT")
	mr.HandleFunc("/databases/{id}", s.deleteDatabase).Methods("DELETE")
	mr.HandleFunc("/databases/{id}/stats", s.databaseStats).Methods("GET")
	mr.HandleFunc("/databases/{id}/drain", s.drainDatabase).Methods("POST")
	mr.HandleFunc("/databases/{id}/pause", s.pauseDatabase).Methods("POST")
	mr.HandleFunc("/databases/{id}/resume", s.resumeDatabase).Methods("POST")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")
	mr.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
}

func newTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()
	e := newTestEngine(t)
	hc := health.NewChecker(map[string]*pool.Database{}, nil, health.Config{
		Interval:          time.Hour,
		FailureThreshold:  3,
		ConnectionTimeout: time.Second,
	})

	s := NewServer(e, hc, nil, config.ListenConfig{})
	mr := mux.NewRouter()
	registerRoutes(mr, s)
	return s, mr
}

func TestListDatabases(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var result []databaseResponse
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result) != 1 {
		t.Errorf("expected 1 database, got %d", len(result))
	}
}

func TestCreateDatabase(t *testing.T) {
	_, mr := newTestServer(t)

	body := `{
		"id": "db_new",
		"host": "pg-host",
		"port": 5432,
		"dbname": "newdb",
		"pool_mode": "session"
	}`

	req := httptest.NewRequest("POST", "/databases", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var result databaseResponse
	json.NewDecoder(rr.Body).Decode(&result)
	if result.ID != "db_new" {
		t.Errorf("expected db_new, got %s", result.ID)
	}
}

func TestCreateDatabaseValidation(t *testing.T) {
	_, mr := newTestServer(t)

	body := `{"id": "bad", "pool_mode": "invalid_mode"}`
	req := httptest.NewRequest("POST", "/databases", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestGetDatabase(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/databases/db_1", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var result databaseResponse
	json.NewDecoder(rr.Body).Decode(&result)
	if result.ID != "db_1" {
		t.Errorf("expected db_1, got %s", result.ID)
	}
}

func TestGetDatabaseNotFound(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/databases/nonexistent", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestUpdateDatabase(t *testing.T) {
	_, mr := newTestServer(t)

	body := `{"host": "updated-host", "port": 5433}`
	req := httptest.NewRequest("PUT", "/databases/db_1", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result databaseResponse
	json.NewDecoder(rr.Body).Decode(&result)
	if len(result.Config.Hosts) != 1 || result.Config.Hosts[0] != "updated-host" {
		t.Errorf("expected updated-host, got %v", result.Config.Hosts)
	}
	if result.Config.Port != 5433 {
		t.Errorf("expected port 5433, got %d", result.Config.Port)
	}
}

func TestDeleteDatabase(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("DELETE", "/databases/db_1", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/databases/db_1", nil)
	rr = httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestPauseResumeDatabase(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("POST", "/databases/db_1/pause", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 pausing, got %d", rr.Code)
	}

	req = httptest.NewRequest("GET", "/databases/db_1", nil)
	rr = httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	var result databaseResponse
	json.NewDecoder(rr.Body).Decode(&result)
	if !result.Config.Paused {
		t.Error("expected database to be paused")
	}

	req = httptest.NewRequest("POST", "/databases/db_1/resume", nil)
	rr = httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 resuming, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestReadyEndpoint(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/ready", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	// With databases but no health checks yet, all are "unknown" which
	// counts as healthy.
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

// --- Auth middleware tests ---

func newTestServerWithAuth(t *testing.T, apiKey string) (*Server, http.Handler) {
	t.Helper()
	e := newTestEngine(t)
	hc := health.NewChecker(map[string]*pool.Database{}, nil, health.Config{
		Interval:          time.Hour,
		FailureThreshold:  3,
		ConnectionTimeout: time.Second,
	})

	s := NewServer(e, hc, metrics.New(), config.ListenConfig{APIKey: apiKey})
	mr := mux.NewRouter()
	registerRoutes(mr, s)

	return s, s.authMiddleware(mr)
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, handler := newTestServerWithAuth(t, "test-secret-key")

	req := httptest.NewRequest("GET", "/databases", nil)
	req.Header.Set("Authorization", "Bearer test-secret-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 with valid token, got %d", rr.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, handler := newTestServerWithAuth(t, "test-secret-key")

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing token, got %d", rr.Code)
	}
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	_, handler := newTestServerWithAuth(t, "test-secret-key")

	req := httptest.NewRequest("GET", "/databases", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with invalid token, got %d", rr.Code)
	}
}

func TestAuthMiddleware_HealthExemptFromAuth(t *testing.T) {
	_, handler := newTestServerWithAuth(t, "test-secret-key")

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code == http.StatusUnauthorized {
			t.Errorf("%s should not require auth, got 401", path)
		}
	}
}

func TestAuthMiddleware_NoKeyConfigured(t *testing.T) {
	_, handler := newTestServerWithAuth(t, "")

	req := httptest.NewRequest("GET", "/databases", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 when no API key configured, got %d", rr.Code)
	}
}

func TestRequestBodySizeLimit(t *testing.T) {
	_, handler := newTestServerWithAuth(t, "")

	bigBody := strings.Repeat("a", 2*1024*1024)
	req := httptest.NewRequest("POST", "/databases", strings.NewReader(bigBody))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized body, got %d", rr.Code)
	}
}
