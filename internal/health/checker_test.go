package health

import (
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgpooler/internal/metrics"
	"github.com/dbbouncer/pgpooler/internal/pool"
)

var testHealthCfg = Config{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ConnectionTimeout: 5 * time.Second,
}

func newTestTargets() map[string]*pool.Database {
	return map[string]*pool.Database{
		"healthy_db": {
			Name:   "healthy_db",
			Hosts:  []string{"localhost"},
			Port:   5432,
			DBName: "db",
		},
	}
}

func TestCheckerInitialState(t *testing.T) {
	c := NewChecker(newTestTargets(), nil, testHealthCfg)

	if !c.IsHealthy("unknown") {
		t.Error("unknown database should be treated as healthy")
	}

	status := c.GetStatus("unknown")
	if status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := NewChecker(newTestTargets(), nil, testHealthCfg)

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after healthy update")
	}

	status := c.GetStatus("test")
	if status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}

	// Single failure shouldn't make it unhealthy (threshold is 3)
	c.updateStatus("test", false)
	if !c.IsHealthy("test") {
		t.Error("should still be healthy after one failure")
	}

	status = c.GetStatus("test")
	if status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c := NewChecker(newTestTargets(), nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy after 3 consecutive failures")
	}

	status := c.GetStatus("test")
	if status.Status != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy, got %v", status.Status)
	}
}

func TestCheckerRecovery(t *testing.T) {
	c := NewChecker(newTestTargets(), nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy")
	}

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after recovery")
	}

	status := c.GetStatus("test")
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", status.ConsecutiveFailures)
	}
}

func TestOverallHealthy(t *testing.T) {
	c := NewChecker(newTestTargets(), nil, testHealthCfg)

	if !c.OverallHealthy() {
		t.Error("should be overall healthy with no checks")
	}

	c.updateStatus("good", true)
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with one healthy database")
	}

	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	c.updateStatus("bad", false)

	if c.OverallHealthy() {
		t.Error("should not be overall healthy with one unhealthy database")
	}
}

func TestGetAllStatuses(t *testing.T) {
	c := NewChecker(newTestTargets(), nil, testHealthCfg)

	c.updateStatus("t1", true)
	c.updateStatus("t2", true)

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	c := NewChecker(newTestTargets(), nil, testHealthCfg)
	c.Start()

	// Should not panic
	c.Stop()
	c.Stop()
}

func TestCheckAllIsParallel(t *testing.T) {
	targets := map[string]*pool.Database{
		"t1": {Name: "t1", Hosts: []string{"localhost"}, Port: 59991, DBName: "db"},
		"t2": {Name: "t2", Hosts: []string{"localhost"}, Port: 59992, DBName: "db"},
		"t3": {Name: "t3", Hosts: []string{"localhost"}, Port: 59993, DBName: "db"},
	}
	c := NewChecker(targets, nil, testHealthCfg)

	// checkAll should not panic and should update all database statuses
	// (will fail health checks since ports don't exist, but that's fine)
	c.checkAll()

	statuses := c.GetAllStatuses()
	if len(statuses) != 3 {
		t.Errorf("expected 3 statuses after checkAll, got %d", len(statuses))
	}
}

func TestPingDatabaseClosedPort(t *testing.T) {
	targets := map[string]*pool.Database{
		"pg": {Name: "pg", Hosts: []string{"localhost"}, Port: 59999, DBName: "db"},
	}
	c := NewChecker(targets, nil, Config{ConnectionTimeout: 200 * time.Millisecond})

	if c.pingDatabase("pg", targets["pg"]) {
		t.Error("expected ping to fail on closed port")
	}
}

func TestPingDatabaseRespondsOnAnyByte(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	addr := listener.Addr().(*net.TCPAddr)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte{'R'})
	}()

	targets := map[string]*pool.Database{
		"pg": {Name: "pg", Hosts: []string{addr.IP.String()}, Port: addr.Port, DBName: "db"},
	}
	c := NewChecker(targets, nil, Config{ConnectionTimeout: 2 * time.Second})

	if !c.pingDatabase("pg", targets["pg"]) {
		t.Error("expected ping to succeed when backend responds with any byte")
	}
}

func TestRemoveDatabase(t *testing.T) {
	c := NewChecker(newTestTargets(), nil, testHealthCfg)

	c.updateStatus("db_a", true)
	c.updateStatus("db_b", true)

	if len(c.GetAllStatuses()) != 2 {
		t.Fatalf("expected 2 statuses before removal")
	}

	c.RemoveDatabase("db_a")

	statuses := c.GetAllStatuses()
	if len(statuses) != 1 {
		t.Errorf("expected 1 status after removal, got %d", len(statuses))
	}
	if _, exists := statuses["db_a"]; exists {
		t.Error("db_a should have been removed")
	}
	if _, exists := statuses["db_b"]; !exists {
		t.Error("db_b should still exist")
	}

	// Remove nonexistent database should not panic
	c.RemoveDatabase("nonexistent")
}

func TestHealthCheckTimingMetric(t *testing.T) {
	m := metrics.New()

	elapsed := 5 * time.Millisecond
	m.HealthCheckCompleted("t1", elapsed, true)

	if m == nil {
		t.Error("expected metrics collector to be non-nil")
	}
}

func TestHealthCheckErrorMetric(t *testing.T) {
	m := metrics.New()

	m.HealthCheckError("t1", "connection_refused")
	m.HealthCheckError("t1", "connection_refused")
	m.HealthCheckError("t1", "pool_exhausted")

	_ = m
}
