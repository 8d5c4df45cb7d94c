package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	// UpdatePoolStats is the sole authority for the six per-list gauges.
	c.UpdatePoolStats("db1", "alice", 3, 5, 8, 1, 0, 0)

	val := getGaugeValue(c.clActive.WithLabelValues("db1", "alice"))
	if val != 3 {
		t.Errorf("expected cl_active=3, got %v", val)
	}

	// A second call replaces (not increments) the value
	c.UpdatePoolStats("db1", "alice", 2, 4, 6, 0, 0, 0)
	val = getGaugeValue(c.clActive.WithLabelValues("db1", "alice"))
	if val != 2 {
		t.Errorf("expected cl_active=2 after update, got %v", val)
	}
}

func TestQueryDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.QueryDuration("db1", 100*time.Millisecond)
	c.QueryDuration("db1", 200*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "pgpooler_query_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 {
				t.Fatal("no metric samples")
			}
			if m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("query duration metric not found")
	}
}

func TestSetDatabaseHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetDatabaseHealth("db1", true)
	val := getGaugeValue(c.databaseHealth.WithLabelValues("db1"))
	if val != 1 {
		t.Errorf("expected health=1 (healthy), got %v", val)
	}

	c.SetDatabaseHealth("db1", false)
	val = getGaugeValue(c.databaseHealth.WithLabelValues("db1"))
	if val != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("db1")
	c.PoolExhausted("db1")
	c.PoolExhausted("db1")

	val := getCounterValue(c.poolExhausted.WithLabelValues("db1"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestUpdatePoolStatsAllLists(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("db1", "alice", 5, 10, 15, 2, 1, 0)

	if v := getGaugeValue(c.clActive.WithLabelValues("db1", "alice")); v != 5 {
		t.Errorf("expected cl_active=5, got %v", v)
	}
	if v := getGaugeValue(c.clWaiting.WithLabelValues("db1", "alice")); v != 10 {
		t.Errorf("expected cl_waiting=10, got %v", v)
	}
	if v := getGaugeValue(c.svActive.WithLabelValues("db1", "alice")); v != 15 {
		t.Errorf("expected sv_active=15, got %v", v)
	}
	if v := getGaugeValue(c.svIdle.WithLabelValues("db1", "alice")); v != 2 {
		t.Errorf("expected sv_idle=2, got %v", v)
	}
	if v := getGaugeValue(c.svUsed.WithLabelValues("db1", "alice")); v != 1 {
		t.Errorf("expected sv_used=1, got %v", v)
	}
}

func TestRemoveDatabase(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("db1", "alice", 1, 2, 3, 0, 0, 0)
	c.SetDatabaseHealth("db1", true)
	c.PoolExhausted("db1")

	c.RemoveDatabase("db1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "database" && l.GetValue() == "db1" {
					t.Errorf("metric %s still has db1 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleDatabases(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("db1", "alice", 1, 0, 1, 0, 0, 0)
	c.UpdatePoolStats("db2", "bob", 2, 1, 3, 0, 0, 0)

	v1 := getGaugeValue(c.clActive.WithLabelValues("db1", "alice"))
	v2 := getGaugeValue(c.clActive.WithLabelValues("db2", "bob"))

	if v1 != 1 {
		t.Errorf("expected db1 cl_active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected db2 cl_active=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	// Calling New() multiple times should not panic because each creates
	// its own registry instead of using the global default.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("db1", "alice", 1, 0, 1, 0, 0, 0)
	c2.UpdatePoolStats("db1", "alice", 2, 0, 2, 0, 0, 0)

	v1 := getGaugeValue(c1.clActive.WithLabelValues("db1", "alice"))
	v2 := getGaugeValue(c2.clActive.WithLabelValues("db1", "alice"))

	if v1 != 1 {
		t.Errorf("c1 expected cl_active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected cl_active=2, got %v", v2)
	}
}

func TestTransactionCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.TransactionCompleted("db1", 50*time.Millisecond)
	c.TransactionCompleted("db1", 100*time.Millisecond)

	val := getCounterValue(c.transactionsTotal.WithLabelValues("db1"))
	if val != 2 {
		t.Errorf("expected transactionsTotal=2, got %v", val)
	}

	families, _ := reg.Gather()
	for _, f := range families {
		if f.GetName() == "pgpooler_transaction_duration_seconds" {
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 2 {
				t.Errorf("expected 2 duration samples, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
}

func TestAcquireDuration(t *testing.T) {
	c, reg := newTestCollector(t)

	c.AcquireDuration("db1", 5*time.Millisecond)

	families, _ := reg.Gather()
	var found bool
	for _, f := range families {
		if f.GetName() == "pgpooler_acquire_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) > 0 && m[0].GetHistogram().GetSampleCount() != 1 {
				t.Errorf("expected 1 acquire sample, got %d", m[0].GetHistogram().GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("acquire duration metric not found")
	}
}

func TestPreparedCacheResult(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PreparedCacheResult("db1", true)
	c.PreparedCacheResult("db1", true)
	c.PreparedCacheResult("db1", false)

	hit := getCounterValue(c.preparedCacheHits.WithLabelValues("db1", "hit"))
	if hit != 2 {
		t.Errorf("expected hit=2, got %v", hit)
	}
	miss := getCounterValue(c.preparedCacheHits.WithLabelValues("db1", "miss"))
	if miss != 1 {
		t.Errorf("expected miss=1, got %v", miss)
	}
}

func TestServerReset(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ServerReset("db1", true)
	c.ServerReset("db1", true)
	c.ServerReset("db1", false)

	successVal := getCounterValue(c.serverResetsTotal.WithLabelValues("db1", "success"))
	if successVal != 2 {
		t.Errorf("expected reset success=2, got %v", successVal)
	}
	failVal := getCounterValue(c.serverResetsTotal.WithLabelValues("db1", "failure"))
	if failVal != 1 {
		t.Errorf("expected reset failure=1, got %v", failVal)
	}
}

func TestDirtyDisconnect(t *testing.T) {
	c, _ := newTestCollector(t)

	c.DirtyDisconnect("db1")
	c.DirtyDisconnect("db1")

	val := getCounterValue(c.dirtyDisconnects.WithLabelValues("db1"))
	if val != 2 {
		t.Errorf("expected dirty disconnects=2, got %v", val)
	}
}

func TestCancelRequestForwarded(t *testing.T) {
	c, _ := newTestCollector(t)

	c.CancelRequestForwarded("db1")
	c.CancelRequestForwarded("db1")

	val := getCounterValue(c.cancelRequestsTotal.WithLabelValues("db1"))
	if val != 2 {
		t.Errorf("expected cancel requests=2, got %v", val)
	}
}
