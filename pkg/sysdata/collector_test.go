package sysdata

import (
	"runtime"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
)

func testConfig() common.SystemDataConfig {
	return common.SystemDataConfig{
		Enabled:                       true,
		PollIntervalSeconds:           1,
		DatabaseUpdateIntervalSeconds: 1,
		CollectionProgressLogInterval: 30,
		DatabaseUpdateLogInterval:     6,
	}
}

func TestCollectProducesAllCategories(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is linux-only")
	}

	pool := threadpool.NewManager(nil)
	defer pool.Shutdown()

	c := NewCollector(testConfig(), pool, nil)
	c.collect()

	snapshot := c.Snapshot()
	for _, category := range Categories {
		if _, ok := snapshot[category]; !ok {
			t.Errorf("Missing category %s in snapshot", category)
		}
	}

	ram := snapshot["ram"]
	if _, ok := ram["usage_percent"]; !ok {
		t.Error("Expected usage_percent in ram category")
	}
	if _, ok := ram["total_gb"]; !ok {
		t.Error("Expected total_gb in ram category")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is linux-only")
	}

	pool := threadpool.NewManager(nil)
	defer pool.Shutdown()

	c := NewCollector(testConfig(), pool, nil)
	c.collect()

	first := c.Snapshot()
	first["ram"]["usage_percent"] = -1.0

	second := c.Snapshot()
	if second["ram"]["usage_percent"] == -1.0 {
		t.Error("Snapshot must return an independent copy")
	}
}

func TestMetricsJSONRoundTrips(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is linux-only")
	}

	pool := threadpool.NewManager(nil)
	defer pool.Shutdown()

	c := NewCollector(testConfig(), pool, nil)
	c.collect()

	metrics, err := c.MetricsJSON()
	if err != nil {
		t.Fatalf("Failed to serialise metrics: %v", err)
	}
	for category, encoded := range metrics {
		var parsed map[string]interface{}
		if err := sonic.Unmarshal([]byte(encoded), &parsed); err != nil {
			t.Errorf("Category %s is not valid JSON: %v", category, err)
		}
	}
}

func TestCollectorStartStop(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is linux-only")
	}

	pool := threadpool.NewManager(nil)
	defer pool.Shutdown()

	c := NewCollector(testConfig(), pool, nil)
	if err := c.Start(); err != nil {
		t.Fatalf("Failed to start collector: %v", err)
	}

	// The poll loop registers itself for control-by-name.
	if _, err := pool.Find("system-data-collector"); err != nil {
		t.Errorf("Expected collector registration, got %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if len(c.Snapshot()) == 0 {
		t.Error("Expected a populated snapshot after start")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Failed to stop collector: %v", err)
	}
}

func TestRound1(t *testing.T) {
	cases := map[float64]float64{
		42.04: 42.0,
		42.05: 42.1,
		0.0:   0.0,
		99.99: 100.0,
	}
	for in, want := range cases {
		if got := round1(in); got != want {
			t.Errorf("round1(%v) = %v, want %v", in, got, want)
		}
	}
}
