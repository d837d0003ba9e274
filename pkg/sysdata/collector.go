// Package sysdata collects host metrics (CPU, memory, swap, network
// interfaces) on a pool worker and exposes the latest sample as a
// category-keyed snapshot for the dashboard.
package sysdata

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
)

const kbPerGb = 1024 * 1024

// Categories is the fixed dashboard category set the collector
// produces.
var Categories = []string{"system", "ram", "swap", "network", "ultima_server", "signal"}

// Collector samples /proc on a fixed interval.
type Collector struct {
	cfg    common.SystemDataConfig
	logger *common.Logger
	pool   *threadpool.Manager

	mu       sync.RWMutex
	snapshot map[string]map[string]interface{}

	prevCPU     CPUSample
	havePrevCPU bool

	collectCount uint64
	workerID     uint
	running      atomic.Bool
}

// NewCollector creates a collector; nothing runs until Start.
func NewCollector(cfg common.SystemDataConfig, pool *threadpool.Manager, logger *common.Logger) *Collector {
	if logger == nil {
		logger = common.NewLogger(io.Discard, "[SYSDATA] ", common.InfoLevel)
	}
	return &Collector{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		snapshot: make(map[string]map[string]interface{}),
	}
}

// Start launches the poll loop on the pool.
func (c *Collector) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}

	interval := c.cfg.PollIntervalSeconds
	if interval < 1 {
		interval = 1
	}

	workerID, err := c.pool.Create(func(h *threadpool.Handle) {
		c.pollLoop(h, interval)
	})
	if err != nil {
		c.running.Store(false)
		return fmt.Errorf("failed to start collector: %w", err)
	}
	c.workerID = workerID
	_ = c.pool.Register(workerID, "system-data-collector")

	c.logger.Info("System data collector started with %ds interval", interval)
	return nil
}

// Stop halts the poll loop.
func (c *Collector) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	if c.workerID != 0 {
		_ = c.pool.Stop(c.workerID)
		_ = c.pool.Join(c.workerID, 5*time.Second)
	}
	c.logger.Info("System data collector stopped")
	return nil
}

func (c *Collector) pollLoop(h *threadpool.Handle, interval int) {
	for !h.ShouldExit() {
		h.CheckPause()
		c.collect()

		count := atomic.AddUint64(&c.collectCount, 1)
		if c.cfg.LogCollectionProgress && c.cfg.CollectionProgressLogInterval > 0 &&
			(count-1)%uint64(c.cfg.CollectionProgressLogInterval) == 0 {
			c.logger.Info("Collected system metrics (pass #%d)", count)
		}

		// 1 s ticks so stop requests are observed promptly.
		for i := 0; i < interval; i++ {
			if h.ShouldExit() {
				return
			}
			time.Sleep(1 * time.Second)
		}
	}
}

// collect samples every source and swaps the snapshot.
func (c *Collector) collect() {
	fresh := make(map[string]map[string]interface{}, len(Categories))

	fresh["system"] = c.collectCPU()
	ram, swap := c.collectMemory()
	fresh["ram"] = ram
	fresh["swap"] = swap
	fresh["network"] = c.collectNetwork()
	// No in-process sources for these two; report status stubs the way
	// the dashboard expects.
	fresh["ultima_server"] = map[string]interface{}{"status": "unknown"}
	fresh["signal"] = map[string]interface{}{"status": "unavailable"}

	c.mu.Lock()
	c.snapshot = fresh
	c.mu.Unlock()
}

func (c *Collector) collectCPU() map[string]interface{} {
	sample, err := ReadCPUSample()
	if err != nil {
		c.logger.Warn("Failed to read CPU stats: %v", err)
		return map[string]interface{}{}
	}

	usage := 0.0
	if c.havePrevCPU {
		dTotal := sample.Total - c.prevCPU.Total
		dIdle := sample.Idle - c.prevCPU.Idle
		if dTotal > 0 {
			usage = (dTotal - dIdle) / dTotal * 100.0
		}
	}
	c.prevCPU = sample
	c.havePrevCPU = true

	return map[string]interface{}{
		"usage_percent": round1(usage),
	}
}

func (c *Collector) collectMemory() (ram, swap map[string]interface{}) {
	info, err := ReadMemInfo()
	if err != nil {
		c.logger.Warn("Failed to read memory stats: %v", err)
		return map[string]interface{}{}, map[string]interface{}{}
	}

	ramUsed := info.MemTotal - info.MemAvailable
	ram = map[string]interface{}{
		"usage_percent": round1(percent(ramUsed, info.MemTotal)),
		"used_gb":       round1(ramUsed / kbPerGb),
		"total_gb":      round1(info.MemTotal / kbPerGb),
	}

	swapUsed := info.SwapTotal - info.SwapFree
	swap = map[string]interface{}{
		"usage_percent": round1(percent(swapUsed, info.SwapTotal)),
		"used_gb":       round1(swapUsed / kbPerGb),
		"total_gb":      round1(info.SwapTotal / kbPerGb),
	}
	return ram, swap
}

func (c *Collector) collectNetwork() map[string]interface{} {
	stats, err := ReadNetDev()
	if err != nil {
		c.logger.Warn("Failed to read network stats: %v", err)
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"interfaces": stats,
	}
}

func percent(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100.0
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// Snapshot returns a copy of the latest category map.
func (c *Collector) Snapshot() map[string]map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(c.snapshot))
	for category, data := range c.snapshot {
		copied := make(map[string]interface{}, len(data))
		for k, v := range data {
			copied[k] = v
		}
		out[category] = copied
	}
	return out
}

// MetricsJSON returns the latest snapshot serialised per category, for
// the store flush.
func (c *Collector) MetricsJSON() (map[string]string, error) {
	snapshot := c.Snapshot()
	out := make(map[string]string, len(snapshot))
	for category, data := range snapshot {
		encoded, err := sonic.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal category %s: %w", category, err)
		}
		out[category] = string(encoded)
	}
	return out, nil
}
