package forwarder

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStats holds collected system metrics, reported to the server
// in a forwarder's Heartbeat so operators can spot a field box under
// resource pressure before it starts dropping reads.
type SystemStats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
}

// SystemMonitor collects system metrics periodically in the
// background and serves the latest snapshot to callers under a read
// lock.
type SystemMonitor struct {
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	stats  SystemStats
	mu     sync.RWMutex
}

// NewSystemMonitor creates a SystemMonitor; call Start to begin
// collection.
func NewSystemMonitor(logger *slog.Logger) *SystemMonitor {
	return &SystemMonitor{
		logger: logger.With("component", "system_monitor"),
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic metric collection in a background goroutine.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor and waits for the collection goroutine to exit.
func (sm *SystemMonitor) Stop() {
	close(sm.stopCh)
	sm.wg.Wait()
}

// Stats returns the most recently collected snapshot.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	sm.collect()

	for {
		select {
		case <-sm.stopCh:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	var stats SystemStats

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		sm.logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
