package observability

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/process"
)

// MonitoringStats is the process part of the admin info payload.
type MonitoringStats struct {
	PID            int32   `json:"pid"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float32 `json:"memory_percent"`
	RSSMb          uint64  `json:"rss_mb"`
	AllocMemMb     uint64  `json:"alloc_mem_mb"`
	NumGC          uint32  `json:"num_gc"`
	Goroutines     int     `json:"goroutines"`
	WSAttached     uint64  `json:"ws_attached"`
	Polls          uint64  `json:"polls"`
	MessagesPosted uint64  `json:"messages_posted"`
	SampledAt      string  `json:"sampled_at"`
}

// MonitoringManager samples the hub process on a fixed period and keeps
// transport counters.
type MonitoringManager struct {
	log         *slog.Logger
	interval    time.Duration
	mu          sync.RWMutex
	latestStats MonitoringStats
	proc        *process.Process

	WSAttached     uint64
	Polls          uint64
	MessagesPosted uint64
}

func NewMonitoringManager(log *slog.Logger, interval time.Duration) *MonitoringManager {
	mm := &MonitoringManager{log: log, interval: interval}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn("Process metrics unavailable", "error", err)
	}
	mm.proc = p
	return mm
}

func (mm *MonitoringManager) IncrWSAttached() {
	atomic.AddUint64(&mm.WSAttached, 1)
}

func (mm *MonitoringManager) IncrPolls() {
	atomic.AddUint64(&mm.Polls, 1)
}

func (mm *MonitoringManager) AddMessagesPosted(n int) {
	atomic.AddUint64(&mm.MessagesPosted, uint64(n))
}

// Run samples until ctx is done.
func (mm *MonitoringManager) Run(ctx context.Context) error {
	mm.updateStats()
	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			mm.log.Debug("Context done, stopping process monitoring")
			return nil
		case <-ticker.C:
			mm.updateStats()
		}
	}
}

func (mm *MonitoringManager) updateStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	stats := MonitoringStats{
		PID:            int32(os.Getpid()),
		AllocMemMb:     m.Alloc / 1024 / 1024,
		NumGC:          m.NumGC,
		Goroutines:     runtime.NumGoroutine(),
		WSAttached:     atomic.LoadUint64(&mm.WSAttached),
		Polls:          atomic.LoadUint64(&mm.Polls),
		MessagesPosted: atomic.LoadUint64(&mm.MessagesPosted),
		SampledAt:      time.Now().Format(time.RFC3339),
	}

	if mm.proc != nil {
		if cpu, err := mm.proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		} else {
			mm.log.Debug("Error while finding process cpu usage", "err", err)
		}
		if ram, err := mm.proc.MemoryPercent(); err == nil {
			stats.MemoryPercent = ram
		}
		if info, err := mm.proc.MemoryInfo(); err == nil {
			stats.RSSMb = info.RSS / 1024 / 1024
		}
	}

	mm.mu.Lock()
	mm.latestStats = stats
	mm.mu.Unlock()
	mm.log.Debug("Process stats updated", "cpu", stats.CPUPercent, "rss_mb", stats.RSSMb, "goroutines", stats.Goroutines)
}

func (mm *MonitoringManager) GetLatest() MonitoringStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.latestStats
}
