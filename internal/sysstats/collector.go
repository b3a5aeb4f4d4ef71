// Package sysstats samples host resource usage for the health endpoint and
// the periodic host stats job.
package sysstats

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one sample of host statistics. Fields that could not be read
// are left zero.
type Snapshot struct {
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`
	Arch          string    `json:"arch"`
	CollectedAt   time.Time `json:"collected_at"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	ProcessUptime string    `json:"process_uptime"`

	CPUCores   int     `json:"cpu_cores"`
	CPUPercent float64 `json:"cpu_percent"`
	Load1      float64 `json:"load_1m"`
	Load5      float64 `json:"load_5m"`
	Load15     float64 `json:"load_15m"`

	MemoryTotalBytes     uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes      uint64  `json:"memory_used_bytes"`
	MemoryAvailableBytes uint64  `json:"memory_available_bytes"`
	MemoryPercent        float64 `json:"memory_percent"`

	DiskPath      string  `json:"disk_path,omitempty"`
	DiskFreeBytes uint64  `json:"disk_free_bytes"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Collector gathers Snapshots and remembers the latest one.
type Collector struct {
	hostname  string
	startTime time.Time
	diskPath  string

	mu   sync.RWMutex
	last Snapshot
}

// NewCollector creates a Collector. diskPath is the directory whose
// filesystem usage is reported; empty means the working directory.
func NewCollector(diskPath string) *Collector {
	hostname, _ := os.Hostname()
	if diskPath == "" {
		diskPath, _ = os.Getwd()
	}
	return &Collector{
		hostname:  hostname,
		startTime: time.Now(),
		diskPath:  diskPath,
	}
}

// Collect samples the host. CPU usage is measured since the previous call.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	s := Snapshot{
		Hostname:      c.hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		CollectedAt:   time.Now(),
		ProcessUptime: time.Since(c.startTime).Round(time.Second).String(),
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		s.UptimeSeconds = uptime
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		s.CPUCores = cores
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
		s.Load5 = avg.Load5
		s.Load15 = avg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryTotalBytes = vm.Total
		s.MemoryUsedBytes = vm.Used
		s.MemoryAvailableBytes = vm.Available
		s.MemoryPercent = vm.UsedPercent
	}

	if c.diskPath != "" {
		if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
			s.DiskPath = c.diskPath
			s.DiskFreeBytes = usage.Free
			s.DiskPercent = usage.UsedPercent
		}
	}

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
	return s
}

// Last returns the most recent snapshot, or a zero Snapshot before the
// first Collect.
func (c *Collector) Last() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Uptime returns how long the collector's process has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}
