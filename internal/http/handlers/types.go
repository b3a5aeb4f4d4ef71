// Package handlers implements the operations API on huma.
package handlers

import (
	"context"
	"time"

	"github.com/jmylchreest/vtcast/internal/state"
	"github.com/jmylchreest/vtcast/internal/sysstats"
)

// Component health values.
const (
	StatusOK            = "ok"
	StatusError         = "error"
	StatusNotConfigured = "not_configured"
	StatusDown          = "down"
)

// LivenessSource reports stream liveness.
type LivenessSource interface {
	Get(streamID string) (state.Status, bool)
	All() []state.Status
}

// HostSampler samples host resource usage.
type HostSampler interface {
	Collect(ctx context.Context) sysstats.Snapshot
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CPUInfo is host CPU usage.
type CPUInfo struct {
	Cores      int     `json:"cores"`
	Percent    float64 `json:"percent"`
	Load1Min   float64 `json:"load_1min"`
	Load5Min   float64 `json:"load_5min"`
	Load15Min  float64 `json:"load_15min"`
	LoadPerCPU float64 `json:"load_per_cpu"`
}

// MemoryInfo is host memory usage.
type MemoryInfo struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	AvailableMB float64 `json:"available_mb"`
	Percent     float64 `json:"percent"`
}

// DatabaseHealth is the result of pinging the database.
type DatabaseHealth struct {
	Status         string  `json:"status"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	Error          string  `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string            `json:"status" doc:"healthy, degraded or unhealthy"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPU           CPUInfo           `json:"cpu"`
	Memory        MemoryInfo        `json:"memory"`
	Database      DatabaseHealth    `json:"database"`
	Streams       []state.Status    `json:"streams"`
	Checks        map[string]string `json:"checks"`
}

func bytesToMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
