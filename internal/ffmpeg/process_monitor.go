package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a resource usage sample of the encoder process.
type ProcessStats struct {
	PID           int       `json:"pid"`
	CPUPercent    float64   `json:"cpu_percent"`
	RSSBytes      uint64    `json:"rss_bytes"`
	MemoryPercent float32   `json:"memory_percent"`
	BytesWritten  uint64    `json:"bytes_written"`
	BytesRead     uint64    `json:"bytes_read"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdated   time.Time `json:"last_updated"`
}

// ProcessMonitor samples CPU and memory of a child process.
type ProcessMonitor struct {
	proc      *process.Process
	pid       int
	startedAt time.Time

	mu    sync.RWMutex
	stats ProcessStats

	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor attaches to pid.
func NewProcessMonitor(ctx context.Context, pid int) (*ProcessMonitor, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("attaching to process %d: %w", pid, err)
	}
	return &ProcessMonitor{proc: proc, pid: pid, startedAt: time.Now()}, nil
}

// Start samples every interval until Stop, passing each sample to onSample.
func (pm *ProcessMonitor) Start(interval time.Duration, onSample func(ProcessStats)) {
	ctx, cancel := context.WithCancel(context.Background())
	pm.cancel = cancel

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s, err := pm.Sample(ctx)
				if err != nil {
					// The process has most likely exited.
					continue
				}
				if onSample != nil {
					onSample(s)
				}
			}
		}
	}()
}

// Stop ends sampling and waits for the sampler to exit.
func (pm *ProcessMonitor) Stop() {
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.wg.Wait()
}

// Sample takes one measurement. CPU percent is relative to the previous sample.
func (pm *ProcessMonitor) Sample(ctx context.Context) (ProcessStats, error) {
	cpuPercent, err := pm.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("sampling cpu: %w", err)
	}
	mem, err := pm.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("sampling memory: %w", err)
	}
	memPercent, _ := pm.proc.MemoryPercentWithContext(ctx)

	s := ProcessStats{
		PID:           pm.pid,
		CPUPercent:    cpuPercent,
		RSSBytes:      mem.RSS,
		MemoryPercent: memPercent,
		BytesWritten:  pm.bytesWritten.Load(),
		BytesRead:     pm.bytesRead.Load(),
		StartedAt:     pm.startedAt,
		LastUpdated:   time.Now(),
	}

	pm.mu.Lock()
	pm.stats = s
	pm.mu.Unlock()
	return s, nil
}

// Stats returns the latest sample with live byte counters.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	s := pm.stats
	pm.mu.RUnlock()
	s.PID = pm.pid
	s.StartedAt = pm.startedAt
	s.BytesWritten = pm.bytesWritten.Load()
	s.BytesRead = pm.bytesRead.Load()
	return s
}

// CountingWriter counts bytes written through it into a monitor.
type CountingWriter struct {
	w       io.Writer
	monitor *ProcessMonitor
}

// NewCountingWriter wraps w. A nil monitor disables counting.
func NewCountingWriter(w io.Writer, monitor *ProcessMonitor) *CountingWriter {
	return &CountingWriter{w: w, monitor: monitor}
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 && cw.monitor != nil {
		cw.monitor.bytesWritten.Add(uint64(n))
	}
	return n, err
}

// CountingReader counts bytes read through it into a monitor.
type CountingReader struct {
	r       io.Reader
	monitor *ProcessMonitor
}

// NewCountingReader wraps r. A nil monitor disables counting.
func NewCountingReader(r io.Reader, monitor *ProcessMonitor) *CountingReader {
	return &CountingReader{r: r, monitor: monitor}
}

// Read implements io.Reader.
func (cr *CountingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 && cr.monitor != nil {
		cr.monitor.bytesRead.Add(uint64(n))
	}
	return n, err
}
