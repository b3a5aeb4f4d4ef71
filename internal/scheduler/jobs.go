package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/jmylchreest/vtcast/internal/sysstats"
)

// Job names.
const (
	JobKeySweep  = "stream_key_sweep"
	JobHostStats = "host_stats"
)

// KeySweeper deactivates expired stream keys.
type KeySweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// KeySweepJob returns a job that deactivates expired and lapsed stream keys.
func KeySweepJob(sweeper KeySweeper, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		n, err := sweeper.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("sweeping stream keys: %w", err)
		}
		if n > 0 {
			logger.Info("expired stream keys deactivated", slog.Int64("count", n))
		}
		return nil
	}
}

// HostSampler samples host resource usage.
type HostSampler interface {
	Collect(ctx context.Context) sysstats.Snapshot
}

// HostStatsJob returns a job that exports host CPU and memory usage.
func HostStatsJob(sampler HostSampler, metrics *observability.Metrics) Job {
	return func(ctx context.Context) error {
		s := sampler.Collect(ctx)
		metrics.SetHost(s.CPUPercent, s.MemoryPercent)
		return nil
	}
}
