// Package selfstat tracks the Sentinel daemon's own process resource
// usage. It never feeds the incident pipeline; it exists purely so an
// operator can tell the daemon's own overhead apart from the workloads
// it monitors, surfaced only at debug log level.
package selfstat

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Monitor periodically samples this process's own CPU and memory usage.
type Monitor struct {
	proc     *process.Process
	logger   *zap.Logger
	interval time.Duration
}

// New creates a self-monitor for the current process.
func New(interval time.Duration, logger *zap.Logger) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("resolve own process handle: %w", err)
	}
	return &Monitor{
		proc:     proc,
		logger:   logger.Named("selfstat"),
		interval: interval,
	}, nil
}

// Run samples at the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	cpuPercent, err := m.proc.Percent(0)
	if err != nil {
		m.logger.Debug("self cpu sample failed", zap.Error(err))
		cpuPercent = 0
	}

	memInfo, err := m.proc.MemoryInfo()
	if err != nil {
		m.logger.Debug("self memory sample failed", zap.Error(err))
		return
	}

	m.logger.Debug("self resource sample",
		zap.Float64("cpu_percent", cpuPercent),
		zap.Uint64("rss_bytes", memInfo.RSS))
}
