// Package metricsampler polls each monitored container's resource stats at
// a fixed cadence and emits resource samples onto the event bus.
package metricsampler

import (
	"context"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/bus"
	"github.com/sre-sentinel/sentinel/internal/model"
)

// Registry is the subset of registry.Registry the sampler depends on.
type Registry interface {
	UpdateSample(ctx context.Context, containerID string, sample *model.ResourceSample, restarts int)
}

// Sampler runs one polling goroutine per monitored container.
type Sampler struct {
	docker   *client.Client
	bus      *bus.Bus
	registry Registry
	logger   *zap.Logger
	interval time.Duration
}

// New creates a sampler. interval is the configured LOG_CHECK_INTERVAL,
// which doubles as the metrics sampling period per spec.
func New(docker *client.Client, b *bus.Bus, registry Registry, interval time.Duration, logger *zap.Logger) *Sampler {
	return &Sampler{
		docker:   docker,
		bus:      b,
		registry: registry,
		logger:   logger.Named("metrics-sampler"),
		interval: interval,
	}
}

// Run polls c's stats endpoint every interval until ctx is cancelled. On
// cancellation it returns promptly; it does not attempt to drain a
// partial sample.
func (s *Sampler) Run(ctx context.Context, c *model.Container) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var prev *statsSnapshot
	var prevAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, restarts, err := s.poll(ctx, c.ID)
			if err != nil {
				s.logger.Warn("stats poll failed",
					zap.String("container_id", c.ID), zap.Error(err))
				continue
			}

			now := time.Now()
			if prev == nil {
				// First sample: rates need two points, suppress per spec.
				prev, prevAt = snap, now
				continue
			}

			elapsed := now.Sub(prevAt).Seconds()
			rxBytes, txBytes := totalNetworkBytes(snap)
			prevRx, prevTx := totalNetworkBytes(prev)
			readBytes, writeBytes := totalBlkioBytes(snap)
			prevRead, prevWrite := totalBlkioBytes(prev)

			sample := &model.ResourceSample{
				ContainerID:          c.ID,
				Timestamp:            now,
				CPUPercent:           cpuPercent(snap, prev),
				MemPercent:           memPercent(snap),
				NetRxBytesPerSec:     rate(rxBytes, prevRx, elapsed),
				NetTxBytesPerSec:     rate(txBytes, prevTx, elapsed),
				DiskReadBytesPerSec:  rate(readBytes, prevRead, elapsed),
				DiskWriteBytesPerSec: rate(writeBytes, prevWrite, elapsed),
			}

			s.registry.UpdateSample(ctx, c.ID, sample, restarts)
			s.bus.Publish(ctx, bus.TopicMetrics, sample)

			prev, prevAt = snap, now
		}
	}
}

func (s *Sampler) poll(ctx context.Context, containerID string) (*statsSnapshot, int, error) {
	resp, err := s.docker.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	snap, err := decodeStats(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	inspect, err := s.docker.ContainerInspect(ctx, containerID)
	restarts := 0
	if err == nil {
		restarts = inspect.RestartCount
	}

	return snap, restarts, nil
}
