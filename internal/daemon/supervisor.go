// Package daemon wires the container registry's discovery lifecycle to
// the per-container workers, the log follower and the metrics sampler,
// spawning one goroutine of each per discovered container and cancelling
// them when the registry reports the container gone.
package daemon

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/model"
)

// Worker is a per-container task that runs until ctx is cancelled.
// Implemented by internal/ingest.Follower and internal/metricsampler.Sampler.
type Worker interface {
	Run(ctx context.Context, c *model.Container)
}

// Supervisor implements registry.Lifecycle, fanning each lifecycle event
// out to every registered worker.
type Supervisor struct {
	logger  *zap.Logger
	workers []Worker

	running sync.Map // containerID string -> context.CancelFunc
}

// NewSupervisor creates a supervisor driving the given workers. Workers
// may also be registered later with AddWorker, since some depend on a
// Docker client the registry itself only exposes after construction.
func NewSupervisor(logger *zap.Logger, workers ...Worker) *Supervisor {
	return &Supervisor{
		logger:  logger.Named("supervisor"),
		workers: workers,
	}
}

// AddWorker registers an additional worker. Must be called before any
// container has started; it is not safe to call concurrently with
// ContainerStarted.
func (s *Supervisor) AddWorker(w Worker) {
	s.workers = append(s.workers, w)
}

// ContainerStarted spawns one goroutine per worker for the container,
// all sharing a context cancelled on ContainerRemoved.
func (s *Supervisor) ContainerStarted(ctx context.Context, c *model.Container) {
	if _, already := s.running.Load(c.ID); already {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.running.Store(c.ID, cancel)

	s.logger.Info("starting per-container workers",
		zap.String("container_id", c.ID), zap.String("service", c.Service))

	for _, w := range s.workers {
		w := w
		go w.Run(childCtx, c)
	}
}

// ContainerRemoved cancels the container's worker goroutines.
func (s *Supervisor) ContainerRemoved(containerID string) {
	cancel, ok := s.running.LoadAndDelete(containerID)
	if !ok {
		return
	}
	s.logger.Info("stopping per-container workers", zap.String("container_id", containerID))
	cancel.(context.CancelFunc)()
}
