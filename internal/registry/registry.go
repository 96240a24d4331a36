// Package registry implements the container registry and discovery loop:
// it tracks every container bearing the monitor label, upserts descriptors
// on each discovery pass, and removes descriptors that have been missing
// for more than the grace interval.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/sre-sentinel/sentinel/internal/bus"
	"github.com/sre-sentinel/sentinel/internal/model"
)

const (
	monitorLabel = "sre-sentinel.monitor"
	serviceLabel = "sre-sentinel.service"

	discoveryInterval = 15 * time.Second
	missGrace         = 2 // passes; ~30s at the default interval
)

// ContainerStarted and ContainerRemoved are callbacks invoked by the
// discovery loop when a container's presence changes, so the caller can
// start or cancel its per-container ingester and sampler.
type Lifecycle interface {
	ContainerStarted(ctx context.Context, c *model.Container)
	ContainerRemoved(containerID string)
}

// Registry is the read-mostly store of container descriptors. Writes are
// serialized by the discovery loop; readers see a consistent snapshot via
// copy-on-read.
type Registry struct {
	logger    *zap.Logger
	docker    *client.Client
	bus       *bus.Bus
	lifecycle Lifecycle

	mu         sync.RWMutex
	containers map[string]*model.Container
}

// New creates a registry backed by a Docker client resolved from the
// environment (DOCKER_HOST and friends), with API version negotiation so
// it works against a range of engine versions.
func New(b *bus.Bus, lifecycle Lifecycle, logger *zap.Logger) (*Registry, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Registry{
		logger:     logger.Named("registry"),
		docker:     docker,
		bus:        b,
		lifecycle:  lifecycle,
		containers: make(map[string]*model.Container),
	}, nil
}

// DockerClient exposes the underlying client for components that need
// direct engine access (log ingester, metrics sampler).
func (r *Registry) DockerClient() *client.Client {
	return r.docker
}

// Run performs an initial discovery pass and then repeats every
// discoveryInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.discover(ctx); err != nil {
		r.logger.Error("initial discovery failed", zap.Error(err))
	}

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.discover(ctx); err != nil {
				r.logger.Error("discovery pass failed", zap.Error(err))
			}
		}
	}
}

func (r *Registry) discover(ctx context.Context) error {
	f := filters.NewArgs()
	f.Add("label", monitorLabel+"=true")

	containers, err := r.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return fmt.Errorf("container list failed: %w", err)
	}

	seen := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		seen[c.ID] = struct{}{}
		desc := r.toDescriptor(c)
		r.upsert(ctx, desc)
	}

	r.evictMissing(seen)
	return nil
}

func (r *Registry) toDescriptor(c types.Container) *model.Container {
	name := c.ID
	if len(c.Names) > 0 {
		name = trimLeadingSlash(c.Names[0])
	}
	service := c.Labels[serviceLabel]
	if service == "" {
		service = name
	}

	status := model.ContainerUnknown
	switch {
	case c.State == "running":
		status = model.ContainerRunning
	case c.State == "created" || c.State == "restarting":
		status = model.ContainerStarting
	case c.State == "exited" || c.State == "dead":
		status = model.ContainerExited
	}

	return &model.Container{
		ID:        c.ID,
		Name:      name,
		Service:   service,
		Status:    status,
		CreatedAt: time.Unix(c.Created, 0),
	}
}

func trimLeadingSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

func (r *Registry) upsert(ctx context.Context, desc *model.Container) {
	r.mu.Lock()
	existing, known := r.containers[desc.ID]
	if known {
		desc.LastSample = existing.LastSample
		desc.History = existing.History
		desc.Restarts = existing.Restarts
	}
	desc.MissCount = 0
	r.containers[desc.ID] = desc
	r.mu.Unlock()

	r.bus.Publish(ctx, bus.TopicContainerUpdate, desc.Clone())

	if !known && r.lifecycle != nil {
		r.lifecycle.ContainerStarted(ctx, desc.Clone())
	}
}

func (r *Registry) evictMissing(seen map[string]struct{}) {
	r.mu.Lock()
	var removed []string
	for id, c := range r.containers {
		if _, ok := seen[id]; ok {
			continue
		}
		c.MissCount++
		if c.MissCount > missGrace {
			delete(r.containers, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.logger.Info("container removed after exceeding miss grace", zap.String("container_id", id))
		if r.lifecycle != nil {
			r.lifecycle.ContainerRemoved(id)
		}
	}
}

// Get returns a snapshot copy of the descriptor for id, or nil if unknown.
func (r *Registry) Get(id string) *model.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[id]
	if !ok {
		return nil
	}
	return c.Clone()
}

// Snapshot returns a copy of every known descriptor.
func (r *Registry) Snapshot() []*model.Container {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c.Clone())
	}
	return out
}

// UpdateSample records a fresh resource sample against a known descriptor
// and publishes the updated descriptor. Called by the metrics sampler.
func (r *Registry) UpdateSample(ctx context.Context, containerID string, sample *model.ResourceSample, restarts int) {
	r.mu.Lock()
	c, ok := r.containers[containerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.PushSample(sample)
	c.Restarts = restarts
	snapshot := c.Clone()
	r.mu.Unlock()

	r.bus.Publish(ctx, bus.TopicContainerUpdate, snapshot)
}
