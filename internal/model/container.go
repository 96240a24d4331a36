package model

import "time"

// ContainerStatus is the lifecycle status of a monitored container.
type ContainerStatus string

const (
	ContainerRunning  ContainerStatus = "running"
	ContainerStarting ContainerStatus = "starting"
	ContainerExited   ContainerStatus = "exited"
	ContainerUnknown  ContainerStatus = "unknown"
)

// Container is a descriptor for a single monitored container.
//
// Created when discovery observes a container bearing the monitor label;
// mutated by the discovery loop and the metrics sampler; removed when the
// container has been missing from the engine for more than the grace
// interval.
type Container struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Service    string             `json:"service"`
	Status     ContainerStatus    `json:"status"`
	Restarts   int                `json:"restarts"`
	LastSample *ResourceSample    `json:"last_sample,omitempty"`
	History    []*ResourceSample  `json:"history,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`

	// MissCount is incremented each discovery pass the container is not
	// observed in, and reset to 0 whenever it is. Not serialized; it is
	// discovery-internal bookkeeping, not part of the public descriptor.
	MissCount int `json:"-"`
}

// MaxHistorySamples bounds Container.History to a fixed-size ring; the
// oldest sample is dropped once the ring is full.
const MaxHistorySamples = 120

// PushSample appends sample as the newest entry in the container's
// resource history, evicting the oldest entry once the ring is full, and
// sets it as LastSample.
func (c *Container) PushSample(sample *ResourceSample) {
	c.LastSample = sample
	c.History = append(c.History, sample)
	if len(c.History) > MaxHistorySamples {
		c.History = c.History[len(c.History)-MaxHistorySamples:]
	}
}

// Clone returns a deep-enough copy safe to hand to a reader outside the
// registry's lock.
func (c *Container) Clone() *Container {
	clone := *c
	if c.LastSample != nil {
		sample := *c.LastSample
		clone.LastSample = &sample
	}
	if c.History != nil {
		clone.History = append([]*ResourceSample(nil), c.History...)
	}
	return &clone
}

// ResourceSample is a single point-in-time resource measurement for a
// container, derived from the engine's cumulative stats counters.
type ResourceSample struct {
	ContainerID          string    `json:"container_id"`
	Timestamp            time.Time `json:"timestamp"`
	CPUPercent           float64   `json:"cpu_percent"`
	MemPercent           float64   `json:"mem_percent"`
	NetRxBytesPerSec     float64   `json:"net_rx_bytes_per_sec"`
	NetTxBytesPerSec     float64   `json:"net_tx_bytes_per_sec"`
	DiskReadBytesPerSec  float64   `json:"disk_read_bytes_per_sec"`
	DiskWriteBytesPerSec float64   `json:"disk_write_bytes_per_sec"`
}
