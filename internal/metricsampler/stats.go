package metricsampler

import (
	"encoding/json"
	"fmt"
	"io"
)

// statsSnapshot is the subset of the engine's stats payload needed to
// derive a resource sample. Field names mirror the wire JSON the Docker
// engine returns from its stats endpoint.
type statsSnapshot struct {
	Read     string `json:"read"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage  uint64   `json:"total_usage"`
			PercpuUsage []uint64 `json:"percpu_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
	} `json:"cpu_stats"`
	PrecpuStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
		Stats struct {
			Cache uint64 `json:"cache"`
		} `json:"stats"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
	BlkioStats struct {
		IOServiceBytesRecursive []struct {
			Op    string `json:"op"`
			Value uint64 `json:"value"`
		} `json:"io_service_bytes_recursive"`
	} `json:"blkio_stats"`
}

func decodeStats(body io.Reader) (*statsSnapshot, error) {
	var snap statsSnapshot
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode stats payload: %w", err)
	}
	return &snap, nil
}

// cpuPercent computes CPU% from cumulative CPU deltas divided by system CPU
// deltas, multiplied by the online-CPU count, taken from the length of
// the percpu_usage array in the current sample, matching the engine's own
// reporting convention rather than the host's gopsutil-reported core
// count.
func cpuPercent(curr, prev *statsSnapshot) float64 {
	cpuDelta := float64(curr.CPUStats.CPUUsage.TotalUsage) - float64(curr.PrecpuStats.CPUUsage.TotalUsage)
	systemDelta := float64(curr.CPUStats.SystemCPUUsage) - float64(curr.PrecpuStats.SystemCPUUsage)
	onlineCPUs := len(curr.CPUStats.CPUUsage.PercpuUsage)
	if systemDelta <= 0 || onlineCPUs == 0 {
		return 0
	}
	return (cpuDelta / systemDelta) * float64(onlineCPUs) * 100.0
}

// memPercent computes memory percent as (usage - cache) / limit.
func memPercent(curr *statsSnapshot) float64 {
	if curr.MemoryStats.Limit == 0 {
		return 0
	}
	usage := float64(curr.MemoryStats.Usage) - float64(curr.MemoryStats.Stats.Cache)
	if usage < 0 {
		usage = 0
	}
	return usage / float64(curr.MemoryStats.Limit) * 100.0
}

func totalNetworkBytes(curr *statsSnapshot) (rx, tx uint64) {
	for _, n := range curr.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	return rx, tx
}

func totalBlkioBytes(curr *statsSnapshot) (read, write uint64) {
	for _, entry := range curr.BlkioStats.IOServiceBytesRecursive {
		switch entry.Op {
		case "Read", "read":
			read += entry.Value
		case "Write", "write":
			write += entry.Value
		}
	}
	return read, write
}

// rate converts a cumulative-to-cumulative byte delta into a per-second
// rate over the elapsed interval. Can be negative if the underlying
// counter reset (e.g. container restart), matching the upstream contract.
func rate(currBytes, prevBytes uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	return (float64(currBytes) - float64(prevBytes)) / elapsedSeconds
}
