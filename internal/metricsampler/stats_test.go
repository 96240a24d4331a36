package metricsampler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeSnapshot(totalCPU, systemCPU uint64, numCPUs int, memUsage, memCache, memLimit uint64) *statsSnapshot {
	var s statsSnapshot
	s.CPUStats.CPUUsage.TotalUsage = totalCPU
	s.CPUStats.SystemCPUUsage = systemCPU
	s.CPUStats.CPUUsage.PercpuUsage = make([]uint64, numCPUs)
	s.MemoryStats.Usage = memUsage
	s.MemoryStats.Stats.Cache = memCache
	s.MemoryStats.Limit = memLimit
	return &s
}

func TestCPUPercentUsesOnlineCPUCountFromPayload(t *testing.T) {
	prev := makeSnapshot(1000, 10000, 4, 0, 0, 0)
	curr := makeSnapshot(1500, 10500, 4, 0, 0, 0)
	curr.PrecpuStats.CPUUsage.TotalUsage = prev.CPUStats.CPUUsage.TotalUsage
	curr.PrecpuStats.SystemCPUUsage = prev.CPUStats.SystemCPUUsage

	got := cpuPercent(curr, prev)
	require.InDelta(t, 400.0, got, 0.01)
}

func TestCPUPercentZeroWhenNoSystemDelta(t *testing.T) {
	curr := makeSnapshot(1500, 10000, 4, 0, 0, 0)
	curr.PrecpuStats.SystemCPUUsage = 10000
	prev := makeSnapshot(1000, 10000, 4, 0, 0, 0)
	require.Equal(t, 0.0, cpuPercent(curr, prev))
}

func TestMemPercentSubtractsCache(t *testing.T) {
	curr := makeSnapshot(0, 0, 1, 600, 100, 1000)
	require.InDelta(t, 50.0, memPercent(curr), 0.01)
}

func TestRateCanBeNegativeOnCounterReset(t *testing.T) {
	got := rate(10, 1000, 10)
	require.Less(t, got, 0.0)
}

func TestTotalBlkioBytesSumsByOp(t *testing.T) {
	var snap statsSnapshot
	snap.BlkioStats.IOServiceBytesRecursive = []struct {
		Op    string `json:"op"`
		Value uint64 `json:"value"`
	}{
		{Op: "Read", Value: 100},
		{Op: "Write", Value: 200},
		{Op: "Read", Value: 50},
	}
	read, write := totalBlkioBytes(&snap)
	require.Equal(t, uint64(150), read)
	require.Equal(t, uint64(200), write)
}
