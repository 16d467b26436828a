// Package statsutil holds the unit formatting and resource arithmetic shared by
// the resource managers.
package statsutil

import (
	"strings"

	"github.com/docker/docker/api/types/container"
)

// CPUPercent derives CPU usage from the delta between two stats samples.
// The daemon fills PreCPUStats when a non-streaming sample is requested.
func CPUPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}

	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100.0
}

// MemoryPercent returns usage over limit as a percentage, 0 when unlimited.
func MemoryPercent(stats *container.StatsResponse) float64 {
	if stats.MemoryStats.Limit == 0 {
		return 0
	}
	return float64(stats.MemoryStats.Usage) / float64(stats.MemoryStats.Limit) * 100.0
}

// NetworkIO sums received and transmitted bytes across interfaces.
func NetworkIO(stats *container.StatsResponse) (rx, tx uint64) {
	for _, v := range stats.Networks {
		rx += v.RxBytes
		tx += v.TxBytes
	}
	return rx, tx
}

// BlockIO sums bytes read from and written to block devices.
func BlockIO(stats *container.StatsResponse) (read, write uint64) {
	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			read += entry.Value
		case "write":
			write += entry.Value
		}
	}
	return read, write
}
