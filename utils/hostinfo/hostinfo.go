// Package hostinfo samples the machine the facade process runs on. It never
// talks to the Docker daemon.
package hostinfo

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"nfcunha/stevedore/utils/statsutil"
)

// Snapshot is one sample of the host's resources.
type Snapshot struct {
	Platform        string      `json:"platform"`
	System          string      `json:"system"`
	Release         string      `json:"release"`
	PlatformVersion string      `json:"version"`
	Machine         string      `json:"machine"`
	Hostname        string      `json:"hostname"`
	GoVersion       string      `json:"go_version"`
	CPUCount        int         `json:"cpu_count"`
	CPUPercent      float64     `json:"cpu_percent"`
	Memory          MemoryUsage `json:"memory"`
	Disk            DiskUsage   `json:"disk"`
	Uptime          uint64      `json:"uptime_seconds"`
}

// MemoryUsage describes virtual memory.
type MemoryUsage struct {
	Total     string  `json:"total"`
	Available string  `json:"available"`
	Used      string  `json:"used"`
	Free      string  `json:"free"`
	Percent   float64 `json:"percent"`
}

// DiskUsage describes the root filesystem.
type DiskUsage struct {
	Total   string  `json:"total"`
	Used    string  `json:"used"`
	Free    string  `json:"free"`
	Percent float64 `json:"percent"`
}

// Collect samples the host. CPU usage is measured over interval, so the call
// blocks for at least that long.
func Collect(ctx context.Context, interval time.Duration) (*Snapshot, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to count cpus: %w", err)
	}

	percents, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return nil, fmt.Errorf("failed to sample cpu usage: %w", err)
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, rootPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage: %w", err)
	}

	return &Snapshot{
		Platform:        fmt.Sprintf("%s-%s-%s", info.OS, info.KernelVersion, info.KernelArch),
		System:          info.OS,
		Release:         info.KernelVersion,
		PlatformVersion: fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion),
		Machine:         info.KernelArch,
		Hostname:        info.Hostname,
		GoVersion:       runtime.Version(),
		CPUCount:        cpus,
		CPUPercent:      cpuPercent,
		Memory: MemoryUsage{
			Total:     statsutil.FormatUSize(vm.Total),
			Available: statsutil.FormatUSize(vm.Available),
			Used:      statsutil.FormatUSize(vm.Used),
			Free:      statsutil.FormatUSize(vm.Free),
			Percent:   vm.UsedPercent,
		},
		Disk: DiskUsage{
			Total:   statsutil.FormatUSize(du.Total),
			Used:    statsutil.FormatUSize(du.Used),
			Free:    statsutil.FormatUSize(du.Free),
			Percent: du.UsedPercent,
		},
		Uptime: info.Uptime,
	}, nil
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}
