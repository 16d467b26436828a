package service

import (
	"context"
	"sort"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/docker"
	"nfcunha/stevedore/utils/hostinfo"
	"nfcunha/stevedore/utils/statsutil"
)

// SystemService aggregates daemon-wide information.
type SystemService struct {
	dockerClient *docker.Client
	logger       *zap.Logger
	probeHost    func(ctx context.Context) (*hostinfo.Snapshot, error)
}

// NewSystemService creates a new system service. cpuInterval is the window
// over which host CPU usage is sampled.
func NewSystemService(dockerClient *docker.Client, cpuInterval time.Duration, logger *zap.Logger) *SystemService {
	return &SystemService{
		dockerClient: dockerClient,
		logger:       logger,
		probeHost: func(ctx context.Context) (*hostinfo.Snapshot, error) {
			return hostinfo.Collect(ctx, cpuInterval)
		},
	}
}

// VersionInfo describes the daemon build.
type VersionInfo struct {
	Version       string `json:"version"`
	APIVersion    string `json:"api_version"`
	MinAPIVersion string `json:"min_api_version"`
	GitCommit     string `json:"git_commit"`
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	KernelVersion string `json:"kernel_version"`
	BuildTime     string `json:"build_time"`
	Experimental  bool   `json:"experimental"`
}

// SystemInfo is the daemon's view of itself and its host.
type SystemInfo struct {
	Containers         int         `json:"containers"`
	ContainersRunning  int         `json:"containers_running"`
	ContainersPaused   int         `json:"containers_paused"`
	ContainersStopped  int         `json:"containers_stopped"`
	Images             int         `json:"images"`
	ServerVersion      string      `json:"server_version"`
	StorageDriver      string      `json:"storage_driver"`
	LoggingDriver      string      `json:"logging_driver"`
	CgroupDriver       string      `json:"cgroup_driver"`
	CgroupVersion      string      `json:"cgroup_version"`
	KernelVersion      string      `json:"kernel_version"`
	OperatingSystem    string      `json:"operating_system"`
	OSType             string      `json:"os_type"`
	Architecture       string      `json:"architecture"`
	NCPU               int         `json:"ncpu"`
	MemTotal           string      `json:"mem_total"`
	MemTotalBytes      int64       `json:"mem_total_bytes"`
	DockerRootDir      string      `json:"docker_root_dir"`
	HTTPProxy          string      `json:"http_proxy"`
	HTTPSProxy         string      `json:"https_proxy"`
	NoProxy            string      `json:"no_proxy"`
	Name               string      `json:"name"`
	Labels             []string    `json:"labels"`
	ExperimentalBuild  bool        `json:"experimental_build"`
	LiveRestoreEnabled bool        `json:"live_restore_enabled"`
	DefaultRuntime     string      `json:"default_runtime"`
	Runtimes           []string    `json:"runtimes"`
	Swarm              SwarmInfo   `json:"swarm"`
	Plugins            PluginsInfo `json:"plugins"`
}

// SwarmInfo summarizes the node's swarm membership.
type SwarmInfo struct {
	NodeID           string      `json:"node_id"`
	NodeAddr         string      `json:"node_addr"`
	LocalNodeState   string      `json:"local_node_state"`
	ControlAvailable bool        `json:"control_available"`
	Error            string      `json:"error"`
	RemoteManagers   []SwarmPeer `json:"remote_managers"`
}

// SwarmPeer is a reachable swarm manager.
type SwarmPeer struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// PluginsInfo lists plugin names by type.
type PluginsInfo struct {
	Volume        []string `json:"volume"`
	Network       []string `json:"network"`
	Authorization []string `json:"authorization"`
	Log           []string `json:"log"`
}

// DiskCategory is the usage of one kind of daemon object.
type DiskCategory struct {
	Count            int    `json:"count"`
	Size             string `json:"size"`
	SizeBytes        int64  `json:"size_bytes"`
	Reclaimable      string `json:"reclaimable"`
	ReclaimableBytes int64  `json:"reclaimable_bytes"`
}

// ImageDiskCategory adds the size shared between images.
type ImageDiskCategory struct {
	DiskCategory
	SharedSize      string `json:"shared_size"`
	SharedSizeBytes int64  `json:"shared_size_bytes"`
}

// DiskTotal is the sum of all categories.
type DiskTotal struct {
	Size      string `json:"size"`
	SizeBytes int64  `json:"size_bytes"`
}

// DiskUsageReport breaks daemon disk usage down by object kind.
type DiskUsageReport struct {
	Containers DiskCategory      `json:"containers"`
	Images     ImageDiskCategory `json:"images"`
	Volumes    DiskCategory      `json:"volumes"`
	BuildCache DiskCategory      `json:"build_cache"`
	Total      DiskTotal         `json:"total"`
}

// DaemonStatus reports daemon liveness. When the daemon is unreachable only
// Status, Ping and Error are set.
type DaemonStatus struct {
	Status string `json:"status"`
	Ping   bool   `json:"ping"`
	Error  string `json:"error,omitempty"`
	*DaemonState
}

// DaemonState holds the details of a reachable daemon.
type DaemonState struct {
	ServerVersion     string   `json:"server_version"`
	APIVersion        string   `json:"api_version"`
	ContainersRunning int      `json:"containers_running"`
	ContainersTotal   int      `json:"containers_total"`
	ImagesTotal       int      `json:"images_total"`
	StorageDriver     string   `json:"storage_driver"`
	LoggingDriver     string   `json:"logging_driver"`
	Warnings          []string `json:"warnings"`
	Experimental      bool     `json:"experimental"`
	LiveRestore       bool     `json:"live_restore"`
}

// OverallStatistics is a dashboard summary across all resource kinds.
type OverallStatistics struct {
	Containers struct {
		Total     int    `json:"total"`
		Running   int    `json:"running"`
		Stopped   int    `json:"stopped"`
		Paused    int    `json:"paused"`
		DiskUsage string `json:"disk_usage"`
	} `json:"containers"`
	Images struct {
		Total     int    `json:"total"`
		DiskUsage string `json:"disk_usage"`
	} `json:"images"`
	Volumes struct {
		Total     int    `json:"total"`
		DiskUsage string `json:"disk_usage"`
	} `json:"volumes"`
	Networks struct {
		Total int `json:"total"`
	} `json:"networks"`
	System struct {
		DockerVersion  string `json:"docker_version"`
		StorageDriver  string `json:"storage_driver"`
		TotalDiskUsage string `json:"total_disk_usage"`
		CPUCount       int    `json:"cpu_count"`
		MemoryTotal    string `json:"memory_total"`
	} `json:"system"`
}

// Version returns the daemon's version report.
func (s *SystemService) Version(ctx context.Context) (*VersionInfo, error) {
	v, err := s.dockerClient.ServerVersion(ctx)
	if err != nil {
		s.logger.Error("failed to get docker version", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to get Docker version")
	}
	return &VersionInfo{
		Version:       orUnknown(v.Version),
		APIVersion:    orUnknown(v.APIVersion),
		MinAPIVersion: orUnknown(v.MinAPIVersion),
		GitCommit:     orUnknown(v.GitCommit),
		GoVersion:     orUnknown(v.GoVersion),
		OS:            orUnknown(v.Os),
		Arch:          orUnknown(v.Arch),
		KernelVersion: orUnknown(v.KernelVersion),
		BuildTime:     orUnknown(v.BuildTime),
		Experimental:  v.Experimental,
	}, nil
}

// Info returns the daemon's system information.
func (s *SystemService) Info(ctx context.Context) (*SystemInfo, error) {
	info, err := s.dockerClient.Info(ctx)
	if err != nil {
		s.logger.Error("failed to get system info", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to get system info")
	}

	runtimes := make([]string, 0, len(info.Runtimes))
	for name := range info.Runtimes {
		runtimes = append(runtimes, name)
	}
	sort.Strings(runtimes)

	managers := make([]SwarmPeer, 0, len(info.Swarm.RemoteManagers))
	for _, p := range info.Swarm.RemoteManagers {
		managers = append(managers, SwarmPeer{NodeID: p.NodeID, Addr: p.Addr})
	}

	return &SystemInfo{
		Containers:         info.Containers,
		ContainersRunning:  info.ContainersRunning,
		ContainersPaused:   info.ContainersPaused,
		ContainersStopped:  info.ContainersStopped,
		Images:             info.Images,
		ServerVersion:      orUnknown(info.ServerVersion),
		StorageDriver:      orUnknown(info.Driver),
		LoggingDriver:      orUnknown(info.LoggingDriver),
		CgroupDriver:       orUnknown(info.CgroupDriver),
		CgroupVersion:      orUnknown(info.CgroupVersion),
		KernelVersion:      orUnknown(info.KernelVersion),
		OperatingSystem:    orUnknown(info.OperatingSystem),
		OSType:             orUnknown(info.OSType),
		Architecture:       orUnknown(info.Architecture),
		NCPU:               info.NCPU,
		MemTotal:           statsutil.FormatSize(info.MemTotal),
		MemTotalBytes:      info.MemTotal,
		DockerRootDir:      orUnknown(info.DockerRootDir),
		HTTPProxy:          info.HTTPProxy,
		HTTPSProxy:         info.HTTPSProxy,
		NoProxy:            info.NoProxy,
		Name:               orUnknown(info.Name),
		Labels:             nonNilSlice(info.Labels),
		ExperimentalBuild:  info.ExperimentalBuild,
		LiveRestoreEnabled: info.LiveRestoreEnabled,
		DefaultRuntime:     orUnknown(info.DefaultRuntime),
		Runtimes:           runtimes,
		Swarm: SwarmInfo{
			NodeID:           info.Swarm.NodeID,
			NodeAddr:         info.Swarm.NodeAddr,
			LocalNodeState:   orDefault(string(info.Swarm.LocalNodeState), "inactive"),
			ControlAvailable: info.Swarm.ControlAvailable,
			Error:            info.Swarm.Error,
			RemoteManagers:   managers,
		},
		Plugins: PluginsInfo{
			Volume:        nonNilSlice(info.Plugins.Volume),
			Network:       nonNilSlice(info.Plugins.Network),
			Authorization: nonNilSlice(info.Plugins.Authorization),
			Log:           nonNilSlice(info.Plugins.Log),
		},
	}, nil
}

// DiskUsage returns the daemon's disk usage by category.
func (s *SystemService) DiskUsage(ctx context.Context) (*DiskUsageReport, error) {
	du, err := s.dockerClient.DiskUsage(ctx, types.DiskUsageOptions{})
	if err != nil {
		s.logger.Error("failed to get disk usage", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to get disk usage")
	}
	report := summarizeDiskUsage(du)
	return &report, nil
}

// DaemonStatus probes the daemon. It never fails: an unreachable daemon is
// reported as "not_running" with the probe error.
func (s *SystemService) DaemonStatus(ctx context.Context) *DaemonStatus {
	down := func(err error) *DaemonStatus {
		s.logger.Warn("docker daemon unavailable", zap.Error(err))
		return &DaemonStatus{Status: "not_running", Ping: false, Error: apperr.FromDaemon(err, "daemon probe failed").Error()}
	}

	if err := s.dockerClient.Ping(ctx); err != nil {
		return down(err)
	}
	v, err := s.dockerClient.ServerVersion(ctx)
	if err != nil {
		return down(err)
	}
	info, err := s.dockerClient.Info(ctx)
	if err != nil {
		return down(err)
	}

	return &DaemonStatus{
		Status: "running",
		Ping:   true,
		DaemonState: &DaemonState{
			ServerVersion:     orUnknown(v.Version),
			APIVersion:        orUnknown(v.APIVersion),
			ContainersRunning: info.ContainersRunning,
			ContainersTotal:   info.Containers,
			ImagesTotal:       info.Images,
			StorageDriver:     orUnknown(info.Driver),
			LoggingDriver:     orUnknown(info.LoggingDriver),
			Warnings:          nonNilSlice(info.Warnings),
			Experimental:      info.ExperimentalBuild,
			LiveRestore:       info.LiveRestoreEnabled,
		},
	}
}

// OverallStatistics combines system info, disk usage and the network count.
func (s *SystemService) OverallStatistics(ctx context.Context) (*OverallStatistics, error) {
	info, err := s.dockerClient.Info(ctx)
	if err != nil {
		s.logger.Error("failed to get system info", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to get overall statistics")
	}
	du, err := s.dockerClient.DiskUsage(ctx, types.DiskUsageOptions{})
	if err != nil {
		s.logger.Error("failed to get disk usage", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to get overall statistics")
	}
	networks, err := s.dockerClient.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		s.logger.Error("failed to list networks", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to get overall statistics")
	}

	report := summarizeDiskUsage(du)
	stats := &OverallStatistics{}
	stats.Containers.Total = info.Containers
	stats.Containers.Running = info.ContainersRunning
	stats.Containers.Stopped = info.ContainersStopped
	stats.Containers.Paused = info.ContainersPaused
	stats.Containers.DiskUsage = report.Containers.Size
	stats.Images.Total = info.Images
	stats.Images.DiskUsage = report.Images.Size
	stats.Volumes.Total = report.Volumes.Count
	stats.Volumes.DiskUsage = report.Volumes.Size
	stats.Networks.Total = len(networks)
	stats.System.DockerVersion = orUnknown(info.ServerVersion)
	stats.System.StorageDriver = orUnknown(info.Driver)
	stats.System.TotalDiskUsage = statsutil.FormatSize(
		report.Containers.SizeBytes + report.Images.SizeBytes + report.Volumes.SizeBytes)
	stats.System.CPUCount = info.NCPU
	stats.System.MemoryTotal = statsutil.FormatSize(info.MemTotal)
	return stats, nil
}

// HostInfo samples the machine this process runs on.
func (s *SystemService) HostInfo(ctx context.Context) (*hostinfo.Snapshot, error) {
	snapshot, err := s.probeHost(ctx)
	if err != nil {
		s.logger.Error("failed to collect host info", zap.Error(err))
		return nil, apperr.Wrap(apperr.KindUpstreamFailure, err, "failed to get host system info: %s", err.Error())
	}
	return snapshot, nil
}

// summarizeDiskUsage applies the reclaimability rules: stopped containers'
// writable layers, images no container uses, volumes with no references and
// the whole build cache. Unknown (negative) sizes count as zero.
func summarizeDiskUsage(du types.DiskUsage) DiskUsageReport {
	var report DiskUsageReport

	report.Containers.Count = len(du.Containers)
	for _, c := range du.Containers {
		if c == nil {
			continue
		}
		report.Containers.SizeBytes += known(c.SizeRw) + known(c.SizeRootFs)
		if c.State != "running" {
			report.Containers.ReclaimableBytes += known(c.SizeRw)
		}
	}

	report.Images.Count = len(du.Images)
	for _, img := range du.Images {
		if img == nil {
			continue
		}
		report.Images.SizeBytes += known(img.Size)
		report.Images.SharedSizeBytes += known(img.SharedSize)
		if img.Containers == 0 {
			report.Images.ReclaimableBytes += known(img.Size)
		}
	}

	report.Volumes.Count = len(du.Volumes)
	for _, vol := range du.Volumes {
		if vol == nil || vol.UsageData == nil {
			continue
		}
		report.Volumes.SizeBytes += known(vol.UsageData.Size)
		if vol.UsageData.RefCount == 0 {
			report.Volumes.ReclaimableBytes += known(vol.UsageData.Size)
		}
	}

	report.BuildCache.Count = len(du.BuildCache)
	for _, bc := range du.BuildCache {
		if bc == nil {
			continue
		}
		report.BuildCache.SizeBytes += known(bc.Size)
	}
	report.BuildCache.ReclaimableBytes = report.BuildCache.SizeBytes

	for _, c := range []*DiskCategory{&report.Containers, &report.Images.DiskCategory, &report.Volumes, &report.BuildCache} {
		c.Size = statsutil.FormatSize(c.SizeBytes)
		c.Reclaimable = statsutil.FormatSize(c.ReclaimableBytes)
		report.Total.SizeBytes += c.SizeBytes
	}
	report.Images.SharedSize = statsutil.FormatSize(report.Images.SharedSizeBytes)
	report.Total.Size = statsutil.FormatSize(report.Total.SizeBytes)
	return report
}

func known(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
