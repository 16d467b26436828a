package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/docker"
	"nfcunha/stevedore/utils/statsutil"
)

// VolumeService handles volume-related operations.
type VolumeService struct {
	dockerClient *docker.Client
	audit        auditor
	logger       *zap.Logger
}

// NewVolumeService creates a new volume service. recorder may be nil.
func NewVolumeService(dockerClient *docker.Client, recorder ActionRecorder, logger *zap.Logger) *VolumeService {
	return &VolumeService{
		dockerClient: dockerClient,
		audit:        auditor{recorder: recorder, logger: logger},
		logger:       logger,
	}
}

// VolumeRecord is the list view of a volume.
type VolumeRecord struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Mountpoint string            `json:"mountpoint"`
	Created    string            `json:"created"`
	Scope      string            `json:"scope"`
	Labels     map[string]string `json:"labels"`
	Options    map[string]string `json:"options"`
	Usage      VolumeUsage       `json:"usage"`
}

// VolumeUsage is the disk usage attributed to a volume. Size is "Unknown"
// when the daemon did not report one.
type VolumeUsage struct {
	Size      string `json:"size"`
	SizeBytes int64  `json:"size_bytes"`
	RefCount  int64  `json:"ref_count"`
}

// VolumeDetail adds the containers mounting the volume.
type VolumeDetail struct {
	VolumeRecord
	ContainersUsing []VolumeUser `json:"containers_using"`
}

// VolumeUser is a container that mounts a volume.
type VolumeUser struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	MountDestination string `json:"mount_destination"`
}

// CreateVolumeRequest holds the options for creating a volume.
type CreateVolumeRequest struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	DriverOpts map[string]string `json:"driver_opts"`
	Labels     map[string]string `json:"labels"`
}

// CreateVolumeResult describes a newly created volume.
type CreateVolumeResult struct {
	Message    string            `json:"message"`
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Mountpoint string            `json:"mountpoint"`
	Created    string            `json:"created"`
	Labels     map[string]string `json:"labels"`
	Options    map[string]string `json:"options"`
	Status     string            `json:"status"`
}

// RemoveVolumeResult describes a removed volume.
type RemoveVolumeResult struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

// PruneVolumesResult reports what a volume prune removed.
type PruneVolumesResult struct {
	Message             string   `json:"message"`
	VolumesDeleted      []string `json:"volumes_deleted"`
	SpaceReclaimed      string   `json:"space_reclaimed"`
	SpaceReclaimedBytes uint64   `json:"space_reclaimed_bytes"`
}

// VolumeStats summarizes all volumes.
type VolumeStats struct {
	TotalVolumes   int            `json:"total_volumes"`
	TotalSize      string         `json:"total_size"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	Drivers        map[string]int `json:"drivers"`
	UnusedVolumes  int            `json:"unused_volumes"`
}

// List returns every volume with usage taken from a single disk usage report.
func (s *VolumeService) List(ctx context.Context) ([]VolumeRecord, error) {
	resp, err := s.dockerClient.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		s.logger.Error("failed to list volumes", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to list volumes")
	}

	usage := s.usageIndex(ctx)
	result := make([]VolumeRecord, 0, len(resp.Volumes))
	for _, vol := range resp.Volumes {
		result = append(result, toVolumeRecord(vol, usage))
	}
	return result, nil
}

// Get returns a volume and the containers that mount it.
func (s *VolumeService) Get(ctx context.Context, name string) (*VolumeDetail, error) {
	vol, err := s.inspect(ctx, name)
	if err != nil {
		return nil, err
	}

	users, err := s.containersUsing(ctx, vol.Name)
	if err != nil {
		return nil, err
	}
	return &VolumeDetail{
		VolumeRecord:    toVolumeRecord(&vol, s.usageIndex(ctx)),
		ContainersUsing: users,
	}, nil
}

// Create creates a volume. The daemon generates a name when none is given and
// the driver defaults to "local".
func (s *VolumeService) Create(ctx context.Context, req CreateVolumeRequest) (*CreateVolumeResult, error) {
	driver := req.Driver
	if driver == "" {
		driver = "local"
	}

	vol, err := s.dockerClient.VolumeCreate(ctx, volume.CreateOptions{
		Name:       req.Name,
		Driver:     driver,
		DriverOpts: req.DriverOpts,
		Labels:     req.Labels,
	})
	if err != nil {
		s.logger.Error("failed to create volume", zap.String("volume", req.Name), zap.Error(err))
		if errdefs.IsConflict(err) || strings.Contains(strings.ToLower(err.Error()), "already exists") {
			err = apperr.Wrap(apperr.KindConflict, err, "Volume '%s' already exists", req.Name)
		}
		return nil, s.audit.record(ctx, "create", "volume", req.Name, req.Name, apperr.FromDaemon(err, "failed to create volume"))
	}

	s.logger.Info("volume created", zap.String("volume", vol.Name), zap.String("driver", vol.Driver))
	s.audit.record(ctx, "create", "volume", vol.Name, vol.Name, nil)
	return &CreateVolumeResult{
		Message:    fmt.Sprintf("Volume '%s' created successfully", vol.Name),
		Name:       vol.Name,
		Driver:     vol.Driver,
		Mountpoint: vol.Mountpoint,
		Created:    vol.CreatedAt,
		Labels:     nonNil(vol.Labels),
		Options:    nonNil(vol.Options),
		Status:     "created",
	}, nil
}

// Remove deletes a volume. Without force a volume mounted by any container is
// refused with a Conflict naming those containers.
func (s *VolumeService) Remove(ctx context.Context, name string, force bool) (*RemoveVolumeResult, error) {
	if _, err := s.inspect(ctx, name); err != nil {
		return nil, s.audit.record(ctx, "remove", "volume", name, name, err)
	}

	if !force {
		users, err := s.containersUsing(ctx, name)
		if err != nil {
			return nil, s.audit.record(ctx, "remove", "volume", name, name, err)
		}
		if len(users) > 0 {
			return nil, s.audit.record(ctx, "remove", "volume", name, name, volumeInUse(name, users, nil))
		}
	}

	if err := s.dockerClient.VolumeRemove(ctx, name, force); err != nil {
		s.logger.Error("failed to remove volume", zap.String("volume", name), zap.Error(err))
		if errdefs.IsConflict(err) || strings.Contains(strings.ToLower(err.Error()), "volume is in use") {
			users, _ := s.containersUsing(ctx, name)
			err = volumeInUse(name, users, err)
		}
		return nil, s.audit.record(ctx, "remove", "volume", name, name, apperr.FromDaemon(err, "failed to remove volume"))
	}

	s.logger.Info("volume removed", zap.String("volume", name))
	s.audit.record(ctx, "remove", "volume", name, name, nil)
	return &RemoveVolumeResult{
		Message: fmt.Sprintf("Volume '%s' removed successfully", name),
		Name:    name,
		Status:  "removed",
	}, nil
}

// Prune removes unused anonymous volumes, or every unused volume when all is
// set.
func (s *VolumeService) Prune(ctx context.Context, all bool) (*PruneVolumesResult, error) {
	args := filters.NewArgs()
	if all {
		args.Add("all", "true")
	}

	report, err := s.dockerClient.VolumesPrune(ctx, args)
	if err != nil {
		s.logger.Error("failed to prune volumes", zap.Error(err))
		return nil, s.audit.record(ctx, "prune", "volume", "all", "", apperr.FromDaemon(err, "failed to prune volumes"))
	}

	s.logger.Info("volumes pruned", zap.Int("count", len(report.VolumesDeleted)), zap.Uint64("reclaimed", report.SpaceReclaimed))
	s.audit.record(ctx, "prune", "volume", "all", "", nil)
	return &PruneVolumesResult{
		Message:             "Volume pruning completed",
		VolumesDeleted:      nonNilSlice(report.VolumesDeleted),
		SpaceReclaimed:      statsutil.FormatUSize(report.SpaceReclaimed),
		SpaceReclaimedBytes: report.SpaceReclaimed,
	}, nil
}

// Stats returns volume totals, a histogram by driver and the number of volumes
// no container references.
func (s *VolumeService) Stats(ctx context.Context) (*VolumeStats, error) {
	resp, err := s.dockerClient.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		s.logger.Error("failed to list volumes", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to get volume statistics")
	}
	du, err := s.dockerClient.DiskUsage(ctx, types.DiskUsageOptions{Types: []types.DiskUsageObject{types.VolumeObject}})
	if err != nil {
		s.logger.Error("failed to get disk usage", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to get volume statistics")
	}

	stats := &VolumeStats{
		TotalVolumes: len(resp.Volumes),
		Drivers:      map[string]int{},
	}
	for _, vol := range resp.Volumes {
		driver := vol.Driver
		if driver == "" {
			driver = "local"
		}
		stats.Drivers[driver]++
	}
	for _, vol := range du.Volumes {
		if vol.UsageData == nil {
			continue
		}
		if vol.UsageData.Size > 0 {
			stats.TotalSizeBytes += vol.UsageData.Size
		}
		if vol.UsageData.RefCount == 0 {
			stats.UnusedVolumes++
		}
	}
	stats.TotalSize = statsutil.FormatSize(stats.TotalSizeBytes)
	return stats, nil
}

func (s *VolumeService) inspect(ctx context.Context, name string) (volume.Volume, error) {
	vol, err := s.dockerClient.VolumeInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return vol, apperr.NotFound("Volume", name)
		}
		s.logger.Error("failed to inspect volume", zap.String("volume", name), zap.Error(err))
		return vol, apperr.FromDaemon(err, "failed to get volume details")
	}
	return vol, nil
}

// usageIndex maps volume names to their disk usage. A failed report yields an
// empty index and every volume is shown as Unknown.
func (s *VolumeService) usageIndex(ctx context.Context) map[string]*volume.UsageData {
	index := map[string]*volume.UsageData{}
	du, err := s.dockerClient.DiskUsage(ctx, types.DiskUsageOptions{Types: []types.DiskUsageObject{types.VolumeObject}})
	if err != nil {
		s.logger.Warn("failed to get volume disk usage", zap.Error(err))
		return index
	}
	for _, vol := range du.Volumes {
		if vol.UsageData != nil {
			index[vol.Name] = vol.UsageData
		}
	}
	return index
}

// containersUsing scans every container, stopped ones included, for volume
// mounts of name.
func (s *VolumeService) containersUsing(ctx context.Context, name string) ([]VolumeUser, error) {
	containers, err := s.dockerClient.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		s.logger.Error("failed to list containers", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to list containers")
	}

	users := []VolumeUser{}
	for _, c := range containers {
		for _, m := range c.Mounts {
			if m.Type == mount.TypeVolume && m.Name == name {
				var cname string
				if len(c.Names) > 0 {
					cname = trimName(c.Names[0])
				}
				users = append(users, VolumeUser{
					ID:               shortID(c.ID),
					Name:             cname,
					Status:           c.State,
					MountDestination: m.Destination,
				})
				break
			}
		}
	}
	return users, nil
}

func toVolumeRecord(vol *volume.Volume, usage map[string]*volume.UsageData) VolumeRecord {
	driver := vol.Driver
	if driver == "" {
		driver = "local"
	}
	scope := vol.Scope
	if scope == "" {
		scope = "local"
	}

	record := VolumeRecord{
		Name:       vol.Name,
		Driver:     driver,
		Mountpoint: vol.Mountpoint,
		Created:    vol.CreatedAt,
		Scope:      scope,
		Labels:     nonNil(vol.Labels),
		Options:    nonNil(vol.Options),
		Usage:      VolumeUsage{Size: "Unknown"},
	}
	if u, ok := usage[vol.Name]; ok {
		record.Usage.RefCount = max(u.RefCount, 0)
		if u.Size >= 0 {
			record.Usage.Size = statsutil.FormatSize(u.Size)
			record.Usage.SizeBytes = u.Size
		}
	}
	return record
}

func volumeInUse(name string, users []VolumeUser, cause error) error {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Name)
	}
	return apperr.Wrap(apperr.KindConflict, cause,
		"Cannot remove volume '%s' - it's being used by containers: %s. Stop containers first or use force=true",
		name, strings.Join(names, ", "))
}
