package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/docker"
	"nfcunha/stevedore/utils/statsutil"
)

// DefaultStopTimeout is the grace period in seconds before a stop or restart
// kills the container.
const DefaultStopTimeout = 10

// ContainerService handles container-related operations.
type ContainerService struct {
	dockerClient *docker.Client
	audit        auditor
	logger       *zap.Logger
}

// NewContainerService creates a new container service. recorder may be nil.
func NewContainerService(dockerClient *docker.Client, recorder ActionRecorder, logger *zap.Logger) *ContainerService {
	return &ContainerService{
		dockerClient: dockerClient,
		audit:        auditor{recorder: recorder, logger: logger},
		logger:       logger,
	}
}

// ContainerRecord is the list view of a container.
type ContainerRecord struct {
	ID         string            `json:"id"`
	FullID     string            `json:"full_id"`
	Name       string            `json:"name"`
	Image      string            `json:"image"`
	Status     string            `json:"status"`
	StatusText string            `json:"status_text"`
	Created    string            `json:"created"`
	Ports      []PortInfo        `json:"ports"`
	Labels     map[string]string `json:"labels"`
	Mounts     []MountInfo       `json:"mounts"`
}

// ContainerDetail is the inspected view of a container.
type ContainerDetail struct {
	ID            string            `json:"id"`
	FullID        string            `json:"full_id"`
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Status        string            `json:"status"`
	Created       string            `json:"created"`
	Started       string            `json:"started"`
	Finished      string            `json:"finished"`
	ExitCode      int               `json:"exit_code"`
	Ports         []PortInfo        `json:"ports"`
	Networks      []string          `json:"networks"`
	Mounts        []string          `json:"mounts"`
	Environment   []string          `json:"environment"`
	Labels        map[string]string `json:"labels"`
	Command       []string          `json:"command"`
	WorkingDir    string            `json:"working_dir"`
	RestartPolicy RestartPolicy     `json:"restart_policy"`
}

// RestartPolicy mirrors the daemon's restart policy.
type RestartPolicy struct {
	Name              string `json:"name"`
	MaximumRetryCount int    `json:"maximum_retry_count"`
}

// PortInfo represents a container port mapping.
type PortInfo struct {
	IP          string `json:"ip,omitempty"`
	PrivatePort uint16 `json:"private_port"`
	PublicPort  uint16 `json:"public_port,omitempty"`
	Type        string `json:"type"`
}

// MountInfo represents a container mount.
type MountInfo struct {
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Mode        string `json:"mode"`
	RW          bool   `json:"rw"`
}

// LifecycleResult is returned by start, stop, restart and remove.
type LifecycleResult struct {
	Message string `json:"message"`
	ShortID string `json:"short_id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

// ContainerStats is a one-shot resource sample.
type ContainerStats struct {
	ShortID       string  `json:"short_id"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	Memory        string  `json:"memory"`
	NetworkRx     uint64  `json:"network_rx"`
	NetworkTx     uint64  `json:"network_tx"`
	BlockRead     uint64  `json:"block_read"`
	BlockWrite    uint64  `json:"block_write"`
	PIDs          uint64  `json:"pids"`
}

// CreateContainerRequest enumerates the options accepted on create. Anything
// driver specific goes through StorageOpt, which is forwarded unchanged.
type CreateContainerRequest struct {
	Image         string            `json:"image"`
	Name          string            `json:"name"`
	Command       []string          `json:"command"`
	Entrypoint    []string          `json:"entrypoint"`
	Env           []string          `json:"env"`
	Labels        map[string]string `json:"labels"`
	WorkingDir    string            `json:"working_dir"`
	User          string            `json:"user"`
	Hostname      string            `json:"hostname"`
	Ports         []string          `json:"ports"` // docker run -p syntax, e.g. "8080:80/tcp"
	Binds         []string          `json:"binds"` // host:container[:mode] or volume:container
	NetworkMode   string            `json:"network_mode"`
	RestartPolicy string            `json:"restart_policy"` // no, always, unless-stopped, on-failure[:N]
	AutoRemove    bool              `json:"auto_remove"`
	Tty           bool              `json:"tty"`
	Platform      string            `json:"platform"` // os/arch[/variant]
	StorageOpt    map[string]string `json:"storage_opt"`
}

// CreateContainerResult describes a newly created container.
type CreateContainerResult struct {
	Message  string   `json:"message"`
	ShortID  string   `json:"short_id"`
	Name     string   `json:"name"`
	Image    string   `json:"image"`
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
}

// List returns running containers, or all containers when all is set.
func (s *ContainerService) List(ctx context.Context, all bool) ([]ContainerRecord, error) {
	containers, err := s.dockerClient.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		s.logger.Error("failed to list containers", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to list containers")
	}

	tags := s.imageTags(ctx)

	result := make([]ContainerRecord, 0, len(containers))
	for _, c := range containers {
		result = append(result, s.toRecord(c, tags))
	}
	return result, nil
}

// Get returns the inspected view of a container by id or name.
func (s *ContainerService) Get(ctx context.Context, ref string) (*ContainerDetail, error) {
	c, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, err
	}

	detail := &ContainerDetail{
		ID:          shortID(c.ID),
		FullID:      c.ID,
		Name:        trimName(c.Name),
		Image:       s.imageName(ctx, c.Image),
		Created:     c.Created,
		Ports:       portsFromMap(c.NetworkSettings),
		Networks:    []string{},
		Mounts:      []string{},
		Environment: []string{},
		Labels:      map[string]string{},
		Command:     []string{},
	}
	if c.State != nil {
		detail.Status = c.State.Status
		detail.Started = c.State.StartedAt
		detail.Finished = c.State.FinishedAt
		detail.ExitCode = c.State.ExitCode
	}
	if c.NetworkSettings != nil {
		for name := range c.NetworkSettings.Networks {
			detail.Networks = append(detail.Networks, name)
		}
		sort.Strings(detail.Networks)
	}
	for _, m := range c.Mounts {
		detail.Mounts = append(detail.Mounts, m.Source+":"+m.Destination)
	}
	if c.Config != nil {
		detail.Environment = nonNilSlice(c.Config.Env)
		detail.Labels = nonNil(c.Config.Labels)
		detail.Command = nonNilSlice(c.Config.Cmd)
		detail.WorkingDir = c.Config.WorkingDir
	}
	if c.HostConfig != nil {
		detail.RestartPolicy = RestartPolicy{
			Name:              string(c.HostConfig.RestartPolicy.Name),
			MaximumRetryCount: c.HostConfig.RestartPolicy.MaximumRetryCount,
		}
	}

	return detail, nil
}

// Start starts a stopped container. Starting a running container fails with
// AlreadyInState.
func (s *ContainerService) Start(ctx context.Context, ref string) (*LifecycleResult, error) {
	c, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, s.audit.record(ctx, "start", "container", ref, "", err)
	}
	name := trimName(c.Name)

	if c.State != nil && c.State.Running {
		err := apperr.New(apperr.KindAlreadyInState, "Container '%s' is already running", name)
		return nil, s.audit.record(ctx, "start", "container", c.ID, name, err)
	}

	if err := s.dockerClient.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		s.logger.Error("failed to start container", zap.String("container", name), zap.Error(err))
		if errdefs.IsNotModified(err) {
			err = apperr.Wrap(apperr.KindAlreadyInState, err, "Container '%s' is already running", name)
		}
		return nil, s.audit.record(ctx, "start", "container", c.ID, name, apperr.FromDaemon(err, "failed to start container"))
	}

	s.logger.Info("container started", zap.String("container", name))
	s.audit.record(ctx, "start", "container", c.ID, name, nil)
	return lifecycleResult(c.ID, name, "started"), nil
}

// Stop stops a running container, waiting timeout seconds before killing it.
// A nil timeout uses DefaultStopTimeout. Stopping a container that is not
// running fails with AlreadyInState.
func (s *ContainerService) Stop(ctx context.Context, ref string, timeout *int) (*LifecycleResult, error) {
	c, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, s.audit.record(ctx, "stop", "container", ref, "", err)
	}
	name := trimName(c.Name)

	if c.State == nil || !c.State.Running {
		err := apperr.New(apperr.KindAlreadyInState, "Container '%s' is already stopped", name)
		return nil, s.audit.record(ctx, "stop", "container", c.ID, name, err)
	}

	err = s.dockerClient.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: stopTimeout(timeout)})
	if err != nil {
		s.logger.Error("failed to stop container", zap.String("container", name), zap.Error(err))
		if errdefs.IsNotModified(err) {
			err = apperr.Wrap(apperr.KindAlreadyInState, err, "Container '%s' is already stopped", name)
		}
		return nil, s.audit.record(ctx, "stop", "container", c.ID, name, apperr.FromDaemon(err, "failed to stop container"))
	}

	s.logger.Info("container stopped", zap.String("container", name))
	s.audit.record(ctx, "stop", "container", c.ID, name, nil)
	return lifecycleResult(c.ID, name, "stopped"), nil
}

// Restart restarts a container. A nil timeout uses DefaultStopTimeout.
func (s *ContainerService) Restart(ctx context.Context, ref string, timeout *int) (*LifecycleResult, error) {
	c, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, s.audit.record(ctx, "restart", "container", ref, "", err)
	}
	name := trimName(c.Name)

	err = s.dockerClient.ContainerRestart(ctx, c.ID, container.StopOptions{Timeout: stopTimeout(timeout)})
	if err != nil {
		s.logger.Error("failed to restart container", zap.String("container", name), zap.Error(err))
		return nil, s.audit.record(ctx, "restart", "container", c.ID, name, apperr.FromDaemon(err, "failed to restart container"))
	}

	s.logger.Info("container restarted", zap.String("container", name))
	s.audit.record(ctx, "restart", "container", c.ID, name, nil)
	return lifecycleResult(c.ID, name, "restarted"), nil
}

// Remove removes a container. A running container is only removed with force.
func (s *ContainerService) Remove(ctx context.Context, ref string, force bool) (*LifecycleResult, error) {
	c, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, s.audit.record(ctx, "remove", "container", ref, "", err)
	}
	name := trimName(c.Name)

	if !force && c.State != nil && c.State.Running {
		err := apperr.New(apperr.KindConflict, "Cannot remove running container '%s'. Stop it first or use force=true", name)
		return nil, s.audit.record(ctx, "remove", "container", c.ID, name, err)
	}

	err = s.dockerClient.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: force})
	if err != nil {
		s.logger.Error("failed to remove container", zap.String("container", name), zap.Error(err))
		if errdefs.IsConflict(err) && !force {
			err = apperr.Wrap(apperr.KindConflict, err, "Cannot remove running container '%s'. Stop it first or use force=true", name)
		}
		return nil, s.audit.record(ctx, "remove", "container", c.ID, name, apperr.FromDaemon(err, "failed to remove container"))
	}

	s.logger.Info("container removed", zap.String("container", name))
	s.audit.record(ctx, "remove", "container", c.ID, name, nil)
	return lifecycleResult(c.ID, name, "removed"), nil
}

// Create creates (but does not start) a container from req.
func (s *ContainerService) Create(ctx context.Context, req CreateContainerRequest) (*CreateContainerResult, error) {
	config, hostConfig, err := buildCreateConfig(req)
	if err != nil {
		return nil, s.audit.record(ctx, "create", "container", "", req.Name, err)
	}
	platform, err := parsePlatform(req.Platform)
	if err != nil {
		return nil, s.audit.record(ctx, "create", "container", "", req.Name, err)
	}

	resp, err := s.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, platform, req.Name)
	if err != nil {
		s.logger.Error("failed to create container", zap.String("image", req.Image), zap.Error(err))
		switch {
		case errdefs.IsNotFound(err):
			err = apperr.Wrap(apperr.KindNotFound, err, "Image '%s' not found", req.Image)
		case errdefs.IsConflict(err):
			err = apperr.Wrap(apperr.KindConflict, err, "Container name '%s' is already in use", req.Name)
		}
		return nil, s.audit.record(ctx, "create", "container", "", req.Name, apperr.FromDaemon(err, "failed to create container"))
	}

	name := req.Name
	if name == "" {
		if c, err := s.dockerClient.ContainerInspect(ctx, resp.ID); err == nil {
			name = trimName(c.Name)
		}
	}
	for _, w := range resp.Warnings {
		s.logger.Warn("container create warning", zap.String("container", name), zap.String("warning", w))
	}

	s.logger.Info("container created", zap.String("container", name), zap.String("image", req.Image))
	s.audit.record(ctx, "create", "container", resp.ID, name, nil)
	return &CreateContainerResult{
		Message:  "Container created successfully",
		ShortID:  shortID(resp.ID),
		Name:     name,
		Image:    req.Image,
		Status:   "created",
		Warnings: resp.Warnings,
	}, nil
}

// Stats takes one resource sample of a container.
func (s *ContainerService) Stats(ctx context.Context, ref string) (*ContainerStats, error) {
	c, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, err
	}

	resp, err := s.dockerClient.ContainerStats(ctx, c.ID, false)
	if err != nil {
		s.logger.Error("failed to get container stats", zap.String("container", c.ID), zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to get container stats")
	}
	defer resp.Body.Close()

	var sample container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamFailure, err, "failed to decode container stats: %s", err.Error())
	}

	rx, tx := statsutil.NetworkIO(&sample)
	read, write := statsutil.BlockIO(&sample)
	return &ContainerStats{
		ShortID:       shortID(c.ID),
		Name:          trimName(c.Name),
		CPUPercent:    statsutil.CPUPercent(&sample),
		MemoryUsage:   sample.MemoryStats.Usage,
		MemoryLimit:   sample.MemoryStats.Limit,
		MemoryPercent: statsutil.MemoryPercent(&sample),
		Memory:        fmt.Sprintf("%s / %s", statsutil.FormatUSize(sample.MemoryStats.Usage), statsutil.FormatUSize(sample.MemoryStats.Limit)),
		NetworkRx:     rx,
		NetworkTx:     tx,
		BlockRead:     read,
		BlockWrite:    write,
		PIDs:          sample.PidsStats.Current,
	}, nil
}

// inspect resolves a container by id or name.
func (s *ContainerService) inspect(ctx context.Context, ref string) (types.ContainerJSON, error) {
	c, err := s.dockerClient.ContainerInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return c, apperr.NotFound("Container", ref)
		}
		s.logger.Error("failed to inspect container", zap.String("container", ref), zap.Error(err))
		return c, apperr.FromDaemon(err, "failed to inspect container")
	}
	return c, nil
}

// imageTags maps image ids to their tags. A failure degrades to an empty map
// and list records fall back to the reference the container was created with.
func (s *ContainerService) imageTags(ctx context.Context) map[string][]string {
	images, err := s.dockerClient.ImageList(ctx, image.ListOptions{All: true})
	if err != nil {
		s.logger.Warn("failed to list images for container names", zap.Error(err))
		return map[string][]string{}
	}
	tags := make(map[string][]string, len(images))
	for _, img := range images {
		tags[img.ID] = img.RepoTags
	}
	return tags
}

// imageName is the first tag of an image, else its short id.
func (s *ContainerService) imageName(ctx context.Context, imageID string) string {
	img, _, err := s.dockerClient.ImageInspectWithRaw(ctx, imageID)
	if err == nil && len(img.RepoTags) > 0 {
		return img.RepoTags[0]
	}
	return shortID(imageID)
}

func (s *ContainerService) toRecord(c types.Container, tags map[string][]string) ContainerRecord {
	name := ""
	if len(c.Names) > 0 {
		name = trimName(c.Names[0])
	}

	img := shortID(c.ImageID)
	if t, ok := tags[c.ImageID]; ok {
		if len(t) > 0 {
			img = t[0]
		}
	} else if len(tags) == 0 && c.Image != "" {
		img = c.Image
	}

	record := ContainerRecord{
		ID:         shortID(c.ID),
		FullID:     c.ID,
		Name:       name,
		Image:      img,
		Status:     c.State,
		StatusText: c.Status,
		Created:    unixTime(c.Created),
		Ports:      []PortInfo{},
		Labels:     nonNil(c.Labels),
		Mounts:     []MountInfo{},
	}

	for _, port := range c.Ports {
		record.Ports = append(record.Ports, PortInfo{
			IP:          port.IP,
			PrivatePort: port.PrivatePort,
			PublicPort:  port.PublicPort,
			Type:        port.Type,
		})
	}

	for _, mount := range c.Mounts {
		record.Mounts = append(record.Mounts, MountInfo{
			Type:        string(mount.Type),
			Name:        mount.Name,
			Source:      mount.Source,
			Destination: mount.Destination,
			Mode:        mount.Mode,
			RW:          mount.RW,
		})
	}

	return record
}

func portsFromMap(settings *types.NetworkSettings) []PortInfo {
	ports := []PortInfo{}
	if settings == nil {
		return ports
	}
	for port, bindings := range settings.Ports {
		if len(bindings) == 0 {
			ports = append(ports, PortInfo{PrivatePort: uint16(port.Int()), Type: port.Proto()})
			continue
		}
		for _, binding := range bindings {
			ports = append(ports, PortInfo{
				IP:          binding.HostIP,
				PrivatePort: uint16(port.Int()),
				PublicPort:  parseUint16(binding.HostPort),
				Type:        port.Proto(),
			})
		}
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].PrivatePort != ports[j].PrivatePort {
			return ports[i].PrivatePort < ports[j].PrivatePort
		}
		return ports[i].Type < ports[j].Type
	})
	return ports
}

func buildCreateConfig(req CreateContainerRequest) (*container.Config, *container.HostConfig, error) {
	if strings.TrimSpace(req.Image) == "" {
		return nil, nil, apperr.InvalidRequest("Image name is required")
	}

	exposed, bindings, err := nat.ParsePortSpecs(req.Ports)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInvalidRequest, err, "invalid port specification: %s", err.Error())
	}

	policy, err := parseRestartPolicy(req.RestartPolicy)
	if err != nil {
		return nil, nil, err
	}
	if req.AutoRemove && policy.Name != container.RestartPolicyDisabled && policy.Name != "" {
		return nil, nil, apperr.InvalidRequest("auto_remove cannot be combined with restart policy '%s'", policy.Name)
	}

	config := &container.Config{
		Image:        req.Image,
		Cmd:          req.Command,
		Entrypoint:   req.Entrypoint,
		Env:          req.Env,
		Labels:       req.Labels,
		WorkingDir:   req.WorkingDir,
		User:         req.User,
		Hostname:     req.Hostname,
		Tty:          req.Tty,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		Binds:         req.Binds,
		PortBindings:  bindings,
		NetworkMode:   container.NetworkMode(req.NetworkMode),
		RestartPolicy: policy,
		AutoRemove:    req.AutoRemove,
		StorageOpt:    req.StorageOpt,
	}
	return config, hostConfig, nil
}

func parseRestartPolicy(spec string) (container.RestartPolicy, error) {
	name, count, hasCount := strings.Cut(spec, ":")
	policy := container.RestartPolicy{Name: container.RestartPolicyMode(name)}

	switch policy.Name {
	case "", container.RestartPolicyDisabled, container.RestartPolicyAlways, container.RestartPolicyUnlessStopped:
		if hasCount {
			return policy, apperr.InvalidRequest("restart policy '%s' does not take a retry count", name)
		}
	case container.RestartPolicyOnFailure:
		if hasCount {
			n, err := strconv.Atoi(count)
			if err != nil || n < 0 {
				return policy, apperr.InvalidRequest("invalid retry count in restart policy '%s'", spec)
			}
			policy.MaximumRetryCount = n
		}
	default:
		return policy, apperr.InvalidRequest("unknown restart policy '%s'", spec)
	}
	return policy, nil
}

func stopTimeout(timeout *int) *int {
	if timeout == nil {
		t := DefaultStopTimeout
		return &t
	}
	return timeout
}

func lifecycleResult(id, name, status string) *LifecycleResult {
	return &LifecycleResult{
		Message: fmt.Sprintf("Container '%s' %s successfully", name, status),
		ShortID: shortID(id),
		Name:    name,
		Status:  status,
	}
}

// parseUint16 parses a string to uint16
func parseUint16(s string) uint16 {
	val, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(val)
}

// parsePlatform parses "os/arch[/variant]". An empty string lets the daemon
// pick its own platform.
func parsePlatform(spec string) (*ocispec.Platform, error) {
	if spec == "" {
		return nil, nil
	}
	parts := strings.Split(spec, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, apperr.InvalidRequest("Invalid platform '%s': expected os/arch[/variant]", spec)
	}
	p := &ocispec.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		p.Variant = parts[2]
	}
	return p, nil
}
