// Package dockertest provides an in-memory stand-in for the Docker Engine API
// so managers and handlers can be exercised without a daemon.
package dockertest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"nfcunha/stevedore/utils/docker"
)

var _ docker.API = (*Fake)(nil)

// Fake is a mutable in-memory daemon. All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	containers map[string]*types.ContainerJSON
	sizes      map[string][2]int64 // SizeRw, SizeRootFs
	logs       map[string][]string
	images     map[string]*types.ImageInspect
	history    map[string][]image.HistoryResponseItem
	volumes    map[string]*volume.Volume
	networks   map[string]*network.Inspect
	registry   map[string]int64 // pullable reference -> image size
	seq        int

	// Down makes every call fail as if the daemon socket were unreachable.
	Down bool
	// InfoResponse and VersionResponse are returned by Info and ServerVersion.
	InfoResponse    system.Info
	VersionResponse types.Version
	// BuildCache is reported by DiskUsage.
	BuildCache []*types.BuildCache
	// SearchIndex backs ImageSearch.
	SearchIndex []registry.SearchResult
	// BuildOutput is streamed by ImageBuild, one "stream" entry per line.
	BuildOutput []string
	// BuildError, when set, is emitted as the final build stream message.
	BuildError string
	// Stats is returned by ContainerStats.
	Stats container.StatsResponse
	// Fail forces a method (by name) to return the given error.
	Fail map[string]error
	// Calls records every method invoked, in order.
	Calls []string
	// LastCreate captures the most recent ContainerCreate arguments.
	LastCreate struct {
		Config     *container.Config
		HostConfig *container.HostConfig
		Name       string
	}
	// LastBuild captures the most recent ImageBuild options.
	LastBuild types.ImageBuildOptions
	// LastConnect captures the most recent NetworkConnect endpoint settings.
	LastConnect *network.EndpointSettings
	// LastDisconnectForce captures the force flag of the last NetworkDisconnect.
	LastDisconnectForce bool
	// LastStopTimeout captures the timeout of the last stop or restart.
	LastStopTimeout *int
}

// New returns an empty daemon with the three built-in networks.
func New() *Fake {
	f := &Fake{
		containers: make(map[string]*types.ContainerJSON),
		sizes:      make(map[string][2]int64),
		logs:       make(map[string][]string),
		images:     make(map[string]*types.ImageInspect),
		history:    make(map[string][]image.HistoryResponseItem),
		volumes:    make(map[string]*volume.Volume),
		networks:   make(map[string]*network.Inspect),
		registry:   make(map[string]int64),
		Fail:       make(map[string]error),
		VersionResponse: types.Version{
			Version:    "27.3.1",
			APIVersion: "1.47",
			Os:         "linux",
			Arch:       "amd64",
		},
	}
	for _, n := range []struct{ name, driver string }{{"bridge", "bridge"}, {"host", "host"}, {"none", "null"}} {
		f.AddNetwork(n.name, n.driver, nil)
	}
	return f
}

// ID derives a deterministic 64 character hex id from seed.
func ID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func (f *Fake) enter(method string) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, method)
	if f.Down {
		return errdefs.Unavailable(errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?"))
	}
	if err, ok := f.Fail[method]; ok {
		return err
	}
	return nil
}

// Called reports whether method was invoked.
func (f *Fake) Called(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if c == method {
			return true
		}
	}
	return false
}

// ImageOpts describes an image for AddImage.
type ImageOpts struct {
	Tags         []string
	Size         int64
	Architecture string
	OS           string
	Cmd          []string
	Entrypoint   []string
	Env          []string
	ExposedPorts []string
	Labels       map[string]string
	User         string
	WorkingDir   string
	Volumes      []string
	History      []image.HistoryResponseItem
}

// AddImage stores an image and returns its full "sha256:" id.
func (f *Fake) AddImage(seed string, opts ImageOpts) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addImageLocked(seed, opts)
}

func (f *Fake) addImageLocked(seed string, opts ImageOpts) string {
	id := "sha256:" + ID("image:"+seed)
	if opts.Architecture == "" {
		opts.Architecture = "amd64"
	}
	if opts.OS == "" {
		opts.OS = "linux"
	}

	exposed := map[string]struct{}{}
	for _, p := range opts.ExposedPorts {
		exposed[p] = struct{}{}
	}
	vols := map[string]struct{}{}
	for _, v := range opts.Volumes {
		vols[v] = struct{}{}
	}
	raw, _ := json.Marshal(map[string]any{
		"Id":           id,
		"RepoTags":     opts.Tags,
		"Created":      "2024-01-02T03:04:05Z",
		"Architecture": opts.Architecture,
		"Os":           opts.OS,
		"Size":         opts.Size,
		"Author":       "tester",
		"Config": map[string]any{
			"Cmd":          opts.Cmd,
			"Entrypoint":   opts.Entrypoint,
			"Env":          opts.Env,
			"ExposedPorts": exposed,
			"Labels":       opts.Labels,
			"User":         opts.User,
			"WorkingDir":   opts.WorkingDir,
			"Volumes":      vols,
		},
	})
	var inspect types.ImageInspect
	_ = json.Unmarshal(raw, &inspect)

	f.images[id] = &inspect
	f.history[id] = opts.History
	return id
}

// ContainerOpts describes a container for AddContainer.
type ContainerOpts struct {
	Name    string
	Image   string // full image id
	State   string // defaults to "running"
	Tty     bool
	Env     []string
	Labels  map[string]string
	Mounts  []types.MountPoint
	Ports   map[string]string // "80/tcp" -> host port
	SizeRw  int64
	SizeFs  int64
	Logs    []string
	Restart string
}

// AddContainer stores a container and returns its full id.
func (f *Fake) AddContainer(opts ContainerOpts) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := ID("container:" + opts.Name)
	state := opts.State
	if state == "" {
		state = "running"
	}

	base := &types.ContainerJSONBase{
		ID:      id,
		Name:    "/" + opts.Name,
		Created: "2024-02-03T04:05:06Z",
		Image:   opts.Image,
		Path:    "/entrypoint.sh",
		State: &types.ContainerState{
			Status:    state,
			Running:   state == "running" || state == "paused",
			Paused:    state == "paused",
			StartedAt: "2024-02-03T04:05:07Z",
		},
		HostConfig: &container.HostConfig{
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(opts.Restart)},
		},
	}
	if state == "exited" {
		base.State.FinishedAt = "2024-02-03T05:00:00Z"
		base.State.ExitCode = 137
	}

	ns := &types.NetworkSettings{Networks: map[string]*network.EndpointSettings{}}
	if len(opts.Ports) > 0 {
		raw, _ := json.Marshal(portMapJSON(opts.Ports))
		_ = json.Unmarshal(raw, &ns.Ports)
	}

	c := &types.ContainerJSON{
		ContainerJSONBase: base,
		Mounts:            opts.Mounts,
		Config: &container.Config{
			Image:      opts.Image,
			Env:        opts.Env,
			Labels:     opts.Labels,
			Tty:        opts.Tty,
			Cmd:        []string{"run"},
			WorkingDir: "/app",
		},
		NetworkSettings: ns,
	}
	f.containers[id] = c
	f.sizes[id] = [2]int64{opts.SizeRw, opts.SizeFs}
	f.logs[id] = opts.Logs
	return id
}

func portMapJSON(ports map[string]string) map[string][]map[string]string {
	out := map[string][]map[string]string{}
	for port, host := range ports {
		if host == "" {
			out[port] = nil
			continue
		}
		out[port] = []map[string]string{{"HostIp": "0.0.0.0", "HostPort": host}}
	}
	return out
}

// AddVolume stores a volume. A negative size is reported as unknown.
func (f *Fake) AddVolume(name, driver string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addVolumeLocked(name, driver, nil, nil, size)
}

func (f *Fake) addVolumeLocked(name, driver string, labels, opts map[string]string, size int64) *volume.Volume {
	if driver == "" {
		driver = "local"
	}
	v := &volume.Volume{
		Name:       name,
		Driver:     driver,
		Mountpoint: "/var/lib/docker/volumes/" + name + "/_data",
		CreatedAt:  "2024-03-04T05:06:07Z",
		Labels:     labels,
		Options:    opts,
		Scope:      "local",
		UsageData:  &volume.UsageData{Size: size, RefCount: -1},
	}
	f.volumes[name] = v
	return v
}

// AddNetwork stores a network and returns its full id.
func (f *Fake) AddNetwork(name, driver string, ipam *network.IPAM) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addNetworkLocked(name, driver, ipam, network.CreateOptions{})
}

func (f *Fake) addNetworkLocked(name, driver string, ipam *network.IPAM, opts network.CreateOptions) string {
	id := ID("network:" + name)
	n := &network.Inspect{
		Name:       name,
		ID:         id,
		Created:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Scope:      "local",
		Driver:     driver,
		Internal:   opts.Internal,
		Attachable: opts.Attachable,
		Ingress:    opts.Ingress,
		Containers: map[string]network.EndpointResource{},
		Options:    opts.Options,
		Labels:     opts.Labels,
	}
	if ipam != nil {
		n.IPAM = *ipam
	}
	f.networks[id] = n
	return id
}

// AddToRegistry makes ref pullable with the given image size.
func (f *Fake) AddToRegistry(ref string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registry[ref] = size
}

// Attach connects a container to a network directly.
func (f *Fake) Attach(networkRef, containerRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.findNetwork(networkRef)
	c := f.findContainer(containerRef)
	if n == nil || c == nil {
		panic("dockertest: attach of unknown network or container")
	}
	f.attachLocked(n, c, nil)
}

func (f *Fake) attachLocked(n *network.Inspect, c *types.ContainerJSON, cfg *network.EndpointSettings) {
	f.seq++
	ep := network.EndpointResource{
		Name:        strings.TrimPrefix(c.Name, "/"),
		EndpointID:  ID(fmt.Sprintf("endpoint:%s:%s", n.ID, c.ID)),
		MacAddress:  fmt.Sprintf("02:42:ac:11:00:%02x", f.seq%256),
		IPv4Address: fmt.Sprintf("172.18.0.%d/16", f.seq%250+2),
	}
	if cfg != nil && cfg.IPAMConfig != nil && cfg.IPAMConfig.IPv4Address != "" {
		ep.IPv4Address = cfg.IPAMConfig.IPv4Address + "/16"
	}
	n.Containers[c.ID] = ep
	settings := &network.EndpointSettings{NetworkID: n.ID, EndpointID: ep.EndpointID}
	if cfg != nil {
		settings.Aliases = cfg.Aliases
	}
	c.NetworkSettings.Networks[n.Name] = settings
}

func (f *Fake) findContainer(ref string) *types.ContainerJSON {
	ref = strings.TrimPrefix(ref, "/")
	if c, ok := f.containers[ref]; ok {
		return c
	}
	for id, c := range f.containers {
		if strings.TrimPrefix(c.Name, "/") == ref || (len(ref) >= 4 && strings.HasPrefix(id, ref)) {
			return c
		}
	}
	return nil
}

func (f *Fake) findImage(ref string) *types.ImageInspect {
	if img, ok := f.images[ref]; ok {
		return img
	}
	short := strings.TrimPrefix(ref, "sha256:")
	withLatest := ref
	if !strings.Contains(ref[strings.LastIndex(ref, "/")+1:], ":") {
		withLatest = ref + ":latest"
	}
	for id, img := range f.images {
		if len(short) >= 4 && strings.HasPrefix(strings.TrimPrefix(id, "sha256:"), short) {
			return img
		}
		for _, tag := range img.RepoTags {
			if tag == ref || tag == withLatest {
				return img
			}
		}
	}
	return nil
}

func (f *Fake) findNetwork(ref string) *network.Inspect {
	if n, ok := f.networks[ref]; ok {
		return n
	}
	for id, n := range f.networks {
		if n.Name == ref || (len(ref) >= 4 && strings.HasPrefix(id, ref)) {
			return n
		}
	}
	return nil
}

func (f *Fake) containersUsingImage(id string) []*types.ContainerJSON {
	var out []*types.ContainerJSON
	for _, c := range f.containers {
		if c.Image == id {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) volumeRefs(name string) int64 {
	var n int64
	for _, c := range f.containers {
		for _, m := range c.Mounts {
			if m.Type == mount.TypeVolume && m.Name == name {
				n++
				break
			}
		}
	}
	return n
}

func (f *Fake) summary(c *types.ContainerJSON) types.Container {
	var ports []types.Port
	for port, bindings := range c.NetworkSettings.Ports {
		for _, b := range bindings {
			hp, _ := strconv.ParseUint(b.HostPort, 10, 16)
			ports = append(ports, types.Port{IP: b.HostIP, PrivatePort: uint16(port.Int()), PublicPort: uint16(hp), Type: port.Proto()})
		}
		if len(bindings) == 0 {
			ports = append(ports, types.Port{PrivatePort: uint16(port.Int()), Type: port.Proto()})
		}
	}
	size := f.sizes[c.ID]
	imageRef := c.Image
	if img := f.images[c.Image]; img != nil && len(img.RepoTags) > 0 {
		imageRef = img.RepoTags[0]
	}
	return types.Container{
		ID:         c.ID,
		Names:      []string{c.Name},
		Image:      imageRef,
		ImageID:    c.Image,
		Command:    "/entrypoint.sh run",
		Created:    1706933106,
		Ports:      ports,
		SizeRw:     size[0],
		SizeRootFs: size[1],
		Labels:     c.Config.Labels,
		State:      c.State.Status,
		Status:     c.State.Status,
		Mounts:     c.Mounts,
	}
}

func (f *Fake) imageSummary(img *types.ImageInspect, withCounts bool) image.Summary {
	containers := int64(-1)
	if withCounts {
		containers = int64(len(f.containersUsingImage(img.ID)))
	}
	return image.Summary{
		ID:         img.ID,
		RepoTags:   img.RepoTags,
		Created:    1704164645,
		Size:       img.Size,
		SharedSize: -1,
		Labels:     img.Config.Labels,
		Containers: containers,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *Fake) Ping(ctx context.Context) (types.Ping, error) {
	err := f.enter("Ping")
	defer f.mu.Unlock()
	if err != nil {
		return types.Ping{}, err
	}
	return types.Ping{APIVersion: f.VersionResponse.APIVersion, OSType: "linux"}, nil
}

func (f *Fake) ServerVersion(ctx context.Context) (types.Version, error) {
	err := f.enter("ServerVersion")
	defer f.mu.Unlock()
	if err != nil {
		return types.Version{}, err
	}
	return f.VersionResponse, nil
}

func (f *Fake) Info(ctx context.Context) (system.Info, error) {
	err := f.enter("Info")
	defer f.mu.Unlock()
	if err != nil {
		return system.Info{}, err
	}
	info := f.InfoResponse
	if info.Containers == 0 {
		for _, c := range f.containers {
			info.Containers++
			switch c.State.Status {
			case "running":
				info.ContainersRunning++
			case "paused":
				info.ContainersPaused++
			default:
				info.ContainersStopped++
			}
		}
	}
	if info.Images == 0 {
		info.Images = len(f.images)
	}
	if info.ServerVersion == "" {
		info.ServerVersion = f.VersionResponse.Version
	}
	return info, nil
}

func (f *Fake) DiskUsage(ctx context.Context, options types.DiskUsageOptions) (types.DiskUsage, error) {
	err := f.enter("DiskUsage")
	defer f.mu.Unlock()
	if err != nil {
		return types.DiskUsage{}, err
	}

	var du types.DiskUsage
	for _, id := range sortedKeys(f.containers) {
		s := f.summary(f.containers[id])
		du.Containers = append(du.Containers, &s)
	}
	for _, id := range sortedKeys(f.images) {
		s := f.imageSummary(f.images[id], true)
		du.Images = append(du.Images, &s)
		du.LayersSize += s.Size
	}
	for _, name := range sortedKeys(f.volumes) {
		v := *f.volumes[name]
		v.UsageData = &volume.UsageData{Size: f.volumes[name].UsageData.Size, RefCount: f.volumeRefs(name)}
		du.Volumes = append(du.Volumes, &v)
	}
	du.BuildCache = f.BuildCache
	return du, nil
}

func (f *Fake) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	err := f.enter("ContainerList")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []types.Container
	for _, id := range sortedKeys(f.containers) {
		c := f.containers[id]
		if !options.All && c.State.Status != "running" {
			continue
		}
		out = append(out, f.summary(c))
	}
	return out, nil
}

func (f *Fake) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	err := f.enter("ContainerInspect")
	defer f.mu.Unlock()
	if err != nil {
		return types.ContainerJSON{}, err
	}
	c := f.findContainer(containerID)
	if c == nil {
		return types.ContainerJSON{}, errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}
	return *c, nil
}

func (f *Fake) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	err := f.enter("ContainerCreate")
	if err != nil {
		f.mu.Unlock()
		return container.CreateResponse{}, err
	}
	f.LastCreate.Config = config
	f.LastCreate.HostConfig = hostConfig
	f.LastCreate.Name = containerName

	img := f.findImage(config.Image)
	if img == nil {
		f.mu.Unlock()
		return container.CreateResponse{}, errdefs.NotFound(fmt.Errorf("No such image: %s", config.Image))
	}
	if containerName != "" && f.findContainer(containerName) != nil {
		f.mu.Unlock()
		return container.CreateResponse{}, errdefs.Conflict(fmt.Errorf("Conflict. The container name \"/%s\" is already in use by container", containerName))
	}
	if containerName == "" {
		f.seq++
		containerName = fmt.Sprintf("auto_name_%d", f.seq)
	}
	imageID := img.ID
	f.mu.Unlock()

	id := f.AddContainer(ContainerOpts{Name: containerName, Image: imageID, State: "created", Env: config.Env, Labels: config.Labels, Tty: config.Tty})
	return container.CreateResponse{ID: id}, nil
}

func (f *Fake) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	err := f.enter("ContainerStart")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	c := f.findContainer(containerID)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}
	// A running container answers 304, which the SDK reports as success.
	c.State.Status = "running"
	c.State.Running = true
	return nil
}

func (f *Fake) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	err := f.enter("ContainerStop")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	f.LastStopTimeout = options.Timeout
	c := f.findContainer(containerID)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}
	c.State.Status = "exited"
	c.State.Running = false
	return nil
}

func (f *Fake) ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error {
	err := f.enter("ContainerRestart")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	f.LastStopTimeout = options.Timeout
	c := f.findContainer(containerID)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}
	c.State.Status = "running"
	c.State.Running = true
	return nil
}

func (f *Fake) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	err := f.enter("ContainerRemove")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	c := f.findContainer(containerID)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}
	if c.State.Running && !options.Force {
		return errdefs.Conflict(fmt.Errorf("cannot remove container %q: container is running: stop the container before removing or force remove", c.Name))
	}
	for _, n := range f.networks {
		delete(n.Containers, c.ID)
	}
	delete(f.containers, c.ID)
	return nil
}

func (f *Fake) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	err := f.enter("ContainerLogs")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := f.findContainer(containerID)
	if c == nil {
		return nil, errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}
	lines := f.logs[c.ID]
	if n, err := strconv.Atoi(options.Tail); err == nil && n < len(lines) {
		lines = lines[len(lines)-n:]
	}

	var buf bytes.Buffer
	if c.Config.Tty {
		for _, l := range lines {
			buf.WriteString(l + "\n")
		}
		return io.NopCloser(&buf), nil
	}
	stdout := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	for i, l := range lines {
		w := stdout
		if i%2 == 1 {
			w = stderr
		}
		_, _ = w.Write([]byte(l + "\n"))
	}
	return io.NopCloser(&buf), nil
}

func (f *Fake) ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error) {
	err := f.enter("ContainerStats")
	defer f.mu.Unlock()
	if err != nil {
		return container.StatsResponseReader{}, err
	}
	if f.findContainer(containerID) == nil {
		return container.StatsResponseReader{}, errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}
	raw, _ := json.Marshal(f.Stats)
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(raw)), OSType: "linux"}, nil
}

func (f *Fake) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	err := f.enter("ImageList")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []image.Summary
	for _, id := range sortedKeys(f.images) {
		out = append(out, f.imageSummary(f.images[id], options.ContainerCount))
	}
	return out, nil
}

func (f *Fake) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	err := f.enter("ImageInspectWithRaw")
	defer f.mu.Unlock()
	if err != nil {
		return types.ImageInspect{}, nil, err
	}
	img := f.findImage(imageID)
	if img == nil {
		return types.ImageInspect{}, nil, errdefs.NotFound(fmt.Errorf("No such image: %s", imageID))
	}
	raw, _ := json.Marshal(img)
	return *img, raw, nil
}

func (f *Fake) ImageHistory(ctx context.Context, imageID string) ([]image.HistoryResponseItem, error) {
	err := f.enter("ImageHistory")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	img := f.findImage(imageID)
	if img == nil {
		return nil, errdefs.NotFound(fmt.Errorf("No such image: %s", imageID))
	}
	return f.history[img.ID], nil
}

func (f *Fake) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	err := f.enter("ImagePull")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	size, ok := f.registry[refStr]
	if !ok {
		return nil, errdefs.NotFound(fmt.Errorf("pull access denied for %s, repository does not exist or may require 'docker login'", refStr))
	}
	f.addImageLocked(refStr, ImageOpts{Tags: []string{refStr}, Size: size})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	_ = enc.Encode(map[string]string{"status": "Pulling from " + refStr})
	_ = enc.Encode(map[string]string{"status": "Download complete", "id": "abc123"})
	_ = enc.Encode(map[string]string{"status": "Status: Downloaded newer image for " + refStr})
	return io.NopCloser(&buf), nil
}

func (f *Fake) ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error) {
	err := f.enter("ImageRemove")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	img := f.findImage(imageID)
	if img == nil {
		return nil, errdefs.NotFound(fmt.Errorf("No such image: %s", imageID))
	}
	if users := f.containersUsingImage(img.ID); len(users) > 0 && !options.Force {
		return nil, errdefs.Conflict(fmt.Errorf("conflict: unable to delete %s (must be forced) - image is being used by stopped container %s", imageID, users[0].ID[:12]))
	}
	var out []image.DeleteResponse
	for _, tag := range img.RepoTags {
		out = append(out, image.DeleteResponse{Untagged: tag})
	}
	out = append(out, image.DeleteResponse{Deleted: img.ID})
	delete(f.images, img.ID)
	return out, nil
}

func (f *Fake) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	if _, err := io.Copy(io.Discard, buildContext); err != nil {
		return types.ImageBuildResponse{}, err
	}
	err := f.enter("ImageBuild")
	defer f.mu.Unlock()
	if err != nil {
		return types.ImageBuildResponse{}, err
	}
	f.LastBuild = options

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, line := range f.BuildOutput {
		_ = enc.Encode(map[string]string{"stream": line + "\n"})
		_ = enc.Encode(map[string]string{"status": "progress noise"})
	}
	if f.BuildError != "" {
		_ = enc.Encode(map[string]any{"errorDetail": map[string]any{"message": f.BuildError}, "error": f.BuildError})
		return types.ImageBuildResponse{Body: io.NopCloser(&buf)}, nil
	}

	seed := fmt.Sprintf("build:%v", options.Tags)
	id := f.addImageLocked(seed, ImageOpts{Tags: options.Tags, Size: 4096})
	_ = enc.Encode(map[string]any{"aux": map[string]string{"ID": id}})
	return types.ImageBuildResponse{Body: io.NopCloser(&buf), OSType: "linux"}, nil
}

func (f *Fake) ImageSearch(ctx context.Context, term string, options registry.SearchOptions) ([]registry.SearchResult, error) {
	err := f.enter("ImageSearch")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []registry.SearchResult
	for _, r := range f.SearchIndex {
		if strings.Contains(r.Name, term) {
			out = append(out, r)
		}
	}
	if options.Limit > 0 && len(out) > options.Limit {
		out = out[:options.Limit]
	}
	return out, nil
}

func (f *Fake) ImagesPrune(ctx context.Context, pruneFilter filters.Args) (image.PruneReport, error) {
	err := f.enter("ImagesPrune")
	defer f.mu.Unlock()
	if err != nil {
		return image.PruneReport{}, err
	}
	danglingOnly := pruneFilter.ExactMatch("dangling", "true")
	var report image.PruneReport
	for _, id := range sortedKeys(f.images) {
		img := f.images[id]
		if len(f.containersUsingImage(id)) > 0 {
			continue
		}
		if danglingOnly && len(img.RepoTags) > 0 {
			continue
		}
		report.ImagesDeleted = append(report.ImagesDeleted, image.DeleteResponse{Deleted: id})
		report.SpaceReclaimed += uint64(img.Size)
		delete(f.images, id)
	}
	return report, nil
}

func (f *Fake) VolumeList(ctx context.Context, options volume.ListOptions) (volume.ListResponse, error) {
	err := f.enter("VolumeList")
	defer f.mu.Unlock()
	if err != nil {
		return volume.ListResponse{}, err
	}
	var out volume.ListResponse
	for _, name := range sortedKeys(f.volumes) {
		v := *f.volumes[name]
		v.UsageData = nil
		out.Volumes = append(out.Volumes, &v)
	}
	return out, nil
}

func (f *Fake) VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error) {
	err := f.enter("VolumeInspect")
	defer f.mu.Unlock()
	if err != nil {
		return volume.Volume{}, err
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return volume.Volume{}, errdefs.NotFound(fmt.Errorf("get %s: no such volume", volumeID))
	}
	out := *v
	out.UsageData = nil
	return out, nil
}

func (f *Fake) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	err := f.enter("VolumeCreate")
	defer f.mu.Unlock()
	if err != nil {
		return volume.Volume{}, err
	}
	name := options.Name
	if name == "" {
		name = ID(fmt.Sprintf("volume:%d", len(f.volumes)))
	}
	if existing, ok := f.volumes[name]; ok && existing.Driver != options.Driver {
		return volume.Volume{}, errdefs.Conflict(fmt.Errorf("volume name %s already exists with a different driver", name))
	}
	v := f.addVolumeLocked(name, options.Driver, options.Labels, options.DriverOpts, 0)
	out := *v
	out.UsageData = nil
	return out, nil
}

func (f *Fake) VolumeRemove(ctx context.Context, volumeID string, force bool) error {
	err := f.enter("VolumeRemove")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	if _, ok := f.volumes[volumeID]; !ok {
		if force {
			return nil
		}
		return errdefs.NotFound(fmt.Errorf("get %s: no such volume", volumeID))
	}
	if f.volumeRefs(volumeID) > 0 {
		return errdefs.Conflict(fmt.Errorf("remove %s: volume is in use", volumeID))
	}
	delete(f.volumes, volumeID)
	return nil
}

func (f *Fake) VolumesPrune(ctx context.Context, pruneFilter filters.Args) (volume.PruneReport, error) {
	err := f.enter("VolumesPrune")
	defer f.mu.Unlock()
	if err != nil {
		return volume.PruneReport{}, err
	}
	var report volume.PruneReport
	for _, name := range sortedKeys(f.volumes) {
		if f.volumeRefs(name) > 0 {
			continue
		}
		report.VolumesDeleted = append(report.VolumesDeleted, name)
		if s := f.volumes[name].UsageData.Size; s > 0 {
			report.SpaceReclaimed += uint64(s)
		}
		delete(f.volumes, name)
	}
	return report, nil
}

func (f *Fake) NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error) {
	err := f.enter("NetworkList")
	defer f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []network.Summary
	for _, id := range sortedKeys(f.networks) {
		n := *f.networks[id]
		n.Containers = nil
		out = append(out, n)
	}
	return out, nil
}

func (f *Fake) NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error) {
	err := f.enter("NetworkInspect")
	defer f.mu.Unlock()
	if err != nil {
		return network.Inspect{}, err
	}
	n := f.findNetwork(networkID)
	if n == nil {
		return network.Inspect{}, errdefs.NotFound(fmt.Errorf("network %s not found", networkID))
	}
	out := *n
	out.Containers = make(map[string]network.EndpointResource, len(n.Containers))
	for k, v := range n.Containers {
		out.Containers[k] = v
	}
	return out, nil
}

func (f *Fake) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	err := f.enter("NetworkCreate")
	defer f.mu.Unlock()
	if err != nil {
		return network.CreateResponse{}, err
	}
	if f.findNetwork(name) != nil {
		return network.CreateResponse{}, errdefs.Conflict(fmt.Errorf("network with name %s already exists", name))
	}
	id := f.addNetworkLocked(name, options.Driver, options.IPAM, options)
	return network.CreateResponse{ID: id}, nil
}

func (f *Fake) NetworkRemove(ctx context.Context, networkID string) error {
	err := f.enter("NetworkRemove")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	n := f.findNetwork(networkID)
	if n == nil {
		return errdefs.NotFound(fmt.Errorf("network %s not found", networkID))
	}
	if len(n.Containers) > 0 {
		return errdefs.Forbidden(fmt.Errorf("error while removing network: network %s id %s has active endpoints", n.Name, n.ID))
	}
	delete(f.networks, n.ID)
	return nil
}

func (f *Fake) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	err := f.enter("NetworkConnect")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	f.LastConnect = config
	n := f.findNetwork(networkID)
	if n == nil {
		return errdefs.NotFound(fmt.Errorf("network %s not found", networkID))
	}
	c := f.findContainer(containerID)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}
	if _, ok := n.Containers[c.ID]; ok {
		return errdefs.Forbidden(fmt.Errorf("endpoint with name %s already exists in network %s", strings.TrimPrefix(c.Name, "/"), n.Name))
	}
	f.attachLocked(n, c, config)
	return nil
}

func (f *Fake) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	err := f.enter("NetworkDisconnect")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	f.LastDisconnectForce = force
	n := f.findNetwork(networkID)
	if n == nil {
		return errdefs.NotFound(fmt.Errorf("network %s not found", networkID))
	}
	c := f.findContainer(containerID)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", containerID))
	}
	delete(n.Containers, c.ID)
	delete(c.NetworkSettings.Networks, n.Name)
	return nil
}

func (f *Fake) NetworksPrune(ctx context.Context, pruneFilter filters.Args) (network.PruneReport, error) {
	err := f.enter("NetworksPrune")
	defer f.mu.Unlock()
	if err != nil {
		return network.PruneReport{}, err
	}
	var report network.PruneReport
	for _, id := range sortedKeys(f.networks) {
		n := f.networks[id]
		switch n.Name {
		case "bridge", "host", "none":
			continue
		}
		if len(n.Containers) > 0 {
			continue
		}
		report.NetworksDeleted = append(report.NetworksDeleted, n.Name)
		delete(f.networks, id)
	}
	return report, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "Close")
	return nil
}
