package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/docker"
)

var systemNetworks = map[string]bool{"bridge": true, "host": true, "none": true}

// NetworkService handles network-related operations.
type NetworkService struct {
	dockerClient *docker.Client
	audit        auditor
	logger       *zap.Logger
}

// NewNetworkService creates a new network service. recorder may be nil.
func NewNetworkService(dockerClient *docker.Client, recorder ActionRecorder, logger *zap.Logger) *NetworkService {
	return &NetworkService{
		dockerClient: dockerClient,
		audit:        auditor{recorder: recorder, logger: logger},
		logger:       logger,
	}
}

// NetworkRecord is the list view of a network.
type NetworkRecord struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Scope      string            `json:"scope"`
	Created    string            `json:"created"`
	Internal   bool              `json:"internal"`
	Attachable bool              `json:"attachable"`
	Ingress    bool              `json:"ingress"`
	IPAM       IPAMInfo          `json:"ipam"`
	Labels     map[string]string `json:"labels"`
	Options    map[string]string `json:"options"`
	Containers []NetworkEndpoint `json:"containers"`
}

// NetworkDetail is the inspected view of a network. ID is the full id.
type NetworkDetail struct {
	NetworkRecord
	EnableIPv6 bool              `json:"enable_ipv6"`
	ConfigFrom map[string]string `json:"config_from"`
	ConfigOnly bool              `json:"config_only"`
}

// IPAMInfo is a network's address management configuration.
type IPAMInfo struct {
	Driver  string            `json:"driver"`
	Options map[string]string `json:"options"`
	Config  []IPAMPool        `json:"config"`
}

// IPAMPool is one address pool of an IPAM configuration.
type IPAMPool struct {
	Subnet       string            `json:"subnet"`
	Gateway      string            `json:"gateway"`
	IPRange      string            `json:"ip_range"`
	AuxAddresses map[string]string `json:"aux_addresses"`
}

// NetworkEndpoint is a container attached to a network.
type NetworkEndpoint struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IPv4Address string `json:"ipv4_address"`
	IPv6Address string `json:"ipv6_address"`
	MacAddress  string `json:"mac_address"`
	EndpointID  string `json:"endpoint_id"`
}

// CreateNetworkRequest holds the options for creating a network.
type CreateNetworkRequest struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Internal   bool              `json:"internal"`
	Attachable bool              `json:"attachable"`
	Labels     map[string]string `json:"labels"`
	Options    map[string]string `json:"options"`
	IPAM       *IPAMInfo         `json:"ipam"`
}

// CreateNetworkResult describes a newly created network.
type CreateNetworkResult struct {
	Message    string            `json:"message"`
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Internal   bool              `json:"internal"`
	Attachable bool              `json:"attachable"`
	Labels     map[string]string `json:"labels"`
	Status     string            `json:"status"`
}

// RemoveNetworkResult describes a removed network.
type RemoveNetworkResult struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}

// ConnectRequest names the container to attach and its endpoint settings.
type ConnectRequest struct {
	Container   string   `json:"container"`
	Aliases     []string `json:"aliases"`
	IPv4Address string   `json:"ipv4_address"`
	IPv6Address string   `json:"ipv6_address"`
}

// ConnectionResult describes a connect or disconnect.
type ConnectionResult struct {
	Message       string `json:"message"`
	NetworkID     string `json:"network_id"`
	NetworkName   string `json:"network_name"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Status        string `json:"status"`
}

// PruneNetworksResult lists the networks a prune removed.
type PruneNetworksResult struct {
	Message         string   `json:"message"`
	NetworksDeleted []string `json:"networks_deleted"`
}

// NetworkStats summarizes all networks.
type NetworkStats struct {
	TotalNetworks            int            `json:"total_networks"`
	Drivers                  map[string]int `json:"drivers"`
	Scopes                   map[string]int `json:"scopes"`
	TotalConnectedContainers int            `json:"total_connected_containers"`
	SystemNetworks           int            `json:"system_networks"`
}

// List returns every network with its attached containers.
func (s *NetworkService) List(ctx context.Context) ([]NetworkRecord, error) {
	networks, err := s.inspectAll(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]NetworkRecord, 0, len(networks))
	for _, n := range networks {
		record := toNetworkRecord(n)
		record.ID = shortID(n.ID)
		result = append(result, record)
	}
	return result, nil
}

// Get returns a network by id or name.
func (s *NetworkService) Get(ctx context.Context, ref string) (*NetworkDetail, error) {
	n, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, err
	}

	detail := &NetworkDetail{
		NetworkRecord: toNetworkRecord(n),
		EnableIPv6:    n.EnableIPv6,
		ConfigFrom:    map[string]string{},
		ConfigOnly:    n.ConfigOnly,
	}
	if n.ConfigFrom.Network != "" {
		detail.ConfigFrom["network"] = n.ConfigFrom.Network
	}
	return detail, nil
}

// Create creates a network. The driver defaults to "bridge".
func (s *NetworkService) Create(ctx context.Context, req CreateNetworkRequest) (*CreateNetworkResult, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperr.InvalidRequest("Network name is required")
	}
	driver := req.Driver
	if driver == "" {
		driver = "bridge"
	}

	opts := network.CreateOptions{
		Driver:     driver,
		Internal:   req.Internal,
		Attachable: req.Attachable,
		Labels:     req.Labels,
		Options:    req.Options,
	}
	if req.IPAM != nil {
		opts.IPAM = toDaemonIPAM(*req.IPAM)
	}

	resp, err := s.dockerClient.NetworkCreate(ctx, req.Name, opts)
	if err != nil {
		s.logger.Error("failed to create network", zap.String("network", req.Name), zap.Error(err))
		if errdefs.IsConflict(err) || strings.Contains(strings.ToLower(err.Error()), "already exists") {
			err = apperr.Wrap(apperr.KindConflict, err, "Network '%s' already exists", req.Name)
		}
		return nil, s.audit.record(ctx, "create", "network", "", req.Name, apperr.FromDaemon(err, "failed to create network"))
	}
	if resp.Warning != "" {
		s.logger.Warn("network create warning", zap.String("network", req.Name), zap.String("warning", resp.Warning))
	}

	s.logger.Info("network created", zap.String("network", req.Name), zap.String("driver", driver))
	s.audit.record(ctx, "create", "network", resp.ID, req.Name, nil)
	return &CreateNetworkResult{
		Message:    fmt.Sprintf("Network '%s' created successfully", req.Name),
		ID:         shortID(resp.ID),
		Name:       req.Name,
		Driver:     driver,
		Internal:   req.Internal,
		Attachable: req.Attachable,
		Labels:     nonNil(req.Labels),
		Status:     "created",
	}, nil
}

// Remove deletes a network that has no attached containers.
func (s *NetworkService) Remove(ctx context.Context, ref string) (*RemoveNetworkResult, error) {
	n, err := s.inspect(ctx, ref)
	if err != nil {
		return nil, s.audit.record(ctx, "remove", "network", ref, "", err)
	}

	if endpoints := toEndpoints(n.Containers); len(endpoints) > 0 {
		names := make([]string, 0, len(endpoints))
		for _, ep := range endpoints {
			names = append(names, ep.Name)
		}
		err := apperr.New(apperr.KindConflict,
			"Cannot remove network '%s' - it's being used by containers: %s. Disconnect containers first",
			n.Name, strings.Join(names, ", "))
		return nil, s.audit.record(ctx, "remove", "network", n.ID, n.Name, err)
	}

	if err := s.dockerClient.NetworkRemove(ctx, n.ID); err != nil {
		s.logger.Error("failed to remove network", zap.String("network", n.Name), zap.Error(err))
		if strings.Contains(strings.ToLower(err.Error()), "active endpoints") {
			err = apperr.Wrap(apperr.KindConflict, err,
				"Cannot remove network '%s' - it has active endpoints. Disconnect containers first", n.Name)
		}
		return nil, s.audit.record(ctx, "remove", "network", n.ID, n.Name, apperr.FromDaemon(err, "failed to remove network"))
	}

	s.logger.Info("network removed", zap.String("network", n.Name))
	s.audit.record(ctx, "remove", "network", n.ID, n.Name, nil)
	return &RemoveNetworkResult{
		Message: fmt.Sprintf("Network '%s' removed successfully", n.Name),
		ID:      ref,
		Name:    n.Name,
		Status:  "removed",
	}, nil
}

// Connect attaches a container to a network.
func (s *NetworkService) Connect(ctx context.Context, ref string, req ConnectRequest) (*ConnectionResult, error) {
	if strings.TrimSpace(req.Container) == "" {
		return nil, apperr.InvalidRequest("Container ID is required")
	}
	n, c, err := s.resolvePair(ctx, ref, req.Container)
	if err != nil {
		return nil, s.audit.record(ctx, "connect", "network", ref, req.Container, err)
	}
	name := trimName(c.Name)

	if _, ok := n.Containers[c.ID]; ok {
		err := apperr.New(apperr.KindAlreadyConnected, "Container '%s' is already connected to network '%s'", name, n.Name)
		return nil, s.audit.record(ctx, "connect", "network", n.ID, n.Name, err)
	}

	var settings *network.EndpointSettings
	if len(req.Aliases) > 0 || req.IPv4Address != "" || req.IPv6Address != "" {
		settings = &network.EndpointSettings{Aliases: req.Aliases}
		if req.IPv4Address != "" || req.IPv6Address != "" {
			settings.IPAMConfig = &network.EndpointIPAMConfig{
				IPv4Address: req.IPv4Address,
				IPv6Address: req.IPv6Address,
			}
		}
	}

	if err := s.dockerClient.NetworkConnect(ctx, n.ID, c.ID, settings); err != nil {
		s.logger.Error("failed to connect container",
			zap.String("network", n.Name), zap.String("container", name), zap.Error(err))
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			err = apperr.Wrap(apperr.KindAlreadyConnected, err, "Container '%s' is already connected to network '%s'", name, n.Name)
		}
		return nil, s.audit.record(ctx, "connect", "network", n.ID, n.Name, apperr.FromDaemon(err, "failed to connect container to network"))
	}

	s.logger.Info("container connected", zap.String("network", n.Name), zap.String("container", name))
	s.audit.record(ctx, "connect", "network", n.ID, n.Name, nil)
	return &ConnectionResult{
		Message:       fmt.Sprintf("Container '%s' connected to network '%s' successfully", name, n.Name),
		NetworkID:     shortID(n.ID),
		NetworkName:   n.Name,
		ContainerID:   shortID(c.ID),
		ContainerName: name,
		Status:        "connected",
	}, nil
}

// Disconnect detaches a container from a network. force is passed to the
// daemon unchanged.
func (s *NetworkService) Disconnect(ctx context.Context, ref, containerRef string, force bool) (*ConnectionResult, error) {
	if strings.TrimSpace(containerRef) == "" {
		return nil, apperr.InvalidRequest("Container ID is required")
	}
	n, c, err := s.resolvePair(ctx, ref, containerRef)
	if err != nil {
		return nil, s.audit.record(ctx, "disconnect", "network", ref, containerRef, err)
	}
	name := trimName(c.Name)

	if _, ok := n.Containers[c.ID]; !ok {
		err := apperr.New(apperr.KindNotConnected, "Container '%s' is not connected to network '%s'", name, n.Name)
		return nil, s.audit.record(ctx, "disconnect", "network", n.ID, n.Name, err)
	}

	if err := s.dockerClient.NetworkDisconnect(ctx, n.ID, c.ID, force); err != nil {
		s.logger.Error("failed to disconnect container",
			zap.String("network", n.Name), zap.String("container", name), zap.Error(err))
		return nil, s.audit.record(ctx, "disconnect", "network", n.ID, n.Name, apperr.FromDaemon(err, "failed to disconnect container from network"))
	}

	s.logger.Info("container disconnected", zap.String("network", n.Name), zap.String("container", name))
	s.audit.record(ctx, "disconnect", "network", n.ID, n.Name, nil)
	return &ConnectionResult{
		Message:       fmt.Sprintf("Container '%s' disconnected from network '%s' successfully", name, n.Name),
		NetworkID:     shortID(n.ID),
		NetworkName:   n.Name,
		ContainerID:   shortID(c.ID),
		ContainerName: name,
		Status:        "disconnected",
	}, nil
}

// Prune removes networks no container uses.
func (s *NetworkService) Prune(ctx context.Context) (*PruneNetworksResult, error) {
	report, err := s.dockerClient.NetworksPrune(ctx, filters.NewArgs())
	if err != nil {
		s.logger.Error("failed to prune networks", zap.Error(err))
		return nil, s.audit.record(ctx, "prune", "network", "all", "", apperr.FromDaemon(err, "failed to prune networks"))
	}

	s.logger.Info("networks pruned", zap.Int("count", len(report.NetworksDeleted)))
	s.audit.record(ctx, "prune", "network", "all", "", nil)
	return &PruneNetworksResult{
		Message:         "Network pruning completed",
		NetworksDeleted: nonNilSlice(report.NetworksDeleted),
	}, nil
}

// Stats returns histograms by driver and scope. Containers attached to several
// networks are counted once per network.
func (s *NetworkService) Stats(ctx context.Context) (*NetworkStats, error) {
	networks, err := s.inspectAll(ctx)
	if err != nil {
		return nil, err
	}

	stats := &NetworkStats{
		TotalNetworks: len(networks),
		Drivers:       map[string]int{},
		Scopes:        map[string]int{},
	}
	for _, n := range networks {
		stats.Drivers[orUnknown(n.Driver)]++
		stats.Scopes[orDefault(n.Scope, "local")]++
		stats.TotalConnectedContainers += len(n.Containers)
		if systemNetworks[n.Name] {
			stats.SystemNetworks++
		}
	}
	return stats, nil
}

func (s *NetworkService) inspect(ctx context.Context, ref string) (network.Inspect, error) {
	n, err := s.dockerClient.NetworkInspect(ctx, ref, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return n, apperr.NotFound("Network", ref)
		}
		s.logger.Error("failed to inspect network", zap.String("network", ref), zap.Error(err))
		return n, apperr.FromDaemon(err, "failed to get network details")
	}
	return n, nil
}

// inspectAll lists networks and inspects each one, since list results carry no
// endpoint table. A network whose inspect fails keeps its list entry.
func (s *NetworkService) inspectAll(ctx context.Context) ([]network.Inspect, error) {
	summaries, err := s.dockerClient.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		s.logger.Error("failed to list networks", zap.Error(err))
		return nil, apperr.FromDaemon(err, "failed to list networks")
	}

	result := make([]network.Inspect, len(summaries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inspectFanOut)
	for i, summary := range summaries {
		i, summary := i, summary
		g.Go(func() error {
			n, err := s.dockerClient.NetworkInspect(gctx, summary.ID, network.InspectOptions{})
			if err != nil {
				s.logger.Debug("failed to inspect network", zap.String("network", summary.Name), zap.Error(err))
				n = summary
			}
			result[i] = n
			return nil
		})
	}
	_ = g.Wait()
	return result, nil
}

// resolvePair inspects a network and a container, reporting whichever is
// missing as NotFound.
func (s *NetworkService) resolvePair(ctx context.Context, networkRef, containerRef string) (network.Inspect, types.ContainerJSON, error) {
	n, err := s.inspect(ctx, networkRef)
	if err != nil {
		return n, types.ContainerJSON{}, err
	}
	c, err := s.dockerClient.ContainerInspect(ctx, containerRef)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return n, c, apperr.NotFound("Container", containerRef)
		}
		return n, c, apperr.FromDaemon(err, "failed to inspect container")
	}
	return n, c, nil
}

func toNetworkRecord(n network.Inspect) NetworkRecord {
	var created string
	if !n.Created.IsZero() {
		created = n.Created.Format(time.RFC3339Nano)
	}
	return NetworkRecord{
		ID:         n.ID,
		Name:       n.Name,
		Driver:     orUnknown(n.Driver),
		Scope:      orDefault(n.Scope, "local"),
		Created:    created,
		Internal:   n.Internal,
		Attachable: n.Attachable,
		Ingress:    n.Ingress,
		IPAM:       toIPAMInfo(n.IPAM),
		Labels:     nonNil(n.Labels),
		Options:    nonNil(n.Options),
		Containers: toEndpoints(n.Containers),
	}
}

// toEndpoints flattens an endpoint table, ordered by container name.
func toEndpoints(table map[string]network.EndpointResource) []NetworkEndpoint {
	endpoints := make([]NetworkEndpoint, 0, len(table))
	for id, ep := range table {
		endpoints = append(endpoints, NetworkEndpoint{
			ID:          shortID(id),
			Name:        orUnknown(ep.Name),
			IPv4Address: stripPrefixLength(ep.IPv4Address),
			IPv6Address: stripPrefixLength(ep.IPv6Address),
			MacAddress:  ep.MacAddress,
			EndpointID:  shortID(ep.EndpointID),
		})
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Name < endpoints[j].Name })
	return endpoints
}

func toIPAMInfo(ipam network.IPAM) IPAMInfo {
	info := IPAMInfo{
		Driver:  orDefault(ipam.Driver, "default"),
		Options: nonNil(ipam.Options),
		Config:  []IPAMPool{},
	}
	for _, c := range ipam.Config {
		info.Config = append(info.Config, IPAMPool{
			Subnet:       c.Subnet,
			Gateway:      c.Gateway,
			IPRange:      c.IPRange,
			AuxAddresses: nonNil(c.AuxAddress),
		})
	}
	return info
}

func toDaemonIPAM(info IPAMInfo) *network.IPAM {
	ipam := &network.IPAM{
		Driver:  orDefault(info.Driver, "default"),
		Options: info.Options,
	}
	for _, p := range info.Config {
		ipam.Config = append(ipam.Config, network.IPAMConfig{
			Subnet:     p.Subnet,
			Gateway:    p.Gateway,
			IPRange:    p.IPRange,
			AuxAddress: p.AuxAddresses,
		})
	}
	return ipam
}

// stripPrefixLength turns "172.18.0.2/16" into "172.18.0.2".
func stripPrefixLength(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
