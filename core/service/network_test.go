package service

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/docker/dockertest"
)

func newNetworkService(t *testing.T) (*NetworkService, *dockertest.Fake, string) {
	t.Helper()
	fake, client := newDaemon(t)
	imageID := fake.AddImage("app", dockertest.ImageOpts{Tags: []string{"app:1"}})
	return NewNetworkService(client, &memoryRecorder{}, zap.NewNop()), fake, imageID
}

func TestNetworkCreateAndGet(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newNetworkService(t)

	res, err := svc.Create(ctx, CreateNetworkRequest{
		Name:       "backend",
		Attachable: true,
		Labels:     map[string]string{"tier": "db"},
		IPAM: &IPAMInfo{Config: []IPAMPool{{
			Subnet:  "10.10.0.0/24",
			Gateway: "10.10.0.1",
		}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "created", res.Status)
	assert.Equal(t, "bridge", res.Driver)
	assert.Len(t, res.ID, 12)

	detail, err := svc.Get(ctx, "backend")
	require.NoError(t, err)
	assert.Equal(t, "backend", detail.Name)
	assert.Equal(t, "bridge", detail.Driver)
	assert.True(t, detail.Attachable)
	assert.Len(t, detail.ID, 64)
	assert.Equal(t, res.ID, detail.ID[:12])
	assert.Equal(t, "db", detail.Labels["tier"])
	assert.Equal(t, "default", detail.IPAM.Driver)
	require.Len(t, detail.IPAM.Config, 1)
	assert.Equal(t, IPAMPool{Subnet: "10.10.0.0/24", Gateway: "10.10.0.1", AuxAddresses: map[string]string{}}, detail.IPAM.Config[0])
	assert.NotNil(t, detail.Containers)
	assert.NotNil(t, detail.ConfigFrom)

	_, err = svc.Create(ctx, CreateNetworkRequest{Name: "backend"})
	assertKind(t, err, apperr.KindConflict)
	assert.EqualError(t, err, "Network 'backend' already exists")

	_, err = svc.Create(ctx, CreateNetworkRequest{})
	assertKind(t, err, apperr.KindInvalidRequest)

	_, err = svc.Get(ctx, "frontend")
	assertKind(t, err, apperr.KindNotFound)
}

func TestNetworkIPAMDefaults(t *testing.T) {
	info := toIPAMInfo(network.IPAM{})
	assert.Equal(t, IPAMInfo{Driver: "default", Options: map[string]string{}, Config: []IPAMPool{}}, info)
}

func TestNetworkList(t *testing.T) {
	ctx := context.Background()
	svc, fake, imageID := newNetworkService(t)
	fake.AddContainer(dockertest.ContainerOpts{Name: "web", Image: imageID})
	fake.Attach("bridge", "web")

	records, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	var bridge NetworkRecord
	for _, r := range records {
		assert.Len(t, r.ID, 12)
		assert.NotNil(t, r.Containers)
		if r.Name == "bridge" {
			bridge = r
		}
	}
	require.Len(t, bridge.Containers, 1)
	ep := bridge.Containers[0]
	assert.Equal(t, "web", ep.Name)
	assert.NotContains(t, ep.IPv4Address, "/")
	assert.Len(t, ep.EndpointID, 12)
}

func TestNetworkGuardedRemove(t *testing.T) {
	ctx := context.Background()
	svc, fake, imageID := newNetworkService(t)
	_, err := svc.Create(ctx, CreateNetworkRequest{Name: "appnet"})
	require.NoError(t, err)
	fake.AddContainer(dockertest.ContainerOpts{Name: "web", Image: imageID})

	_, err = svc.Connect(ctx, "appnet", ConnectRequest{Container: "web"})
	require.NoError(t, err)

	_, err = svc.Remove(ctx, "appnet")
	assertKind(t, err, apperr.KindConflict)
	assert.Contains(t, err.Error(), "web")
	assert.False(t, fake.Called("NetworkRemove"))

	_, err = svc.Disconnect(ctx, "appnet", "web", false)
	require.NoError(t, err)

	res, err := svc.Remove(ctx, "appnet")
	require.NoError(t, err)
	assert.Equal(t, "removed", res.Status)
	assert.Equal(t, "appnet", res.Name)

	_, err = svc.Get(ctx, "appnet")
	assertKind(t, err, apperr.KindNotFound)
}

func TestNetworkRemoveActiveEndpointsFromDaemon(t *testing.T) {
	ctx := context.Background()
	svc, fake, _ := newNetworkService(t)
	_, err := svc.Create(ctx, CreateNetworkRequest{Name: "racy"})
	require.NoError(t, err)
	fake.Fail["NetworkRemove"] = errdefs.Forbidden(errors.New("error while removing network: network racy has active endpoints"))

	_, err = svc.Remove(ctx, "racy")
	assertKind(t, err, apperr.KindConflict)
	assert.EqualError(t, err, "Cannot remove network 'racy' - it has active endpoints. Disconnect containers first")

	fake.Fail["NetworkRemove"] = assert.AnError
	_, err = svc.Remove(ctx, "racy")
	assertKind(t, err, apperr.KindUpstreamFailure)
}

func TestNetworkConnectDisconnect(t *testing.T) {
	ctx := context.Background()
	svc, fake, imageID := newNetworkService(t)
	_, err := svc.Create(ctx, CreateNetworkRequest{Name: "appnet"})
	require.NoError(t, err)
	cid := fake.AddContainer(dockertest.ContainerOpts{Name: "api", Image: imageID})

	res, err := svc.Connect(ctx, "appnet", ConnectRequest{Container: "api", Aliases: []string{"backend"}, IPv4Address: "172.30.0.5"})
	require.NoError(t, err)
	assert.Equal(t, "connected", res.Status)
	assert.Equal(t, cid[:12], res.ContainerID)
	assert.Equal(t, "api", res.ContainerName)
	require.NotNil(t, fake.LastConnect)
	assert.Equal(t, []string{"backend"}, fake.LastConnect.Aliases)
	assert.Equal(t, "172.30.0.5", fake.LastConnect.IPAMConfig.IPv4Address)

	_, err = svc.Connect(ctx, "appnet", ConnectRequest{Container: "api"})
	assertKind(t, err, apperr.KindAlreadyConnected)

	res, err = svc.Disconnect(ctx, "appnet", "api", true)
	require.NoError(t, err)
	assert.Equal(t, "disconnected", res.Status)
	assert.True(t, fake.LastDisconnectForce)

	_, err = svc.Disconnect(ctx, "appnet", "api", false)
	assertKind(t, err, apperr.KindNotConnected)

	_, err = svc.Connect(ctx, "appnet", ConnectRequest{})
	assertKind(t, err, apperr.KindInvalidRequest)
	_, err = svc.Connect(ctx, "appnet", ConnectRequest{Container: "ghost"})
	assertKind(t, err, apperr.KindNotFound)
	assert.EqualError(t, err, "Container 'ghost' not found")
	_, err = svc.Connect(ctx, "nonet", ConnectRequest{Container: "api"})
	assert.EqualError(t, err, "Network 'nonet' not found")
}

func TestNetworkPruneAndStats(t *testing.T) {
	ctx := context.Background()
	svc, fake, imageID := newNetworkService(t)
	for _, name := range []string{"busy", "idle"} {
		_, err := svc.Create(ctx, CreateNetworkRequest{Name: name})
		require.NoError(t, err)
	}
	fake.AddNetwork("overlay-net", "overlay", nil)
	fake.AddContainer(dockertest.ContainerOpts{Name: "a", Image: imageID})
	fake.AddContainer(dockertest.ContainerOpts{Name: "b", Image: imageID})
	fake.Attach("busy", "a")
	fake.Attach("busy", "b")
	fake.Attach("bridge", "a")

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.TotalNetworks)
	assert.Equal(t, map[string]int{"bridge": 3, "host": 1, "null": 1, "overlay": 1}, stats.Drivers)
	assert.Equal(t, map[string]int{"local": 6}, stats.Scopes)
	assert.Equal(t, 3, stats.TotalConnectedContainers)
	assert.Equal(t, 3, stats.SystemNetworks)

	res, err := svc.Prune(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"idle", "overlay-net"}, res.NetworksDeleted)
	assert.Equal(t, "Network pruning completed", res.Message)
}
