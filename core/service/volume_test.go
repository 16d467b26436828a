package service

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/docker/dockertest"
)

func newVolumeService(t *testing.T) (*VolumeService, *dockertest.Fake, string) {
	t.Helper()
	fake, client := newDaemon(t)
	imageID := fake.AddImage("pg", dockertest.ImageOpts{Tags: []string{"postgres:16"}})
	return NewVolumeService(client, &memoryRecorder{}, zap.NewNop()), fake, imageID
}

func volumeMount(name, dest string) types.MountPoint {
	return types.MountPoint{Type: mount.TypeVolume, Name: name, Source: "/var/lib/docker/volumes/" + name + "/_data", Destination: dest, RW: true}
}

func TestVolumeListAndGet(t *testing.T) {
	ctx := context.Background()
	svc, fake, imageID := newVolumeService(t)
	fake.AddVolume("pgdata", "", 2048)
	fake.AddVolume("scratch", "local", -1)
	id := fake.AddContainer(dockertest.ContainerOpts{Name: "db", Image: imageID, Mounts: []types.MountPoint{volumeMount("pgdata", "/var/lib/postgresql/data")}})

	records, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	pg := records[0]
	assert.Equal(t, "pgdata", pg.Name)
	assert.Equal(t, "local", pg.Driver)
	assert.Equal(t, "2.0 KB", pg.Usage.Size)
	assert.Equal(t, int64(2048), pg.Usage.SizeBytes)
	assert.Equal(t, int64(1), pg.Usage.RefCount)
	assert.NotNil(t, pg.Labels)

	scratch := records[1]
	assert.Equal(t, VolumeUsage{Size: "Unknown"}, scratch.Usage)

	detail, err := svc.Get(ctx, "pgdata")
	require.NoError(t, err)
	require.Len(t, detail.ContainersUsing, 1)
	assert.Equal(t, VolumeUser{ID: id[:12], Name: "db", Status: "running", MountDestination: "/var/lib/postgresql/data"}, detail.ContainersUsing[0])

	detail, err = svc.Get(ctx, "scratch")
	require.NoError(t, err)
	assert.Empty(t, detail.ContainersUsing)
	assert.NotNil(t, detail.ContainersUsing)

	_, err = svc.Get(ctx, "nope")
	assertKind(t, err, apperr.KindNotFound)
	assert.EqualError(t, err, "Volume 'nope' not found")
}

func TestVolumeUsageUnknownWhenReportFails(t *testing.T) {
	ctx := context.Background()
	svc, fake, _ := newVolumeService(t)
	fake.AddVolume("data", "local", 100)
	fake.Fail["DiskUsage"] = assert.AnError

	records, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Unknown", records[0].Usage.Size)
}

func TestVolumeCreate(t *testing.T) {
	ctx := context.Background()
	svc, fake, _ := newVolumeService(t)

	res, err := svc.Create(ctx, CreateVolumeRequest{Name: "cache", Labels: map[string]string{"team": "web"}})
	require.NoError(t, err)
	assert.Equal(t, "created", res.Status)
	assert.Equal(t, "local", res.Driver)
	assert.Equal(t, "web", res.Labels["team"])
	assert.Equal(t, "Volume 'cache' created successfully", res.Message)
	assert.True(t, fake.Called("VolumeCreate"))

	_, err = svc.Create(ctx, CreateVolumeRequest{Name: "cache", Driver: "nfs"})
	assertKind(t, err, apperr.KindConflict)
	assert.EqualError(t, err, "Volume 'cache' already exists")

	anon, err := svc.Create(ctx, CreateVolumeRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, anon.Name)
}

func TestVolumeRemoveInUse(t *testing.T) {
	ctx := context.Background()
	svc, fake, imageID := newVolumeService(t)
	fake.AddVolume("pgdata", "local", 0)
	fake.AddContainer(dockertest.ContainerOpts{Name: "db", Image: imageID, State: "exited", Mounts: []types.MountPoint{volumeMount("pgdata", "/data")}})

	_, err := svc.Remove(ctx, "pgdata", false)
	assertKind(t, err, apperr.KindConflict)
	assert.Contains(t, err.Error(), "being used by containers: db")
	assert.False(t, fake.Called("VolumeRemove"))

	// force skips the precheck; the daemon still refuses
	_, err = svc.Remove(ctx, "pgdata", true)
	assertKind(t, err, apperr.KindConflict)
	assert.Contains(t, err.Error(), "db")

	_, err = svc.Remove(ctx, "ghost", false)
	assertKind(t, err, apperr.KindNotFound)
}

func TestVolumeRemove(t *testing.T) {
	ctx := context.Background()
	svc, fake, _ := newVolumeService(t)
	fake.AddVolume("tmp", "local", 0)

	res, err := svc.Remove(ctx, "tmp", false)
	require.NoError(t, err)
	assert.Equal(t, RemoveVolumeResult{Message: "Volume 'tmp' removed successfully", Name: "tmp", Status: "removed"}, *res)

	_, err = svc.Get(ctx, "tmp")
	assertKind(t, err, apperr.KindNotFound)
}

func TestVolumePruneAndStats(t *testing.T) {
	ctx := context.Background()
	svc, fake, imageID := newVolumeService(t)
	fake.AddVolume("used", "local", 1000)
	fake.AddVolume("idle", "local", 24)
	fake.AddVolume("remote", "nfs", 0)
	fake.AddContainer(dockertest.ContainerOpts{Name: "app", Image: imageID, Mounts: []types.MountPoint{volumeMount("used", "/data")}})

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalVolumes)
	assert.Equal(t, int64(1024), stats.TotalSizeBytes)
	assert.Equal(t, "1.0 KB", stats.TotalSize)
	assert.Equal(t, map[string]int{"local": 2, "nfs": 1}, stats.Drivers)
	assert.Equal(t, 2, stats.UnusedVolumes)

	res, err := svc.Prune(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle", "remote"}, res.VolumesDeleted)
	assert.Equal(t, uint64(24), res.SpaceReclaimedBytes)
	assert.Equal(t, "Volume pruning completed", res.Message)

	res, err = svc.Prune(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, res.VolumesDeleted)
	assert.NotNil(t, res.VolumesDeleted)
}
