package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/docker/dockertest"
)

func newContainerService(t *testing.T) (*ContainerService, *dockertest.Fake, *memoryRecorder, string) {
	t.Helper()
	fake, client := newDaemon(t)
	imageID := fake.AddImage("nginx", dockertest.ImageOpts{Tags: []string{"nginx:latest"}, Size: 1 << 20})
	recorder := &memoryRecorder{}
	return NewContainerService(client, recorder, zap.NewNop()), fake, recorder, imageID
}

func TestContainerList(t *testing.T) {
	ctx := context.Background()
	svc, fake, _, imageID := newContainerService(t)
	webID := fake.AddContainer(dockertest.ContainerOpts{Name: "web", Image: imageID, Ports: map[string]string{"80/tcp": "8080"}})
	fake.AddContainer(dockertest.ContainerOpts{Name: "old", Image: imageID, State: "exited"})

	running, err := svc.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, running, 1)

	web := running[0]
	assert.Equal(t, webID[:12], web.ID)
	assert.Len(t, web.ID, 12)
	assert.Equal(t, webID, web.FullID)
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, "nginx:latest", web.Image)
	assert.Equal(t, "running", web.Status)
	require.Len(t, web.Ports, 1)
	assert.Equal(t, uint16(80), web.Ports[0].PrivatePort)
	assert.Equal(t, uint16(8080), web.Ports[0].PublicPort)
	assert.NotNil(t, web.Labels)

	all, err := svc.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestContainerGet(t *testing.T) {
	ctx := context.Background()
	svc, fake, _, imageID := newContainerService(t)
	id := fake.AddContainer(dockertest.ContainerOpts{
		Name:    "api",
		Image:   imageID,
		Env:     []string{"MODE=prod"},
		Restart: "always",
	})
	fake.Attach("bridge", "api")

	detail, err := svc.Get(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, id[:12], detail.ID)
	assert.Equal(t, "nginx:latest", detail.Image)
	assert.Equal(t, []string{"bridge"}, detail.Networks)
	assert.Equal(t, []string{"MODE=prod"}, detail.Environment)
	assert.Equal(t, "always", detail.RestartPolicy.Name)

	_, err = svc.Get(ctx, "missing")
	assertKind(t, err, apperr.KindNotFound)
	assert.EqualError(t, err, "Container 'missing' not found")
}

func TestContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, fake, recorder, imageID := newContainerService(t)
	fake.AddContainer(dockertest.ContainerOpts{Name: "web", Image: imageID})

	res, err := svc.Stop(ctx, "web", nil)
	require.NoError(t, err)
	assert.Equal(t, "stopped", res.Status)
	assert.Equal(t, "Container 'web' stopped successfully", res.Message)
	require.NotNil(t, fake.LastStopTimeout)
	assert.Equal(t, DefaultStopTimeout, *fake.LastStopTimeout)

	_, err = svc.Stop(ctx, "web", nil)
	assertKind(t, err, apperr.KindAlreadyInState)
	require.NotNil(t, recorder.last())
	assert.False(t, recorder.last().Success)
	assert.Equal(t, string(apperr.KindAlreadyInState), recorder.last().ErrorKind)

	res, err = svc.Start(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "started", res.Status)

	_, err = svc.Start(ctx, "web")
	assertKind(t, err, apperr.KindAlreadyInState)

	timeout := 3
	res, err = svc.Restart(ctx, "web", &timeout)
	require.NoError(t, err)
	assert.Equal(t, "restarted", res.Status)
	assert.Equal(t, 3, *fake.LastStopTimeout)

	_, err = svc.Start(ctx, "ghost")
	assertKind(t, err, apperr.KindNotFound)
}

func TestContainerRemove(t *testing.T) {
	ctx := context.Background()
	svc, fake, recorder, imageID := newContainerService(t)
	fake.AddContainer(dockertest.ContainerOpts{Name: "web", Image: imageID})

	_, err := svc.Remove(ctx, "web", false)
	assertKind(t, err, apperr.KindConflict)
	assert.Contains(t, err.Error(), "force=true")
	assert.False(t, fake.Called("ContainerRemove"))

	res, err := svc.Remove(ctx, "web", true)
	require.NoError(t, err)
	assert.Equal(t, "removed", res.Status)
	assert.True(t, recorder.last().Success)
	assert.Equal(t, "remove", recorder.last().Action)

	_, err = svc.Get(ctx, "web")
	assertKind(t, err, apperr.KindNotFound)
}

func TestContainerCreate(t *testing.T) {
	ctx := context.Background()
	svc, fake, _, _ := newContainerService(t)

	res, err := svc.Create(ctx, CreateContainerRequest{
		Image:         "nginx",
		Name:          "front",
		Env:           []string{"A=1"},
		Ports:         []string{"8080:80/tcp"},
		RestartPolicy: "on-failure:3",
		Platform:      "linux/arm64",
		StorageOpt:    map[string]string{"size": "10G"},
	})
	require.NoError(t, err)
	assert.Equal(t, "front", res.Name)
	assert.Len(t, res.ShortID, 12)
	assert.Equal(t, "created", res.Status)

	hc := fake.LastCreate.HostConfig
	require.NotNil(t, hc)
	assert.Equal(t, container.RestartPolicyOnFailure, hc.RestartPolicy.Name)
	assert.Equal(t, 3, hc.RestartPolicy.MaximumRetryCount)
	require.Len(t, hc.PortBindings[nat.Port("80/tcp")], 1)
	assert.Equal(t, "8080", hc.PortBindings[nat.Port("80/tcp")][0].HostPort)
	assert.Equal(t, "10G", hc.StorageOpt["size"])
	assert.Contains(t, fake.LastCreate.Config.ExposedPorts, nat.Port("80/tcp"))

	_, err = svc.Create(ctx, CreateContainerRequest{Image: "nginx", Name: "front"})
	assertKind(t, err, apperr.KindConflict)
	assert.Contains(t, err.Error(), "already in use")

	_, err = svc.Create(ctx, CreateContainerRequest{Image: "ghost:1"})
	assertKind(t, err, apperr.KindNotFound)
	assert.EqualError(t, err, "Image 'ghost:1' not found")

	auto, err := svc.Create(ctx, CreateContainerRequest{Image: "nginx"})
	require.NoError(t, err)
	assert.NotEmpty(t, auto.Name)
}

func TestContainerCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, fake, _, _ := newContainerService(t)

	tests := []struct {
		name string
		req  CreateContainerRequest
	}{
		{"missing image", CreateContainerRequest{}},
		{"bad port", CreateContainerRequest{Image: "nginx", Ports: []string{"notaport"}}},
		{"unknown restart policy", CreateContainerRequest{Image: "nginx", RestartPolicy: "sometimes"}},
		{"count on always", CreateContainerRequest{Image: "nginx", RestartPolicy: "always:2"}},
		{"auto remove with restart", CreateContainerRequest{Image: "nginx", AutoRemove: true, RestartPolicy: "always"}},
		{"bad platform", CreateContainerRequest{Image: "nginx", Platform: "linux"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			assertKind(t, err, apperr.KindInvalidRequest)
		})
	}
	assert.False(t, fake.Called("ContainerCreate"))
}

func TestContainerLogs(t *testing.T) {
	ctx := context.Background()
	svc, fake, _, imageID := newContainerService(t)
	fake.AddContainer(dockertest.ContainerOpts{Name: "app", Image: imageID, Logs: []string{"one", "two", "three"}})
	fake.AddContainer(dockertest.ContainerOpts{Name: "tty", Image: imageID, Tty: true, Logs: []string{"plain"}})

	res, err := svc.Logs(ctx, "app", 2, false)
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", res.Logs)
	assert.Equal(t, 2, res.Tail)

	res, err = svc.Logs(ctx, "app", 0, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultLogTail, res.Tail)
	assert.Equal(t, "one\ntwo\nthree\n", res.Logs)

	res, err = svc.Logs(ctx, "tty", 10, false)
	require.NoError(t, err)
	assert.Equal(t, "plain\n", res.Logs)

	var streamed bytes.Buffer
	require.NoError(t, svc.StreamLogs(ctx, "app", 1, &streamed))
	assert.Equal(t, "three\n", streamed.String())

	_, err = svc.Logs(ctx, "nope", 10, false)
	assertKind(t, err, apperr.KindNotFound)
}

func TestContainerArchiveLogs(t *testing.T) {
	ctx := context.Background()
	svc, fake, _, imageID := newContainerService(t)
	id := fake.AddContainer(dockertest.ContainerOpts{Name: "app", Image: imageID, Logs: []string{"hello", "world"}})

	var buf bytes.Buffer
	filename, err := svc.ArchiveLogs(ctx, "app", &buf)
	require.NoError(t, err)
	assert.Equal(t, "container-"+id[:12]+"-logs.zip", filename)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	f, err := zr.File[0].Open()
	require.NoError(t, err)
	defer f.Close()
	content, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(content))
}

func TestContainerStats(t *testing.T) {
	ctx := context.Background()
	svc, fake, _, imageID := newContainerService(t)
	fake.AddContainer(dockertest.ContainerOpts{Name: "app", Image: imageID})
	fake.Stats.MemoryStats.Usage = 512
	fake.Stats.MemoryStats.Limit = 2048
	fake.Stats.PidsStats.Current = 4

	stats, err := svc.Stats(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, "app", stats.Name)
	assert.Equal(t, uint64(512), stats.MemoryUsage)
	assert.InDelta(t, 25.0, stats.MemoryPercent, 0.001)
	assert.Equal(t, "512.0 B / 2.0 KB", stats.Memory)
	assert.Equal(t, uint64(4), stats.PIDs)
}

func TestContainerDaemonDown(t *testing.T) {
	ctx := context.Background()
	svc, fake, _, _ := newContainerService(t)
	fake.Down = true

	_, err := svc.List(ctx, true)
	assertKind(t, err, apperr.KindConnectionUnavailable)

	_, err = svc.Start(ctx, "web")
	assertKind(t, err, apperr.KindConnectionUnavailable)
}

func TestContainerUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	svc, fake, _, imageID := newContainerService(t)
	fake.AddContainer(dockertest.ContainerOpts{Name: "web", Image: imageID, State: "exited"})
	fake.Fail["ContainerStart"] = errdefs.System(errors.New("oci runtime error"))

	_, err := svc.Start(ctx, "web")
	assertKind(t, err, apperr.KindUpstreamFailure)
	assert.Contains(t, err.Error(), "oci runtime error")
}
