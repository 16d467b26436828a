package service

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
	"testing"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/utils/docker/dockertest"
)

func newImageService(t *testing.T) (*ImageService, *dockertest.Fake) {
	t.Helper()
	fake, client := newDaemon(t)
	return NewImageService(client, &memoryRecorder{}, zap.NewNop()), fake
}

func findImage(t *testing.T, records []ImageRecord, fullID string) ImageRecord {
	t.Helper()
	for _, r := range records {
		if r.FullID == fullID {
			return r
		}
	}
	t.Fatalf("image %s not listed", fullID)
	return ImageRecord{}
}

func TestImageList(t *testing.T) {
	ctx := context.Background()
	svc, fake := newImageService(t)
	tagged := fake.AddImage("alpine", dockertest.ImageOpts{Tags: []string{"registry.local:5000/alpine:3.19"}, Size: 3 << 20, Architecture: "arm64"})
	untagged := fake.AddImage("dangling", dockertest.ImageOpts{Size: 100})
	fake.AddContainer(dockertest.ContainerOpts{Name: "c1", Image: tagged})

	records, err := svc.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, records, 2)

	a := findImage(t, records, tagged)
	assert.Equal(t, strings.TrimPrefix(tagged, "sha256:")[:12], a.ID)
	assert.Equal(t, "registry.local:5000/alpine", a.Repository)
	assert.Equal(t, "3.19", a.Tag)
	assert.Equal(t, "arm64", a.Architecture)
	assert.Equal(t, "linux", a.OS)
	assert.Equal(t, "3.0 MB", a.Size)
	assert.Equal(t, int64(1), a.Containers)

	d := findImage(t, records, untagged)
	assert.Equal(t, []string{"<none>:<none>"}, d.Tags)
	assert.Equal(t, "<none>", d.Repository)
	assert.Equal(t, "<none>", d.Tag)
	assert.Equal(t, int64(0), d.Containers)
	assert.NotNil(t, d.Labels)
}

func TestImageGet(t *testing.T) {
	ctx := context.Background()
	svc, fake := newImageService(t)

	var history []image.HistoryResponseItem
	for i := 0; i < 7; i++ {
		history = append(history, image.HistoryResponseItem{
			ID:        fmt.Sprintf("sha256:%064d", i),
			Created:   1700000000,
			CreatedBy: "RUN echo " + strings.Repeat("x", 30*i),
			Size:      1024,
		})
	}
	history[1].ID = ""
	history[2].CreatedBy = strings.Repeat("a", 99) + strings.Repeat("é", 10)

	id := fake.AddImage("web", dockertest.ImageOpts{
		Tags:         []string{"web:2"},
		Cmd:          []string{"nginx", "-g", "daemon off;"},
		Env:          []string{"PATH=/usr/bin"},
		ExposedPorts: []string{"80/tcp"},
		WorkingDir:   "/srv",
		Volumes:      []string{"/data"},
		History:      history,
	})

	detail, err := svc.Get(ctx, "web:2")
	require.NoError(t, err)
	assert.Equal(t, id, detail.FullID)
	assert.Equal(t, "web", detail.Repository)
	assert.Equal(t, "2", detail.Tag)
	assert.Equal(t, []string{"nginx", "-g", "daemon off;"}, detail.Config.Cmd)
	assert.Equal(t, []string{"80/tcp"}, detail.Config.ExposedPorts)
	assert.Equal(t, []string{"/data"}, detail.Config.Volumes)
	assert.Equal(t, "/srv", detail.Config.WorkingDir)
	assert.Empty(t, detail.Config.Entrypoint)

	require.Len(t, detail.History, historyLayers)
	assert.Equal(t, "<missing>", detail.History[1].ID)
	assert.Equal(t, "1.0 KB", detail.History[0].Size)
	for _, layer := range detail.History {
		assert.LessOrEqual(t, utf8.RuneCountInString(layer.CreatedBy), createdByMaxLen+3)
		assert.True(t, utf8.ValidString(layer.CreatedBy))
	}
	assert.Equal(t, strings.Repeat("a", 99)+"é...", detail.History[2].CreatedBy)
	assert.True(t, strings.HasSuffix(detail.History[4].CreatedBy, "..."))
	assert.False(t, strings.HasSuffix(detail.History[0].CreatedBy, "..."))

	_, err = svc.Get(ctx, "nope:1")
	assertKind(t, err, apperr.KindNotFound)
}

func TestImagePull(t *testing.T) {
	ctx := context.Background()
	svc, fake := newImageService(t)
	fake.AddToRegistry("redis:7", 2048)
	fake.AddToRegistry("busybox:latest", 512)

	res, err := svc.Pull(ctx, "redis", "7")
	require.NoError(t, err)
	assert.Equal(t, "pulled", res.Status)
	assert.Equal(t, []string{"redis:7"}, res.Tags)
	assert.Equal(t, "2.0 KB", res.Size)
	assert.Len(t, res.ImageID, 12)

	res, err = svc.Pull(ctx, "busybox", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"busybox:latest"}, res.Tags)

	_, err = svc.Pull(ctx, "does-not-exist", "1")
	assertKind(t, err, apperr.KindNotFoundInRegistry)
	assert.EqualError(t, err, "Image 'does-not-exist:1' not found in registry")

	_, err = svc.Pull(ctx, "", "1")
	assertKind(t, err, apperr.KindInvalidRequest)
}

func TestImagePullErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("manifest unknown", func(t *testing.T) {
		svc, fake := newImageService(t)
		fake.Fail["ImagePull"] = errors.New("manifest unknown: manifest unknown")
		_, err := svc.Pull(ctx, "app", "v9")
		assertKind(t, err, apperr.KindNotFoundInRegistry)
	})

	t.Run("rate limited", func(t *testing.T) {
		svc, fake := newImageService(t)
		fake.Fail["ImagePull"] = errdefs.System(errors.New("toomanyrequests: rate limit"))
		_, err := svc.Pull(ctx, "app", "v9")
		assertKind(t, err, apperr.KindUpstreamFailure)
	})

	t.Run("stream error", func(t *testing.T) {
		_, err := drainStream(strings.NewReader(`{"status":"Pulling"}`+"\n"+`{"errorDetail":{"message":"manifest for app:v9 not found"},"error":"manifest for app:v9 not found"}`), nil)
		require.Error(t, err)
		assertKind(t, pullError("app:v9", err), apperr.KindNotFoundInRegistry)
	})
}

func TestImageRemove(t *testing.T) {
	ctx := context.Background()
	svc, fake := newImageService(t)
	id := fake.AddImage("used", dockertest.ImageOpts{Tags: []string{"used:1", "used:latest"}})
	fake.AddContainer(dockertest.ContainerOpts{Name: "user", Image: id, State: "exited"})

	_, err := svc.Remove(ctx, "used:1", false, false)
	assertKind(t, err, apperr.KindConflict)
	assert.Equal(t, "Cannot remove image 'used:1' - it's being used by containers. Use force=true or stop containers first", err.Error())

	res, err := svc.Remove(ctx, "used:1", true, false)
	require.NoError(t, err)
	assert.Equal(t, "removed", res.Status)
	assert.Equal(t, []string{"used:1", "used:latest"}, res.Tags)
	assert.Contains(t, res.Deleted, id)
	assert.Len(t, res.Untagged, 2)

	_, err = svc.Remove(ctx, "used:1", true, false)
	assertKind(t, err, apperr.KindNotFound)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestImageBuild(t *testing.T) {
	ctx := context.Background()
	svc, fake := newImageService(t)
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM scratch\n")
	for i := 1; i <= 12; i++ {
		fake.BuildOutput = append(fake.BuildOutput, fmt.Sprintf("Step %d/12", i))
	}

	v := "1.2"
	res, err := svc.Build(ctx, BuildImageRequest{
		Path:      dir,
		Tag:       "app:1",
		BuildArgs: map[string]*string{"VERSION": &v},
		Target:    "final",
		NoCache:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "built", res.Status)
	assert.Equal(t, []string{"app:1"}, res.Tags)
	assert.Len(t, res.ImageID, 12)
	assert.Equal(t, "4.0 KB", res.Size)
	require.Len(t, res.BuildLogs, buildSummaryTail)
	assert.Equal(t, "Step 3/12", res.BuildLogs[0])
	assert.Equal(t, "Step 12/12", res.BuildLogs[9])

	assert.Equal(t, "Dockerfile", fake.LastBuild.Dockerfile)
	assert.Equal(t, []string{"app:1"}, fake.LastBuild.Tags)
	assert.Equal(t, "final", fake.LastBuild.Target)
	assert.True(t, fake.LastBuild.NoCache)
	assert.True(t, fake.LastBuild.Remove)
	assert.Equal(t, "1.2", *fake.LastBuild.BuildArgs["VERSION"])
}

func TestImageBuildErrors(t *testing.T) {
	ctx := context.Background()
	svc, fake := newImageService(t)
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM scratch\nRUN false\n")

	_, err := svc.Build(ctx, BuildImageRequest{})
	assertKind(t, err, apperr.KindInvalidRequest)

	_, err = svc.Build(ctx, BuildImageRequest{Path: filepath.Join(dir, "Dockerfile")})
	assertKind(t, err, apperr.KindInvalidRequest)

	_, err = svc.Build(ctx, BuildImageRequest{Path: filepath.Join(dir, "missing")})
	assertKind(t, err, apperr.KindInvalidRequest)

	fake.BuildError = "The command '/bin/sh -c false' returned a non-zero code: 1"
	_, err = svc.Build(ctx, BuildImageRequest{Path: dir, Tag: "broken:1"})
	assertKind(t, err, apperr.KindUpstreamFailure)
	assert.Contains(t, err.Error(), "Build failed: The command")
}

func TestTarBuildContextHonoursDockerignore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM scratch\n")
	writeFile(t, dir, "main.go", "package main\n")
	writeFile(t, dir, "secret.env", "TOKEN=1\n")
	writeFile(t, dir, ".dockerignore", "# local only\n*.env\nDockerfile\n")

	rc, err := tarBuildContext(dir, "Dockerfile")
	require.NoError(t, err)
	defer rc.Close()

	var names []string
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "Dockerfile")
	assert.Contains(t, names, "main.go")
	assert.Contains(t, names, ".dockerignore")
	assert.NotContains(t, names, "secret.env")
}

func TestImageSearch(t *testing.T) {
	ctx := context.Background()
	svc, fake := newImageService(t)
	fake.SearchIndex = []registry.SearchResult{
		{Name: "nginx", Description: "Official build of Nginx.", StarCount: 20000, IsOfficial: true},
		{Name: "bitnami/nginx", Description: "Bitnami nginx", StarCount: 150, IsAutomated: true},
		{Name: "redis", StarCount: 12000, IsOfficial: true},
	}

	results, err := svc.Search(ctx, "nginx", 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, SearchResult{Name: "nginx", Description: "Official build of Nginx.", Stars: 20000, Official: true}, results[0])
	assert.True(t, results[1].Automated)

	results, err = svc.Search(ctx, "nginx", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, err = svc.Search(ctx, "  ", 5)
	assertKind(t, err, apperr.KindInvalidRequest)
}

func TestImagePrune(t *testing.T) {
	ctx := context.Background()
	svc, fake := newImageService(t)
	inUse := fake.AddImage("in-use", dockertest.ImageOpts{Tags: []string{"app:1"}, Size: 10})
	unused := fake.AddImage("unused", dockertest.ImageOpts{Tags: []string{"old:1"}, Size: 20})
	dangling := fake.AddImage("dangling", dockertest.ImageOpts{Size: 1024})
	fake.AddContainer(dockertest.ContainerOpts{Name: "app", Image: inUse})

	res, err := svc.Prune(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "Image pruning completed", res.Message)
	assert.Equal(t, []string{dangling}, res.ImagesDeleted)
	assert.Equal(t, uint64(1024), res.SpaceReclaimedBytes)
	assert.Equal(t, "1.0 KB", res.SpaceReclaimed)

	res, err = svc.Prune(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{unused}, res.ImagesDeleted)
	assert.Equal(t, uint64(20), res.SpaceReclaimedBytes)
}
