package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/apperr"
	"nfcunha/stevedore/core/models"
	"nfcunha/stevedore/utils/docker"
	"nfcunha/stevedore/utils/docker/dockertest"
)

type memoryRecorder struct {
	mu      sync.Mutex
	entries []*models.ActionLog
}

func (r *memoryRecorder) Create(_ context.Context, log *models.ActionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, log)
	return nil
}

func (r *memoryRecorder) last() *models.ActionLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1]
}

func newDaemon(t *testing.T) (*dockertest.Fake, *docker.Client) {
	t.Helper()
	fake := dockertest.New()
	return fake, docker.Wrap(fake, zap.NewNop())
}

func assertKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	if assert.Error(t, err) {
		assert.Equal(t, kind, apperr.KindOf(err), "unexpected error: %v", err)
	}
}

func TestShortID(t *testing.T) {
	full := dockertest.ID("x")
	assert.Equal(t, full[:12], shortID(full))
	assert.Equal(t, full[:12], shortID("sha256:"+full))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestSplitImageTag(t *testing.T) {
	tests := []struct {
		ref, repo, tag string
	}{
		{"nginx:1.25", "nginx", "1.25"},
		{"nginx", "nginx", "latest"},
		{"registry.local:5000/team/app", "registry.local:5000/team/app", "latest"},
		{"registry.local:5000/team/app:v2", "registry.local:5000/team/app", "v2"},
		{"alpine@sha256:abcd", "alpine", "latest"},
		{untaggedImage, "<none>", "<none>"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			repo, tag := splitImageTag(tt.ref)
			assert.Equal(t, tt.repo, repo)
			assert.Equal(t, tt.tag, tag)
		})
	}
}
