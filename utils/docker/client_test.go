package docker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nfcunha/stevedore/utils/docker"
	"nfcunha/stevedore/utils/docker/dockertest"
)

func TestPing(t *testing.T) {
	fake := dockertest.New()
	client := docker.Wrap(fake, zap.NewNop())

	require.NoError(t, client.Ping(context.Background()))
	assert.True(t, fake.Called("Ping"))

	fake.Down = true
	assert.Error(t, client.Ping(context.Background()))
}

func TestWrapNilLogger(t *testing.T) {
	client := docker.Wrap(dockertest.New(), nil)
	require.NotNil(t, client)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestNewClientWithHost(t *testing.T) {
	client, err := docker.NewClient(docker.Options{Host: "tcp://127.0.0.1:2375", APIVersion: "1.45"}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()
	assert.NotNil(t, client.API)
}
