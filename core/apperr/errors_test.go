package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDaemon(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", errdefs.NotFound(cause), KindNotFound},
		{"conflict", errdefs.Conflict(cause), KindConflict},
		{"not modified", errdefs.NotModified(cause), KindAlreadyInState},
		{"invalid parameter", errdefs.InvalidParameter(cause), KindInvalidRequest},
		{"unavailable", errdefs.Unavailable(cause), KindConnectionUnavailable},
		{"plain", cause, KindUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromDaemon(tt.err, "failed to do thing")
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
			assert.ErrorIs(t, err, cause)
		})
	}
}

func TestFromDaemonKeepsClassifiedErrors(t *testing.T) {
	orig := New(KindAlreadyConnected, "already there")
	err := FromDaemon(fmt.Errorf("wrapped: %w", orig), "ignored")
	assert.Same(t, orig, err)
}

func TestFromDaemonNil(t *testing.T) {
	assert.NoError(t, FromDaemon(nil, "anything"))
}

func TestUpstreamMessagePassesThrough(t *testing.T) {
	err := FromDaemon(errors.New("daemon said no"), "failed to prune images")
	assert.Equal(t, "failed to prune images: daemon said no", err.Error())
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUpstreamFailure, KindOf(errors.New("x")))
	assert.True(t, Is(NotFound("Container", "web"), KindNotFound))
	assert.Equal(t, "Container 'web' not found", NotFound("Container", "web").Error())
}
