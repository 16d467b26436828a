package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nfcunha/stevedore/core/models"
	"nfcunha/stevedore/database"
)

func newRepo(t *testing.T) *ActionLogRepository {
	t.Helper()
	db, err := database.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewActionLogRepository(db)
}

func TestCreateAndList(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	first := &models.ActionLog{Action: "start", ResourceType: "container", ResourceID: "abc", ResourceName: "web", Success: true, ExecutedAt: time.Now().Add(-time.Minute)}
	second := &models.ActionLog{Action: "remove", ResourceType: "volume", ResourceID: "data", Success: false, ErrorKind: "conflict", ErrorMessage: "in use", ExecutedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.Create(ctx, second))
	assert.NotZero(t, first.ID)

	all, err := repo.List(ctx, models.ActionLogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "remove", all[0].Action)
	assert.Equal(t, "conflict", all[0].ErrorKind)
	assert.Equal(t, "in use", all[0].ErrorMessage)
	assert.Equal(t, "web", all[1].ResourceName)

	containers, err := repo.List(ctx, models.ActionLogFilter{ResourceType: "container", ResourceID: "abc"})
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.True(t, containers[0].Success)

	limited, err := repo.List(ctx, models.ActionLogFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListEmpty(t *testing.T) {
	logs, err := newRepo(t).List(context.Background(), models.ActionLogFilter{ResourceType: "network"})
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)
}

func TestDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.Create(ctx, &models.ActionLog{Action: "pull", ResourceType: "image", ResourceID: "old", ExecutedAt: time.Now().AddDate(0, 0, -40)}))
	require.NoError(t, repo.Create(ctx, &models.ActionLog{Action: "pull", ResourceType: "image", ResourceID: "new", ExecutedAt: time.Now()}))

	removed, err := repo.DeleteOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	logs, err := repo.List(ctx, models.ActionLogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "new", logs[0].ResourceID)
}
