package database

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncQueueRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	next := now.Add(time.Minute)
	items := []models.QueueItem{
		{
			ID: "b", Timestamp: now, OperationType: "issue_create", Payload: json.RawMessage(`{"qty":2}`),
			SessionID: "s1", UserID: "u1", Status: models.ItemPending, Priority: models.PriorityHigh, UpdatedAt: now,
		},
		{
			ID: "a", Timestamp: now.Add(time.Second), OperationType: "asset_update",
			RetryCount: 2, Status: models.ItemFailed, Priority: models.PriorityLow,
			Error: "timeout", NextAttemptAt: &next, UpdatedAt: now,
		},
	}

	require.NoError(t, db.SaveQueue(ctx, items))

	loaded, err := db.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// stored order is preserved, not sorted by id
	assert.Equal(t, "b", loaded[0].ID)
	assert.Equal(t, "a", loaded[1].ID)
	assert.JSONEq(t, `{"qty":2}`, string(loaded[0].Payload))
	assert.Equal(t, "s1", loaded[0].SessionID)
	assert.Equal(t, models.PriorityHigh, loaded[0].Priority)
	assert.Nil(t, loaded[0].NextAttemptAt)
	assert.True(t, loaded[0].Timestamp.Equal(now))

	assert.Equal(t, 2, loaded[1].RetryCount)
	assert.Equal(t, models.ItemFailed, loaded[1].Status)
	assert.Equal(t, "timeout", loaded[1].Error)
	require.NotNil(t, loaded[1].NextAttemptAt)
	assert.True(t, loaded[1].NextAttemptAt.Equal(next))

	// A later save replaces the previous snapshot.
	require.NoError(t, db.SaveQueue(ctx, items[:1]))
	loaded, err = db.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	require.NoError(t, db.SaveQueue(ctx, nil))
	loaded, err = db.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSyncQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	logger := zerolog.Nop()
	ctx := context.Background()

	db, err := NewDB(path, &logger)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, db.SaveQueue(ctx, []models.QueueItem{
		{ID: "1", Timestamp: now, OperationType: "op", Status: models.ItemPending, Priority: models.PriorityNormal, UpdatedAt: now},
		{ID: "2", Timestamp: now, OperationType: "op", Status: models.ItemPending, Priority: models.PriorityNormal, UpdatedAt: now},
	}))
	require.NoError(t, db.Close())

	reopened, err := NewDB(path, &logger)
	require.NoError(t, err)
	defer reopened.Close()

	items, err := reopened.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, "2", items[1].ID)
}

func TestSyncQueueDuplicateIDRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	original := []models.QueueItem{{ID: "x", Timestamp: now, OperationType: "op", Status: models.ItemPending, Priority: models.PriorityNormal, UpdatedAt: now}}
	require.NoError(t, db.SaveQueue(ctx, original))

	dup := append(original, original[0])
	err := db.SaveQueue(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPersistence))

	loaded, err := db.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1, "failed save must leave the prior snapshot readable")
}

func TestSyncMetadata(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	meta, err := db.LoadMetadata(ctx)
	require.NoError(t, err)
	assert.Nil(t, meta.LastSyncTime)
	assert.Zero(t, meta.SuccessCount)

	last := time.Now().UTC()
	require.NoError(t, db.SaveMetadata(ctx, models.SyncMetadata{LastSyncTime: &last, SuccessCount: 4, FailureCount: 1}))
	require.NoError(t, db.SaveMetadata(ctx, models.SyncMetadata{LastSyncTime: &last, SuccessCount: 5, FailureCount: 1}))

	meta, err = db.LoadMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), meta.SuccessCount)
	assert.Equal(t, int64(1), meta.FailureCount)
	require.NotNil(t, meta.LastSyncTime)
	assert.True(t, meta.LastSyncTime.Equal(last))
}

func TestDB_ErrorPaths(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "closed.db"), &logger)
	require.NoError(t, err)
	db.Close()

	ctx := context.Background()

	_, err = db.LoadQueue(ctx)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	err = db.SaveQueue(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	_, err = db.LoadMetadata(ctx)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	err = db.SaveMetadata(ctx, models.SyncMetadata{})
	assert.ErrorIs(t, err, domain.ErrPersistence)

	_, err = db.LoadAssets(ctx)
	assert.ErrorIs(t, err, domain.ErrPersistence)
}
