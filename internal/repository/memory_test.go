package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	t.Run("EmptyStore", func(t *testing.T) {
		items, err := store.LoadQueue(ctx)
		require.NoError(t, err)
		assert.Empty(t, items)

		meta, err := store.LoadMetadata(ctx)
		require.NoError(t, err)
		assert.Nil(t, meta.LastSyncTime)
	})

	t.Run("SaveAndLoadQueue", func(t *testing.T) {
		items := []models.QueueItem{
			{ID: "a", OperationType: "asset_update", Payload: json.RawMessage(`{"asset_key":"A-1"}`), Status: models.ItemPending},
			{ID: "b", OperationType: "note", Status: models.ItemFailed, Error: "boom"},
		}
		require.NoError(t, store.SaveQueue(ctx, items))

		// mutating the caller slice must not leak into the store
		items[0].Payload[2] = 'X'
		items[1].Status = models.ItemPending

		got, err := store.LoadQueue(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, `{"asset_key":"A-1"}`, string(got[0].Payload))
		assert.Equal(t, models.ItemFailed, got[1].Status)
	})

	t.Run("SaveAndLoadMetadata", func(t *testing.T) {
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, store.SaveMetadata(ctx, models.SyncMetadata{LastSyncTime: &at, SuccessCount: 4, FailureCount: 1}))

		meta, err := store.LoadMetadata(ctx)
		require.NoError(t, err)
		require.NotNil(t, meta.LastSyncTime)
		assert.True(t, at.Equal(*meta.LastSyncTime))
		assert.EqualValues(t, 4, meta.SuccessCount)
	})

	t.Run("Assets", func(t *testing.T) {
		require.NoError(t, store.SaveAsset(ctx, models.ReconciledAsset{AssetKey: "A-1", Description: "pump"}))
		require.NoError(t, store.SaveAsset(ctx, models.ReconciledAsset{AssetKey: "A-1", Description: "pump v2"}))

		assets, err := store.LoadAssets(ctx)
		require.NoError(t, err)
		require.Len(t, assets, 1)
		assert.Equal(t, "pump v2", assets[0].Description)
	})

	t.Run("FailNext", func(t *testing.T) {
		store.FailNext(1, errors.New("disk full"))

		err := store.SaveQueue(ctx, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrPersistence)

		// only one failure was armed
		require.NoError(t, store.SaveQueue(ctx, nil))
	})
}
