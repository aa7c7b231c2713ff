package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) LoadQueue(ctx context.Context) ([]models.QueueItem, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.QueueItem), args.Error(1)
}

func (m *mockStore) SaveQueue(ctx context.Context, items []models.QueueItem) error {
	args := m.Called(ctx, items)
	return args.Error(0)
}

func (m *mockStore) LoadMetadata(ctx context.Context) (models.SyncMetadata, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.SyncMetadata), args.Error(1)
}

func (m *mockStore) SaveMetadata(ctx context.Context, meta models.SyncMetadata) error {
	args := m.Called(ctx, meta)
	return args.Error(0)
}

func TestFailoverStore(t *testing.T) {
	primary := new(mockStore)
	fallback := new(mockStore)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverStore(primary, fallback, time.Minute, &logger)
	ctx := context.Background()

	items := []models.QueueItem{{ID: "a", OperationType: "note", Status: models.ItemPending}}

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("LoadQueue", ctx).Return(items, nil).Once()

		got, err := repo.LoadQueue(ctx)
		assert.NoError(t, err)
		assert.Equal(t, items, got)
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("SaveQueue", ctx, items).Return(errors.New("fail")).Once()
		fallback.On("SaveQueue", ctx, items).Return(nil).Once()

		err := repo.SaveQueue(ctx, items)
		assert.NoError(t, err)
		assert.True(t, repo.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("PrimaryDownUseFallbackDirectly", func(t *testing.T) {
		fallback.On("LoadMetadata", ctx).Return(models.SyncMetadata{SuccessCount: 3}, nil).Once()

		meta, err := repo.LoadMetadata(ctx)
		assert.NoError(t, err)
		assert.EqualValues(t, 3, meta.SuccessCount)
		fallback.AssertExpectations(t)
		primary.AssertNotCalled(t, "LoadMetadata", ctx)
	})

	t.Run("PrimaryRecoveryAfterCooldown", func(t *testing.T) {
		repo.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())
		meta := models.SyncMetadata{SuccessCount: 1}
		primary.On("SaveMetadata", ctx, meta).Return(nil).Once()

		err := repo.SaveMetadata(ctx, meta)
		assert.NoError(t, err)
		assert.False(t, repo.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("BothFail", func(t *testing.T) {
		primary.On("SaveQueue", ctx, items).Return(errors.New("primary down")).Once()
		fallback.On("SaveQueue", ctx, items).Return(errors.New("fallback down")).Once()

		err := repo.SaveQueue(ctx, items)
		assert.EqualError(t, err, "fallback down")
	})
}
