package repository

import (
	"context"
	"sync/atomic"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// FailoverStore writes to primary and switches to fallback while primary
// is failing. Primary is retried once cooldown has passed.
type FailoverStore struct {
	primary   domain.Store
	fallback  domain.Store
	logger    *zerolog.Logger
	cooldown  time.Duration
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverStore(primary, fallback domain.Store, cooldown time.Duration, logger *zerolog.Logger) *FailoverStore {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &FailoverStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (r *FailoverStore) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > r.cooldown
}

func (r *FailoverStore) markDown(op string, err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Str("op", op).Msg("primary store failed, falling back")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

func (r *FailoverStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("primary store recovered")
	}
}

func call[T any](r *FailoverStore, op string, primary, fallback func() (T, error)) (T, error) {
	if r.usePrimary() {
		res, err := primary()
		if err == nil {
			r.markUp()
			return res, nil
		}
		r.markDown(op, err)
	}
	return fallback()
}

func (r *FailoverStore) LoadQueue(ctx context.Context) ([]models.QueueItem, error) {
	return call(r, "load queue",
		func() ([]models.QueueItem, error) { return r.primary.LoadQueue(ctx) },
		func() ([]models.QueueItem, error) { return r.fallback.LoadQueue(ctx) })
}

func (r *FailoverStore) SaveQueue(ctx context.Context, items []models.QueueItem) error {
	_, err := call(r, "save queue",
		func() (struct{}, error) { return struct{}{}, r.primary.SaveQueue(ctx, items) },
		func() (struct{}, error) { return struct{}{}, r.fallback.SaveQueue(ctx, items) })
	return err
}

func (r *FailoverStore) LoadMetadata(ctx context.Context) (models.SyncMetadata, error) {
	return call(r, "load metadata",
		func() (models.SyncMetadata, error) { return r.primary.LoadMetadata(ctx) },
		func() (models.SyncMetadata, error) { return r.fallback.LoadMetadata(ctx) })
}

func (r *FailoverStore) SaveMetadata(ctx context.Context, meta models.SyncMetadata) error {
	_, err := call(r, "save metadata",
		func() (struct{}, error) { return struct{}{}, r.primary.SaveMetadata(ctx, meta) },
		func() (struct{}, error) { return struct{}{}, r.fallback.SaveMetadata(ctx, meta) })
	return err
}
