package domain

import (
	"context"
	"encoding/json"

	"fieldsync/internal/models"
)

// Store is the persistence port for queue items and sync metadata.
// Every call is atomic: a failed save leaves the previous state readable.
type Store interface {
	LoadQueue(ctx context.Context) ([]models.QueueItem, error)
	SaveQueue(ctx context.Context, items []models.QueueItem) error
	LoadMetadata(ctx context.Context) (models.SyncMetadata, error)
	SaveMetadata(ctx context.Context, meta models.SyncMetadata) error
}

// AssetRepository persists reconciled asset records.
type AssetRepository interface {
	LoadAssets(ctx context.Context) ([]models.ReconciledAsset, error)
	SaveAsset(ctx context.Context, asset models.ReconciledAsset) error
}

// NetworkMonitor reports reachability of the backend.
type NetworkMonitor interface {
	CurrentState() models.NetworkState
	OnChange(fn func(models.NetworkState)) (unsubscribe func())
}

// ApplyFunc applies one queued operation remotely and returns its opaque result.
type ApplyFunc func(ctx context.Context, item models.QueueItem) (json.RawMessage, error)

// EventPublisher publishes JSON domain events.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// DeadLetterSink receives items that reached the terminal failed state.
type DeadLetterSink interface {
	PushDeadLetter(ctx context.Context, item models.QueueItem) error
}
