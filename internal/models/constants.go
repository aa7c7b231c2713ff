package models

// ItemStatus is the lifecycle state of a queue item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemPending, ItemProcessing, ItemCompleted, ItemFailed:
		return true
	}
	return false
}

// Priority is the ordering bucket used when draining the queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities, lower drains first. Unknown values sort as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// AssetState names the view an asset-shaped operation currently sits in.
type AssetState string

const (
	AssetPending AssetState = "pending"
	AssetSynced  AssetState = "synced"
	AssetFailed  AssetState = "failed"
)

const (
	// SkipAlreadySyncing is reported when a run is already active.
	SkipAlreadySyncing = "already syncing"
	// SkipOffline is reported when the network monitor says disconnected.
	SkipOffline = "offline"
)

const (
	DefaultMaxAttempts   = 3
	DefaultBatchSize     = 50
	DefaultHistoryLimit  = 100
	DefaultErrorLimit    = 50
	DefaultAssetOpType   = "asset_update"
	DefaultAssetKeyPath  = "asset_key"
	DefaultNetworkType   = "unknown"
	DefaultStoragePrefix = "fieldsync"
)
