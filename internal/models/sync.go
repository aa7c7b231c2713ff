package models

import "time"

// SyncMetadata is the persisted summary of past runs.
type SyncMetadata struct {
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	SuccessCount int64      `json:"success_count"`
	FailureCount int64      `json:"failure_count"`
}

// ItemFailure describes an item that failed during a run.
type ItemFailure struct {
	Item      QueueItem `json:"item"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable"`
	WillRetry bool      `json:"will_retry"`
}

// SyncResult is returned by a processor run.
type SyncResult struct {
	Skipped    bool           `json:"skipped,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Successful []SyncedRecord `json:"successful,omitempty"`
	Failed     []ItemFailure  `json:"failed,omitempty"`
	Aborted    bool           `json:"aborted,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// SyncStatus is the snapshot exposed to collaborators and the UI.
type SyncStatus struct {
	IsSyncing    bool          `json:"is_syncing"`
	IsConnected  bool          `json:"is_connected"`
	QueueSize    int           `json:"queue_size"`
	PendingCount int           `json:"pending_count"`
	FailedCount  int           `json:"failed_count"`
	LastSyncTime *time.Time    `json:"last_sync_time,omitempty"`
	SuccessCount int64         `json:"success_count"`
	FailureCount int64         `json:"failure_count"`
	RecentErrors []ErrorRecord `json:"recent_errors"`
}

// NetworkState is the reachability reported by a network monitor.
type NetworkState struct {
	IsConnected bool   `json:"is_connected"`
	Type        string `json:"type"`
}
