package models

import (
	"encoding/json"
	"time"
)

// QueueItem is one deferred operation waiting to be applied remotely.
type QueueItem struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	OperationType string          `json:"operation_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Status        ItemStatus      `json:"status"`
	Priority      Priority        `json:"priority"`
	Error         string          `json:"error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no mutable memory with the receiver.
func (i QueueItem) Clone() QueueItem {
	out := i
	if i.Payload != nil {
		out.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	if i.NextAttemptAt != nil {
		at := *i.NextAttemptAt
		out.NextAttemptAt = &at
	}
	return out
}

// Ready reports whether a pending item may be picked up at now.
func (i QueueItem) Ready(now time.Time) bool {
	if i.Status != ItemPending {
		return false
	}
	return i.NextAttemptAt == nil || !i.NextAttemptAt.After(now)
}

// Operation is what collaborators hand to the queue.
type Operation struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Priority  Priority        `json:"priority,omitempty"`
}

// SyncedRecord keeps a completed item with the remote result for inspection.
type SyncedRecord struct {
	Item     QueueItem       `json:"item"`
	Result   json.RawMessage `json:"result,omitempty"`
	SyncedAt time.Time       `json:"synced_at"`
}

// ErrorRecord is an entry of the bounded error history.
type ErrorRecord struct {
	ItemID        string    `json:"item_id,omitempty"`
	OperationType string    `json:"operation_type,omitempty"`
	Message       string    `json:"message"`
	Retryable     bool      `json:"retryable"`
	RetryCount    int       `json:"retry_count"`
	At            time.Time `json:"at"`
}

// QueueCounts summarizes queue content by status.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}
