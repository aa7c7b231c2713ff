package service

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"fieldsync/internal/models"

	"github.com/tidwall/gjson"
)

// AssetTracker keeps one view per asset key for asset-shaped operations:
// pending while queued, synced after success, failed after a terminal error.
type AssetTracker struct {
	mu      sync.RWMutex
	opTypes map[string]bool
	keyPath string
	views   map[string]models.AssetView
	now     func() time.Time
}

func NewAssetTracker(opTypes []string, keyPath string) *AssetTracker {
	if keyPath == "" {
		keyPath = models.DefaultAssetKeyPath
	}
	types := make(map[string]bool, len(opTypes))
	for _, t := range opTypes {
		types[t] = true
	}
	return &AssetTracker{
		opTypes: types,
		keyPath: keyPath,
		views:   make(map[string]models.AssetView),
		now:     time.Now,
	}
}

// IsAssetOperation reports whether opType carries an asset payload.
func (t *AssetTracker) IsAssetOperation(opType string) bool {
	return t.opTypes[opType]
}

// KeyFor extracts the asset key from payload. It returns "" for non-asset
// operations or payloads without a key.
func (t *AssetTracker) KeyFor(opType string, payload json.RawMessage) string {
	if !t.IsAssetOperation(opType) || len(payload) == 0 {
		return ""
	}
	res := gjson.GetBytes(payload, t.keyPath)
	if !res.Exists() {
		return ""
	}
	return res.String()
}

// Track records the state of the operation identified by itemID.
func (t *AssetTracker) Track(key string, state models.AssetState, itemID, opType, reason string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	t.views[key] = models.AssetView{
		AssetKey:      key,
		State:         state,
		ItemID:        itemID,
		OperationType: opType,
		Reason:        reason,
		UpdatedAt:     t.now(),
	}
	t.mu.Unlock()
}

// Views returns views in the given state, most recently updated first.
func (t *AssetTracker) Views(state models.AssetState) []models.AssetView {
	t.mu.RLock()
	out := make([]models.AssetView, 0)
	for _, v := range t.views {
		if v.State == state {
			out = append(out, v)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].AssetKey < out[j].AssetKey
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Reset drops views in the given states, or every view when none are given.
func (t *AssetTracker) Reset(states ...models.AssetState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(states) == 0 {
		t.views = make(map[string]models.AssetView)
		return
	}
	drop := make(map[models.AssetState]bool, len(states))
	for _, s := range states {
		drop[s] = true
	}
	for key, v := range t.views {
		if drop[v.State] {
			delete(t.views, key)
		}
	}
}
