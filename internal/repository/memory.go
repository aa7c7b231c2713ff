package repository

import (
	"context"
	"sync"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"
)

// MemoryStore is a process-local persistence port. It copies on every
// call so callers never share memory with the stored snapshot.
type MemoryStore struct {
	mu       sync.Mutex
	queue    []models.QueueItem
	meta     models.SyncMetadata
	assets   map[string]models.ReconciledAsset
	failNext int
	failErr  error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assets: make(map[string]models.ReconciledAsset)}
}

// FailNext makes the next n calls fail with err, wrapped as a PersistenceError.
func (s *MemoryStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

func (s *MemoryStore) checkFail(op string) error {
	if s.failNext <= 0 {
		return nil
	}
	s.failNext--
	return domain.NewPersistenceError(op, s.failErr)
}

func (s *MemoryStore) LoadQueue(ctx context.Context) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail("load queue"); err != nil {
		return nil, err
	}
	return cloneItems(s.queue), nil
}

func (s *MemoryStore) SaveQueue(ctx context.Context, items []models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail("save queue"); err != nil {
		return err
	}
	s.queue = cloneItems(items)
	return nil
}

func (s *MemoryStore) LoadMetadata(ctx context.Context) (models.SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail("load metadata"); err != nil {
		return models.SyncMetadata{}, err
	}
	return cloneMeta(s.meta), nil
}

func (s *MemoryStore) SaveMetadata(ctx context.Context, meta models.SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail("save metadata"); err != nil {
		return err
	}
	s.meta = cloneMeta(meta)
	return nil
}

func (s *MemoryStore) LoadAssets(ctx context.Context) ([]models.ReconciledAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail("load assets"); err != nil {
		return nil, err
	}
	out := make([]models.ReconciledAsset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *MemoryStore) SaveAsset(ctx context.Context, asset models.ReconciledAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail("save asset"); err != nil {
		return err
	}
	s.assets[asset.AssetKey] = asset.Clone()
	return nil
}

func cloneItems(items []models.QueueItem) []models.QueueItem {
	if items == nil {
		return nil
	}
	out := make([]models.QueueItem, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}

func cloneMeta(meta models.SyncMetadata) models.SyncMetadata {
	if meta.LastSyncTime != nil {
		at := *meta.LastSyncTime
		meta.LastSyncTime = &at
	}
	return meta
}
