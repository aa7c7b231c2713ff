package service

import (
	"context"
	"encoding/json"
	"fmt"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/reconcile"
	"fieldsync/internal/worker"

	"github.com/rs/zerolog"
)

// EnqueueOptions carries the optional fields of a queued operation.
type EnqueueOptions struct {
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Priority  models.Priority `json:"priority,omitempty"`
}

// ClearOptions selects what ClearSyncData removes.
type ClearOptions struct {
	ClearQueue  bool `json:"clear_queue"`
	ClearErrors bool `json:"clear_errors"`
	ClearAll    bool `json:"clear_all"`
}

// SyncService is the entry point for business collaborators.
type SyncService struct {
	queue       *queue.Queue
	processor   *worker.Processor
	monitor     domain.NetworkMonitor
	reconciler  *reconcile.Reconciler
	tracker     *AssetTracker
	eventBus    *events.EventBus
	logger      *zerolog.Logger
	unsubscribe func()
}

func NewSyncService(q *queue.Queue, processor *worker.Processor, monitor domain.NetworkMonitor, reconciler *reconcile.Reconciler, eventBus *events.EventBus, cfg config.SyncConfig, logger *zerolog.Logger) *SyncService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &SyncService{
		queue:      q,
		processor:  processor,
		monitor:    monitor,
		reconciler: reconciler,
		tracker:    NewAssetTracker(cfg.AssetOperationTypes, cfg.AssetKeyPath),
		eventBus:   eventBus,
		logger:     logger,
	}

	eventBus.Subscribe(s.handleItemEvent,
		events.EventItemQueued,
		events.EventItemRequeued,
		events.EventItemRetryScheduled,
		events.EventItemSynced,
		events.EventItemFailed,
	)
	s.unsubscribe = monitor.OnChange(s.handleNetworkChange)
	metrics.SetConnected(monitor.CurrentState().IsConnected)
	return s
}

// Close detaches the service from the network monitor.
func (s *SyncService) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// RestoreViews rebuilds asset views for items already in the queue.
func (s *SyncService) RestoreViews() {
	for _, item := range s.queue.Items() {
		state := models.AssetPending
		if item.Status == models.ItemFailed {
			state = models.AssetFailed
		}
		s.tracker.Track(s.tracker.KeyFor(item.OperationType, item.Payload), state, item.ID, item.OperationType, item.Error)
	}
}

// EnqueueOperation durably queues an operation. On error the operation must
// be treated as not queued.
func (s *SyncService) EnqueueOperation(ctx context.Context, opType string, payload json.RawMessage, opts EnqueueOptions) (models.QueueItem, error) {
	item, err := s.queue.Enqueue(ctx, models.Operation{
		Type:      opType,
		Payload:   payload,
		SessionID: opts.SessionID,
		UserID:    opts.UserID,
		Priority:  opts.Priority,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("type", opType).Msg("failed to enqueue operation")
		return models.QueueItem{}, err
	}

	s.publish(events.EventItemQueued, item)
	if s.monitor.CurrentState().IsConnected {
		s.processor.Kick()
	}
	return item, nil
}

// TriggerSync runs the processor now. Safe to call when offline or busy.
func (s *SyncService) TriggerSync(ctx context.Context) models.SyncResult {
	return s.processor.Run(ctx)
}

// RetryItem returns a terminally failed item to pending, keeping its retry count.
func (s *SyncService) RetryItem(ctx context.Context, id string) error {
	if err := s.queue.MarkStatus(ctx, id, models.ItemPending, ""); err != nil {
		return fmt.Errorf("retry item %s: %w", id, err)
	}
	if item, ok := s.queue.Get(id); ok {
		s.publish(events.EventItemRequeued, item)
	}
	if s.monitor.CurrentState().IsConnected {
		s.processor.Kick()
	}
	return nil
}

func (s *SyncService) GetStatus() models.SyncStatus {
	counts := s.queue.Counts()
	meta := s.processor.Metadata()
	return models.SyncStatus{
		IsSyncing:    s.processor.IsSyncing(),
		IsConnected:  s.monitor.CurrentState().IsConnected,
		QueueSize:    s.queue.Size(),
		PendingCount: counts.Pending,
		FailedCount:  counts.Failed,
		LastSyncTime: meta.LastSyncTime,
		SuccessCount: meta.SuccessCount,
		FailureCount: meta.FailureCount,
		RecentErrors: s.processor.RecentErrors(),
	}
}

// ClearSyncData removes queued items, error history or everything.
func (s *SyncService) ClearSyncData(ctx context.Context, opts ClearOptions) error {
	if opts.ClearAll || opts.ClearQueue {
		n, err := s.queue.Clear(ctx, nil)
		if err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		s.tracker.Reset(models.AssetPending, models.AssetFailed)
		s.logger.Info().Int("removed", n).Msg("queue cleared")
		if err := s.eventBus.PublishJSON(events.EventQueueCleared, map[string]int{"removed": n}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish event")
		}
	}
	if opts.ClearAll || opts.ClearErrors {
		s.processor.ClearErrors()
	}
	if opts.ClearAll {
		s.queue.ClearHistory()
		s.tracker.Reset()
		if err := s.processor.ResetMetadata(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AbortSync stops the active run before its next item.
func (s *SyncService) AbortSync() {
	s.processor.Abort()
}

func (s *SyncService) PendingAssets() []models.AssetView {
	return s.tracker.Views(models.AssetPending)
}

func (s *SyncService) SyncedAssets() []models.AssetView {
	return s.tracker.Views(models.AssetSynced)
}

func (s *SyncService) FailedAssets() []models.AssetView {
	return s.tracker.Views(models.AssetFailed)
}

// FailedItems lists queue items in the terminal failed state.
func (s *SyncService) FailedItems() []models.QueueItem {
	var out []models.QueueItem
	for _, item := range s.queue.Items() {
		if item.Status == models.ItemFailed {
			out = append(out, item)
		}
	}
	return out
}

func (s *SyncService) SyncedHistory() []models.SyncedRecord {
	return s.queue.Synced()
}

// RecordObservation merges a fact observed in the field directly.
func (s *SyncService) RecordObservation(ctx context.Context, fact models.AssetFact) (models.ReconciledAsset, error) {
	return s.reconciler.Merge(ctx, fact)
}

func (s *SyncService) InventoryStats() models.InventoryStats {
	return s.reconciler.Stats()
}

func (s *SyncService) Asset(key string) (models.ReconciledAsset, bool) {
	return s.reconciler.Get(key)
}

// InventoryRecords returns every reconciled asset sorted by key.
func (s *SyncService) InventoryRecords() []models.ReconciledAsset {
	return s.reconciler.Records()
}

func (s *SyncService) handleItemEvent(event *events.Event) error {
	var p events.ItemEventPayload
	if err := event.Decode(&p); err != nil {
		return fmt.Errorf("decode %s: %w", event.Type, err)
	}

	key := s.tracker.KeyFor(p.OperationType, p.Payload)
	if key == "" {
		return nil
	}

	switch event.Type {
	case events.EventItemQueued, events.EventItemRequeued:
		s.tracker.Track(key, models.AssetPending, p.ItemID, p.OperationType, "")
	case events.EventItemRetryScheduled:
		s.tracker.Track(key, models.AssetPending, p.ItemID, p.OperationType, p.Error)
	case events.EventItemFailed:
		s.tracker.Track(key, models.AssetFailed, p.ItemID, p.OperationType, p.Error)
	case events.EventItemSynced:
		s.tracker.Track(key, models.AssetSynced, p.ItemID, p.OperationType, "")
		return s.mergeSynced(key, p.Payload)
	}
	return nil
}

// mergeSynced feeds a synced asset payload into the reconciler.
func (s *SyncService) mergeSynced(key string, payload json.RawMessage) error {
	var fact models.AssetFact
	if err := json.Unmarshal(payload, &fact); err != nil {
		return fmt.Errorf("decode asset fact %s: %w", key, err)
	}
	fact.AssetKey = key
	if _, err := s.reconciler.Merge(context.Background(), fact); err != nil {
		s.logger.Error().Err(err).Str("asset_key", key).Msg("failed to merge synced asset")
		return err
	}
	return nil
}

func (s *SyncService) handleNetworkChange(state models.NetworkState) {
	metrics.SetConnected(state.IsConnected)
	if err := s.eventBus.PublishJSON(events.EventNetworkChanged, events.NetworkEventPayload{
		IsConnected: state.IsConnected,
		Type:        state.Type,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish event")
	}
	if state.IsConnected {
		s.logger.Info().Str("type", state.Type).Msg("connectivity regained, scheduling sync")
		s.processor.Kick()
	}
}

func (s *SyncService) publish(eventType string, item models.QueueItem) {
	payload := events.ItemEventPayload{
		ItemID:        item.ID,
		OperationType: item.OperationType,
		Payload:       item.Payload,
		Status:        string(item.Status),
		RetryCount:    item.RetryCount,
		Error:         item.Error,
		NextAttemptAt: item.NextAttemptAt,
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}
