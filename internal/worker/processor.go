package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"

	"github.com/rs/zerolog"
)

// Processor drains the queue against the remote apply function. At most
// one run is active at a time.
type Processor struct {
	queue       *queue.Queue
	store       domain.Store
	monitor     domain.NetworkMonitor
	apply       domain.ApplyFunc
	events      domain.EventPublisher
	deadLetters domain.DeadLetterSink
	retryPolicy RetryPolicy
	batchSize   int
	interval    time.Duration
	errorLimit  int
	logger      *zerolog.Logger
	now         func() time.Time

	running  atomic.Bool
	aborted  atomic.Bool
	followUp atomic.Bool
	trigger  chan struct{}

	mu     sync.Mutex
	meta   models.SyncMetadata
	errors []models.ErrorRecord
}

type Option func(*Processor)

func WithEvents(pub domain.EventPublisher) Option {
	return func(p *Processor) { p.events = pub }
}

// WithDeadLetters sends terminally failed items to sink.
func WithDeadLetters(sink domain.DeadLetterSink) Option {
	return func(p *Processor) { p.deadLetters = sink }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor builds a processor with sane defaults.
func NewProcessor(q *queue.Queue, store domain.Store, monitor domain.NetworkMonitor, apply domain.ApplyFunc, cfg config.SyncConfig, logger *zerolog.Logger, opts ...Option) *Processor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = models.DefaultErrorLimit
	}

	p := &Processor{
		queue:       q,
		store:       store,
		monitor:     monitor,
		apply:       apply,
		retryPolicy: PolicyFromConfig(cfg),
		batchSize:   cfg.BatchSize,
		interval:    cfg.Interval,
		errorLimit:  cfg.ErrorLimit,
		logger:      logger,
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoadMetadata reads persisted counters. Call once before Start.
func (p *Processor) LoadMetadata(ctx context.Context) error {
	meta, err := p.store.LoadMetadata(ctx)
	if err != nil {
		return fmt.Errorf("load sync metadata: %w", err)
	}
	p.mu.Lock()
	p.meta = meta
	p.mu.Unlock()
	return nil
}

// Start launches the trigger loop; stops when ctx is done.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info().Dur("interval", p.interval).Msg("sync processor started")
	defer p.logger.Info().Msg("sync processor stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
		case <-ticker.C:
		}

		res := p.Run(ctx)
		if res.Skipped && res.Reason == models.SkipAlreadySyncing {
			p.Kick()
		}
	}
}

// Kick asks the loop for a run. While a run is active it only schedules a
// single follow-up run after the current one.
func (p *Processor) Kick() {
	p.followUp.Store(true)
	if !p.running.Load() {
		p.signal()
	}
}

func (p *Processor) signal() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Abort stops the active run before its next item. The in-flight apply completes.
func (p *Processor) Abort() {
	if p.running.Load() {
		p.aborted.Store(true)
		p.logger.Info().Msg("sync abort requested")
	}
}

func (p *Processor) IsSyncing() bool {
	return p.running.Load()
}

// Run performs one drain of the queue.
func (p *Processor) Run(ctx context.Context) models.SyncResult {
	if !p.running.CompareAndSwap(false, true) {
		metrics.IncSyncRun("skipped_busy")
		return models.SyncResult{Skipped: true, Reason: models.SkipAlreadySyncing}
	}
	if !p.monitor.CurrentState().IsConnected {
		p.running.Store(false)
		metrics.IncSyncRun("skipped_offline")
		return models.SyncResult{Skipped: true, Reason: models.SkipOffline}
	}
	p.followUp.Store(false)

	result := models.SyncResult{StartedAt: p.now()}

	if n, err := p.queue.ResetProcessing(ctx); err != nil {
		p.logger.Error().Err(err).Msg("failed to requeue stale items")
	} else if n > 0 {
		p.logger.Warn().Int("count", n).Msg("requeued stale items")
	}

	batch := p.queue.NextBatch(p.batchSize)
	p.logger.Debug().Int("batch", len(batch)).Msg("sync run started")

	for i := range batch {
		if p.aborted.Load() || ctx.Err() != nil {
			result.Aborted = true
			break
		}
		p.processItem(ctx, batch[i], &result)
	}

	result.FinishedAt = p.now()
	p.saveMetadata(ctx, &result)
	// reset while the gate is still held
	p.aborted.Store(false)
	p.running.Store(false)

	outcome := "completed"
	if result.Aborted {
		outcome = "aborted"
	}
	metrics.IncSyncRun(outcome)
	metrics.SetQueueSize(p.queue.Size())
	p.publish(events.EventSyncFinished, events.SyncEventPayload{
		Successful: len(result.Successful),
		Failed:     len(result.Failed),
		Aborted:    result.Aborted,
	})
	p.logger.Info().
		Int("successful", len(result.Successful)).
		Int("failed", len(result.Failed)).
		Bool("aborted", result.Aborted).
		Dur("took", result.FinishedAt.Sub(result.StartedAt)).
		Msg("sync run finished")

	if p.followUp.Swap(false) && p.queue.HasReady() {
		p.signal()
	}
	return result
}

func (p *Processor) processItem(ctx context.Context, item models.QueueItem, result *models.SyncResult) {
	log := p.logger.With().Str("item_id", item.ID).Str("type", item.OperationType).Logger()

	if err := p.queue.MarkStatus(ctx, item.ID, models.ItemProcessing, ""); err != nil {
		p.persistenceFailure(item, err, result)
		return
	}
	item.Status = models.ItemProcessing

	res, applyErr := p.apply(ctx, item)
	if applyErr == nil {
		p.succeed(ctx, item, res, result)
		return
	}

	retryable, kind := Classify(applyErr)
	log.Warn().Err(applyErr).Bool("retryable", retryable).Str("kind", kind).Msg("apply failed")

	var err error
	if retryable {
		err = p.queue.MarkStatus(ctx, item.ID, models.ItemFailed, applyErr.Error())
	} else {
		err = p.queue.Reject(ctx, item.ID, applyErr.Error())
	}
	if err != nil {
		p.persistenceFailure(item, err, result)
		return
	}

	failed, ok := p.queue.Get(item.ID)
	if !ok {
		return
	}

	if retryable && p.retryPolicy.ShouldRetry(failed.RetryCount) {
		at := p.now().Add(p.retryPolicy.Delay(failed.RetryCount))
		if err := p.queue.Reschedule(ctx, item.ID, at); err != nil {
			p.persistenceFailure(failed, err, result)
			return
		}
		failed.Status = models.ItemPending
		failed.NextAttemptAt = &at
		result.Failed = append(result.Failed, models.ItemFailure{
			Item: failed, Error: applyErr.Error(), Retryable: true, WillRetry: true,
		})
		metrics.IncSyncItem("retry")
		p.publish(events.EventItemRetryScheduled, itemPayload(failed, nil))
		log.Debug().Int("retry_count", failed.RetryCount).Time("next_attempt_at", at).Msg("retry scheduled")
		return
	}

	p.mu.Lock()
	p.meta.FailureCount++
	p.mu.Unlock()
	p.recordError(failed, applyErr.Error(), retryable)
	result.Failed = append(result.Failed, models.ItemFailure{
		Item: failed, Error: applyErr.Error(), Retryable: retryable,
	})
	metrics.IncSyncItem("failed")
	p.publish(events.EventItemFailed, itemPayload(failed, nil))
	p.pushDeadLetter(ctx, failed)
	log.Error().Err(applyErr).Int("retry_count", failed.RetryCount).Msg("item failed permanently")
}

func (p *Processor) succeed(ctx context.Context, item models.QueueItem, res json.RawMessage, result *models.SyncResult) {
	if err := p.queue.Complete(ctx, item.ID, res); err != nil {
		p.persistenceFailure(item, err, result)
		return
	}

	now := p.now()
	item.Status = models.ItemCompleted
	item.Error = ""
	item.UpdatedAt = now
	result.Successful = append(result.Successful, models.SyncedRecord{Item: item, Result: res, SyncedAt: now})

	p.mu.Lock()
	p.meta.SuccessCount++
	p.mu.Unlock()

	metrics.IncSyncItem("synced")
	p.publish(events.EventItemSynced, itemPayload(item, res))
}

// persistenceFailure records an item whose status could not be saved. The
// item stays queued and is picked up by a later run.
func (p *Processor) persistenceFailure(item models.QueueItem, err error, result *models.SyncResult) {
	if errors.Is(err, queue.ErrItemNotFound) {
		p.logger.Debug().Str("item_id", item.ID).Msg("item removed during run")
		return
	}
	p.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to persist item status")
	p.recordError(item, err.Error(), true)
	result.Failed = append(result.Failed, models.ItemFailure{
		Item: item, Error: err.Error(), Retryable: true, WillRetry: true,
	})
	metrics.IncSyncItem("persistence_error")
}

func (p *Processor) recordError(item models.QueueItem, msg string, retryable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, models.ErrorRecord{
		ItemID:        item.ID,
		OperationType: item.OperationType,
		Message:       msg,
		Retryable:     retryable,
		RetryCount:    item.RetryCount,
		At:            p.now(),
	})
	if len(p.errors) > p.errorLimit {
		p.errors = append([]models.ErrorRecord(nil), p.errors[len(p.errors)-p.errorLimit:]...)
	}
}

func (p *Processor) saveMetadata(ctx context.Context, result *models.SyncResult) {
	p.mu.Lock()
	if !result.Aborted {
		at := result.FinishedAt
		p.meta.LastSyncTime = &at
	}
	meta := p.meta
	p.mu.Unlock()

	if err := p.store.SaveMetadata(ctx, meta); err != nil {
		p.logger.Error().Err(err).Msg("failed to save sync metadata")
		p.recordError(models.QueueItem{}, err.Error(), true)
	}
}

func (p *Processor) pushDeadLetter(ctx context.Context, item models.QueueItem) {
	if p.deadLetters == nil {
		return
	}
	if err := p.deadLetters.PushDeadLetter(ctx, item); err != nil {
		p.logger.Error().Err(err).Str("item_id", item.ID).Msg("deadletter push failed")
	}
}

func (p *Processor) publish(eventType string, payload interface{}) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishJSON(eventType, payload); err != nil {
		p.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

// RecentErrors returns the bounded error history, oldest first.
func (p *Processor) RecentErrors() []models.ErrorRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ErrorRecord(nil), p.errors...)
}

func (p *Processor) ClearErrors() {
	p.mu.Lock()
	p.errors = nil
	p.mu.Unlock()
}

func (p *Processor) Metadata() models.SyncMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	meta := p.meta
	if meta.LastSyncTime != nil {
		at := *meta.LastSyncTime
		meta.LastSyncTime = &at
	}
	return meta
}

// ResetMetadata zeroes the counters and last sync time.
func (p *Processor) ResetMetadata(ctx context.Context) error {
	p.mu.Lock()
	prev := p.meta
	p.meta = models.SyncMetadata{}
	p.mu.Unlock()

	if err := p.store.SaveMetadata(ctx, models.SyncMetadata{}); err != nil {
		p.mu.Lock()
		p.meta = prev
		p.mu.Unlock()
		return fmt.Errorf("reset sync metadata: %w", err)
	}
	return nil
}

func itemPayload(item models.QueueItem, result json.RawMessage) events.ItemEventPayload {
	return events.ItemEventPayload{
		ItemID:        item.ID,
		OperationType: item.OperationType,
		Payload:       item.Payload,
		Status:        string(item.Status),
		RetryCount:    item.RetryCount,
		Error:         item.Error,
		Result:        result,
		NextAttemptAt: item.NextAttemptAt,
	}
}
