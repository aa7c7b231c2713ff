package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/google/uuid"
	"github.com/huandu/skiplist"
	"github.com/rs/zerolog"
)

var (
	ErrItemNotFound       = errors.New("queue item not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrEmptyOperationType = errors.New("operation type is required")
	ErrInvalidPriority    = errors.New("invalid priority")
)

// Queue is the durable ordered set of deferred operations. Every mutation
// is persisted as a full snapshot before it becomes visible; a failed save
// rolls the change back.
type Queue struct {
	mu           sync.Mutex
	store        domain.Store
	items        map[string]*models.QueueItem
	index        *skiplist.SkipList
	synced       []models.SyncedRecord
	historyLimit int
	now          func() time.Time
	newID        func() string
	logger       *zerolog.Logger
}

type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) { q.newID = gen }
}

// WithHistoryLimit bounds the in-memory list of synced items.
func WithHistoryLimit(n int) Option {
	return func(q *Queue) { q.historyLimit = n }
}

func New(store domain.Store, logger *zerolog.Logger, opts ...Option) *Queue {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	q := &Queue{
		store:        store,
		items:        make(map[string]*models.QueueItem),
		index:        skiplist.New(indexOrder{}),
		historyLimit: models.DefaultHistoryLimit,
		now:          time.Now,
		newID:        uuid.NewString,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load replaces the in-memory state with the persisted snapshot. Items left
// in processing by a crash go back to pending.
func (q *Queue) Load(ctx context.Context) error {
	stored, err := q.store.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*models.QueueItem, len(stored))
	q.index = skiplist.New(indexOrder{})
	recovered := 0
	for i := range stored {
		item := stored[i].Clone()
		if item.Status == models.ItemProcessing {
			item.Status = models.ItemPending
			recovered++
		}
		if !item.Priority.Valid() {
			item.Priority = models.PriorityNormal
		}
		q.insertLocked(&item)
	}

	if recovered > 0 {
		q.logger.Warn().Int("count", recovered).Msg("requeued items interrupted mid-sync")
		if err := q.persistLocked(ctx); err != nil {
			return err
		}
	}
	metrics.SetQueueSize(len(q.items))
	q.logger.Info().Int("items", len(q.items)).Msg("queue loaded")
	return nil
}

// Enqueue stores a new pending operation and returns it.
func (q *Queue) Enqueue(ctx context.Context, op models.Operation) (models.QueueItem, error) {
	if strings.TrimSpace(op.Type) == "" {
		return models.QueueItem{}, ErrEmptyOperationType
	}
	if op.Priority == "" {
		op.Priority = models.PriorityNormal
	}
	if !op.Priority.Valid() {
		return models.QueueItem{}, fmt.Errorf("%w: %s", ErrInvalidPriority, op.Priority)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	item := &models.QueueItem{
		ID:            q.newID(),
		Timestamp:     now,
		OperationType: op.Type,
		Payload:       append(json.RawMessage(nil), op.Payload...),
		SessionID:     op.SessionID,
		UserID:        op.UserID,
		Status:        models.ItemPending,
		Priority:      op.Priority,
		UpdatedAt:     now,
	}
	q.insertLocked(item)

	if err := q.persistLocked(ctx); err != nil {
		q.removeLocked(item.ID)
		return models.QueueItem{}, err
	}
	metrics.SetQueueSize(len(q.items))
	q.logger.Debug().Str("id", item.ID).Str("type", item.OperationType).Msg("operation queued")
	return item.Clone(), nil
}

// NextBatch returns up to max ready pending items in drain order.
func (q *Queue) NextBatch(max int) []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	batch := make([]models.QueueItem, 0)
	for el := q.index.Front(); el != nil; el = el.Next() {
		if max > 0 && len(batch) >= max {
			break
		}
		item := q.items[el.Key().(indexKey).id]
		if item.Ready(now) {
			batch = append(batch, item.Clone())
		}
	}
	return batch
}

// HasReady reports whether at least one item could be picked up now.
func (q *Queue) HasReady() bool {
	return len(q.NextBatch(1)) > 0
}

// MarkStatus applies a legal status transition. Completing an absent item
// is a no-op so that completion can be retried safely.
func (q *Queue) MarkStatus(ctx context.Context, id string, status models.ItemStatus, errMsg string) error {
	if status == models.ItemCompleted {
		return q.Complete(ctx, id, nil)
	}

	return q.update(ctx, id, func(item *models.QueueItem) error {
		switch {
		case item.Status == models.ItemPending && status == models.ItemProcessing:
			item.Status = models.ItemProcessing
		case item.Status == models.ItemProcessing && status == models.ItemFailed:
			item.Status = models.ItemFailed
			item.RetryCount++
			item.Error = errMsg
		case item.Status == models.ItemFailed && status == models.ItemPending:
			item.Status = models.ItemPending
			item.Error = ""
			item.NextAttemptAt = nil
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, status)
		}
		return nil
	})
}

// Reject moves a processing item to failed without counting the attempt
// against its retry budget. Used for rejections retrying cannot fix.
func (q *Queue) Reject(ctx context.Context, id string, errMsg string) error {
	return q.update(ctx, id, func(item *models.QueueItem) error {
		if item.Status != models.ItemProcessing {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, models.ItemFailed)
		}
		item.Status = models.ItemFailed
		item.Error = errMsg
		return nil
	})
}

// ResetProcessing returns every processing item to pending. Only safe
// when no run is in flight.
func (q *Queue) ResetProcessing(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reset []*models.QueueItem
	for _, item := range q.items {
		if item.Status == models.ItemProcessing {
			reset = append(reset, item)
		}
	}
	if len(reset) == 0 {
		return 0, nil
	}

	now := q.now()
	for _, item := range reset {
		item.Status = models.ItemPending
		item.UpdatedAt = now
	}
	if err := q.persistLocked(ctx); err != nil {
		for _, item := range reset {
			item.Status = models.ItemProcessing
		}
		return 0, err
	}
	return len(reset), nil
}

// Reschedule returns a failed item to pending, not before at. The error
// message is dropped with the failed status.
func (q *Queue) Reschedule(ctx context.Context, id string, at time.Time) error {
	return q.update(ctx, id, func(item *models.QueueItem) error {
		if item.Status != models.ItemFailed {
			return fmt.Errorf("%w: reschedule from %s", ErrInvalidTransition, item.Status)
		}
		item.Status = models.ItemPending
		item.Error = ""
		item.NextAttemptAt = &at
		return nil
	})
}

// Complete removes a processing item and records it in the synced history.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return nil
	}
	if item.Status != models.ItemProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, models.ItemCompleted)
	}

	q.removeLocked(id)
	if err := q.persistLocked(ctx); err != nil {
		q.insertLocked(item)
		return err
	}

	now := q.now()
	done := item.Clone()
	done.Status = models.ItemCompleted
	done.Error = ""
	done.UpdatedAt = now
	q.synced = append(q.synced, models.SyncedRecord{
		Item:     done,
		Result:   append(json.RawMessage(nil), result...),
		SyncedAt: now,
	})
	if q.historyLimit > 0 && len(q.synced) > q.historyLimit {
		q.synced = append([]models.SyncedRecord(nil), q.synced[len(q.synced)-q.historyLimit:]...)
	}
	metrics.SetQueueSize(len(q.items))
	return nil
}

// Clear removes every item matching match (all items when match is nil)
// and returns how many were removed.
func (q *Queue) Clear(ctx context.Context, match func(models.QueueItem) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*models.QueueItem
	for _, item := range q.items {
		if match == nil || match(*item) {
			removed = append(removed, item)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	for _, item := range removed {
		q.removeLocked(item.ID)
	}
	if err := q.persistLocked(ctx); err != nil {
		for _, item := range removed {
			q.insertLocked(item)
		}
		return 0, err
	}
	metrics.SetQueueSize(len(q.items))
	return len(removed), nil
}

// ClearHistory drops the synced history.
func (q *Queue) ClearHistory() {
	q.mu.Lock()
	q.synced = nil
	q.mu.Unlock()
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Get(id string) (models.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return models.QueueItem{}, false
	}
	return item.Clone(), true
}

// Items returns every queued item in drain order.
func (q *Queue) Items() []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Synced returns the synced history, oldest first.
func (q *Queue) Synced() []models.SyncedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.SyncedRecord, len(q.synced))
	for i, rec := range q.synced {
		rec.Item = rec.Item.Clone()
		rec.Result = append(json.RawMessage(nil), rec.Result...)
		out[i] = rec
	}
	return out
}

func (q *Queue) Counts() models.QueueCounts {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c models.QueueCounts
	for _, item := range q.items {
		switch item.Status {
		case models.ItemPending:
			c.Pending++
		case models.ItemProcessing:
			c.Processing++
		case models.ItemFailed:
			c.Failed++
		}
	}
	return c
}

func (q *Queue) update(ctx context.Context, id string, fn func(*models.QueueItem) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	before := item.Clone()
	if err := fn(item); err != nil {
		return err
	}
	item.UpdatedAt = q.now()

	if err := q.persistLocked(ctx); err != nil {
		*item = before
		return err
	}
	return nil
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if err := q.store.SaveQueue(ctx, q.snapshotLocked()); err != nil {
		q.logger.Error().Err(err).Msg("failed to persist queue")
		return domain.NewPersistenceError("save queue", err)
	}
	return nil
}

func (q *Queue) snapshotLocked() []models.QueueItem {
	out := make([]models.QueueItem, 0, len(q.items))
	for el := q.index.Front(); el != nil; el = el.Next() {
		out = append(out, q.items[el.Key().(indexKey).id].Clone())
	}
	return out
}

func (q *Queue) insertLocked(item *models.QueueItem) {
	q.items[item.ID] = item
	q.index.Set(keyOf(item), nil)
}

func (q *Queue) removeLocked(id string) {
	item, ok := q.items[id]
	if !ok {
		return
	}
	q.index.Remove(keyOf(item))
	delete(q.items, id)
}
