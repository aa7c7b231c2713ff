package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeMonitor struct {
	connected atomic.Bool
}

func (m *fakeMonitor) CurrentState() models.NetworkState {
	return models.NetworkState{IsConnected: m.connected.Load(), Type: "test"}
}

func (m *fakeMonitor) OnChange(func(models.NetworkState)) func() { return func() {} }

type fakeApplier struct {
	mu    sync.Mutex
	calls []string
	fn    func(item models.QueueItem) (json.RawMessage, error)
}

func (a *fakeApplier) Apply(ctx context.Context, item models.QueueItem) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls = append(a.calls, item.ID)
	fn := a.fn
	a.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return fn(item)
}

func (a *fakeApplier) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type harness struct {
	proc    *Processor
	queue   *queue.Queue
	store   *repository.MemoryStore
	monitor *fakeMonitor
	clock   *testClock
	applier *fakeApplier
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
		BatchSize:     10,
		Interval:      time.Hour,
		ErrorLimit:    50,
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   repository.NewMemoryStore(),
		monitor: &fakeMonitor{},
		clock:   &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
		applier: &fakeApplier{},
	}
	h.monitor.connected.Store(true)
	h.queue = queue.New(h.store, nil, queue.WithClock(h.clock.Now))
	require.NoError(t, h.queue.Load(context.Background()))

	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.proc = NewProcessor(h.queue, h.store, h.monitor, h.applier.Apply, testSyncConfig(), nil, opts...)
	require.NoError(t, h.proc.LoadMetadata(context.Background()))
	return h
}

func (h *harness) enqueue(t *testing.T, opType string, priority models.Priority) models.QueueItem {
	t.Helper()
	item, err := h.queue.Enqueue(context.Background(), models.Operation{
		Type:     opType,
		Payload:  json.RawMessage(`{"asset_key":"A-1"}`),
		Priority: priority,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Millisecond)
	return item
}

func TestRunSuccess(t *testing.T) {
	bus := events.NewEventBus(nil)
	var synced []events.ItemEventPayload
	bus.Subscribe(func(e *events.Event) error {
		var p events.ItemEventPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		synced = append(synced, p)
		return nil
	}, events.EventItemSynced)

	h := newHarness(t, WithEvents(bus))
	normal := h.enqueue(t, "asset_update", models.PriorityNormal)
	high := h.enqueue(t, "asset_update", models.PriorityHigh)

	res := h.proc.Run(context.Background())
	assert.False(t, res.Skipped)
	assert.False(t, res.Aborted)
	require.Len(t, res.Successful, 2)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{high.ID, normal.ID}, h.applier.Calls())
	assert.Equal(t, 0, h.queue.Size())

	meta := h.proc.Metadata()
	assert.EqualValues(t, 2, meta.SuccessCount)
	require.NotNil(t, meta.LastSyncTime)

	persisted, err := h.store.LoadMetadata(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, persisted.SuccessCount)

	require.Len(t, synced, 2)
	assert.Equal(t, high.ID, synced[0].ItemID)
	assert.JSONEq(t, `{"ok":true}`, string(synced[0].Result))
	assert.False(t, h.proc.IsSyncing())
}

func TestRunOfflineIsNoop(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "note", "")
	h.monitor.connected.Store(false)

	res := h.proc.Run(context.Background())
	assert.True(t, res.Skipped)
	assert.Equal(t, models.SkipOffline, res.Reason)
	assert.Equal(t, 1, h.queue.Size())
	assert.Empty(t, h.applier.Calls())
	assert.False(t, h.proc.IsSyncing())
}

func TestRunAtMostOne(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "note", "")

	entered := make(chan struct{})
	release := make(chan struct{})
	h.applier.fn = func(models.QueueItem) (json.RawMessage, error) {
		close(entered)
		<-release
		return nil, nil
	}

	done := make(chan models.SyncResult)
	go func() { done <- h.proc.Run(context.Background()) }()
	<-entered

	assert.True(t, h.proc.IsSyncing())
	sizeBefore := h.queue.Size()
	res := h.proc.Run(context.Background())
	assert.True(t, res.Skipped)
	assert.Equal(t, models.SkipAlreadySyncing, res.Reason)
	assert.Equal(t, sizeBefore, h.queue.Size())

	close(release)
	first := <-done
	assert.Len(t, first.Successful, 1)
}

func TestRetryCapAndDeadLetter(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	dlq := repository.NewDeadLetterQueue(client, "test:deadletter")

	h := newHarness(t, WithDeadLetters(dlq))
	item := h.enqueue(t, "note", "")
	h.applier.fn = func(models.QueueItem) (json.RawMessage, error) {
		return nil, domain.Retryable(errors.New("503 from backend"))
	}

	ctx := context.Background()
	for attempt := 1; attempt <= 3; attempt++ {
		res := h.proc.Run(ctx)
		require.Len(t, res.Failed, 1, "attempt %d", attempt)
		got, ok := h.queue.Get(item.ID)
		require.True(t, ok)
		assert.Equal(t, attempt, got.RetryCount)

		if attempt < 3 {
			assert.True(t, res.Failed[0].WillRetry)
			assert.Equal(t, models.ItemPending, got.Status)
			assert.Empty(t, got.Error, "pending items carry no error")
			require.NotNil(t, got.NextAttemptAt)
			assert.Contains(t, res.Failed[0].Error, "503 from backend")

			persisted, err := h.store.LoadQueue(ctx)
			require.NoError(t, err)
			require.Len(t, persisted, 1)
			assert.Empty(t, persisted[0].Error)

			// not due yet
			again := h.proc.Run(ctx)
			assert.Empty(t, again.Failed)
			h.clock.Advance(10 * time.Second)
		} else {
			assert.False(t, res.Failed[0].WillRetry)
			assert.Equal(t, models.ItemFailed, got.Status)
		}
	}

	assert.Len(t, h.applier.Calls(), 3)
	h.proc.Run(ctx)
	assert.Len(t, h.applier.Calls(), 3, "terminal items are not retried automatically")

	assert.EqualValues(t, 1, h.proc.Metadata().FailureCount)
	require.Len(t, h.proc.RecentErrors(), 1)

	dead, err := dlq.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, item.ID, dead[0].ID)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	bus := events.NewEventBus(nil)
	var failed int
	bus.Subscribe(func(*events.Event) error { failed++; return nil }, events.EventItemFailed)

	h := newHarness(t, WithEvents(bus))
	item := h.enqueue(t, "note", "")
	h.applier.fn = func(models.QueueItem) (json.RawMessage, error) {
		return nil, &domain.RemoteError{StatusCode: 422, Err: errors.New("invalid asset")}
	}

	res := h.proc.Run(context.Background())
	require.Len(t, res.Failed, 1)
	assert.False(t, res.Failed[0].Retryable)
	assert.False(t, res.Failed[0].WillRetry)

	got, _ := h.queue.Get(item.ID)
	assert.Equal(t, models.ItemFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 1, failed)

	errs := h.proc.RecentErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, item.ID, errs[0].ItemID)
	assert.False(t, errs[0].Retryable)

	h.proc.ClearErrors()
	assert.Empty(t, h.proc.RecentErrors())
}

func TestAbortStopsBatch(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "note", "")
	h.enqueue(t, "note", "")
	h.enqueue(t, "note", "")

	h.applier.fn = func(models.QueueItem) (json.RawMessage, error) {
		h.proc.Abort()
		return nil, nil
	}

	res := h.proc.Run(context.Background())
	assert.True(t, res.Aborted)
	assert.Len(t, res.Successful, 1)
	assert.Equal(t, 2, h.queue.Size())
	assert.Nil(t, h.proc.Metadata().LastSyncTime)
	assert.False(t, h.proc.IsSyncing())

	h.applier.fn = nil
	res = h.proc.Run(context.Background())
	assert.False(t, res.Aborted)
	assert.Len(t, res.Successful, 2)
}

func TestKickDuringRunSchedulesOneFollowUp(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "note", "")

	h.applier.fn = func(models.QueueItem) (json.RawMessage, error) {
		// arrives mid-run, so it waits for the next run
		h.enqueue(t, "note", "")
		h.proc.Kick()
		h.proc.Kick()
		return nil, nil
	}

	res := h.proc.Run(context.Background())
	assert.Len(t, res.Successful, 1)
	assert.Equal(t, 1, h.queue.Size())

	select {
	case <-h.proc.trigger:
	default:
		t.Fatal("expected a follow-up run to be signalled")
	}
	select {
	case <-h.proc.trigger:
		t.Fatal("expected exactly one follow-up signal")
	default:
	}
}

func TestNoFollowUpWhenQueueEmpty(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "note", "")
	h.applier.fn = func(models.QueueItem) (json.RawMessage, error) {
		h.proc.Kick()
		return nil, nil
	}

	h.proc.Run(context.Background())
	select {
	case <-h.proc.trigger:
		t.Fatal("no follow-up expected for an empty queue")
	default:
	}
}

func TestRecentErrorsKeepsNewest(t *testing.T) {
	h := newHarness(t)
	cfg := testSyncConfig()
	cfg.ErrorLimit = 3
	h.proc = NewProcessor(h.queue, h.store, h.monitor, h.applier.Apply, cfg, nil, WithClock(h.clock.Now))

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.enqueue(t, "note", "").ID)
	}
	h.applier.fn = func(models.QueueItem) (json.RawMessage, error) {
		return nil, domain.NonRetryable(errors.New("rejected"))
	}

	res := h.proc.Run(context.Background())
	require.Len(t, res.Failed, 5)

	errs := h.proc.RecentErrors()
	require.Len(t, errs, 3)
	assert.Equal(t, ids[2:], []string{errs[0].ItemID, errs[1].ItemID, errs[2].ItemID})
}

func TestAbortRightAfterGateIsHonored(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "note", "")
	h.enqueue(t, "note", "")

	// Abort lands after the gate was taken but before the first item.
	h.proc.running.Store(true)
	h.proc.Abort()
	h.proc.running.Store(false)

	res := h.proc.Run(context.Background())
	assert.True(t, res.Aborted)
	assert.Empty(t, h.applier.Calls())
	assert.Equal(t, 2, h.queue.Size())

	res = h.proc.Run(context.Background())
	assert.False(t, res.Aborted)
	assert.Len(t, res.Successful, 2)
}

func TestPersistenceErrorDoesNotStopBatch(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, "note", "")
	h.enqueue(t, "note", "")

	h.store.FailNext(1, errors.New("disk full"))
	res := h.proc.Run(context.Background())

	require.Len(t, res.Failed, 1)
	assert.Equal(t, first.ID, res.Failed[0].Item.ID)
	assert.Contains(t, res.Failed[0].Error, "disk full")
	assert.Len(t, res.Successful, 1)

	got, ok := h.queue.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, models.ItemPending, got.Status)
	assert.Len(t, h.proc.RecentErrors(), 1)
}

func TestResetMetadata(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "note", "")
	h.proc.Run(context.Background())
	require.EqualValues(t, 1, h.proc.Metadata().SuccessCount)

	h.store.FailNext(1, errors.New("locked"))
	require.Error(t, h.proc.ResetMetadata(context.Background()))
	assert.EqualValues(t, 1, h.proc.Metadata().SuccessCount)

	require.NoError(t, h.proc.ResetMetadata(context.Background()))
	assert.EqualValues(t, 0, h.proc.Metadata().SuccessCount)
	assert.Nil(t, h.proc.Metadata().LastSyncTime)
}

func TestStartDrainsOnKick(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "note", "")
	h.enqueue(t, "note", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.proc.Start(ctx)
		close(done)
	}()

	h.proc.Kick()
	require.Eventually(t, func() bool { return h.queue.Size() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
