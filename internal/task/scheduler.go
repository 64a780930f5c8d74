package task

// scheduler.go runs the import control loop.
//
// Each tick makes two sweeps:
//  1. WAITING tasks whose prerequisites all completed are promoted to QUEUED;
//     a failed or cancelled prerequisite fails the dependent task.
//  2. QUEUED tasks are admitted under the global and per-type running caps,
//     claimed in a short transaction and handed to the worker pool.
//
// Workers run the registered handler off the scheduling goroutine and
// finalize the item and task in their own transaction. Overlapping ticks are
// skipped, never queued.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonMunkholm/erpimport/internal/logging"
)

// Scheduler defaults.
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultPoolSize          = 4
	DefaultMaxConcurrent     = 4
	DefaultQueueCapacity     = 100
	DefaultSweepBatchSize    = 50
	DefaultHeartbeatInterval = 30 * time.Second

	finalizeTimeout = 30 * time.Second
)

// SchedulerConfig holds scheduler tunables.
// Zero values fall back to the defaults above.
type SchedulerConfig struct {
	PollInterval   time.Duration
	PoolSize       int
	MaxConcurrent  int            // global RUNNING cap
	TypeLimits     map[string]int // per-type RUNNING cap; missing types get MaxConcurrent
	QueueCapacity  int            // buffered jobs between admission and workers
	SweepBatchSize int            // tasks fetched per sweep

	// LeaseTimeout > 0 enables reclaiming RUNNING tasks whose heartbeat is
	// older than the timeout and that this process is not executing.
	LeaseTimeout      time.Duration
	HeartbeatInterval time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = DefaultSweepBatchSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// job is one claimed item waiting for a worker.
type job struct {
	task      Task
	itemID    int64
	claimedAt time.Time
}

// Scheduler promotes, admits, executes and finalizes import tasks.
type Scheduler struct {
	store    Store
	registry *Registry
	pub      EventPublisher
	cfg      SchedulerConfig
	now      func() time.Time

	ticking atomic.Bool

	mu       sync.Mutex
	inflight map[int64]struct{}
	stopped  bool

	jobs       chan job
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
	cancelWork context.CancelFunc
}

// NewScheduler creates a scheduler. Call Run, or Start plus Tick, to use it.
func NewScheduler(store Store, registry *Registry, pub EventPublisher, cfg SchedulerConfig) *Scheduler {
	cfg = cfg.withDefaults()
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Scheduler{
		store:      store,
		registry:   registry,
		pub:        pub,
		cfg:        cfg,
		now:        time.Now,
		inflight:   make(map[int64]struct{}),
		jobs:       make(chan job, cfg.QueueCapacity),
		cancelWork: func() {},
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() SchedulerConfig {
	return s.cfg
}

// Start launches the worker pool once. Workers keep running after ctx is
// cancelled until Wait drains them; only Wait's deadline aborts handlers.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancelWork = cancel
		for i := 0; i < s.cfg.PoolSize; i++ {
			s.wg.Add(1)
			go s.worker(workCtx)
		}
	})
}

// Run starts the workers and ticks every PollInterval until ctx is cancelled.
// It runs one tick immediately.
func (s *Scheduler) Run(ctx context.Context) {
	s.Start(ctx)

	slog.Info("import scheduler started",
		"poll_interval_ms", s.cfg.PollInterval.Milliseconds(),
		"pool_size", s.cfg.PoolSize,
		"max_concurrent", s.cfg.MaxConcurrent,
		"lease_timeout_ms", s.cfg.LeaseTimeout.Milliseconds(),
	)

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("import scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. It returns false without doing anything when
// another tick is still running.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.ticking.CompareAndSwap(false, true) {
		slog.Debug("scheduler tick skipped, previous tick still running")
		return false
	}
	defer s.ticking.Store(false)

	getMetrics().ticks.Inc()

	if s.cfg.LeaseTimeout > 0 {
		s.reclaimStale(ctx)
	}
	s.sweepWaiting(ctx)
	s.sweepQueued(ctx)
	return true
}

// Wait stops accepting work and blocks until workers finish. When ctx ends
// first, running handlers are cancelled and ctx.Err() is returned.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		close(s.jobs)
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelWork()
		slog.Warn("import scheduler drain timed out", "inflight", s.InFlightCount())
		return ctx.Err()
	}
}

// WaitIdle blocks until no task is executing in this process.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.InFlightCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// InFlightCount returns the number of tasks executing in this process.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Scheduler) isInFlight(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[taskID]
	return ok
}

func (s *Scheduler) clearInFlight(taskID int64) {
	s.mu.Lock()
	delete(s.inflight, taskID)
	s.mu.Unlock()
	getMetrics().inflight.Dec()
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// enqueue records the task as in flight and hands it to the pool.
// Admission checks queue capacity first, so the send never blocks.
func (s *Scheduler) enqueue(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight[j.task.ID] = struct{}{}
	getMetrics().inflight.Inc()
	s.jobs <- j
	return true
}

func (s *Scheduler) typeLimit(importType string) int {
	if n, ok := s.cfg.TypeLimits[importType]; ok && n > 0 {
		return n
	}
	return s.cfg.MaxConcurrent
}

// sweepWaiting promotes or fails the oldest WAITING tasks.
func (s *Scheduler) sweepWaiting(ctx context.Context) {
	tasks, err := s.store.ListTasksByStatus(ctx, StatusWaiting, s.cfg.SweepBatchSize)
	if err != nil {
		slog.Error("list waiting tasks failed", "error", err)
		return
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := s.promote(ctx, t.ID); err != nil {
			slog.Error("promote task failed", "task_id", t.ID, "task_code", t.TaskCode, "error", err)
		}
	}
}

// promote re-checks one WAITING task under its row lock.
func (s *Scheduler) promote(ctx context.Context, taskID int64) error {
	var event *Event

	err := s.store.WithTx(ctx, func(q Queries) error {
		t, err := q.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusWaiting {
			return nil
		}

		targets, err := q.ListDependencyTargets(ctx, taskID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		ready := true
		for _, dep := range targets {
			switch dep.Status {
			case StatusFailed, StatusCancelled:
				t.Status = StatusFailed
				t.FailureReason = "prerequisite failed: " + dep.TaskCode
				t.CompletedAt = timePtr(now)
				if err := q.UpdateTask(ctx, t); err != nil {
					return err
				}
				ev := NewEvent(EventFailed, t)
				event = &ev
				return nil
			case StatusCompleted:
			default:
				ready = false
			}
		}
		if !ready {
			return nil
		}

		t.Status = StatusQueued
		t.ScheduledAt = timePtr(now)
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		ev := NewEvent(EventQueued, t)
		event = &ev
		return nil
	})
	if err != nil {
		return err
	}

	if event != nil {
		slog.Info("waiting task resolved",
			"task_id", event.TaskID,
			"task_code", event.TaskCode,
			"status", string(event.Status),
			"reason", event.Reason,
		)
		publishEvents(ctx, s.pub, *event)
	}
	return nil
}

// sweepQueued admits the oldest QUEUED tasks under the concurrency caps.
func (s *Scheduler) sweepQueued(ctx context.Context) {
	tasks, err := s.store.ListTasksByStatus(ctx, StatusQueued, s.cfg.SweepBatchSize)
	if err != nil {
		slog.Error("list queued tasks failed", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	running, err := s.store.CountRunning(ctx, "")
	if err != nil {
		slog.Error("count running tasks failed", "error", err)
		return
	}
	if running >= s.cfg.MaxConcurrent {
		slog.Debug("global running cap reached", "running", running, "max", s.cfg.MaxConcurrent)
		return
	}

	typeRunning := make(map[string]int)

	for _, t := range tasks {
		if ctx.Err() != nil || s.isStopped() {
			return
		}
		if s.isInFlight(t.ID) {
			continue
		}
		if running >= s.cfg.MaxConcurrent {
			return
		}
		if len(s.jobs) >= cap(s.jobs) {
			slog.Debug("worker queue full", "capacity", cap(s.jobs))
			return
		}

		n, ok := typeRunning[t.ImportType]
		if !ok {
			n, err = s.store.CountRunning(ctx, t.ImportType)
			if err != nil {
				slog.Error("count running tasks failed", "import_type", t.ImportType, "error", err)
				continue
			}
			typeRunning[t.ImportType] = n
		}
		if n >= s.typeLimit(t.ImportType) {
			continue
		}

		dispatched, err := s.admit(ctx, t)
		if err != nil {
			slog.Error("admit task failed", "task_id", t.ID, "task_code", t.TaskCode, "error", err)
			continue
		}
		if dispatched {
			running++
			typeRunning[t.ImportType]++
		}
	}
}

// admit completes, fails or claims and dispatches one queued task.
func (s *Scheduler) admit(ctx context.Context, t Task) (bool, error) {
	item, err := s.store.NextPendingItem(ctx, t.ID)
	if errors.Is(err, ErrNotFound) {
		return false, s.completeWithoutWork(ctx, t.ID)
	}
	if err != nil {
		return false, err
	}

	if _, ok := s.registry.Get(t.ImportType); !ok {
		reason := fmt.Sprintf("no handler registered for import type %q", t.ImportType)
		return false, s.failTask(ctx, t.ID, 0, reason)
	}

	claimed, err := s.claim(ctx, t.ID, item.ID)
	if err != nil || claimed == nil {
		return false, err
	}

	// Published before the worker can finalize, so events stay ordered.
	publishEvents(ctx, s.pub, NewEvent(EventStarted, claimed))

	if !s.enqueue(job{task: *claimed, itemID: item.ID, claimedAt: s.now()}) {
		// Stopped between claim and enqueue; the item is failed so the
		// task does not sit RUNNING with nobody executing it.
		return false, s.finalize(context.WithoutCancel(ctx), job{task: *claimed, itemID: item.ID}, nil, errors.New("scheduler stopped before execution"))
	}

	getMetrics().dispatched.WithLabelValues(t.ImportType).Inc()
	slog.Info("import task dispatched",
		"task_id", claimed.ID,
		"task_code", claimed.TaskCode,
		"import_type", claimed.ImportType,
		"item_id", item.ID,
	)
	return true, nil
}

// claim moves a QUEUED task and its PENDING item to RUNNING. It returns nil
// when either changed since they were read.
func (s *Scheduler) claim(ctx context.Context, taskID, itemID int64) (*Task, error) {
	var claimed *Task

	err := s.store.WithTx(ctx, func(q Queries) error {
		t, err := q.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		// Only QUEUED tasks are listed for admission.
		if t.Status != StatusQueued {
			return nil
		}
		it, err := q.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status != ItemPending {
			return nil
		}

		now := s.now().UTC()
		t.Status = StatusRunning
		if t.StartedAt == nil {
			t.StartedAt = timePtr(now)
		}
		t.HeartbeatAt = timePtr(now)
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}

		it.Status = ItemRunning
		it.ScheduledAt = timePtr(now)
		it.StartedAt = timePtr(now)
		it.FileContent = nil
		if err := q.UpdateItem(ctx, it); err != nil {
			return err
		}

		claimed = t
		return nil
	})
	return claimed, err
}

// completeWithoutWork completes a QUEUED task that has no PENDING item.
func (s *Scheduler) completeWithoutWork(ctx context.Context, taskID int64) error {
	var done *Task

	err := s.store.WithTx(ctx, func(q Queries) error {
		t, err := q.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusQueued {
			return nil
		}
		if _, err := q.NextPendingItem(ctx, taskID); !errors.Is(err, ErrNotFound) {
			return err
		}

		if _, err := recomputeAggregates(ctx, q, t); err != nil {
			return err
		}
		t.Status = StatusCompleted
		t.CompletedAt = timePtr(s.now().UTC())
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		done = t
		return nil
	})
	if err != nil || done == nil {
		return err
	}

	slog.Info("import task completed with no pending items", "task_id", done.ID, "task_code", done.TaskCode)
	publishEvents(ctx, s.pub, NewEvent(EventCompleted, done))
	return nil
}

// failTask marks a task FAILED. With a non-zero itemID it only acts while
// that item is still RUNNING, and fails the item too; when a later PENDING
// item exists the task goes back to QUEUED instead.
func (s *Scheduler) failTask(ctx context.Context, taskID, itemID int64, reason string) error {
	var failed, requeued *Task

	err := s.store.WithTx(ctx, func(q Queries) error {
		t, err := q.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !CanTransition(t.Status, StatusFailed) {
			return nil
		}

		now := s.now().UTC()
		if itemID != 0 {
			it, err := q.LockItem(ctx, itemID)
			if err != nil {
				return err
			}
			// A reclaimed item was already failed and replaced.
			if it.Status != ItemRunning || t.Status != StatusRunning {
				return nil
			}
			it.Status = ItemFailed
			it.FailureReason = reason
			it.CompletedAt = timePtr(now)
			it.FileContent = nil
			if err := q.UpdateItem(ctx, it); err != nil {
				return err
			}

			// A retry submitted while this item ran gets its own pass.
			_, err = q.NextPendingItem(ctx, taskID)
			switch {
			case err == nil:
				t.Status = StatusQueued
				t.ScheduledAt = timePtr(now)
				t.FailureReason = reason
				if err := q.UpdateTask(ctx, t); err != nil {
					return err
				}
				requeued = t
				return nil
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}

		t.Status = StatusFailed
		t.FailureReason = reason
		t.CompletedAt = timePtr(now)
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		failed = t
		return nil
	})
	if err != nil {
		return err
	}
	if requeued != nil {
		slog.Warn("import item failed, running pending retry",
			"task_id", requeued.ID, "task_code", requeued.TaskCode, "item_id", itemID, "reason", reason)
		publishEvents(ctx, s.pub, NewEvent(EventQueued, requeued))
		return nil
	}
	if failed == nil {
		return nil
	}

	slog.Warn("import task failed", "task_id", failed.ID, "task_code", failed.TaskCode, "reason", reason)
	publishEvents(ctx, s.pub, NewEvent(EventFailed, failed))
	return nil
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for j := range s.jobs {
		s.execute(ctx, j)
	}
}

// execute runs one claimed item and finalizes it. It never panics.
func (s *Scheduler) execute(ctx context.Context, j job) {
	defer s.clearInFlight(j.task.ID)

	ctx = logging.WithTask(ctx, j.task.ID, j.task.TaskCode, j.task.ImportType)
	logger := logging.WithFields(ctx, "item_id", j.itemID)
	start := time.Now()
	logger.Debug("import item started", "queue_wait_ms", start.Sub(j.claimedAt).Milliseconds())

	stopHeartbeat := s.startHeartbeat(ctx, j.task.ID)
	result, execErr := s.runHandler(ctx, j)
	stopHeartbeat()

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err := s.finalize(finCtx, j, result, execErr); err != nil {
		logger.Error("finalize import item failed", "error", err)
	}

	outcome := "success"
	if execErr != nil {
		outcome = "failure"
		logger.Warn("import item failed", "duration_ms", time.Since(start).Milliseconds(), "error", execErr)
	} else {
		logger.Info("import item completed",
			"duration_ms", time.Since(start).Milliseconds(),
			"total", result.TotalCount,
			"success", result.SuccessCount,
			"failures", result.FailureCount,
		)
	}
	m := getMetrics()
	m.finished.WithLabelValues(j.task.ImportType, outcome).Inc()
	m.taskDuration.WithLabelValues(j.task.ImportType).Observe(time.Since(start).Seconds())
}

// runHandler loads the item and calls its handler, converting panics into
// errors.
func (s *Scheduler) runHandler(ctx context.Context, j job) (result *ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error("import handler panic", "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	item, err := s.store.GetItem(ctx, j.itemID)
	if err != nil {
		return nil, fmt.Errorf("load item %d: %w", j.itemID, err)
	}
	h, ok := s.registry.Get(j.task.ImportType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingHandler, j.task.ImportType)
	}

	payload := decodePayload(item.PayloadJSON)
	result, err = h.Execute(ctx, ExecutionContext{
		TaskID:          j.task.ID,
		ItemID:          item.ID,
		TaskCode:        j.task.TaskCode,
		ImportType:      j.task.ImportType,
		FileName:        item.SourceFileName,
		ContentType:     item.ContentType,
		FileContent:     item.FileContent,
		OptionsJSON:     j.task.OptionsJSON,
		RetryFailureIDs: payload.RetryFailureIDs,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("handler returned no result")
	}
	return result, nil
}

// startHeartbeat refreshes heartbeat_at until the returned func is called.
func (s *Scheduler) startHeartbeat(ctx context.Context, taskID int64) func() {
	if s.cfg.LeaseTimeout <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := s.store.TouchHeartbeat(hbCtx, taskID, s.now().UTC()); err != nil && hbCtx.Err() == nil {
					slog.Warn("heartbeat failed", "task_id", taskID, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// finalize records the outcome of one item and moves the task on.
func (s *Scheduler) finalize(ctx context.Context, j job, result *ExecutionResult, execErr error) error {
	if execErr != nil {
		return s.failTask(ctx, j.task.ID, j.itemID, execErr.Error())
	}

	var event *Event
	err := s.store.WithTx(ctx, func(q Queries) error {
		t, err := q.LockTask(ctx, j.task.ID)
		if err != nil {
			return err
		}
		it, err := q.LockItem(ctx, j.itemID)
		if err != nil {
			return err
		}
		if it.Status != ItemRunning || t.Status != StatusRunning {
			slog.Warn("skipping finalize of reclaimed item",
				"task_id", t.ID, "item_id", it.ID,
				"task_status", string(t.Status), "item_status", string(it.Status))
			return nil
		}

		now := s.now().UTC()
		it.Status = ItemCompleted
		it.TotalCount = result.TotalCount
		it.SuccessCount = result.SuccessCount
		it.FailureCount = result.FailureCount
		it.CompletedAt = timePtr(now)
		it.FailureReason = ""
		it.FileContent = nil
		if it.PayloadJSON, err = mergeSummary(it.PayloadJSON, result.Summary); err != nil {
			return fmt.Errorf("merge summary: %w", err)
		}
		if err := q.UpdateItem(ctx, it); err != nil {
			return err
		}

		if len(result.Failures) > 0 {
			rows := make([]Failure, len(result.Failures))
			for i, f := range result.Failures {
				rows[i] = Failure{
					TaskID:     t.ID,
					ItemID:     it.ID,
					Section:    f.Section,
					RowNumber:  f.RowNumber,
					Field:      f.Field,
					Message:    f.Message,
					Status:     FailurePending,
					RawPayload: f.RawPayload,
				}
			}
			if err := q.InsertFailures(ctx, rows); err != nil {
				return err
			}
		}

		if ids := decodePayload(it.PayloadJSON).RetryFailureIDs; len(ids) > 0 {
			if _, err := q.SetFailureStatus(ctx, t.ID, ids, FailureResolved, timePtr(now)); err != nil {
				return err
			}
		}

		items, err := recomputeAggregates(ctx, q, t)
		if err != nil {
			return err
		}

		var ev Event
		if hasOpenItems(items) {
			t.Status = StatusQueued
			t.ScheduledAt = timePtr(now)
			ev = NewEvent(EventQueued, t)
		} else {
			t.Status = StatusCompleted
			t.CompletedAt = timePtr(now)
			t.FailureReason = ""
			ev = NewEvent(EventCompleted, t)
		}
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		event = &ev
		return nil
	})
	if err != nil {
		return err
	}
	if event != nil {
		publishEvents(ctx, s.pub, *event)
	}
	return nil
}
