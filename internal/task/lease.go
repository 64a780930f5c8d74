package task

import (
	"context"
	"log/slog"
	"time"
)

// leaseExpiredReason is recorded on items reclaimed from a dead worker.
const leaseExpiredReason = "lease expired"

// lastBeat is the newest sign of life of a RUNNING task.
func lastBeat(t *Task) time.Time {
	switch {
	case t.HeartbeatAt != nil:
		return *t.HeartbeatAt
	case t.StartedAt != nil:
		return *t.StartedAt
	default:
		return t.CreatedAt
	}
}

// reclaimStale requeues RUNNING tasks whose heartbeat is older than the lease
// and that this process is not executing.
func (s *Scheduler) reclaimStale(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.cfg.LeaseTimeout)

	tasks, err := s.store.ListStaleRunning(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		slog.Error("list stale tasks failed", "error", err)
		return
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		if s.isInFlight(t.ID) {
			continue
		}
		if err := s.reclaim(ctx, t.ID, cutoff); err != nil {
			slog.Error("reclaim stale task failed", "task_id", t.ID, "task_code", t.TaskCode, "error", err)
		}
	}
}

// reclaim fails the stale RUNNING item, appends a PENDING copy of it and puts
// the task back to QUEUED.
func (s *Scheduler) reclaim(ctx context.Context, taskID int64, cutoff time.Time) error {
	var requeued *Task
	var reclaimed int

	err := s.store.WithTx(ctx, func(q Queries) error {
		t, err := q.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status != StatusRunning || !lastBeat(t).Before(cutoff) {
			return nil
		}

		items, err := q.ListItems(ctx, taskID)
		if err != nil {
			return err
		}
		nextSeq := 1
		if n := len(items); n > 0 {
			nextSeq = items[n-1].SequenceNo + 1
		}

		now := s.now().UTC()
		for _, listed := range items {
			if listed.Status != ItemRunning {
				continue
			}
			stale, err := q.GetItem(ctx, listed.ID)
			if err != nil {
				return err
			}
			content := stale.FileContent

			stale.Status = ItemFailed
			stale.FailureReason = leaseExpiredReason
			stale.CompletedAt = timePtr(now)
			stale.FileContent = nil
			if err := q.UpdateItem(ctx, stale); err != nil {
				return err
			}

			replacement := &Item{
				TaskID:         taskID,
				SequenceNo:     nextSeq,
				Status:         ItemPending,
				SourceFileName: stale.SourceFileName,
				ContentType:    stale.ContentType,
				FileContent:    content,
				PayloadJSON:    stale.PayloadJSON,
				RetryOf:        &stale.ID,
			}
			if err := q.InsertItem(ctx, replacement); err != nil {
				return err
			}
			nextSeq++
			reclaimed++
		}

		t.Status = StatusQueued
		t.ScheduledAt = timePtr(now)
		t.HeartbeatAt = nil
		if err := q.UpdateTask(ctx, t); err != nil {
			return err
		}
		requeued = t
		return nil
	})
	if err != nil || requeued == nil {
		return err
	}

	slog.Warn("reclaimed stale import task",
		"task_id", requeued.ID,
		"task_code", requeued.TaskCode,
		"items", reclaimed,
		"lease_timeout_ms", s.cfg.LeaseTimeout.Milliseconds(),
	)
	publishEvents(ctx, s.pub, NewEvent(EventQueued, requeued))
	return nil
}
