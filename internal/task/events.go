package task

import (
	"context"
	"log/slog"
	"time"
)

// EventType names a task lifecycle event.
type EventType string

const (
	EventCreated   EventType = "task.created"
	EventQueued    EventType = "task.queued"
	EventStarted   EventType = "task.started"
	EventCompleted EventType = "task.completed"
	EventFailed    EventType = "task.failed"
	EventCancelled EventType = "task.cancelled"
	EventRetried   EventType = "task.retried"
)

// Event is published after the transaction that caused it commits.
type Event struct {
	Type         EventType `json:"type"`
	TaskID       int64     `json:"taskId"`
	TaskCode     string    `json:"taskCode"`
	ImportType   string    `json:"importType"`
	Status       Status    `json:"status"`
	TotalCount   int       `json:"totalCount"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// NewEvent snapshots t.
func NewEvent(typ EventType, t *Task) Event {
	return Event{
		Type:         typ,
		TaskID:       t.ID,
		TaskCode:     t.TaskCode,
		ImportType:   t.ImportType,
		Status:       t.Status,
		TotalCount:   t.TotalCount,
		SuccessCount: t.SuccessCount,
		FailureCount: t.FailureCount,
		Reason:       t.FailureReason,
		OccurredAt:   time.Now().UTC(),
	}
}

// EventPublisher delivers lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, ...Event) error { return nil }

// publishEvents sends events and logs failures; publishing never fails the
// operation that produced them.
func publishEvents(ctx context.Context, p EventPublisher, events ...Event) {
	if p == nil || len(events) == 0 {
		return
	}
	if err := p.Publish(ctx, events...); err != nil {
		slog.Warn("publish task events failed",
			"count", len(events),
			"type", string(events[0].Type),
			"task_id", events[0].TaskID,
			"error", err,
		)
	}
}
