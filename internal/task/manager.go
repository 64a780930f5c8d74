package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/JonMunkholm/erpimport/internal/logging"
)

// DependencyConfig maps an import type to the types that must complete first.
type DependencyConfig map[string][]string

// DefaultDependencies returns the built-in prerequisite map.
func DefaultDependencies() DependencyConfig {
	return DependencyConfig{
		"material":       {"unit"},
		"bom":            {"material"},
		"purchase-order": {"material", "supplier"},
		"sale-order":     {"material"},
	}
}

// Prerequisites returns the prerequisite types of importType.
func (d DependencyConfig) Prerequisites(importType string) []string {
	return d[importType]
}

// CreateRequest is a new import submission.
type CreateRequest struct {
	ImportType  string          `validate:"required,max=64"`
	FileName    string          `validate:"required,max=255"`
	ContentType string          `validate:"max=255"`
	Content     []byte          `validate:"required,min=1"`
	CreatedBy   string          `validate:"required,max=128"`
	Options     json.RawMessage `validate:"omitempty"`
}

// RetryRequest resubmits a corrected file for an existing task.
type RetryRequest struct {
	TaskID      int64   `validate:"required,gt=0"`
	FileName    string  `validate:"required,max=255"`
	ContentType string  `validate:"max=255"`
	Content     []byte  `validate:"required,min=1"`
	RequestedBy string  `validate:"required,max=128"`
	FailureIDs  []int64 `validate:"dive,gt=0"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Dependencies DependencyConfig
	Publisher    EventPublisher
	// MaxFileSize rejects larger uploads; 0 disables the check.
	MaxFileSize int64
	Now         func() time.Time
}

// Manager creates tasks, accepts retries and serves task queries.
type Manager struct {
	store    Store
	deps     DependencyConfig
	pub      EventPublisher
	maxFile  int64
	now      func() time.Time
	validate *validator.Validate
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ManagerOptions) *Manager {
	m := &Manager{
		store:    store,
		deps:     opts.Dependencies,
		pub:      opts.Publisher,
		maxFile:  opts.MaxFileSize,
		now:      opts.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if m.deps == nil {
		m.deps = DefaultDependencies()
	}
	if m.pub == nil {
		m.pub = NopPublisher{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Dependencies returns the prerequisite map used at creation time.
func (m *Manager) Dependencies() DependencyConfig {
	return m.deps
}

// CreateTask persists a task, its first item and its dependency edges in one
// transaction. The task starts QUEUED when nothing blocks it, else WAITING.
func (m *Manager) CreateTask(ctx context.Context, req CreateRequest) (*Task, error) {
	req.ImportType = strings.TrimSpace(req.ImportType)
	if err := m.check(req, len(req.Content)); err != nil {
		return nil, err
	}
	if len(req.Options) > 0 && !json.Valid(req.Options) {
		return nil, fmt.Errorf("%w: options must be valid JSON", ErrInvalidRequest)
	}

	now := m.now().UTC()
	t := &Task{
		TaskCode:       NewTaskCode(req.ImportType, now),
		ImportType:     req.ImportType,
		CreatedBy:      req.CreatedBy,
		SourceFileName: req.FileName,
		OptionsJSON:    req.Options,
		CreatedAt:      now,
	}

	err := m.store.WithTx(ctx, func(q Queries) error {
		blocking, err := m.blockingTaskIDs(ctx, q, req.ImportType)
		if err != nil {
			return err
		}

		if len(blocking) == 0 {
			t.Status = StatusQueued
			t.ScheduledAt = timePtr(now)
		} else {
			t.Status = StatusWaiting
		}
		if err := q.InsertTask(ctx, t); err != nil {
			return err
		}

		item := &Item{
			TaskID:         t.ID,
			SequenceNo:     1,
			Status:         ItemPending,
			SourceFileName: req.FileName,
			ContentType:    req.ContentType,
			FileContent:    req.Content,
		}
		if err := q.InsertItem(ctx, item); err != nil {
			return err
		}

		return q.InsertDependencies(ctx, t.ID, blocking)
	})
	if err != nil {
		return nil, fmt.Errorf("create import task: %w", err)
	}

	logging.FromContext(ctx).Info("import task created",
		"task_id", t.ID,
		"task_code", t.TaskCode,
		"import_type", t.ImportType,
		"status", string(t.Status),
	)

	events := []Event{NewEvent(EventCreated, t)}
	if t.Status == StatusQueued {
		events = append(events, NewEvent(EventQueued, t))
	}
	publishEvents(ctx, m.pub, events...)
	return t, nil
}

// blockingTaskIDs returns the distinct tasks of a prerequisite type that are
// WAITING, QUEUED, RUNNING or FAILED.
func (m *Manager) blockingTaskIDs(ctx context.Context, q Queries, importType string) ([]int64, error) {
	prereqs := m.deps.Prerequisites(importType)
	if len(prereqs) == 0 {
		return nil, nil
	}

	tasks, err := q.FindBlockingTasks(ctx, prereqs)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(tasks))
	ids := make([]int64, 0, len(tasks))
	for _, bt := range tasks {
		if seen[bt.ID] {
			continue
		}
		seen[bt.ID] = true
		ids = append(ids, bt.ID)
	}
	return ids, nil
}

// RetryTask appends a new item to a task and reopens it. Referenced failures
// are marked RESUBMITTED; ids that belong to another task are ignored.
func (m *Manager) RetryTask(ctx context.Context, req RetryRequest) (*Task, error) {
	if err := m.check(req, len(req.Content)); err != nil {
		return nil, err
	}

	failureIDs := dedupeIDs(req.FailureIDs)
	payload, err := json.Marshal(RetryPayload{RetryFailureIDs: failureIDs, RequestedBy: req.RequestedBy})
	if err != nil {
		return nil, fmt.Errorf("encode retry payload: %w", err)
	}

	now := m.now().UTC()
	var t *Task
	var reopened bool

	err = m.store.WithTx(ctx, func(q Queries) error {
		var err error
		t, err = q.LockTask(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if t.Status == StatusCancelled {
			return ErrTerminal
		}

		items, err := q.ListItems(ctx, t.ID)
		if err != nil {
			return err
		}
		item := &Item{
			TaskID:         t.ID,
			SequenceNo:     1,
			Status:         ItemPending,
			SourceFileName: req.FileName,
			ContentType:    req.ContentType,
			FileContent:    req.Content,
			PayloadJSON:    payload,
		}
		if n := len(items); n > 0 {
			last := items[n-1]
			item.SequenceNo = last.SequenceNo + 1
			item.RetryOf = &last.ID
		}
		if err := q.InsertItem(ctx, item); err != nil {
			return err
		}

		if _, err := q.SetFailureStatus(ctx, t.ID, failureIDs, FailureResubmitted, nil); err != nil {
			return err
		}

		// WAITING keeps its dependency gate; RUNNING picks the new item up
		// when the current one is finalized.
		switch t.Status {
		case StatusCompleted, StatusFailed:
			t.Status = StatusQueued
			t.ScheduledAt = timePtr(now)
			t.CompletedAt = nil
			t.FailureReason = ""
			reopened = true
		case StatusQueued:
			t.ScheduledAt = timePtr(now)
		}
		return q.UpdateTask(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("retry import task %d: %w", req.TaskID, err)
	}

	logging.FromContext(ctx).Info("import task retry submitted",
		"task_id", t.ID,
		"task_code", t.TaskCode,
		"failure_ids", len(failureIDs),
		"status", string(t.Status),
	)

	events := []Event{NewEvent(EventRetried, t)}
	if reopened {
		events = append(events, NewEvent(EventQueued, t))
	}
	publishEvents(ctx, m.pub, events...)
	return t, nil
}

// CancelTask moves a WAITING or QUEUED task to CANCELLED.
func (m *Manager) CancelTask(ctx context.Context, taskID int64, actor string) (*Task, error) {
	if actor == "" {
		actor = "anonymous"
	}

	var t *Task
	err := m.store.WithTx(ctx, func(q Queries) error {
		var err error
		t, err = q.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !CanTransition(t.Status, StatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCancelled)
		}

		t.Status = StatusCancelled
		t.CompletedAt = timePtr(m.now().UTC())
		t.FailureReason = "cancelled by " + actor
		return q.UpdateTask(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel import task %d: %w", taskID, err)
	}

	logging.FromContext(ctx).Info("import task cancelled", "task_id", t.ID, "task_code", t.TaskCode, "actor", actor)
	publishEvents(ctx, m.pub, NewEvent(EventCancelled, t))
	return t, nil
}

// SearchTasks returns one page of tasks, newest first.
func (m *Manager) SearchTasks(ctx context.Context, f TaskFilter) (Page[Task], error) {
	if f.Status != "" && !f.Status.Valid() {
		return Page[Task]{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	f.PageRequest = f.PageRequest.Normalize()

	tasks, total, err := m.store.SearchTasks(ctx, f)
	if err != nil {
		return Page[Task]{}, fmt.Errorf("search import tasks: %w", err)
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return Page[Task]{Items: tasks, Total: total, Page: f.Page, Size: f.Size}, nil
}

// GetTask returns the detail view of one task.
func (m *Manager) GetTask(ctx context.Context, taskID int64) (*Detail, error) {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get import task %d: %w", taskID, err)
	}

	items, err := m.store.ListItems(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	targets, err := m.store.ListDependencyTargets(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	summary, err := m.store.CountFailuresByStatus(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("count failures: %w", err)
	}

	d := &Detail{
		Task:           *t,
		Items:          items,
		DependsOn:      make([]TaskRef, 0, len(targets)),
		FailureSummary: summary,
	}
	if d.Items == nil {
		d.Items = []Item{}
	}
	for _, dt := range targets {
		d.DependsOn = append(d.DependsOn, TaskRef{
			ID:         dt.ID,
			TaskCode:   dt.TaskCode,
			ImportType: dt.ImportType,
			Status:     dt.Status,
		})
	}
	return d, nil
}

// FindFailures returns one page of a task's failures in creation order.
func (m *Manager) FindFailures(ctx context.Context, f FailureFilter) (Page[Failure], error) {
	if f.Status != "" && !f.Status.Valid() {
		return Page[Failure]{}, fmt.Errorf("%w: unknown failure status %q", ErrInvalidRequest, f.Status)
	}
	if _, err := m.store.GetTask(ctx, f.TaskID); err != nil {
		return Page[Failure]{}, fmt.Errorf("find failures of task %d: %w", f.TaskID, err)
	}
	f.PageRequest = f.PageRequest.Normalize()

	failures, total, err := m.store.FindFailures(ctx, f)
	if err != nil {
		return Page[Failure]{}, fmt.Errorf("find failures of task %d: %w", f.TaskID, err)
	}
	if failures == nil {
		failures = []Failure{}
	}
	return Page[Failure]{Items: failures, Total: total, Page: f.Page, Size: f.Size}, nil
}

// check validates req and the upload size.
func (m *Manager) check(req any, size int) error {
	if err := m.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if m.maxFile > 0 && int64(size) > m.maxFile {
		return fmt.Errorf("%w: file is %d bytes, limit is %d", ErrInvalidRequest, size, m.maxFile)
	}
	return nil
}

func dedupeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
