package task

import (
	"context"
	"time"
)

// Queries is every persistence operation the manager and scheduler use.
// Lock* methods take a row lock that is held until the surrounding
// transaction ends; outside WithTx they behave like plain reads.
type Queries interface {
	InsertTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	LockTask(ctx context.Context, id int64) (*Task, error)
	ListTasksByStatus(ctx context.Context, status Status, limit int) ([]Task, error)
	CountRunning(ctx context.Context, importType string) (int, error)
	FindBlockingTasks(ctx context.Context, importTypes []string) ([]Task, error)
	SearchTasks(ctx context.Context, f TaskFilter) ([]Task, int, error)
	ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]Task, error)
	TouchHeartbeat(ctx context.Context, taskID int64, at time.Time) error

	InsertItem(ctx context.Context, it *Item) error
	UpdateItem(ctx context.Context, it *Item) error
	GetItem(ctx context.Context, id int64) (*Item, error)
	LockItem(ctx context.Context, id int64) (*Item, error)
	ListItems(ctx context.Context, taskID int64) ([]Item, error)
	NextPendingItem(ctx context.Context, taskID int64) (*Item, error)

	InsertDependencies(ctx context.Context, taskID int64, dependsOn []int64) error
	ListDependencyTargets(ctx context.Context, taskID int64) ([]Task, error)

	InsertFailures(ctx context.Context, failures []Failure) error
	SetFailureStatus(ctx context.Context, taskID int64, ids []int64, status FailureStatus, resolvedAt *time.Time) (int, error)
	CountUnresolvedFailures(ctx context.Context, taskID int64) (int, error)
	CountFailuresByStatus(ctx context.Context, taskID int64) (map[FailureStatus]int, error)
	FindFailures(ctx context.Context, f FailureFilter) ([]Failure, int, error)
}

// Store is Queries plus transactions.
type Store interface {
	Queries

	// WithTx runs fn in one transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(q Queries) error) error
}

// Paging defaults.
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// PageRequest is a 0-based page request.
type PageRequest struct {
	Page int
	Size int
}

// Normalize applies defaults and bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of rows to skip.
func (p PageRequest) Offset() int {
	return p.Page * p.Size
}

// Page is one page of results.
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
}

// TaskFilter selects tasks for SearchTasks. Empty fields match everything.
type TaskFilter struct {
	ImportType string
	Status     Status
	CreatedBy  string
	PageRequest
}

// FailureFilter selects failures for one task.
type FailureFilter struct {
	TaskID int64
	Status FailureStatus
	PageRequest
}
