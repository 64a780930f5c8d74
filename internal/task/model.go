// Package task implements import task orchestration: the persistent task
// model, the manager that creates tasks and accepts retries, and the polling
// scheduler that promotes, admits, executes and finalizes them.
package task

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions lists every edge the scheduler and manager may take.
var transitions = map[Status][]Status{
	StatusWaiting: {StatusQueued, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRunning: {StatusQueued, StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// blockingStatuses are the prerequisite statuses that create a dependency edge.
var blockingStatuses = []Status{StatusWaiting, StatusQueued, StatusRunning, StatusFailed}

// ItemStatus is the lifecycle state of an Item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "PENDING"
	ItemRunning   ItemStatus = "RUNNING"
	ItemCompleted ItemStatus = "COMPLETED"
	ItemFailed    ItemStatus = "FAILED"
)

// CanTransitionItem reports whether from -> to is a legal item transition.
// Items never re-enter RUNNING; a retry creates a new item.
func CanTransitionItem(from, to ItemStatus) bool {
	switch from {
	case ItemPending:
		return to == ItemRunning
	case ItemRunning:
		return to == ItemCompleted || to == ItemFailed
	}
	return false
}

// FailureStatus tracks whether a row failure has been fixed.
type FailureStatus string

const (
	FailurePending     FailureStatus = "PENDING"
	FailureResolved    FailureStatus = "RESOLVED"
	FailureResubmitted FailureStatus = "RESUBMITTED"
)

// Valid reports whether s is a known failure status.
func (s FailureStatus) Valid() bool {
	return s == FailurePending || s == FailureResolved || s == FailureResubmitted
}

// Task is one logical import request.
type Task struct {
	ID             int64           `json:"id"`
	TaskCode       string          `json:"taskCode"`
	ImportType     string          `json:"importType"`
	Status         Status          `json:"status"`
	TotalCount     int             `json:"totalCount"`
	SuccessCount   int             `json:"successCount"`
	FailureCount   int             `json:"failureCount"`
	CreatedBy      string          `json:"createdBy"`
	SourceFileName string          `json:"sourceFileName"`
	OptionsJSON    json.RawMessage `json:"options,omitempty"`
	FailureReason  string          `json:"failureReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ScheduledAt    *time.Time      `json:"scheduledAt,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeatAt,omitempty"`
}

// Item is one execution attempt of a task: the original upload or a retry.
type Item struct {
	ID             int64           `json:"id"`
	TaskID         int64           `json:"taskId"`
	SequenceNo     int             `json:"sequenceNo"`
	Status         ItemStatus      `json:"status"`
	SourceFileName string          `json:"sourceFileName"`
	ContentType    string          `json:"contentType,omitempty"`
	FileContent    []byte          `json:"-"`
	PayloadJSON    json.RawMessage `json:"payload,omitempty"`
	RetryOf        *int64          `json:"retryOf,omitempty"`
	TotalCount     int             `json:"totalCount"`
	SuccessCount   int             `json:"successCount"`
	FailureCount   int             `json:"failureCount"`
	FailureReason  string          `json:"failureReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ScheduledAt    *time.Time      `json:"scheduledAt,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// Dependency is a must-complete-before edge from TaskID to DependsOnID.
type Dependency struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"taskId"`
	DependsOnID int64     `json:"dependsOnId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Failure is one row-level failure produced by an item.
type Failure struct {
	ID         int64         `json:"id"`
	TaskID     int64         `json:"taskId"`
	ItemID     int64         `json:"itemId"`
	Section    string        `json:"section"`
	RowNumber  int           `json:"rowNumber"`
	Field      string        `json:"field,omitempty"`
	Message    string        `json:"message"`
	Status     FailureStatus `json:"status"`
	RawPayload string        `json:"rawPayload,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}

// TaskRef identifies a dependency target in detail views.
type TaskRef struct {
	ID         int64  `json:"id"`
	TaskCode   string `json:"taskCode"`
	ImportType string `json:"importType"`
	Status     Status `json:"status"`
}

// Detail is the full view of one task.
type Detail struct {
	Task
	Items          []Item                `json:"items"`
	DependsOn      []TaskRef             `json:"dependsOn"`
	FailureSummary map[FailureStatus]int `json:"failureSummary"`
}

// RetryPayload is stored in Item.PayloadJSON for retry items.
type RetryPayload struct {
	RetryFailureIDs []int64         `json:"retryFailureIds,omitempty"`
	RequestedBy     string          `json:"requestedBy,omitempty"`
	Summary         json.RawMessage `json:"summary,omitempty"`
}

func decodePayload(raw json.RawMessage) RetryPayload {
	var p RetryPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

// mergeSummary writes summary under the "summary" key of payload, keeping
// every other key.
func mergeSummary(payload, summary json.RawMessage) (json.RawMessage, error) {
	if len(summary) == 0 {
		return payload, nil
	}
	m := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
	}
	m["summary"] = summary
	return json.Marshal(m)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
