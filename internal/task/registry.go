package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ExecutionContext is everything a handler receives for one item.
type ExecutionContext struct {
	TaskID          int64
	ItemID          int64
	TaskCode        string
	ImportType      string
	FileName        string
	ContentType     string
	FileContent     []byte
	OptionsJSON     json.RawMessage
	RetryFailureIDs []int64
}

// FailureDetail is one row-level failure reported by a handler.
type FailureDetail struct {
	Section    string `json:"section"`
	RowNumber  int    `json:"rowNumber"`
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
	RawPayload string `json:"rawPayload,omitempty"`
}

// ExecutionResult is what a handler reports for a completed item.
type ExecutionResult struct {
	TotalCount   int             `json:"totalCount"`
	SuccessCount int             `json:"successCount"`
	FailureCount int             `json:"failureCount"`
	Failures     []FailureDetail `json:"failures,omitempty"`
	Summary      json.RawMessage `json:"summary,omitempty"`
}

// Handler imports one file for a single import type. Row problems belong in
// the result; a returned error fails the whole item.
type Handler interface {
	Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ec ExecutionContext) (*ExecutionResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, ec ExecutionContext) (*ExecutionResult, error) {
	return f(ctx, ec)
}

// Registry maps import types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for importType.
// Panics if the type is already registered.
func (r *Registry) Register(importType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if importType == "" || h == nil {
		panic("import handler requires a type and a handler")
	}
	if _, exists := r.handlers[importType]; exists {
		panic(fmt.Sprintf("import handler already registered: %s", importType))
	}
	r.handlers[importType] = h
}

// Get returns the handler for importType.
func (r *Registry) Get(importType string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[importType]
	return h, ok
}

// Types returns every registered import type, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
