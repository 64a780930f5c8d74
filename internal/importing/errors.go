// Package importing provides the generic machinery shared by every import
// handler: bounded error collection, chunked batch execution under a
// semaphore, reference pre-loading, row validation and deadlock retry.
package importing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultMaxErrors caps how many row errors a single import keeps.
const DefaultMaxErrors = 1000

// ErrorType classifies a row error for client-side triage.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeData       ErrorType = "DATA"
	ErrorTypeSystem     ErrorType = "SYSTEM"
)

// ImportError is one row-level failure.
type ImportError struct {
	Section   string    `json:"section"`
	RowNumber int       `json:"rowNumber"`
	Field     string    `json:"field,omitempty"`
	Message   string    `json:"message"`
	Value     string    `json:"value,omitempty"` // original cell or row, for reproduction
	Type      ErrorType `json:"type"`
	Code      string    `json:"code,omitempty"`
}

func (e ImportError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s row %d: %s: %s", e.Section, e.RowNumber, e.Field, e.Message)
	}
	return fmt.Sprintf("%s row %d: %s", e.Section, e.RowNumber, e.Message)
}

// ErrorCollector is an append-only, capacity-bounded sink of row errors.
// It is safe for concurrent use by batch workers.
type ErrorCollector struct {
	mu      sync.Mutex
	errors  []ImportError
	max     int
	dropped int
}

// NewErrorCollector creates a collector that keeps at most max errors.
// A non-positive max falls back to DefaultMaxErrors.
func NewErrorCollector(max int) *ErrorCollector {
	if max <= 0 {
		max = DefaultMaxErrors
	}
	return &ErrorCollector{max: max}
}

// Add records e. It returns false, without recording, once the cap is reached.
func (c *ErrorCollector) Add(e ImportError) bool {
	if e.Type == "" {
		e.Type = ErrorTypeData
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.errors) >= c.max {
		c.dropped++
		return false
	}
	c.errors = append(c.errors, e)
	getMetrics().importErrors.WithLabelValues(string(e.Type)).Inc()
	return true
}

// AddError records a DATA error.
func (c *ErrorCollector) AddError(section string, row int, field, message string) bool {
	return c.Add(ImportError{Section: section, RowNumber: row, Field: field, Message: message, Type: ErrorTypeData})
}

// AddValidation records a VALIDATION error.
func (c *ErrorCollector) AddValidation(section string, row int, field, message string) bool {
	return c.Add(ImportError{Section: section, RowNumber: row, Field: field, Message: message, Type: ErrorTypeValidation})
}

// AddSystem records a SYSTEM error.
func (c *ErrorCollector) AddSystem(section string, row int, field, message string) bool {
	return c.Add(ImportError{Section: section, RowNumber: row, Field: field, Message: message, Type: ErrorTypeSystem})
}

// Errors returns a copy of the recorded errors in insertion order.
func (c *ErrorCollector) Errors() []ImportError {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ImportError, len(c.errors))
	copy(out, c.errors)
	return out
}

// ErrorsBySection groups recorded errors by section.
func (c *ErrorCollector) ErrorsBySection() map[string][]ImportError {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]ImportError)
	for _, e := range c.errors {
		out[e.Section] = append(out[e.Section], e)
	}
	return out
}

// ErrorsByField groups recorded errors by field. Errors without a field are skipped.
func (c *ErrorCollector) ErrorsByField() map[string][]ImportError {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]ImportError)
	for _, e := range c.errors {
		if e.Field == "" {
			continue
		}
		out[e.Field] = append(out[e.Field], e)
	}
	return out
}

// ErrorStatistics summarizes a collector.
type ErrorStatistics struct {
	Total        int               `json:"total"`
	Dropped      int               `json:"dropped"`
	LimitReached bool              `json:"limitReached"`
	ByType       map[ErrorType]int `json:"byType"`
	BySection    map[string]int    `json:"bySection"`
	ByField      map[string]int    `json:"byField"`
}

// Statistics returns counts per type, section and field.
func (c *ErrorCollector) Statistics() ErrorStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := ErrorStatistics{
		Total:        len(c.errors),
		Dropped:      c.dropped,
		LimitReached: len(c.errors) >= c.max,
		ByType:       make(map[ErrorType]int),
		BySection:    make(map[string]int),
		ByField:      make(map[string]int),
	}
	for _, e := range c.errors {
		stats.ByType[e.Type]++
		stats.BySection[e.Section]++
		if e.Field != "" {
			stats.ByField[e.Field]++
		}
	}
	return stats
}

// Sections returns the distinct sections that have errors, sorted.
func (c *ErrorCollector) Sections() []string {
	bySection := c.ErrorsBySection()
	out := make([]string, 0, len(bySection))
	for s := range bySection {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// LimitReached reports whether further Add calls will be rejected.
func (c *ErrorCollector) LimitReached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors) >= c.max
}

// Len returns the number of recorded errors.
func (c *ErrorCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

// Max returns the configured cap.
func (c *ErrorCollector) Max() int {
	return c.max
}

// Dropped returns how many errors were rejected after the cap was reached.
func (c *ErrorCollector) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Sentinel errors for batch execution.
var (
	// ErrBatchTimeout is returned when the batch join deadline expires.
	ErrBatchTimeout = errors.New("batch processing timed out")

	// ErrBatchCancelled is returned when the caller's context is cancelled mid-run.
	ErrBatchCancelled = errors.New("batch processing cancelled")
)
