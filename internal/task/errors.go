package task

import "errors"

var (
	// ErrNotFound is returned when a task, item or failure does not exist.
	ErrNotFound = errors.New("import task not found")

	// ErrInvalidRequest is returned when a create or retry request fails validation.
	ErrInvalidRequest = errors.New("invalid import request")

	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid import task transition")

	// ErrTerminal is returned when an operation targets a cancelled task.
	ErrTerminal = errors.New("import task is cancelled")

	// ErrMissingHandler is returned when no handler is registered for an import type.
	ErrMissingHandler = errors.New("missing import handler")
)
