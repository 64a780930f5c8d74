// Package core holds request-scoped helpers shared by the HTTP and CLI
// surfaces: the user-facing error catalogue and request context values.
//
// # Error Code Reference
//
// Codes are grouped by category. Support staff can look up a code reported
// by a user to see what triggered it.
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate record: a unique constraint rejected a row
//	DB002 - Missing reference: a foreign key constraint rejected a row
//	DB003 - Database unavailable: connection refused or reset
//	DB004 - Database busy: deadlock or serialization failure
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Required value missing
//	VAL002 - Unknown reference code
//	VAL003 - Duplicate code within the file
//	VAL004 - Invalid number
//	VAL005 - Invalid date
//	VAL006 - Invalid request
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - Unsupported format
//	FILE002 - Sheet not found
//	FILE003 - Missing required column
//	FILE004 - File too large
//	FILE005 - Empty workbook
//
// # Task Errors (TSK001-TSK099)
//
//	TSK001 - Task not found
//	TSK002 - Task cannot change to the requested state
//	TSK003 - Task was cancelled
//	TSK004 - Import type not supported
//	TSK005 - Prerequisite import failed
//	TSK006 - Worker lease expired
//
// # Batch Errors (BAT001-BAT099)
//
//	BAT001 - Batch timed out
//	BAT002 - Batch cancelled
//
// # Rate Limiting (RATE001) and Default (ERR000)
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so specific patterns come before general ones. For
// ERR000, check the application log for the technical error.
package core

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened (user-friendly)
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgDuplicateRecord = UserMessage{"A record with this code already exists", "Review the failed rows for duplicates", "DB001"}
	msgMissingRef      = UserMessage{"Referenced record does not exist", "Import the referenced data first", "DB002"}
	msgDBUnavailable   = UserMessage{"Unable to reach the database", "Please try again in a few moments", "DB003"}
	msgDBBusy          = UserMessage{"Database was busy with conflicting operations", "Retry the failed rows", "DB004"}
	msgUnknownType     = UserMessage{"This import type is not supported", "Choose one of the listed import types", "TSK004"}
)

// errorPatterns maps technical error text (case-insensitive) to user messages.
var errorPatterns = []errorPattern{
	// Task lifecycle. These come first because they wrap lower-level text.
	{"import task not found", UserMessage{"Import task not found", "Check the task id or code", "TSK001"}},
	{"invalid import task transition", UserMessage{"The task cannot change to the requested state", "Refresh the task and check its status", "TSK002"}},
	{"import task is cancelled", UserMessage{"The task was cancelled", "Submit a new import instead", "TSK003"}},
	{"missing import handler", msgUnknownType},
	{"no handler registered", msgUnknownType},
	{"prerequisite failed", UserMessage{"A prerequisite import failed", "Fix and retry the prerequisite import first", "TSK005"}},
	{"lease expired", UserMessage{"The worker running this task stopped responding", "Retry the task", "TSK006"}},

	// Batches.
	{"batch processing timed out", UserMessage{"A batch took too long to write", "Retry the failed rows or split the file", "BAT001"}},
	{"batch processing cancelled", UserMessage{"A batch was cancelled before it finished", "Retry the failed rows", "BAT002"}},

	// Files.
	{"unsupported spreadsheet format", UserMessage{"File format is not supported", "Upload an .xlsx or .csv file", "FILE001"}},
	{"is missing columns", UserMessage{"Required column is missing", "Check the header row against the template", "FILE003"}},
	{"sheet \"", UserMessage{"A required sheet is missing", "Use the sheet names from the import template", "FILE002"}},
	{"limit is", UserMessage{"File exceeds the maximum upload size", "Split the file into smaller files", "FILE004"}},
	{"file too large", UserMessage{"File exceeds the maximum upload size", "Split the file into smaller files", "FILE004"}},
	{"workbook has no sheets", UserMessage{"The uploaded file is empty", "Upload a file with a header and data rows", "FILE005"}},

	// Database.
	{"duplicate key", msgDuplicateRecord},
	{"violates unique", msgDuplicateRecord},
	{"violates foreign key", msgMissingRef},
	{"connection refused", msgDBUnavailable},
	{"connection reset", msgDBUnavailable},
	{"deadlock", msgDBBusy},
	{"could not serialize", msgDBBusy},

	// Row validation.
	{"is required", UserMessage{"Required value is empty", "Fill in every required column", "VAL001"}},
	{"not found", UserMessage{"Referenced code does not exist", "Import the referenced data first or fix the code", "VAL002"}},
	{"duplicate", UserMessage{"The same code appears more than once", "Keep one row per code", "VAL003"}},
	{"must be a number", UserMessage{"Invalid number", "Remove symbols and use a plain decimal", "VAL004"}},
	{"invalid date", UserMessage{"Invalid date", "Use YYYY-MM-DD", "VAL005"}},
	{"invalid import request", UserMessage{"The request is incomplete or invalid", "Check the required fields and try again", "VAL006"}},

	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. The first
// matching pattern wins; unmatched errors get ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	return MapMessage(err.Error())
}

// MapMessage is MapError for stored failure text such as a task's
// failure reason.
func MapMessage(text string) UserMessage {
	if text == "" {
		return UserMessage{}
	}
	lower := strings.ToLower(text)
	for _, ep := range errorPatterns {
		if strings.Contains(lower, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError formats err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a specific pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
