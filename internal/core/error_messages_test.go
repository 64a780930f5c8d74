package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/erpimport/internal/importing"
	"github.com/JonMunkholm/erpimport/internal/sheet"
	"github.com/JonMunkholm/erpimport/internal/task"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"task not found", fmt.Errorf("get import task 9: %w", task.ErrNotFound), "TSK001"},
		{"invalid transition", fmt.Errorf("cancel import task 1: %w: RUNNING -> CANCELLED", task.ErrInvalidTransition), "TSK002"},
		{"terminal task", fmt.Errorf("retry import task 1: %w", task.ErrTerminal), "TSK003"},
		{"missing handler reason", errors.New(`no handler registered for import type "x"`), "TSK004"},
		{"prerequisite failed", errors.New("prerequisite failed: UNIT-20240101000000-ABCD"), "TSK005"},
		{"batch timeout", fmt.Errorf("%w after 30s", importing.ErrBatchTimeout), "BAT001"},
		{"unsupported format", fmt.Errorf("%w: a.pdf", sheet.ErrUnsupportedFormat), "FILE001"},
		{"missing sheet", errors.New(`read a.xlsx: sheet "bom" not found`), "FILE002"},
		{"missing column", errors.New(`sheet "unit" is missing columns: name`), "FILE003"},
		{"file too large", fmt.Errorf("%w: file is 20 bytes, limit is 10", task.ErrInvalidRequest), "FILE004"},
		{"invalid request", fmt.Errorf("%w: FileName failed required", task.ErrInvalidRequest), "VAL006"},
		{"duplicate key", errors.New("ERROR: duplicate key value violates unique constraint"), "DB001"},
		{"deadlock", errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), "DB004"},
		{"required value", errors.New("code is required"), "VAL001"},
		{"unknown reference", errors.New("unit KG not found"), "VAL002"},
		{"case insensitive", errors.New("CONNECTION REFUSED"), "DB003"},
		{"unknown error returns default", errors.New("some random internal error"), "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestMapMessageEmpty(t *testing.T) {
	if got := MapMessage(""); got != (UserMessage{}) {
		t.Errorf("MapMessage(\"\") = %+v, want zero", got)
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(task.ErrNotFound)

	expected := "Import task not found (Code: TSK001). Check the task id or code"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
	if got := FormatUserError(nil); got != "" {
		t.Errorf("FormatUserError(nil) = %q, want empty", got)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"known error is user facing", task.ErrTerminal, true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}
