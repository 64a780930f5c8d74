package sheet

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCleanCell(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  abc  ", "abc"},
		{`="00123"`, "00123"},
		{"=42", "42"},
		{`"quoted"`, "quoted"},
		{"'single'", "single"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanCell(tt.in); got != tt.want {
			t.Errorf("CleanCell(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanHeader(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Code*", "code"},
		{" Unit Code ", "unit_code"},
		{"Order-No", "order_no"},
		{"*Name", "name"},
	}
	for _, tt := range tests {
		if got := CleanHeader(tt.in); got != tt.want {
			t.Errorf("CleanHeader(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecimal(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"12.50", "12.5", true},
		{"$1,234.56", "1234.56", true},
		{"(12.50)", "-12.5", true},
		{"-3", "-3", true},
		{"1e3", "1000", true},
		{"", "0", false},
		{"abc", "0", false},
		{"1.2.3", "0", false},
	}
	for _, tt := range tests {
		got, ok := Decimal(tt.in)
		if ok != tt.wantOK {
			t.Errorf("Decimal(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			continue
		}
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Decimal(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestInt(t *testing.T) {
	if n, ok := Int("10"); !ok || n != 10 {
		t.Errorf("Int(10) = %d, %v, want 10, true", n, ok)
	}
	if _, ok := Int("1.5"); ok {
		t.Error("Int(1.5) ok = true, want false")
	}
}

func TestDate(t *testing.T) {
	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-01-15", "2024/01/15", "1/15/2024", "20240115", "2024-01-15 08:30:00"} {
		got, ok := Date(in)
		if !ok {
			t.Errorf("Date(%q) ok = false, want true", in)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("Date(%q) = %v, want %v", in, got, want)
		}
	}

	if got, ok := Date("45292"); !ok || !got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Date(serial 45292) = %v, %v, want 2024-01-01", got, ok)
	}

	if _, ok := Date("not a date"); ok {
		t.Error("Date(not a date) ok = true, want false")
	}
	if PgDate("").Valid {
		t.Error("PgDate(\"\").Valid = true, want false")
	}
}

func TestBool(t *testing.T) {
	for in, want := range map[string]bool{"yes": true, "Y": true, "1": true, "no": false, "F": false} {
		got, ok := Bool(in)
		if !ok || got != want {
			t.Errorf("Bool(%q) = %v, %v, want %v, true", in, got, ok, want)
		}
	}
	if _, ok := Bool("maybe"); ok {
		t.Error("Bool(maybe) ok = true, want false")
	}
}

func TestPgText(t *testing.T) {
	if v := PgText("  "); v.Valid {
		t.Error("PgText(blank).Valid = true, want false")
	}
	if v := PgText(" kg "); !v.Valid || v.String != "kg" {
		t.Errorf("PgText(kg) = %+v", v)
	}
}
