package sheet

// convert.go turns raw spreadsheet cells into typed values.
//
// Cells arrive in whatever shape the exporting ERP or a person produced:
//   - several date formats (ISO, US, EU, compact)
//   - currency symbols and thousands separators in numbers
//   - Excel formula prefixes (="value") and stray quotes
//
// Every converter reports ok=false (or Valid=false) for empty or unparseable
// input so callers can record a row error instead of guessing.

import (
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericRegex validates a number after cleanup.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted. Years more than
// this many years in the future are moved to the previous century.
var TwoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02", "2006-1-2", "2006/1/2",
		"2006-01-02 15:04:05", "2006/01/02 15:04:05", "2006-01-02T15:04:05Z07:00",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// excelEpoch is day zero of Excel's 1900 date system (with its leap-year bug).
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// CleanCell removes common artifacts from a cell value: surrounding
// whitespace, an Excel formula prefix (="...") and surrounding quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// CleanHeader normalizes a header cell into a lookup key: lower case, with
// spaces and dashes folded to underscores and a trailing "*" (required
// marker) dropped.
func CleanHeader(s string) string {
	s = strings.ToLower(CleanCell(s))
	s = strings.TrimSuffix(s, "*")
	s = strings.TrimPrefix(s, "*")
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(s))
	return s
}

// Decimal parses a number, tolerating currency symbols, thousands separators
// and accounting negatives "(12.50)".
func Decimal(s string) (decimal.Decimal, bool) {
	s = CleanCell(s)
	if s == "" {
		return decimal.Zero, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", ",", "").Replace(s)
	s = strings.TrimSpace(s)
	if negative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Int parses a whole number.
func Int(s string) (int, bool) {
	d, ok := Decimal(s)
	if !ok || !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return int(d.IntPart()), true
}

// Date parses a date in any supported layout, including Excel serial day
// numbers. Two-digit years use TwoDigitYearPivot.
func Date(s string) (time.Time, bool) {
	s = CleanCell(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return truncateDay(t), true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}

	if d, ok := Decimal(s); ok && d.IsPositive() && d.LessThan(decimal.NewFromInt(2958466)) {
		return excelEpoch.AddDate(0, 0, int(d.IntPart())), true
	}

	return time.Time{}, false
}

// PgDate converts a cell to pgtype.Date; empty or invalid input is NULL.
func PgDate(s string) pgtype.Date {
	t, ok := Date(s)
	if !ok {
		return pgtype.Date{Valid: false}
	}
	return pgtype.Date{Time: t, Valid: true}
}

// PgText converts a cell to pgtype.Text; empty input is NULL.
func PgText(s string) pgtype.Text {
	s = CleanCell(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// Bool accepts true/false, yes/no, t/f, y/n and 1/0.
func Bool(s string) (value, ok bool) {
	switch strings.ToLower(CleanCell(s)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
