// Package sheet reads uploaded spreadsheets into named sections of rows.
//
// An .xlsx workbook yields one section per worksheet. A .csv file yields a
// single section whose name the caller chooses. The first non-blank row of
// each section is its header; header cells are normalized with CleanHeader.
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are neither xlsx nor csv.
var ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")

var (
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
	zipMagic = []byte("PK\x03\x04")
)

// Format is the detected file format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// HeaderIndex maps normalized column names to positions.
type HeaderIndex map[string]int

// Row is one data row.
type Row struct {
	Number int // 1-based row number in the source sheet
	Cells  []string
	header HeaderIndex
}

// Get returns the cleaned cell for column, or "" if absent.
func (r Row) Get(column string) string {
	i, ok := r.header[column]
	if !ok || i >= len(r.Cells) {
		return ""
	}
	return CleanCell(r.Cells[i])
}

// Has reports whether the row's section has column.
func (r Row) Has(column string) bool {
	_, ok := r.header[column]
	return ok
}

// Raw serializes the row for failure reports.
func (r Row) Raw() string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(r.Cells)
	w.Flush()
	return strings.TrimRight(b.String(), "\r\n")
}

// Section is one worksheet.
type Section struct {
	Name    string
	Columns []string
	Header  HeaderIndex
	Rows    []Row
}

// Missing returns the required columns the header lacks.
func (s *Section) Missing(required ...string) []string {
	var out []string
	for _, c := range required {
		if _, ok := s.Header[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// Workbook is every section of one file, in file order.
type Workbook struct {
	Format   Format
	Sections []*Section
}

// Section returns the section with name, matched case-insensitively.
func (w *Workbook) Section(name string) (*Section, bool) {
	for _, s := range w.Sections {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return nil, false
}

// Detect picks the format from content, then extension, then content type.
func Detect(fileName, contentType string, data []byte) (Format, error) {
	if bytes.HasPrefix(data, zipMagic) {
		return FormatXLSX, nil
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".csv", ".txt":
		return FormatCSV, nil
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "spreadsheetml"):
		return FormatXLSX, nil
	case strings.Contains(ct, "csv"), strings.HasPrefix(ct, "text/"):
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, fileName)
}

// Read parses data. csvSection names the single section of a CSV file.
func Read(fileName, contentType string, data []byte, csvSection string) (*Workbook, error) {
	format, err := Detect(fileName, contentType, data)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatXLSX:
		return readXLSX(data)
	default:
		s, err := readCSV(data, csvSection)
		if err != nil {
			return nil, err
		}
		return &Workbook{Format: FormatCSV, Sections: []*Section{s}}, nil
	}
}

func readXLSX(data []byte) (*Workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	wb := &Workbook{Format: FormatXLSX}
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", name, err)
		}
		wb.Sections = append(wb.Sections, buildSection(name, rows, nil))
	}
	if len(wb.Sections) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return wb, nil
}

func readCSV(data []byte, name string) (*Section, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	data = bytes.ToValidUTF8(data, []byte("?"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	// encoding/csv skips empty lines, so keep each record's source line.
	var rows [][]string
	var lines []int
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := r.FieldPos(0)
		rows = append(rows, rec)
		lines = append(lines, line)
	}
	return buildSection(name, rows, lines), nil
}

// buildSection takes the first non-blank row as header and keeps every
// later non-blank row with its original row number. lines, when non-nil,
// holds the source row number of each entry in rows.
func buildSection(name string, rows [][]string, lines []int) *Section {
	s := &Section{Name: strings.TrimSpace(name), Header: HeaderIndex{}}

	start := -1
	for i, row := range rows {
		if !blank(row) {
			start = i
			break
		}
	}
	if start < 0 {
		return s
	}

	s.Columns = make([]string, len(rows[start]))
	for i, h := range rows[start] {
		key := CleanHeader(h)
		s.Columns[i] = key
		if _, dup := s.Header[key]; key != "" && !dup {
			s.Header[key] = i
		}
	}

	for i := start + 1; i < len(rows); i++ {
		if blank(rows[i]) {
			continue
		}
		number := i + 1
		if lines != nil {
			number = lines[i]
		}
		s.Rows = append(s.Rows, Row{Number: number, Cells: rows[i], header: s.Header})
	}
	return s
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
