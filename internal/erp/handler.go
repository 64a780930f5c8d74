package erp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/erpimport/internal/importing"
	"github.com/JonMunkholm/erpimport/internal/logging"
	"github.com/JonMunkholm/erpimport/internal/sheet"
	"github.com/JonMunkholm/erpimport/internal/task"
)

var (
	minQuantity = decimal.New(1, -6)
	maxAmount   = decimal.RequireFromString("99999999999999.999999")
)

// Options are the per-task options every handler understands.
type Options struct {
	// DryRun validates the file and reports failures without writing.
	DryRun bool `json:"dryRun"`
}

func parseOptions(raw json.RawMessage) (Options, error) {
	var o Options
	if len(raw) == 0 || string(raw) == "null" {
		return o, nil
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return o, fmt.Errorf("parse options: %w", err)
	}
	return o, nil
}

// Importer runs the ERP import handlers against a Store.
type Importer struct {
	store   Store
	modules *importing.ModuleConfig
	cache   importing.CodeCache[int64]
}

// NewImporter creates an Importer. modules and cache may be nil.
func NewImporter(store Store, modules *importing.ModuleConfig, cache importing.CodeCache[int64]) *Importer {
	return &Importer{store: store, modules: modules, cache: cache}
}

// Register adds a handler for every ERP import type.
func Register(reg *task.Registry, imp *Importer) {
	reg.Register(TypeUnit, task.HandlerFunc(imp.importUnits))
	reg.Register(TypeSupplier, task.HandlerFunc(imp.importSuppliers))
	reg.Register(TypeMaterial, task.HandlerFunc(imp.importMaterials))
	reg.Register(TypeBOM, task.HandlerFunc(imp.importBOMs))
	reg.Register(TypePurchaseOrder, task.HandlerFunc(imp.importPurchaseOrders))
	reg.Register(TypeSaleOrder, task.HandlerFunc(imp.importSaleOrders))
}

// record is one importable unit: a single row, or an order or BOM with
// its lines. Failures of the whole record are reported against row.
type record[T any] struct {
	value   T
	section string
	row     int
}

// Summary is stored with the item as its execution summary.
type Summary struct {
	ImportType string                    `json:"importType"`
	DryRun     bool                      `json:"dryRun,omitempty"`
	Records    int                       `json:"records"`
	Written    int                       `json:"written"`
	Skipped    int                       `json:"skipped"`
	Batches    int                       `json:"batches"`
	Errors     importing.ErrorStatistics `json:"errors"`
}

// run is the state of one handler execution.
type run struct {
	importType string
	opts       Options
	settings   importing.ModuleSettings
	wb         *sheet.Workbook
	errs       *importing.ErrorCollector
	v          *importing.Validator

	total   int
	failed  int
	written int
	batches int
}

func (imp *Importer) begin(ctx context.Context, ec task.ExecutionContext, primary string) (*run, error) {
	opts, err := parseOptions(ec.OptionsJSON)
	if err != nil {
		return nil, err
	}

	wb, err := sheet.Read(ec.FileName, ec.ContentType, ec.FileContent, primary)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ec.FileName, err)
	}

	settings := imp.modules.For(ec.ImportType)
	errs := importing.NewErrorCollector(settings.MaxErrorCount)

	logging.FromContext(ctx).Info("workbook loaded",
		"file", ec.FileName,
		"format", wb.Format,
		"sections", len(wb.Sections),
		"dry_run", opts.DryRun,
		"retry_failures", len(ec.RetryFailureIDs),
	)

	return &run{
		importType: ec.ImportType,
		opts:       opts,
		settings:   settings,
		wb:         wb,
		errs:       errs,
		v:          importing.NewValidator(errs),
	}, nil
}

// section returns the named sheet, failing when it or a required column is missing.
func (r *run) section(name string, required ...string) (*sheet.Section, error) {
	s, ok := r.wb.Section(name)
	if !ok {
		return nil, fmt.Errorf("sheet %q not found", name)
	}
	if missing := s.Missing(required...); len(missing) > 0 {
		return nil, fmt.Errorf("sheet %q is missing columns: %s", name, strings.Join(missing, ", "))
	}
	return s, nil
}

// unique records a VALIDATION error when key was already seen in this file.
func (r *run) unique(first map[string]int, key, section string, row int, field string) bool {
	if prev, dup := first[key]; dup {
		r.errs.AddValidation(section, row, field,
			fmt.Sprintf("duplicate %s %s (first seen on row %d)", field, key, prev))
		return false
	}
	first[key] = row
	return true
}

// decimal parses field, falling back to def when the cell is blank and
// the field is optional.
func (r *run) decimal(row sheet.Row, section, field string, required bool, def decimal.Decimal) (decimal.Decimal, bool) {
	raw := row.Get(field)
	if raw == "" {
		if required {
			r.errs.AddValidation(section, row.Number, field, field+" is required")
			return decimal.Zero, false
		}
		return def, true
	}
	d, ok := sheet.Decimal(raw)
	if !ok {
		r.errs.Add(importing.ImportError{
			Section:   section,
			RowNumber: row.Number,
			Field:     field,
			Message:   field + " must be a number",
			Value:     raw,
			Type:      importing.ErrorTypeValidation,
		})
		return decimal.Zero, false
	}
	return d, true
}

func (imp *Importer) preload(ctx context.Context, r *run, entity Entity, codes []string) (map[string]int64, error) {
	p := importing.NewPreloader(importing.PreloadConfig[int64]{
		Entity:    string(entity),
		ChunkSize: r.settings.PreloadChunkSize,
		Cache:     imp.cache,
		Lookup: func(ctx context.Context, codes []string) (map[string]int64, error) {
			return imp.store.Lookup(ctx, entity, codes)
		},
	})
	return p.Load(ctx, codes)
}

// inTx runs fn in its own short transaction, retrying deadlocks.
func (imp *Importer) inTx(ctx context.Context, r *run, fn func(ctx context.Context, w Writer) error) error {
	txCtx, cancel := context.WithTimeout(ctx, r.settings.TransactionTimeout())
	defer cancel()

	_, err := importing.RetryOnDeadlock(txCtx, importing.DefaultRetryPolicy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, imp.store.WithTx(ctx, func(w Writer) error {
			return fn(ctx, w)
		})
	})
	return err
}

// writeChunks upserts records through the batch processor, one transaction
// per chunk. A failed chunk marks each of its records failed with the same
// summary message; sibling chunks are unaffected.
func writeChunks[T any](ctx context.Context, imp *Importer, r *run, records []record[T], write func(ctx context.Context, w Writer, v T) error) error {
	if r.opts.DryRun {
		r.written += len(records)
		return nil
	}

	proc := importing.NewBatchProcessor[record[T], int](r.settings)
	res, err := proc.Process(ctx, records, func(ctx context.Context, b importing.Batch[record[T]]) (int, error) {
		err := imp.inTx(ctx, r, func(ctx context.Context, w Writer) error {
			for _, rec := range b.Items {
				if err := write(ctx, w, rec.value); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		return len(b.Items), nil
	})
	if err != nil {
		return err
	}

	r.batches += res.TotalBatches
	for _, n := range res.Results {
		r.written += n
	}
	for _, be := range res.Errors {
		msg := fmt.Sprintf("batch %d failed: %v", be.Index, be.Err)
		for _, rec := range records[be.Start : be.Start+be.Size] {
			r.errs.Add(importing.ImportError{
				Section:   rec.section,
				RowNumber: rec.row,
				Message:   msg,
				Type:      importing.ErrorTypeSystem,
			})
		}
		r.failed += be.Size
	}
	return nil
}

// result converts the collected errors into the item's failures.
func (r *run) result(ctx context.Context) (*task.ExecutionResult, error) {
	errs := r.errs.Errors()
	failures := make([]task.FailureDetail, 0, len(errs))
	for _, e := range errs {
		raw := rawRow(r.wb, e.Section, e.RowNumber)
		if raw == "" {
			raw = e.Value
		}
		failures = append(failures, task.FailureDetail{
			Section:    e.Section,
			RowNumber:  e.RowNumber,
			Field:      e.Field,
			Message:    e.Message,
			RawPayload: raw,
		})
	}

	summary, err := json.Marshal(Summary{
		ImportType: r.importType,
		DryRun:     r.opts.DryRun,
		Records:    r.total,
		Written:    r.written,
		Skipped:    r.failed,
		Batches:    r.batches,
		Errors:     r.errs.Statistics(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}

	logging.FromContext(ctx).Info("import finished",
		"records", r.total,
		"written", r.written,
		"failed", r.failed,
		"errors", len(errs),
		"errors_dropped", r.errs.Dropped(),
	)

	return &task.ExecutionResult{
		TotalCount:   r.total,
		SuccessCount: r.written,
		FailureCount: r.failed,
		Failures:     failures,
		Summary:      summary,
	}, nil
}

// rawRow returns the serialized source row, or "" if it is not in wb.
func rawRow(wb *sheet.Workbook, section string, number int) string {
	s, ok := wb.Section(section)
	if !ok {
		return ""
	}
	i := sort.Search(len(s.Rows), func(i int) bool { return s.Rows[i].Number >= number })
	if i < len(s.Rows) && s.Rows[i].Number == number {
		return s.Rows[i].Raw()
	}
	return ""
}
