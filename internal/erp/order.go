package erp

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/erpimport/internal/importing"
	"github.com/JonMunkholm/erpimport/internal/sheet"
	"github.com/JonMunkholm/erpimport/internal/task"
)

// orderKind describes one order document type.
type orderKind struct {
	headerSheet string
	lineSheet   string
	partyField  string
	partyEntity Entity

	// createParty lets unknown party codes through; the writer creates
	// them with insert-or-get inside the chunk transaction.
	createParty bool

	write func(ctx context.Context, w Writer, o Order) (int64, error)
}

var (
	purchaseOrders = orderKind{
		headerSheet: "purchase-order",
		lineSheet:   "purchase-order-item",
		partyField:  "supplier_code",
		partyEntity: EntitySupplier,
		write: func(ctx context.Context, w Writer, o Order) (int64, error) {
			return w.ReplacePurchaseOrder(ctx, o)
		},
	}
	saleOrders = orderKind{
		headerSheet: "sale-order",
		lineSheet:   "sale-order-item",
		partyField:  "customer_code",
		partyEntity: EntityCustomer,
		createParty: true,
		write: func(ctx context.Context, w Writer, o Order) (int64, error) {
			return w.ReplaceSaleOrder(ctx, o)
		},
	}
)

func (imp *Importer) importPurchaseOrders(ctx context.Context, ec task.ExecutionContext) (*task.ExecutionResult, error) {
	return imp.importOrders(ctx, ec, purchaseOrders)
}

func (imp *Importer) importSaleOrders(ctx context.Context, ec task.ExecutionContext) (*task.ExecutionResult, error) {
	return imp.importOrders(ctx, ec, saleOrders)
}

type parsedOrder struct {
	order   Order
	row     int
	valid   bool
	lineNos map[string]int
}

// importOrders reads a header sheet and a line sheet joined on order_no.
// Without a line sheet, each header row also carries one line (flat layout,
// which is also how a CSV upload arrives). Orders are replaced whole.
func (imp *Importer) importOrders(ctx context.Context, ec task.ExecutionContext, kind orderKind) (*task.ExecutionResult, error) {
	r, err := imp.begin(ctx, ec, kind.headerSheet)
	if err != nil {
		return nil, err
	}
	headers, err := r.section(kind.headerSheet, "order_no", kind.partyField)
	if err != nil {
		return nil, err
	}

	lineSheet := kind.lineSheet
	flat := false
	if _, ok := r.wb.Section(kind.lineSheet); !ok {
		flat = true
		lineSheet = kind.headerSheet
	}
	lines, err := r.section(lineSheet, "order_no", "material_code", "unit_code", "quantity")
	if err != nil {
		return nil, err
	}

	var partyCodes, materialCodes, unitCodes []string
	for _, row := range headers.Rows {
		partyCodes = append(partyCodes, row.Get(kind.partyField))
	}
	for _, row := range lines.Rows {
		materialCodes = append(materialCodes, row.Get("material_code"))
		unitCodes = append(unitCodes, row.Get("unit_code"))
	}
	parties, err := imp.preload(ctx, r, kind.partyEntity, partyCodes)
	if err != nil {
		return nil, err
	}
	materials, err := imp.preload(ctx, r, EntityMaterial, materialCodes)
	if err != nil {
		return nil, err
	}
	units, err := imp.preload(ctx, r, EntityUnit, unitCodes)
	if err != nil {
		return nil, err
	}

	var order []string
	orders := make(map[string]*parsedOrder)
	for _, row := range headers.Rows {
		no := row.Get("order_no")
		if o, seen := orders[no]; seen {
			if !flat {
				r.errs.AddValidation(kind.headerSheet, row.Number, "order_no",
					fmt.Sprintf("duplicate order_no %s (first seen on row %d)", no, o.row))
			}
			continue
		}
		o := parseHeader(r, kind, row, parties)
		if o.order.OrderNo == "" {
			r.total++
			r.failed++
			continue
		}
		orders[no] = o
		order = append(order, no)
	}

	for _, row := range lines.Rows {
		no := row.Get("order_no")
		o, ok := orders[no]
		if !ok {
			if no != "" {
				r.errs.AddError(lineSheet, row.Number, "order_no", fmt.Sprintf("order %s has no header row", no))
			} else if !flat {
				r.errs.AddValidation(lineSheet, row.Number, "order_no", "order_no is required")
			}
			continue
		}
		parseLine(r, lineSheet, row, o, materials, units)
	}

	var records []record[Order]
	for _, no := range order {
		o := orders[no]
		r.total++
		if o.valid && !importing.NotEmpty(r.v, o.order.Lines, kind.headerSheet, o.row, "lines") {
			o.valid = false
		}
		if !o.valid {
			r.failed++
			continue
		}
		records = append(records, record[Order]{value: o.order, section: kind.headerSheet, row: o.row})
	}

	err = writeChunks(ctx, imp, r, records, func(ctx context.Context, w Writer, o Order) error {
		_, err := kind.write(ctx, w, o)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.result(ctx)
}

func parseHeader(r *run, kind orderKind, row sheet.Row, parties map[string]int64) *parsedOrder {
	section := kind.headerSheet
	o := &parsedOrder{row: row.Number, valid: true, lineNos: make(map[string]int)}

	no := r.v.Code(row.Get("order_no"), section, row.Number, "order_no")
	if no == "" {
		return o
	}
	o.order.OrderNo = no

	party := row.Get(kind.partyField)
	if kind.createParty {
		if r.v.Code(party, section, row.Number, kind.partyField) == "" {
			o.valid = false
		}
		o.order.PartyID = parties[party]
		o.order.PartyCode = party
		o.order.PartyName = row.Get("customer_name")
	} else {
		if !importing.ExistsInCache(r.v, parties, party, section, row.Number, kind.partyField, string(kind.partyEntity)) {
			o.valid = false
		}
		o.order.PartyID = parties[party]
	}

	if raw := row.Get("order_date"); raw != "" {
		o.order.OrderDate = sheet.PgDate(raw)
		if !o.order.OrderDate.Valid {
			r.errs.Add(importing.ImportError{
				Section:   section,
				RowNumber: row.Number,
				Field:     "order_date",
				Message:   "order_date is not a recognized date",
				Value:     raw,
				Type:      importing.ErrorTypeValidation,
			})
			o.valid = false
		}
	}

	o.order.Remark = row.Get("remark")
	if !r.v.MaxLength(o.order.Remark, 500, section, row.Number, "remark") {
		o.valid = false
	}
	return o
}

func parseLine(r *run, section string, row sheet.Row, o *parsedOrder, materials, units map[string]int64) {
	ok := importing.ExistsInCache(r.v, materials, row.Get("material_code"), section, row.Number, "material_code", "material")
	ok = importing.ExistsInCache(r.v, units, row.Get("unit_code"), section, row.Number, "unit_code", "unit") && ok

	qty, qtyOK := r.decimal(row, section, "quantity", true, decimal.Zero)
	if qtyOK {
		qtyOK = r.v.Range(qty, minQuantity, maxAmount, section, row.Number, "quantity")
	}
	price, priceOK := r.decimal(row, section, "price", false, decimal.Zero)
	if priceOK {
		priceOK = r.v.Range(price, decimal.Zero, maxAmount, section, row.Number, "price")
	}
	ok = ok && qtyOK && priceOK

	lineNo := len(o.order.Lines) + 1
	if raw := row.Get("line_no"); raw != "" {
		n, isInt := sheet.Int(raw)
		if !isInt || n <= 0 {
			r.errs.Add(importing.ImportError{
				Section:   section,
				RowNumber: row.Number,
				Field:     "line_no",
				Message:   "line_no must be a positive whole number",
				Value:     raw,
				Type:      importing.ErrorTypeValidation,
			})
			ok = false
		} else {
			lineNo = n
		}
	}
	if ok {
		ok = r.unique(o.lineNos, strconv.Itoa(lineNo), section, row.Number, "line_no")
	}

	if !ok {
		o.valid = false
		return
	}
	o.order.Lines = append(o.order.Lines, OrderLine{
		LineNo:     lineNo,
		MaterialID: materials[row.Get("material_code")],
		UnitID:     units[row.Get("unit_code")],
		Quantity:   qty,
		Price:      price,
	})
}
