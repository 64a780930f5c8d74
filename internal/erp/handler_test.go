package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/erpimport/internal/importing"
	"github.com/JonMunkholm/erpimport/internal/task"
)

type sheetData struct {
	name string
	rows [][]any
}

func workbook(t *testing.T, sheets ...sheetData) []byte {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	for i, s := range sheets {
		if i == 0 {
			require.NoError(t, f.SetSheetName("Sheet1", s.name))
		} else {
			_, err := f.NewSheet(s.name)
			require.NoError(t, err)
		}
		for r, row := range s.rows {
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetSheetRow(s.name, cell, &row))
		}
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func csvContext(importType, content string) task.ExecutionContext {
	return task.ExecutionContext{
		TaskID:      1,
		ItemID:      1,
		TaskCode:    "TEST-1",
		ImportType:  importType,
		FileName:    importType + ".csv",
		ContentType: "text/csv",
		FileContent: []byte(content),
	}
}

func xlsxContext(importType string, data []byte) task.ExecutionContext {
	return task.ExecutionContext{
		TaskID:      1,
		ItemID:      1,
		TaskCode:    "TEST-1",
		ImportType:  importType,
		FileName:    importType + ".xlsx",
		FileContent: data,
	}
}

func mustGet(t *testing.T, reg *task.Registry, importType string) task.Handler {
	t.Helper()
	h, ok := reg.Get(importType)
	require.True(t, ok, "no handler for %s", importType)
	return h
}

func execute(t *testing.T, imp *Importer, ec task.ExecutionContext) *task.ExecutionResult {
	t.Helper()
	reg := task.NewRegistry()
	Register(reg, imp)
	h := mustGet(t, reg, ec.ImportType)

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func failureAt(res *task.ExecutionResult, section string, row int) *task.FailureDetail {
	for i := range res.Failures {
		if res.Failures[i].Section == section && res.Failures[i].RowNumber == row {
			return &res.Failures[i]
		}
	}
	return nil
}

func TestRegisterCoversEveryType(t *testing.T) {
	reg := task.NewRegistry()
	Register(reg, NewImporter(newFakeStore(), nil, nil))

	for _, typ := range Types() {
		h, ok := reg.Get(typ)
		assert.True(t, ok, typ)
		assert.NotNil(t, h, typ)
	}
	assert.Equal(t, len(Types()), reg.Len())
}

func TestImportUnitsCountsAndFailures(t *testing.T) {
	store := newFakeStore()
	imp := NewImporter(store, nil, nil)

	res := execute(t, imp, csvContext(TypeUnit, "Code*,Name\nKG,Kilogram\n,Nameless\nBX,Box\nKG,Again\nPC,Piece\n"))

	assert.Equal(t, 5, res.TotalCount)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)
	require.Len(t, res.Failures, 2)

	missing := failureAt(res, "unit", 3)
	require.NotNil(t, missing)
	assert.Equal(t, "code", missing.Field)
	assert.Equal(t, ",Nameless", missing.RawPayload)

	dup := failureAt(res, "unit", 5)
	require.NotNil(t, dup)
	assert.Contains(t, dup.Message, "first seen on row 2")

	ids, err := store.Lookup(context.Background(), EntityUnit, []string{"KG", "BX", "PC"})
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	var summary Summary
	require.NoError(t, json.Unmarshal(res.Summary, &summary))
	assert.Equal(t, 5, summary.Records)
	assert.Equal(t, 3, summary.Written)
	assert.Equal(t, 2, summary.Errors.ByType[importing.ErrorTypeValidation])
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := newFakeStore()
	imp := NewImporter(store, nil, nil)

	execute(t, imp, csvContext(TypeSupplier, "code,name\nS1,First name\n"))
	before, _ := store.Lookup(context.Background(), EntitySupplier, []string{"S1"})

	execute(t, imp, csvContext(TypeSupplier, "code,name,short_name\nS1,Second name,SN\n"))
	after, _ := store.Lookup(context.Background(), EntitySupplier, []string{"S1"})

	assert.Equal(t, before["S1"], after["S1"])
	assert.Equal(t, 1, store.count(string(EntitySupplier)))
	v, _ := store.row(string(EntitySupplier), "S1")
	assert.Equal(t, "Second name", v.(Supplier).Name)
	assert.Equal(t, "SN", v.(Supplier).ShortName)
}

func TestFailedChunkMarksOnlyItsRows(t *testing.T) {
	store := newFakeStore()
	store.fail["U3"] = errors.New("disk full")
	modules := importing.NewModuleConfig(importing.ModuleSettings{BatchInsertSize: 2}, nil)
	imp := NewImporter(store, modules, nil)

	res := execute(t, imp, csvContext(TypeUnit, "code,name\nU1,a\nU2,b\nU3,c\nU4,d\nU5,e\n"))

	assert.Equal(t, 5, res.TotalCount)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)
	require.Len(t, res.Failures, 2)
	for _, f := range res.Failures {
		assert.True(t, strings.HasPrefix(f.Message, "batch 2 failed"), f.Message)
	}
	assert.NotNil(t, failureAt(res, "unit", 4))
	assert.NotNil(t, failureAt(res, "unit", 5))

	ids, _ := store.Lookup(context.Background(), EntityUnit, []string{"U1", "U2", "U3", "U4", "U5"})
	assert.Len(t, ids, 3)
	assert.NotContains(t, ids, "U4", "rolled back with its chunk")
}

func TestDeadlockIsRetried(t *testing.T) {
	store := newFakeStore()
	store.deadlocks = 1
	imp := NewImporter(store, nil, nil)

	res := execute(t, imp, csvContext(TypeUnit, "code,name\nKG,Kilogram\n"))

	assert.Equal(t, 1, res.SuccessCount)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 2, store.txCount)
}

func TestDryRunWritesNothing(t *testing.T) {
	store := newFakeStore()
	imp := NewImporter(store, nil, nil)

	ec := csvContext(TypeUnit, "code,name\nKG,Kilogram\nBX,\n")
	ec.OptionsJSON = json.RawMessage(`{"dryRun":true}`)
	res := execute(t, imp, ec)

	assert.Equal(t, 2, res.TotalCount)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 0, store.count(string(EntityUnit)))
	assert.Zero(t, store.txCount)
}

func TestMissingSheetOrColumnFailsItem(t *testing.T) {
	imp := NewImporter(newFakeStore(), nil, nil)
	reg := task.NewRegistry()
	Register(reg, imp)

	_, err := mustGet(t, reg, TypeUnit).Execute(context.Background(), csvContext(TypeUnit, "code\nKG\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing columns: name")

	data := workbook(t, sheetData{name: "other", rows: [][]any{{"code", "name"}}})
	_, err = mustGet(t, reg, TypeUnit).Execute(context.Background(), xlsxContext(TypeUnit, data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sheet "unit" not found`)

	_, err = mustGet(t, reg, TypeUnit).Execute(context.Background(), task.ExecutionContext{
		ImportType: TypeUnit, FileName: "u.csv", FileContent: []byte("code,name\n"), OptionsJSON: json.RawMessage(`{`),
	})
	assert.Error(t, err)
}

func TestImportMaterialsWithGroups(t *testing.T) {
	store := newFakeStore()
	store.seed(EntityUnit, "KG", "PC")
	store.seed(EntityMaterialGroup, "ROOT")
	imp := NewImporter(store, nil, nil)

	data := workbook(t,
		sheetData{name: "Material-Group", rows: [][]any{
			{"Code", "Name", "Parent Code"},
			{"RAW", "Raw materials", "ROOT"},
			{"STEEL", "Steel", "RAW"},
			{"ORPHAN", "Orphan", "NOPE"},
		}},
		sheetData{name: "Material", rows: [][]any{
			{"Code", "Name", "Specification", "Group Code", "Unit Code"},
			{"M1", "Bolt", "M6", "STEEL", "PC"},
			{"M2", "Plate", "", "ROOT", "KG"},
			{"M3", "Mystery", "", "MISSING", "KG"},
			{"M4", "Wire", "", "RAW", "LB"},
		}},
	)
	res := execute(t, imp, xlsxContext(TypeMaterial, data))

	assert.Equal(t, 7, res.TotalCount)
	assert.Equal(t, 4, res.SuccessCount)
	assert.Equal(t, 3, res.FailureCount)

	orphan := failureAt(res, "material-group", 4)
	require.NotNil(t, orphan)
	assert.Equal(t, "parent_code", orphan.Field)
	assert.Equal(t, "material-group NOPE not found", orphan.Message)

	unknownGroup := failureAt(res, "material", 4)
	require.NotNil(t, unknownGroup)
	assert.Equal(t, "group_code", unknownGroup.Field)

	unknownUnit := failureAt(res, "material", 5)
	require.NotNil(t, unknownUnit)
	assert.Equal(t, "unit LB not found", unknownUnit.Message)

	groups, _ := store.Lookup(context.Background(), EntityMaterialGroup, []string{"RAW", "STEEL"})
	require.Len(t, groups, 2)
	steel, _ := store.row(string(EntityMaterialGroup), "STEEL")
	require.NotNil(t, steel.(MaterialGroup).ParentID)
	assert.Equal(t, groups["RAW"], *steel.(MaterialGroup).ParentID)

	m1, ok := store.row(string(EntityMaterial), "M1")
	require.True(t, ok)
	assert.Equal(t, groups["STEEL"], m1.(Material).GroupID)
}

func TestImportBOMsGroupsRows(t *testing.T) {
	store := newFakeStore()
	store.seed(EntityUnit, "PC")
	store.seed(EntityMaterial, "CAR", "WHEEL", "BOLT", "BIKE")
	imp := NewImporter(store, nil, nil)

	res := execute(t, imp, csvContext(TypeBOM,
		"parent_code,version,child_code,unit_code,numerator,denominator\n"+
			"CAR,A,WHEEL,PC,4,\n"+
			"CAR,A,BOLT,PC,16,1\n"+
			"BIKE,,WHEEL,PC,2,1\n"+
			"BIKE,,BOLT,PC,abc,1\n"+
			"CAR,B,CAR,PC,1,1\n"))

	assert.Equal(t, 3, res.TotalCount)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)

	bad := failureAt(res, "bom", 5)
	require.NotNil(t, bad)
	assert.Equal(t, "numerator", bad.Field)
	self := failureAt(res, "bom", 6)
	require.NotNil(t, self)
	assert.Equal(t, "child_code", self.Field)

	assert.Equal(t, 1, store.count("bom"))
	ids, _ := store.Lookup(context.Background(), EntityMaterial, []string{"CAR"})
	v, ok := store.row("bom", fmt.Sprintf("%d/A", ids["CAR"]))
	require.True(t, ok)
	b := v.(BOM)
	require.Len(t, b.Lines, 2)
	assert.True(t, b.Lines[0].Denominator.Equal(decimal.NewFromInt(1)), "blank denominator defaults to 1")
	assert.True(t, b.Lines[1].Numerator.Equal(decimal.NewFromInt(16)))
}

func TestImportPurchaseOrders(t *testing.T) {
	store := newFakeStore()
	store.seed(EntitySupplier, "S1")
	store.seed(EntityMaterial, "M1", "M2")
	store.seed(EntityUnit, "PC")
	imp := NewImporter(store, nil, nil)

	data := workbook(t,
		sheetData{name: "purchase-order", rows: [][]any{
			{"Order No", "Supplier Code", "Order Date", "Remark"},
			{"PO-1", "S1", "2024-03-01", "rush"},
			{"PO-2", "S9", "", ""},
			{"PO-3", "S1", "not a date", ""},
		}},
		sheetData{name: "purchase-order-item", rows: [][]any{
			{"Order No", "Line No", "Material Code", "Unit Code", "Quantity", "Price"},
			{"PO-1", 1, "M1", "PC", 2, "1.50"},
			{"PO-1", 2, "M2", "PC", "3", ""},
			{"PO-2", 1, "M1", "PC", 1, 1},
			{"PO-3", 1, "M1", "PC", 1, 1},
			{"PO-9", 1, "M1", "PC", 1, 1},
		}},
	)
	res := execute(t, imp, xlsxContext(TypePurchaseOrder, data))

	assert.Equal(t, 3, res.TotalCount)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)

	require.NotNil(t, failureAt(res, "purchase-order", 3))
	date := failureAt(res, "purchase-order", 4)
	require.NotNil(t, date)
	assert.Equal(t, "order_date", date.Field)
	orphan := failureAt(res, "purchase-order-item", 6)
	require.NotNil(t, orphan)
	assert.Equal(t, "order PO-9 has no header row", orphan.Message)

	v, ok := store.row("purchase-order", "PO-1")
	require.True(t, ok)
	po := v.(Order)
	assert.Equal(t, "rush", po.Remark)
	assert.True(t, po.OrderDate.Valid)
	require.Len(t, po.Lines, 2)
	assert.Equal(t, "1.5", po.Lines[0].Price.String())
	assert.True(t, po.Lines[1].Price.IsZero())
}

func TestImportSaleOrdersFlatCreatesCustomers(t *testing.T) {
	store := newFakeStore()
	store.seed(EntityMaterial, "M1", "M2")
	store.seed(EntityUnit, "PC")
	imp := NewImporter(store, nil, nil)

	res := execute(t, imp, csvContext(TypeSaleOrder,
		"order_no,customer_code,customer_name,material_code,unit_code,quantity,price\n"+
			"SO-1,C1,Acme,M1,PC,1,10\n"+
			"SO-1,C1,Acme,M2,PC,2,5\n"+
			"SO-2,C1,,M1,PC,0,1\n"))

	assert.Equal(t, 2, res.TotalCount)
	assert.Equal(t, 1, res.SuccessCount)
	qty := failureAt(res, "sale-order", 4)
	require.NotNil(t, qty)
	assert.Equal(t, "quantity", qty.Field)

	customers, _ := store.Lookup(context.Background(), EntityCustomer, []string{"C1"})
	require.Contains(t, customers, "C1")

	v, ok := store.row("sale-order", "SO-1")
	require.True(t, ok)
	so := v.(Order)
	assert.Equal(t, customers["C1"], so.PartyID)
	require.Len(t, so.Lines, 2)
	assert.Equal(t, 2, so.Lines[1].LineNo)
}
