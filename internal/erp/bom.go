package erp

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/JonMunkholm/erpimport/internal/importing"
	"github.com/JonMunkholm/erpimport/internal/task"
)

const (
	sheetBOM = "bom"

	defaultBOMVersion = "1.0"
)

// importBOMs groups rows by parent material and version. A BOM is written
// only when every one of its rows is valid.
func (imp *Importer) importBOMs(ctx context.Context, ec task.ExecutionContext) (*task.ExecutionResult, error) {
	r, err := imp.begin(ctx, ec, sheetBOM)
	if err != nil {
		return nil, err
	}
	sec, err := r.section(sheetBOM, "parent_code", "child_code", "unit_code", "numerator")
	if err != nil {
		return nil, err
	}

	var materialCodes, unitCodes []string
	for _, row := range sec.Rows {
		materialCodes = append(materialCodes, row.Get("parent_code"), row.Get("child_code"))
		unitCodes = append(unitCodes, row.Get("unit_code"))
	}
	materials, err := imp.preload(ctx, r, EntityMaterial, materialCodes)
	if err != nil {
		return nil, err
	}
	units, err := imp.preload(ctx, r, EntityUnit, unitCodes)
	if err != nil {
		return nil, err
	}

	type group struct {
		bom      BOM
		row      int
		valid    bool
		children map[string]int
	}
	var order []string
	groups := make(map[string]*group)

	for _, row := range sec.Rows {
		parent := row.Get("parent_code")
		version := row.Get("version")
		if version == "" {
			version = defaultBOMVersion
		}
		key := parent + "\x00" + version

		g, ok := groups[key]
		if !ok {
			g = &group{
				bom:      BOM{Version: version, Name: row.Get("name")},
				row:      row.Number,
				valid:    true,
				children: make(map[string]int),
			}
			groups[key] = g
			order = append(order, key)
		}

		child := row.Get("child_code")
		ok = importing.ExistsInCache(r.v, materials, parent, sheetBOM, row.Number, "parent_code", "material")
		ok = importing.ExistsInCache(r.v, materials, child, sheetBOM, row.Number, "child_code", "material") && ok
		ok = importing.ExistsInCache(r.v, units, row.Get("unit_code"), sheetBOM, row.Number, "unit_code", "unit") && ok
		ok = r.v.MaxLength(version, 32, sheetBOM, row.Number, "version") && ok

		num, numOK := r.decimal(row, sheetBOM, "numerator", true, decimal.Zero)
		if numOK {
			numOK = r.v.Range(num, minQuantity, maxAmount, sheetBOM, row.Number, "numerator")
		}
		den, denOK := r.decimal(row, sheetBOM, "denominator", false, decimal.NewFromInt(1))
		if denOK {
			denOK = r.v.Range(den, minQuantity, maxAmount, sheetBOM, row.Number, "denominator")
		}
		ok = ok && numOK && denOK

		if child != "" && child == parent {
			r.errs.AddValidation(sheetBOM, row.Number, "child_code", fmt.Sprintf("material %s cannot be a component of itself", child))
			ok = false
		}
		if ok {
			ok = r.unique(g.children, child, sheetBOM, row.Number, "child_code")
		}

		if !ok {
			g.valid = false
			continue
		}
		g.bom.MaterialID = materials[parent]
		g.bom.Lines = append(g.bom.Lines, BOMLine{
			ChildMaterialID: materials[child],
			UnitID:          units[row.Get("unit_code")],
			Numerator:       num,
			Denominator:     den,
		})
	}

	var records []record[BOM]
	for _, key := range order {
		g := groups[key]
		r.total++
		if !g.valid {
			r.failed++
			continue
		}
		records = append(records, record[BOM]{value: g.bom, section: sheetBOM, row: g.row})
	}

	err = writeChunks(ctx, imp, r, records, func(ctx context.Context, w Writer, b BOM) error {
		_, err := w.UpsertBOM(ctx, b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.result(ctx)
}
