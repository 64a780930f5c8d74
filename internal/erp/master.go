package erp

import (
	"context"

	"github.com/JonMunkholm/erpimport/internal/importing"
	"github.com/JonMunkholm/erpimport/internal/task"
)

const (
	sheetUnit          = "unit"
	sheetSupplier      = "supplier"
	sheetMaterialGroup = "material-group"
	sheetMaterial      = "material"
)

func (imp *Importer) importUnits(ctx context.Context, ec task.ExecutionContext) (*task.ExecutionResult, error) {
	r, err := imp.begin(ctx, ec, sheetUnit)
	if err != nil {
		return nil, err
	}
	sec, err := r.section(sheetUnit, "code", "name")
	if err != nil {
		return nil, err
	}

	first := make(map[string]int)
	var records []record[Unit]
	for _, row := range sec.Rows {
		r.total++
		u := Unit{Code: row.Get("code"), Name: row.Get("name")}
		if !r.v.Struct(u, sheetUnit, row.Number) || !r.unique(first, u.Code, sheetUnit, row.Number, "code") {
			r.failed++
			continue
		}
		records = append(records, record[Unit]{value: u, section: sheetUnit, row: row.Number})
	}

	err = writeChunks(ctx, imp, r, records, func(ctx context.Context, w Writer, u Unit) error {
		_, err := w.UpsertUnit(ctx, u)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.result(ctx)
}

func (imp *Importer) importSuppliers(ctx context.Context, ec task.ExecutionContext) (*task.ExecutionResult, error) {
	r, err := imp.begin(ctx, ec, sheetSupplier)
	if err != nil {
		return nil, err
	}
	sec, err := r.section(sheetSupplier, "code", "name")
	if err != nil {
		return nil, err
	}

	first := make(map[string]int)
	var records []record[Supplier]
	for _, row := range sec.Rows {
		r.total++
		s := Supplier{
			Code:      row.Get("code"),
			Name:      row.Get("name"),
			ShortName: row.Get("short_name"),
			Contact:   row.Get("contact"),
		}
		if !r.v.Struct(s, sheetSupplier, row.Number) || !r.unique(first, s.Code, sheetSupplier, row.Number, "code") {
			r.failed++
			continue
		}
		records = append(records, record[Supplier]{value: s, section: sheetSupplier, row: row.Number})
	}

	err = writeChunks(ctx, imp, r, records, func(ctx context.Context, w Writer, s Supplier) error {
		_, err := w.UpsertSupplier(ctx, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.result(ctx)
}

// importMaterials reads an optional material-group sheet and the material
// sheet. Groups are created one at a time in file order so a parent
// declared earlier in the file resolves for its children.
func (imp *Importer) importMaterials(ctx context.Context, ec task.ExecutionContext) (*task.ExecutionResult, error) {
	r, err := imp.begin(ctx, ec, sheetMaterial)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]int64)
	if _, ok := r.wb.Section(sheetMaterialGroup); ok {
		if err := imp.importGroups(ctx, r, groups); err != nil {
			return nil, err
		}
	}

	sec, err := r.section(sheetMaterial, "code", "name", "group_code", "unit_code")
	if err != nil {
		return nil, err
	}

	var groupCodes, unitCodes []string
	for _, row := range sec.Rows {
		if _, ok := groups[row.Get("group_code")]; !ok {
			groupCodes = append(groupCodes, row.Get("group_code"))
		}
		unitCodes = append(unitCodes, row.Get("unit_code"))
	}
	found, err := imp.preload(ctx, r, EntityMaterialGroup, groupCodes)
	if err != nil {
		return nil, err
	}
	for code, id := range found {
		groups[code] = id
	}
	units, err := imp.preload(ctx, r, EntityUnit, unitCodes)
	if err != nil {
		return nil, err
	}

	first := make(map[string]int)
	var records []record[Material]
	for _, row := range sec.Rows {
		r.total++
		m := Material{
			Code:          row.Get("code"),
			Name:          row.Get("name"),
			Specification: row.Get("specification"),
		}
		ok := r.v.Struct(m, sheetMaterial, row.Number)
		ok = importing.ExistsInCache(r.v, groups, row.Get("group_code"), sheetMaterial, row.Number, "group_code", "material-group") && ok
		ok = importing.ExistsInCache(r.v, units, row.Get("unit_code"), sheetMaterial, row.Number, "unit_code", "unit") && ok
		if ok {
			ok = r.unique(first, m.Code, sheetMaterial, row.Number, "code")
		}
		if !ok {
			r.failed++
			continue
		}
		m.GroupID = groups[row.Get("group_code")]
		m.BaseUnitID = units[row.Get("unit_code")]
		records = append(records, record[Material]{value: m, section: sheetMaterial, row: row.Number})
	}

	err = writeChunks(ctx, imp, r, records, func(ctx context.Context, w Writer, m Material) error {
		_, err := w.UpsertMaterial(ctx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.result(ctx)
}

func (imp *Importer) importGroups(ctx context.Context, r *run, created map[string]int64) error {
	sec, err := r.section(sheetMaterialGroup, "code", "name")
	if err != nil {
		return err
	}

	declared := make(map[string]bool, len(sec.Rows))
	for _, row := range sec.Rows {
		declared[row.Get("code")] = true
	}
	var external []string
	for _, row := range sec.Rows {
		if p := row.Get("parent_code"); p != "" && !declared[p] {
			external = append(external, p)
		}
	}
	parents, err := imp.preload(ctx, r, EntityMaterialGroup, external)
	if err != nil {
		return err
	}

	first := make(map[string]int)
	for _, row := range sec.Rows {
		r.total++
		g := MaterialGroup{Code: row.Get("code"), Name: row.Get("name"), ParentCode: row.Get("parent_code")}
		if !r.v.Struct(g, sheetMaterialGroup, row.Number) || !r.unique(first, g.Code, sheetMaterialGroup, row.Number, "code") {
			r.failed++
			continue
		}

		if g.ParentCode != "" {
			id, ok := created[g.ParentCode]
			if !ok {
				id, ok = parents[g.ParentCode]
			}
			if !ok {
				r.errs.Add(importing.ImportError{
					Section:   sheetMaterialGroup,
					RowNumber: row.Number,
					Field:     "parent_code",
					Message:   "material-group " + g.ParentCode + " not found",
					Value:     g.ParentCode,
					Type:      importing.ErrorTypeData,
				})
				r.failed++
				continue
			}
			g.ParentID = &id
		}

		if r.opts.DryRun {
			created[g.Code] = 0
			r.written++
			continue
		}

		var id int64
		err := imp.inTx(ctx, r, func(ctx context.Context, w Writer) error {
			var err error
			id, err = w.InsertOrGetMaterialGroup(ctx, g)
			return err
		})
		if err != nil {
			r.errs.AddSystem(sheetMaterialGroup, row.Number, "code", err.Error())
			r.failed++
			continue
		}
		created[g.Code] = id
		r.written++
	}
	return nil
}
