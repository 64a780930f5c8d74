package erp

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Writer performs the idempotent writes of one chunk. Every method is an
// "insert, or on conflict update and return" keyed by natural code, so
// repeated or concurrent calls for the same code yield exactly one row.
type Writer interface {
	UpsertUnit(ctx context.Context, u Unit) (int64, error)
	UpsertSupplier(ctx context.Context, s Supplier) (int64, error)
	InsertOrGetMaterialGroup(ctx context.Context, g MaterialGroup) (int64, error)
	UpsertMaterial(ctx context.Context, m Material) (int64, error)
	InsertOrGetCustomer(ctx context.Context, c Customer) (int64, error)
	UpsertBOM(ctx context.Context, b BOM) (int64, error)
	ReplacePurchaseOrder(ctx context.Context, o Order) (int64, error)
	ReplaceSaleOrder(ctx context.Context, o Order) (int64, error)
}

// Store resolves codes and runs chunk transactions.
type Store interface {
	// Lookup maps the given codes of entity to row ids. Unknown codes are absent.
	Lookup(ctx context.Context, entity Entity, codes []string) (map[string]int64, error)

	// WithTx runs fn in one transaction, committed only if fn returns nil.
	WithTx(ctx context.Context, fn func(w Writer) error) error
}

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

var entityTables = map[Entity]string{
	EntityUnit:          "erp_unit",
	EntitySupplier:      "erp_supplier",
	EntityMaterialGroup: "erp_material_group",
	EntityMaterial:      "erp_material",
	EntityCustomer:      "erp_customer",
}

// PostgresStore is the pgx implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Lookup(ctx context.Context, entity Entity, codes []string) (map[string]int64, error) {
	table, ok := entityTables[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}

	rows, err := s.pool.Query(ctx, `SELECT code, id FROM `+table+` WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", entity, err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(codes))
	for rows.Next() {
		var code string
		var id int64
		if err := rows.Scan(&code, &id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", entity, err)
		}
		out[code] = id
	}
	return out, rows.Err()
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(w Writer) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(pgWriter{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgWriter struct {
	db DBTX
}

func (w pgWriter) UpsertUnit(ctx context.Context, u Unit) (int64, error) {
	var id int64
	err := w.db.QueryRow(ctx, `
		INSERT INTO erp_unit (code, name) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, updated_at = now()
		RETURNING id`, u.Code, u.Name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert unit %s: %w", u.Code, err)
	}
	return id, nil
}

func (w pgWriter) UpsertSupplier(ctx context.Context, s Supplier) (int64, error) {
	var id int64
	err := w.db.QueryRow(ctx, `
		INSERT INTO erp_supplier (code, name, short_name, contact) VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			short_name = EXCLUDED.short_name,
			contact = EXCLUDED.contact,
			updated_at = now()
		RETURNING id`, s.Code, s.Name, s.ShortName, s.Contact).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert supplier %s: %w", s.Code, err)
	}
	return id, nil
}

func (w pgWriter) InsertOrGetMaterialGroup(ctx context.Context, g MaterialGroup) (int64, error) {
	var id int64
	err := w.db.QueryRow(ctx, `
		INSERT INTO erp_material_group (code, name, parent_id) VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			parent_id = COALESCE(EXCLUDED.parent_id, erp_material_group.parent_id),
			updated_at = now()
		RETURNING id`, g.Code, g.Name, g.ParentID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert-or-get material group %s: %w", g.Code, err)
	}
	return id, nil
}

func (w pgWriter) UpsertMaterial(ctx context.Context, m Material) (int64, error) {
	var id int64
	err := w.db.QueryRow(ctx, `
		INSERT INTO erp_material (code, name, specification, group_id, base_unit_id) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			specification = EXCLUDED.specification,
			group_id = EXCLUDED.group_id,
			base_unit_id = EXCLUDED.base_unit_id,
			updated_at = now()
		RETURNING id`, m.Code, m.Name, m.Specification, m.GroupID, m.BaseUnitID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert material %s: %w", m.Code, err)
	}
	return id, nil
}

func (w pgWriter) InsertOrGetCustomer(ctx context.Context, c Customer) (int64, error) {
	// A blank name keeps the stored one; a new customer falls back to its code.
	var id int64
	err := w.db.QueryRow(ctx, `
		INSERT INTO erp_customer (code, name) VALUES ($1, COALESCE(NULLIF($2::text, ''), $1))
		ON CONFLICT (code) DO UPDATE SET
			name = COALESCE(NULLIF($2::text, ''), erp_customer.name),
			updated_at = now()
		RETURNING id`, c.Code, c.Name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert-or-get customer %s: %w", c.Code, err)
	}
	return id, nil
}

// UpsertBOM writes the header and replaces every component line.
func (w pgWriter) UpsertBOM(ctx context.Context, b BOM) (int64, error) {
	var id int64
	err := w.db.QueryRow(ctx, `
		INSERT INTO erp_bom (material_id, version, name) VALUES ($1, $2, $3)
		ON CONFLICT (material_id, version) DO UPDATE SET name = EXCLUDED.name, updated_at = now()
		RETURNING id`, b.MaterialID, b.Version, b.Name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert bom %d/%s: %w", b.MaterialID, b.Version, err)
	}

	if _, err := w.db.Exec(ctx, `DELETE FROM erp_bom_item WHERE bom_id = $1`, id); err != nil {
		return 0, fmt.Errorf("clear bom lines: %w", err)
	}

	rows := make([][]any, len(b.Lines))
	for i, l := range b.Lines {
		num, err := numeric(l.Numerator)
		if err != nil {
			return 0, err
		}
		den, err := numeric(l.Denominator)
		if err != nil {
			return 0, err
		}
		rows[i] = []any{id, l.ChildMaterialID, l.UnitID, num, den}
	}
	_, err = w.db.CopyFrom(ctx,
		pgx.Identifier{"erp_bom_item"},
		[]string{"bom_id", "child_material_id", "unit_id", "numerator", "denominator"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy bom lines: %w", err)
	}
	return id, nil
}

func (w pgWriter) ReplacePurchaseOrder(ctx context.Context, o Order) (int64, error) {
	return w.replaceOrder(ctx, "erp_purchase_order", "supplier_id", o)
}

// ReplaceSaleOrder creates the customer first when the order carries only
// its code.
func (w pgWriter) ReplaceSaleOrder(ctx context.Context, o Order) (int64, error) {
	if o.PartyID == 0 {
		id, err := w.InsertOrGetCustomer(ctx, Customer{Code: o.PartyCode, Name: o.PartyName})
		if err != nil {
			return 0, err
		}
		o.PartyID = id
	}
	return w.replaceOrder(ctx, "erp_sale_order", "customer_id", o)
}

// replaceOrder upserts the header by order number and replaces its lines,
// so re-importing an order never leaves lines from an earlier file.
func (w pgWriter) replaceOrder(ctx context.Context, table, partyColumn string, o Order) (int64, error) {
	var id int64
	err := w.db.QueryRow(ctx, `
		INSERT INTO `+table+` (order_no, `+partyColumn+`, order_date, remark) VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_no) DO UPDATE SET
			`+partyColumn+` = EXCLUDED.`+partyColumn+`,
			order_date = EXCLUDED.order_date,
			remark = EXCLUDED.remark,
			updated_at = now()
		RETURNING id`, o.OrderNo, o.PartyID, o.OrderDate, o.Remark).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert order %s: %w", o.OrderNo, err)
	}

	if _, err := w.db.Exec(ctx, `DELETE FROM `+table+`_item WHERE order_id = $1`, id); err != nil {
		return 0, fmt.Errorf("clear order lines: %w", err)
	}

	rows := make([][]any, len(o.Lines))
	for i, l := range o.Lines {
		qty, err := numeric(l.Quantity)
		if err != nil {
			return 0, err
		}
		price, err := numeric(l.Price)
		if err != nil {
			return 0, err
		}
		rows[i] = []any{id, int32(l.LineNo), l.MaterialID, l.UnitID, qty, price}
	}
	_, err = w.db.CopyFrom(ctx,
		pgx.Identifier{table + "_item"},
		[]string{"order_id", "line_no", "material_id", "unit_id", "quantity", "price"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy order lines: %w", err)
	}
	return id, nil
}

func numeric(d decimal.Decimal) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := n.Scan(d.String()); err != nil {
		return pgtype.Numeric{}, fmt.Errorf("convert %s to numeric: %w", d, err)
	}
	return n, nil
}

