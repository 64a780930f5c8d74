// Package erp holds the import handlers for ERP master data and documents
// and the Postgres store they write to.
package erp

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// Entity names a table addressable by natural-key code.
type Entity string

const (
	EntityUnit          Entity = "unit"
	EntitySupplier      Entity = "supplier"
	EntityMaterialGroup Entity = "material-group"
	EntityMaterial      Entity = "material"
	EntityCustomer      Entity = "customer"
)

// Import types handled by this package.
const (
	TypeUnit          = "unit"
	TypeSupplier      = "supplier"
	TypeMaterial      = "material"
	TypeBOM           = "bom"
	TypePurchaseOrder = "purchase-order"
	TypeSaleOrder     = "sale-order"
)

// Types lists every import type in dependency order.
func Types() []string {
	return []string{TypeUnit, TypeSupplier, TypeMaterial, TypeBOM, TypePurchaseOrder, TypeSaleOrder}
}

type Unit struct {
	Code string `col:"code" validate:"required,code"`
	Name string `col:"name" validate:"required,max=200"`
}

type Supplier struct {
	Code      string `col:"code" validate:"required,code"`
	Name      string `col:"name" validate:"required,max=200"`
	ShortName string `col:"short_name" validate:"max=100"`
	Contact   string `col:"contact" validate:"max=200"`
}

type MaterialGroup struct {
	Code       string `col:"code" validate:"required,code"`
	Name       string `col:"name" validate:"required,max=200"`
	ParentCode string `col:"parent_code" validate:"code"`
	ParentID   *int64 `col:"-"`
}

type Material struct {
	Code          string `col:"code" validate:"required,code"`
	Name          string `col:"name" validate:"required,max=200"`
	Specification string `col:"specification" validate:"max=500"`
	GroupID       int64  `col:"-"`
	BaseUnitID    int64  `col:"-"`
}

type Customer struct {
	Code string
	Name string
}

// BOM is one bill of materials: a parent material at a version with its
// component lines.
type BOM struct {
	MaterialID int64
	Version    string
	Name       string
	Lines      []BOMLine
}

type BOMLine struct {
	ChildMaterialID int64
	UnitID          int64
	Numerator       decimal.Decimal
	Denominator     decimal.Decimal
}

// Order is a purchase or sale order header with its lines. For sale
// orders PartyID may be zero, in which case the customer is created from
// PartyCode and PartyName.
type Order struct {
	OrderNo   string
	PartyID   int64
	PartyCode string
	PartyName string
	OrderDate pgtype.Date
	Remark    string
	Lines     []OrderLine
}

type OrderLine struct {
	LineNo     int
	MaterialID int64
	UnitID     int64
	Quantity   decimal.Decimal
	Price      decimal.Decimal
}
