package invoicing

import (
	"context"
	"fmt"

	"erpcore/internal/core"
	"erpcore/pkg/query"
	"erpcore/pkg/schema"
)

// Module implements the invoicing reference module: partners, invoices, and
// invoice lines with derived amounts.
type Module struct{}

// New constructs an invoicing module instance.
func New() Module {
	return Module{}
}

// Name returns the module identifier.
func (Module) Name() string { return "invoicing" }

// Version returns the module semantic version.
func (Module) Version() string { return "0.1.0" }

// Register wires the invoicing models, computed amounts, and constraints.
func (Module) Register(registry *core.ModuleRegistry) error {
	registry.DefineModel(schema.Def{
		Name:  "partner",
		Label: "Partner",
		Order: "name",
		Fields: []schema.Field{
			{Name: "name", Kind: schema.KindText, Required: true},
			{Name: "email", Kind: schema.KindText},
			{Name: "credit_limit", Kind: schema.KindFloat},
			{Name: "invoices", Kind: schema.KindOneToMany, Target: "invoice", Inverse: "partner_id"},
		},
	})

	registry.DefineModel(schema.Def{
		Name:  "invoice",
		Label: "Invoice",
		Order: "issued_on",
		Fields: []schema.Field{
			{Name: "number", Kind: schema.KindText, Required: true},
			{Name: "issued_on", Kind: schema.KindDate},
			{Name: "partner_id", Kind: schema.KindManyToOne, Target: "partner", Required: true, OnDelete: schema.CascadeRestrict},
			{Name: "lines", Kind: schema.KindOneToMany, Target: "invoice_line", Inverse: "invoice_id", OnDelete: schema.CascadeDelete},
			{Name: "total", Kind: schema.KindFloat, Computed: true, Stored: true, Depends: []string{"lines.subtotal"}},
		},
	})

	registry.DefineModel(schema.Def{
		Name:  "invoice_line",
		Label: "Invoice Line",
		Order: "id",
		Fields: []schema.Field{
			{Name: "description", Kind: schema.KindText},
			{Name: "quantity", Kind: schema.KindFloat, Default: 1.0},
			{Name: "unit_price", Kind: schema.KindFloat},
			{Name: "invoice_id", Kind: schema.KindManyToOne, Target: "invoice", Required: true},
			{Name: "subtotal", Kind: schema.KindFloat, Computed: true, Stored: true, Depends: []string{"quantity", "unit_price"}},
		},
	})

	if err := registry.Compute("invoice_line", "subtotal", computeSubtotal); err != nil {
		return err
	}
	if err := registry.Compute("invoice", "total", computeTotal); err != nil {
		return err
	}

	registry.Constrain("invoice_line", core.Constraint{
		Name:   "positive_quantity",
		Fields: []string{"quantity"},
		Check:  checkPositiveQuantity,
	})
	registry.Constrain("invoice", core.Constraint{
		Name:   "unique_number",
		Fields: []string{"number"},
		Check:  checkUniqueNumber,
	})
	return nil
}

func computeSubtotal(ctx context.Context, lines *core.RecordSet) error {
	for _, line := range lines.Records() {
		qty, err := line.GetFloat(ctx, "quantity")
		if err != nil {
			return err
		}
		price, err := line.GetFloat(ctx, "unit_price")
		if err != nil {
			return err
		}
		if err := line.Set("subtotal", qty*price); err != nil {
			return err
		}
	}
	return nil
}

func computeTotal(ctx context.Context, invoices *core.RecordSet) error {
	for _, invoice := range invoices.Records() {
		subtotals, err := invoice.Mapped(ctx, "lines.subtotal")
		if err != nil {
			return err
		}
		var total float64
		for _, v := range subtotals {
			if v == nil {
				continue
			}
			f, ok := v.(float64)
			if !ok {
				return fmt.Errorf("invoice line subtotal is %T, not float64", v)
			}
			total += f
		}
		if err := invoice.Set("total", total); err != nil {
			return err
		}
	}
	return nil
}

func checkPositiveQuantity(ctx context.Context, lines *core.RecordSet) (string, error) {
	for _, line := range lines.Records() {
		qty, err := line.GetFloat(ctx, "quantity")
		if err != nil {
			return "", err
		}
		if qty <= 0 {
			return fmt.Sprintf("quantity must be positive, got %v", qty), nil
		}
	}
	return "", nil
}

func checkUniqueNumber(ctx context.Context, invoices *core.RecordSet) (string, error) {
	for _, invoice := range invoices.Records() {
		number, err := invoice.GetString(ctx, "number")
		if err != nil {
			return "", err
		}
		if number == "" {
			continue
		}
		dup, err := invoice.SearchCount(ctx, query.Domain{query.C("number", query.OpEq, number)})
		if err != nil {
			return "", err
		}
		if dup > 1 {
			return fmt.Sprintf("invoice number %s already used", number), nil
		}
	}
	return "", nil
}
