package invoicing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"erpcore/internal/core"
	"erpcore/internal/infra/persistence/memory"
	"erpcore/pkg/query"
)

func newEnv(t *testing.T) *core.Environment {
	t.Helper()
	svc := core.NewService(memory.NewStore())
	if _, err := svc.InstallModule(New()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := svc.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	env, err := svc.Env(1, "accountant")
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	return env
}

func create(t *testing.T, env *core.Environment, model string, values map[string]any) *core.RecordSet {
	t.Helper()
	rs, err := env.Model(model)
	if err != nil {
		t.Fatalf("model %s: %v", model, err)
	}
	created, err := rs.Create(context.Background(), values)
	if err != nil {
		t.Fatalf("create %s: %v", model, err)
	}
	return created
}

func seedInvoice(t *testing.T, env *core.Environment) (partner, invoice *core.RecordSet) {
	t.Helper()
	partner = create(t, env, "partner", map[string]any{
		"name":         "Acme",
		"email":        "billing@acme.test",
		"credit_limit": 5000.0,
	})
	invoice = create(t, env, "invoice", map[string]any{
		"number":     "INV-001",
		"issued_on":  "2026-08-01",
		"partner_id": partner,
	})
	create(t, env, "invoice_line", map[string]any{
		"description": "Consulting",
		"quantity":    4.0,
		"unit_price":  120.0,
		"invoice_id":  invoice,
	})
	create(t, env, "invoice_line", map[string]any{
		"description": "Travel",
		"unit_price":  80.0,
		"invoice_id":  invoice,
	})
	return partner, invoice
}

func TestInvoiceTotalsFollowLines(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	_, invoice := seedInvoice(t, env)

	// 4 * 120 plus one line at the default quantity of 1.
	total, err := invoice.GetFloat(ctx, "total")
	if err != nil || total != 560.0 {
		t.Fatalf("total = %v, %v", total, err)
	}

	lines, err := invoice.MappedRecords(ctx, "lines")
	if err != nil || lines.Len() != 2 {
		t.Fatalf("lines = %v, %v", lines.IDs(), err)
	}
	first, err := lines.Records()[0].Get(ctx, "subtotal")
	if err != nil || first != 480.0 {
		t.Fatalf("subtotal = %v, %v", first, err)
	}

	// Changing a quantity ripples into the line and the invoice.
	if err := lines.Records()[0].Write(ctx, map[string]any{"quantity": 2.0}); err != nil {
		t.Fatalf("write quantity: %v", err)
	}
	total, err = invoice.GetFloat(ctx, "total")
	if err != nil || total != 320.0 {
		t.Fatalf("total after write = %v, %v", total, err)
	}

	// Removing a line drops its contribution.
	if err := lines.Records()[1].Unlink(ctx); err != nil {
		t.Fatalf("unlink line: %v", err)
	}
	total, err = invoice.GetFloat(ctx, "total")
	if err != nil || total != 240.0 {
		t.Fatalf("total after unlink = %v, %v", total, err)
	}
}

func TestQuantityMustBePositive(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	_, invoice := seedInvoice(t, env)

	_, err := mustLines(t, env).Create(ctx, map[string]any{
		"quantity":   -1.0,
		"unit_price": 10.0,
		"invoice_id": invoice,
	})
	var verr core.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Constraint != "positive_quantity" || !strings.Contains(verr.Message, "positive") {
		t.Fatalf("violation = %+v", verr)
	}
}

func TestInvoiceNumbersAreUnique(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	partner, _ := seedInvoice(t, env)

	invoices, err := env.Model("invoice")
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	_, err = invoices.Create(ctx, map[string]any{
		"number":     "INV-001",
		"partner_id": partner,
	})
	var verr core.ValidationError
	if !errors.As(err, &verr) || verr.Constraint != "unique_number" {
		t.Fatalf("expected unique_number violation, got %v", err)
	}

	// A different number passes.
	if _, err := invoices.Create(ctx, map[string]any{
		"number":     "INV-002",
		"partner_id": partner,
	}); err != nil {
		t.Fatalf("create second invoice: %v", err)
	}
}

func TestPartnerDeleteRestrictedByInvoices(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	partner, invoice := seedInvoice(t, env)

	err := partner.Unlink(ctx)
	var ierr core.IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if ierr.RefModel != "invoice" || ierr.RefField != "partner_id" {
		t.Fatalf("reference = %+v", ierr)
	}

	// Deleting the invoice cascades to its lines, after which the partner
	// can go.
	if err := invoice.Unlink(ctx); err != nil {
		t.Fatalf("unlink invoice: %v", err)
	}
	count, err := mustLines(t, env).SearchCount(ctx, nil)
	if err != nil || count != 0 {
		t.Fatalf("line count = %d, %v", count, err)
	}
	if err := partner.Unlink(ctx); err != nil {
		t.Fatalf("unlink partner: %v", err)
	}
}

func TestInvoiceSearchByPartner(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	seedInvoice(t, env)
	other := create(t, env, "partner", map[string]any{"name": "Globex"})
	create(t, env, "invoice", map[string]any{"number": "INV-900", "partner_id": other})

	invoices, err := env.Model("invoice")
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	found, err := invoices.Search(ctx, query.Domain{
		query.C("partner_id.name", query.OpEq, "Acme"),
	}, core.SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	number, err := found.GetString(ctx, "number")
	if err != nil || number != "INV-001" {
		t.Fatalf("number = %q, %v", number, err)
	}
}

func mustLines(t *testing.T, env *core.Environment) *core.RecordSet {
	t.Helper()
	rs, err := env.Model("invoice_line")
	if err != nil {
		t.Fatalf("model invoice_line: %v", err)
	}
	return rs
}
