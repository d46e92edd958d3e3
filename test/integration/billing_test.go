//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/internal/domain/billing"
	"github.com/hmis/billing/internal/domain/catalog"
	"github.com/hmis/billing/internal/domain/coverage"
	"github.com/hmis/billing/pkg/money"
)

func ugx(n int64) money.Money { return money.New(n, "UGX") }

// seedInvoice prices CONSULT at price and returns a finalized invoice for one
// consultation.
func seedInvoice(t *testing.T, ctx context.Context, tenantID string, svc services, price int64, pt billing.PaymentType, patientID uuid.UUID) *billing.Invoice {
	t.Helper()
	var inv *billing.Invoice
	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		if err := svc.catalog.Save(ctx, &catalog.Entry{Code: "CONSULT", Name: "Consultation", UnitPrice: price, Active: true}); err != nil {
			return err
		}
		created, err := svc.billing.CreateInvoice(ctx, billing.CreateInvoiceInput{
			PatientID:   patientID,
			PaymentType: pt,
			Lines:       []billing.LineItemInput{{ServiceCode: "CONSULT", Quantity: 1}},
		})
		if err != nil {
			return err
		}
		inv, _, err = svc.billing.FinalizeInvoice(ctx, created.ID, false)
		return err
	})
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
	return inv
}

func TestInvoicePersistence_InsuranceCoverage(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t, "cov")
	svc := newServices()
	patientID := uuid.New()

	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		return svc.coverage.Save(ctx, &coverage.Profile{
			PatientID:   patientID,
			PaymentType: "insurance",
			SchemeName:  "Jubilee",
			CopayBps:    ptrInt64(1500),
		})
	})
	if err != nil {
		t.Fatalf("save coverage profile: %v", err)
	}

	inv := seedInvoice(t, ctx, tenantID, svc, 20000, billing.PaymentTypeInsurance, patientID)

	var loaded *billing.Invoice
	err = withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		var err error
		loaded, err = svc.billing.GetInvoice(ctx, inv.ID)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != billing.StatusPending {
		t.Errorf("status = %s, want pending", loaded.Status)
	}
	if loaded.Subtotal.Amount != 20000 || loaded.CoveredAmount.Amount != 17000 || loaded.TotalAmount.Amount != 3000 {
		t.Errorf("subtotal=%d covered=%d total=%d", loaded.Subtotal.Amount, loaded.CoveredAmount.Amount, loaded.TotalAmount.Amount)
	}
	if loaded.CoverageRule != billing.RuleInsuranceCopay {
		t.Errorf("rule = %s", loaded.CoverageRule)
	}
	if len(loaded.Lines) != 1 || loaded.Lines[0].UnitPrice.Amount != 20000 {
		t.Errorf("lines not persisted: %+v", loaded.Lines)
	}
	if loaded.Number == "" {
		t.Error("expected an invoice number")
	}
}

func TestConcurrentPayments_NeverOverpay(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t, "pay")
	svc := newServices()
	inv := seedInvoice(t, ctx, tenantID, svc, 10000, billing.PaymentTypeCash, uuid.New())

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = withTenantConn(ctx, tenantID, func(ctx context.Context) error {
				_, err := svc.billing.ApplyPayment(ctx, inv.ID, billing.PaymentRequest{
					Tendered:       ugx(2000),
					Method:         billing.MethodMobileMoney,
					IdempotencyKey: fmt.Sprintf("momo-%d", i),
				})
				return err
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, billing.ErrInvoiceNotPayable), errors.Is(err, billing.ErrConcurrentModification):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 5 {
		t.Errorf("%d payments succeeded, want 5", succeeded)
	}

	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		got, err := svc.billing.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		if got.Status != billing.StatusPaid || got.PaidAmount.Amount != 10000 || !got.Balance.IsZero() {
			t.Errorf("status=%s paid=%d balance=%d", got.Status, got.PaidAmount.Amount, got.Balance.Amount)
		}
		payments, err := svc.billing.ListPayments(ctx, inv.ID)
		if err != nil {
			return err
		}
		var sum int64
		for _, p := range payments {
			if p.Status == billing.PaymentCompleted {
				sum += p.Amount.Amount
			}
		}
		if sum != 10000 {
			t.Errorf("ledger sum = %d, want 10000", sum)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPayment_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t, "idem")
	svc := newServices()
	inv := seedInvoice(t, ctx, tenantID, svc, 10000, billing.PaymentTypeCash, uuid.New())

	req := billing.PaymentRequest{Tendered: ugx(4000), Method: billing.MethodCash, IdempotencyKey: "till-1-0042"}
	var first, second *billing.PaymentResult
	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		var err error
		first, err = svc.billing.ApplyPayment(ctx, inv.ID, req)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	err = withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		var err error
		second, err = svc.billing.ApplyPayment(ctx, inv.ID, req)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed || second.Payment.ID != first.Payment.ID {
		t.Errorf("replay returned a different payment: %+v", second)
	}

	other := seedInvoice(t, ctx, tenantID, svc, 10000, billing.PaymentTypeCash, uuid.New())
	err = withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		_, err := svc.billing.ApplyPayment(ctx, other.ID, req)
		return err
	})
	if !errors.Is(err, billing.ErrIdempotencyKeyConflict) {
		t.Errorf("key reuse on another invoice: %v", err)
	}
}

func TestVoid_RestoresBalance(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t, "void")
	svc := newServices()
	inv := seedInvoice(t, ctx, tenantID, svc, 10000, billing.PaymentTypeCash, uuid.New())

	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		res, err := svc.billing.ApplyPayment(ctx, inv.ID, billing.PaymentRequest{
			Tendered: ugx(10000), Method: billing.MethodCard, IdempotencyKey: "card-1",
		})
		if err != nil {
			return err
		}
		p, after, err := svc.billing.VoidPayment(ctx, res.Payment.ID, "card declined after capture", "supervisor-2")
		if err != nil {
			return err
		}
		if p.Status != billing.PaymentVoided || after.Status != billing.StatusPending || after.Balance.Amount != 10000 {
			t.Errorf("after void: payment=%s invoice=%s balance=%d", p.Status, after.Status, after.Balance.Amount)
		}
		if _, _, err := svc.billing.VoidPayment(ctx, res.Payment.ID, "again", "supervisor-2"); !errors.Is(err, billing.ErrAlreadyVoided) {
			t.Errorf("second void: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInvoiceNumbers_UniqueUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t, "num")
	svc := newServices()

	const n = 6
	numbers := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
				inv, err := svc.billing.CreateInvoice(ctx, billing.CreateInvoiceInput{PatientID: uuid.New()})
				if err != nil {
					return err
				}
				numbers[i] = inv.Number
				return nil
			})
			if err != nil {
				t.Errorf("create: %v", err)
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, num := range numbers {
		if num == "" || seen[num] {
			t.Errorf("duplicate or empty invoice number %q in %v", num, numbers)
		}
		seen[num] = true
	}
}

func TestAging_FromOutstandingInvoices(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t, "aging")
	svc := newServices()
	seedInvoice(t, ctx, tenantID, svc, 7000, billing.PaymentTypeCash, uuid.New())

	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		report, lines, err := svc.billing.GetAgingDetail(ctx, time.Now().UTC().AddDate(0, 0, 45))
		if err != nil {
			return err
		}
		if len(lines) != 1 || lines[0].Bucket != "30-59" || lines[0].Balance.Amount != 7000 {
			t.Errorf("lines = %+v", lines)
		}
		if report.Buckets[1].InvoiceCount != 1 || report.Buckets[1].TotalBalance.Amount != 7000 {
			t.Errorf("bucket 30-59 = %+v", report.Buckets[1])
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInvoiceLookup_NumberAndFilters(t *testing.T) {
	ctx := context.Background()
	tenantID := newTenant(t, "lookup")
	svc := newServices()
	enc := uuid.New()

	err := withTenantConn(ctx, tenantID, func(ctx context.Context) error {
		if err := svc.catalog.Save(ctx, &catalog.Entry{Code: "CONSULT", Name: "Consultation", UnitPrice: 5000, Active: true}); err != nil {
			return err
		}
		linked, err := svc.billing.CreateInvoice(ctx, billing.CreateInvoiceInput{
			PatientID:   uuid.New(),
			EncounterID: &enc,
			Lines:       []billing.LineItemInput{{ServiceCode: "CONSULT", Quantity: 1}},
		})
		if err != nil {
			return err
		}
		if _, err := svc.billing.CreateInvoice(ctx, billing.CreateInvoiceInput{PatientID: uuid.New()}); err != nil {
			return err
		}

		got, err := svc.billing.GetInvoiceByNumber(ctx, linked.Number)
		if err != nil {
			return err
		}
		if got.ID != linked.ID || len(got.Lines) != 1 {
			t.Errorf("by number = %s with %d lines", got.ID, len(got.Lines))
		}
		if _, err := svc.billing.GetInvoiceByNumber(ctx, "INV209901010001"); !errors.Is(err, billing.ErrInvoiceNotFound) {
			t.Errorf("unknown number: %v", err)
		}

		byEncounter, total, err := svc.billing.ListInvoices(ctx, billing.InvoiceFilter{EncounterID: &enc}, 10, 0)
		if err != nil {
			return err
		}
		if total != 1 || byEncounter[0].ID != linked.ID {
			t.Errorf("encounter filter total=%d", total)
		}

		from := time.Now().UTC().Add(-time.Hour)
		to := time.Now().UTC().Add(time.Hour)
		if _, total, err = svc.billing.ListInvoices(ctx, billing.InvoiceFilter{From: &from, To: &to}, 10, 0); err != nil {
			return err
		}
		if total != 2 {
			t.Errorf("date range total = %d, want 2", total)
		}
		if _, total, err = svc.billing.ListInvoices(ctx, billing.InvoiceFilter{From: &to}, 10, 0); err != nil {
			return err
		}
		if total != 0 {
			t.Errorf("future range total = %d, want 0", total)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
