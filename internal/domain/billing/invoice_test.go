package billing

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/pkg/money"
)

var testNow = time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)

func newDraft(t *testing.T, pt PaymentType) *Invoice {
	t.Helper()
	inv, err := NewInvoice(uuid.New(), "UGX", pt, testNow)
	if err != nil {
		t.Fatalf("NewInvoice() error: %v", err)
	}
	return inv
}

func addLine(t *testing.T, inv *Invoice, code string, qty, price int64) *LineItem {
	t.Helper()
	li := &LineItem{ServiceCode: code, Quantity: qty, UnitPrice: ugx(price)}
	if err := inv.AddLineItem(li, testNow); err != nil {
		t.Fatalf("AddLineItem(%s) error: %v", code, err)
	}
	return li
}

// finalizedInvoice returns a pending cash invoice owing total.
func finalizedInvoice(t *testing.T, total int64) *Invoice {
	t.Helper()
	inv := newDraft(t, PaymentTypeCash)
	addLine(t, inv, "CONS", 1, total)
	if _, err := inv.Finalize(testResolver(), CoverageProfile{}, false, testNow); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	return inv
}

func TestNewInvoice(t *testing.T) {
	inv, err := NewInvoice(uuid.New(), "ugx", "", testNow)
	if err != nil {
		t.Fatalf("NewInvoice() error: %v", err)
	}
	if inv.Status != StatusDraft {
		t.Errorf("expected draft, got %s", inv.Status)
	}
	if inv.Currency != "UGX" {
		t.Errorf("expected upper-cased currency, got %s", inv.Currency)
	}
	if inv.PaymentType != PaymentTypeCash {
		t.Errorf("expected cash default, got %s", inv.PaymentType)
	}
	if !inv.TotalAmount.IsZero() || !inv.Balance.IsZero() || !inv.PaidAmount.IsZero() {
		t.Error("expected zeroed totals")
	}
}

func TestNewInvoice_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		patientID uuid.UUID
		currency  string
		pt        PaymentType
	}{
		{"no patient", uuid.Nil, "UGX", PaymentTypeCash},
		{"bad currency", uuid.New(), "SHILLING", PaymentTypeCash},
		{"bad payment type", uuid.New(), "UGX", "barter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewInvoice(tt.patientID, tt.currency, tt.pt, testNow); !errors.Is(err, ErrInvalidInvoice) {
				t.Errorf("expected ErrInvalidInvoice, got %v", err)
			}
		})
	}
}

func TestAddLineItem_Totals(t *testing.T) {
	inv := newDraft(t, PaymentTypeCash)
	addLine(t, inv, "CONS", 1, 50000)
	lab := &LineItem{
		ServiceCode: "LAB-CBC",
		Quantity:    2,
		UnitPrice:   ugx(25000),
		Discount:    PercentAdjustment(1000),
		Tax:         PercentAdjustment(1800),
	}
	if err := inv.AddLineItem(lab, testNow); err != nil {
		t.Fatalf("AddLineItem() error: %v", err)
	}

	// lab: gross 50000, discount 5000, net 45000, tax 8100, total 53100
	if lab.GrossAmount.Amount != 50000 || lab.DiscountAmount.Amount != 5000 ||
		lab.TaxAmount.Amount != 8100 || lab.LineTotal.Amount != 53100 {
		t.Errorf("unexpected lab amounts: %+v", lab)
	}
	if lab.Sequence != 2 || lab.InvoiceID != inv.ID || lab.ID == uuid.Nil {
		t.Errorf("expected line identity to be assigned, got seq=%d", lab.Sequence)
	}
	if inv.Subtotal.Amount != 100000 {
		t.Errorf("subtotal = %d, want 100000", inv.Subtotal.Amount)
	}
	if inv.DiscountTotal.Amount != 5000 {
		t.Errorf("discount total = %d, want 5000", inv.DiscountTotal.Amount)
	}
	if inv.TaxTotal.Amount != 8100 {
		t.Errorf("tax total = %d, want 8100", inv.TaxTotal.Amount)
	}
	if inv.TotalAmount.Amount != 103100 || inv.Balance.Amount != 103100 {
		t.Errorf("total/balance = %d/%d, want 103100", inv.TotalAmount.Amount, inv.Balance.Amount)
	}
}

func TestAddLineItem_Invalid(t *testing.T) {
	tests := []struct {
		name string
		li   *LineItem
		want error
	}{
		{"missing code", &LineItem{Quantity: 1, UnitPrice: ugx(100)}, ErrInvalidLineItem},
		{"zero quantity", &LineItem{ServiceCode: "X", Quantity: 0, UnitPrice: ugx(100)}, ErrInvalidLineItem},
		{"negative price", &LineItem{ServiceCode: "X", Quantity: 1, UnitPrice: ugx(-1)}, ErrInvalidLineItem},
		{"currency mismatch", &LineItem{ServiceCode: "X", Quantity: 1, UnitPrice: money.New(100, "USD")}, ErrCurrencyMismatch},
		{"discount over 100%", &LineItem{ServiceCode: "X", Quantity: 1, UnitPrice: ugx(100), Discount: PercentAdjustment(10001)}, ErrInvalidLineItem},
		{"unknown adjustment", &LineItem{ServiceCode: "X", Quantity: 1, UnitPrice: ugx(100), Tax: Adjustment{Kind: "bogus"}}, ErrInvalidLineItem},
		{"tax over 100%", &LineItem{ServiceCode: "X", Quantity: 1, UnitPrice: ugx(100), Tax: PercentAdjustment(10001)}, ErrInvalidLineItem},
		{"gross overflows", &LineItem{ServiceCode: "X", Quantity: 9_300_000_000_000_000, UnitPrice: ugx(1000)}, ErrInvalidLineItem},
		{"tax overflows", &LineItem{ServiceCode: "X", Quantity: 1, UnitPrice: ugx(math.MaxInt64/2 + 1), Tax: PercentAdjustment(10000)}, ErrInvalidLineItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newDraft(t, PaymentTypeCash)
			if err := inv.AddLineItem(tt.li, testNow); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if len(inv.Lines) != 0 {
				t.Error("rejected line must not be added")
			}
		})
	}
}

func TestAddLineItem_TotalOverflowKeepsInvoiceIntact(t *testing.T) {
	inv := newDraft(t, PaymentTypeCash)
	if err := inv.AddLineItem(&LineItem{ServiceCode: "WARD", Quantity: 1, UnitPrice: ugx(math.MaxInt64 - 10)}, testNow); err != nil {
		t.Fatalf("first line: %v", err)
	}
	err := inv.AddLineItem(&LineItem{ServiceCode: "LAB", Quantity: 1, UnitPrice: ugx(100)}, testNow)
	if !errors.Is(err, ErrInvalidLineItem) {
		t.Fatalf("expected ErrInvalidLineItem, got %v", err)
	}
	if len(inv.Lines) != 1 || inv.TotalAmount.Amount != math.MaxInt64-10 {
		t.Errorf("lines=%d total=%d, want the first line only", len(inv.Lines), inv.TotalAmount.Amount)
	}
}

func TestAddLineItem_NotDraft(t *testing.T) {
	inv := finalizedInvoice(t, 1000)
	err := inv.AddLineItem(&LineItem{ServiceCode: "X", Quantity: 1, UnitPrice: ugx(100)}, testNow)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestAddLineItem_ClampsNegativeLineTotal(t *testing.T) {
	inv := newDraft(t, PaymentTypeCash)
	li := &LineItem{ServiceCode: "X", Quantity: 1, UnitPrice: ugx(1000), Discount: FixedAdjustment(1500)}
	if err := inv.AddLineItem(li, testNow); err != nil {
		t.Fatalf("AddLineItem() error: %v", err)
	}
	if li.LineTotal.Amount != 0 || li.TaxAmount.Amount != 0 {
		t.Errorf("expected clamped line, got total=%d tax=%d", li.LineTotal.Amount, li.TaxAmount.Amount)
	}
	if inv.TotalAmount.Amount != 0 {
		t.Errorf("expected zero total, got %d", inv.TotalAmount.Amount)
	}
	sigs := inv.DrainSignals()
	if len(sigs) == 0 || sigs[0].Kind != SignalNegativeTotalClamped || sigs[0].Field != "line_items[1].line_total" {
		t.Errorf("expected clamp signal on line 1, got %+v", sigs)
	}
	if len(inv.Signals()) != 0 {
		t.Error("expected signals drained")
	}
}

func TestSetDiscount(t *testing.T) {
	inv := newDraft(t, PaymentTypeCash)
	addLine(t, inv, "CONS", 1, 100000)
	if err := inv.SetDiscount(PercentAdjustment(500), testNow); err != nil {
		t.Fatalf("SetDiscount() error: %v", err)
	}
	if inv.TotalAmount.Amount != 95000 || inv.DiscountTotal.Amount != 5000 {
		t.Errorf("total/discount = %d/%d, want 95000/5000", inv.TotalAmount.Amount, inv.DiscountTotal.Amount)
	}

	if err := inv.SetDiscount(FixedAdjustment(200000), testNow); err != nil {
		t.Fatalf("SetDiscount() error: %v", err)
	}
	if inv.TotalAmount.Amount != 0 {
		t.Errorf("expected total clamped to zero, got %d", inv.TotalAmount.Amount)
	}
	found := false
	for _, s := range inv.DrainSignals() {
		if s.Field == "total_amount" {
			found = true
		}
	}
	if !found {
		t.Error("expected total_amount clamp signal")
	}
}

func TestFinalize_Cash(t *testing.T) {
	inv := newDraft(t, PaymentTypeCash)
	addLine(t, inv, "CONS", 1, 150000)
	dec, err := inv.Finalize(testResolver(), CoverageProfile{}, false, testNow)
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if dec.RuleApplied != RuleSelfPay {
		t.Errorf("expected self_pay, got %s", dec.RuleApplied)
	}
	if inv.Status != StatusPending {
		t.Errorf("expected pending, got %s", inv.Status)
	}
	if inv.TotalAmount.Amount != 150000 || inv.Balance.Amount != 150000 {
		t.Errorf("total/balance = %d/%d", inv.TotalAmount.Amount, inv.Balance.Amount)
	}
	if inv.FinalizedAt == nil || !inv.FinalizedAt.Equal(testNow) {
		t.Errorf("expected finalizedAt %v, got %v", testNow, inv.FinalizedAt)
	}
}

func TestFinalize_Insurance(t *testing.T) {
	inv := newDraft(t, PaymentTypeInsurance)
	addLine(t, inv, "CONS", 1, 100000)
	_, err := inv.Finalize(testResolver(), CoverageProfile{Type: PaymentTypeInsurance, CopayBps: bps(2000)}, false, testNow)
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if inv.TotalAmount.Amount != 20000 {
		t.Errorf("patient owes %d, want 20000", inv.TotalAmount.Amount)
	}
	if inv.CoveredAmount.Amount != 80000 {
		t.Errorf("covered %d, want 80000", inv.CoveredAmount.Amount)
	}
	if inv.CoverageRule != RuleInsuranceCopay {
		t.Errorf("rule %s", inv.CoverageRule)
	}
	if inv.DiscountTotal.Amount != 0 {
		t.Errorf("insurance share must not count as discount, got %d", inv.DiscountTotal.Amount)
	}
}

func TestFinalize_MembershipDiscountJoinsDiscountTotal(t *testing.T) {
	inv := newDraft(t, PaymentTypeMembership)
	addLine(t, inv, "CONS", 1, 100000)
	if _, err := inv.Finalize(testResolver(), CoverageProfile{DiscountBps: bps(1000)}, false, testNow); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if inv.TotalAmount.Amount != 90000 {
		t.Errorf("total %d, want 90000", inv.TotalAmount.Amount)
	}
	if inv.DiscountTotal.Amount != 10000 {
		t.Errorf("discount total %d, want 10000", inv.DiscountTotal.Amount)
	}
	if inv.CoveredAmount.Amount != 0 {
		t.Errorf("covered %d, want 0", inv.CoveredAmount.Amount)
	}
}

func TestFinalize_ZeroTotalIsPaid(t *testing.T) {
	inv := newDraft(t, PaymentTypeInsurance)
	addLine(t, inv, "CONS", 1, 80000)
	if _, err := inv.Finalize(testResolver(), CoverageProfile{CopayBps: bps(0)}, false, testNow); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if inv.Status != StatusPaid {
		t.Errorf("expected paid, got %s", inv.Status)
	}
	if !inv.Balance.IsZero() {
		t.Errorf("expected zero balance, got %d", inv.Balance.Amount)
	}
}

func TestFinalize_Empty(t *testing.T) {
	inv := newDraft(t, PaymentTypeCash)
	if _, err := inv.Finalize(testResolver(), CoverageProfile{}, false, testNow); !errors.Is(err, ErrEmptyInvoice) {
		t.Errorf("expected ErrEmptyInvoice, got %v", err)
	}
	if inv.Status != StatusDraft {
		t.Errorf("expected draft after failure, got %s", inv.Status)
	}
}

func TestFinalize_Twice(t *testing.T) {
	inv := finalizedInvoice(t, 1000)
	if _, err := inv.Finalize(testResolver(), CoverageProfile{}, false, testNow); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	draft := newDraft(t, PaymentTypeCash)
	if err := draft.Cancel("duplicate", testNow); err != nil {
		t.Fatalf("Cancel(draft) error: %v", err)
	}
	if draft.Status != StatusCancelled || draft.CancelReason != "duplicate" {
		t.Errorf("unexpected cancel result: %s %q", draft.Status, draft.CancelReason)
	}
	if err := draft.Cancel("again", testNow); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected second cancel to fail, got %v", err)
	}

	pending := finalizedInvoice(t, 1000)
	if err := pending.Cancel("", testNow); err != nil {
		t.Errorf("Cancel(pending) error: %v", err)
	}

	partial := finalizedInvoice(t, 1000)
	if _, err := partial.ApplyPayment(PaymentRequest{Tendered: ugx(400), Method: MethodCash, IdempotencyKey: "k1"}, testNow); err != nil {
		t.Fatal(err)
	}
	if err := partial.Cancel("", testNow); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected partial cancel to fail, got %v", err)
	}
}

func TestRefund(t *testing.T) {
	inv := finalizedInvoice(t, 1000)
	if err := inv.Refund("x", testNow); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected refund of pending to fail, got %v", err)
	}
	if _, err := inv.ApplyPayment(PaymentRequest{Tendered: ugx(1000), Method: MethodCash, IdempotencyKey: "k1"}, testNow); err != nil {
		t.Fatal(err)
	}
	if err := inv.Refund("patient left", testNow); err != nil {
		t.Fatalf("Refund() error: %v", err)
	}
	if inv.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", inv.Status)
	}
	if inv.Status.IsPayable() {
		t.Error("refunded invoice must not be payable")
	}
}

func TestTransitions(t *testing.T) {
	allowed := []struct{ from, to InvoiceStatus }{
		{StatusDraft, StatusPending},
		{StatusDraft, StatusCancelled},
		{StatusPending, StatusPartial},
		{StatusPending, StatusPaid},
		{StatusPartial, StatusPaid},
		{StatusPartial, StatusPending},
		{StatusPaid, StatusPartial},
		{StatusPaid, StatusPending},
		{StatusPaid, StatusRefunded},
	}
	for _, tr := range allowed {
		if !canTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be allowed", tr.from, tr.to)
		}
	}
	denied := []struct{ from, to InvoiceStatus }{
		{StatusPartial, StatusCancelled},
		{StatusPaid, StatusCancelled},
		{StatusCancelled, StatusPending},
		{StatusRefunded, StatusPaid},
		{StatusPending, StatusDraft},
	}
	for _, tr := range denied {
		if canTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be denied", tr.from, tr.to)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	inv := finalizedInvoice(t, 1000)
	if _, err := inv.ApplyPayment(PaymentRequest{Tendered: ugx(100), Method: MethodCash, IdempotencyKey: "k"}, testNow); err != nil {
		t.Fatal(err)
	}
	c := inv.Clone()
	c.Lines[0].Quantity = 99
	c.Payments[0].Status = PaymentVoided
	*c.FinalizedAt = c.FinalizedAt.Add(time.Hour)

	if inv.Lines[0].Quantity == 99 || inv.Payments[0].Status == PaymentVoided || !inv.FinalizedAt.Equal(testNow) {
		t.Error("mutating the clone changed the original")
	}
}
