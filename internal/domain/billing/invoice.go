package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/pkg/money"
)

// transitions lists the status changes the aggregate allows.
var transitions = map[InvoiceStatus][]InvoiceStatus{
	StatusDraft:   {StatusPending, StatusPaid, StatusCancelled},
	StatusPending: {StatusPartial, StatusPaid, StatusCancelled},
	StatusPartial: {StatusPending, StatusPaid},
	StatusPaid:    {StatusPending, StatusPartial, StatusRefunded},
}

func canTransition(from, to InvoiceStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (inv *Invoice) transition(to InvoiceStatus) error {
	if inv.Status == to {
		return nil
	}
	if !canTransition(inv.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, inv.Status, to)
	}
	inv.Status = to
	return nil
}

// NewInvoice starts a draft invoice with zeroed totals.
func NewInvoice(patientID uuid.UUID, currency string, paymentType PaymentType, now time.Time) (*Invoice, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInvoice)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency %q", ErrInvalidInvoice, currency)
	}
	if paymentType == "" {
		paymentType = PaymentTypeCash
	}
	if !paymentType.IsValid() {
		return nil, fmt.Errorf("%w: payment type %q", ErrInvalidInvoice, paymentType)
	}
	zero := money.Zero(currency)
	return &Invoice{
		ID:            uuid.New(),
		PatientID:     patientID,
		Currency:      currency,
		PaymentType:   paymentType,
		Status:        StatusDraft,
		Subtotal:      zero,
		DiscountTotal: zero,
		TaxTotal:      zero,
		CoveredAmount: zero,
		TotalAmount:   zero,
		PaidAmount:    zero,
		Balance:       zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// SetDiscount sets the invoice-level discount applied on top of the line
// totals. Legal only in draft.
func (inv *Invoice) SetDiscount(d Adjustment, now time.Time) error {
	if inv.Status != StatusDraft {
		return fmt.Errorf("%w: discount can only change on a draft invoice", ErrInvalidStateTransition)
	}
	if err := d.validate(money.BasisPointsWhole); err != nil {
		return err
	}
	inv.Discount = d
	inv.UpdatedAt = now
	return inv.recomputeTotals()
}

// AddLineItem appends li in display order and recomputes the totals.
func (inv *Invoice) AddLineItem(li *LineItem, now time.Time) error {
	if inv.Status != StatusDraft {
		return fmt.Errorf("%w: line items can only be added to a draft invoice (status %s)", ErrInvalidStateTransition, inv.Status)
	}
	if strings.TrimSpace(li.ServiceCode) == "" {
		return fmt.Errorf("%w: service_code is required", ErrInvalidLineItem)
	}
	if li.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be a positive integer", ErrInvalidLineItem)
	}
	if li.UnitPrice.Currency != inv.Currency {
		return fmt.Errorf("%w: line priced in %s on a %s invoice", ErrCurrencyMismatch, li.UnitPrice.Currency, inv.Currency)
	}
	if li.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price cannot be negative", ErrInvalidLineItem)
	}
	if err := li.Discount.validate(money.BasisPointsWhole); err != nil {
		return err
	}
	if err := li.Tax.validate(money.BasisPointsWhole); err != nil {
		return err
	}
	if _, err := li.amounts(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLineItem, err)
	}

	if li.ID == uuid.Nil {
		li.ID = uuid.New()
	}
	li.InvoiceID = inv.ID
	li.Sequence = len(inv.Lines) + 1
	li.CreatedAt = now
	inv.Lines = append(inv.Lines, li)
	if err := inv.recomputeTotals(); err != nil {
		inv.Lines = inv.Lines[:len(inv.Lines)-1]
		if rerr := inv.recomputeTotals(); rerr != nil {
			return rerr
		}
		if errors.Is(err, money.ErrOverflow) {
			return fmt.Errorf("%w: %v", ErrInvalidLineItem, err)
		}
		return err
	}
	inv.UpdatedAt = now
	return nil
}

type lineAmounts struct {
	gross, discount, tax, total money.Money
}

// amounts prices the line: quantity x unit price, less its discount, plus tax
// on the non-negative remainder.
func (li *LineItem) amounts() (lineAmounts, error) {
	gross, err := li.UnitPrice.Mul(li.Quantity)
	if err != nil {
		return lineAmounts{}, err
	}
	disc, err := li.Discount.Of(gross)
	if err != nil {
		return lineAmounts{}, err
	}
	net, err := gross.Sub(disc)
	if err != nil {
		return lineAmounts{}, err
	}
	taxBase, _ := net.ClampZero()
	tax, err := li.Tax.Of(taxBase)
	if err != nil {
		return lineAmounts{}, err
	}
	total, err := net.Add(tax)
	if err != nil {
		return lineAmounts{}, err
	}
	return lineAmounts{gross: gross, discount: disc, tax: tax, total: total}, nil
}

func (inv *Invoice) clamp(m money.Money, field string) money.Money {
	c, clamped := m.ClampZero()
	if clamped {
		inv.signal(SignalNegativeTotalClamped, field)
	}
	return c
}

// chargeTotal recomputes the line-derived amounts and returns the amount that
// coverage is applied to: line totals less the invoice-level discount.
func (inv *Invoice) chargeTotal() (money.Money, error) {
	zero := money.Zero(inv.Currency)
	subtotal, discounts, taxes, lines := zero, zero, zero, zero

	for _, li := range inv.Lines {
		a, err := li.amounts()
		if err != nil {
			return money.Money{}, err
		}

		li.GrossAmount = a.gross
		li.DiscountAmount = a.discount
		li.TaxAmount = a.tax
		li.LineTotal = inv.clamp(a.total, fmt.Sprintf("line_items[%d].line_total", li.Sequence))

		if subtotal, err = subtotal.Add(a.gross); err != nil {
			return money.Money{}, err
		}
		if discounts, err = discounts.Add(a.discount); err != nil {
			return money.Money{}, err
		}
		if taxes, err = taxes.Add(a.tax); err != nil {
			return money.Money{}, err
		}
		if lines, err = lines.Add(li.LineTotal); err != nil {
			return money.Money{}, err
		}
	}

	invDisc, err := inv.Discount.Of(lines)
	if err != nil {
		return money.Money{}, err
	}
	net, err := lines.Sub(invDisc)
	if err != nil {
		return money.Money{}, err
	}
	if discounts, err = discounts.Add(invDisc); err != nil {
		return money.Money{}, err
	}

	inv.Subtotal = subtotal
	inv.DiscountTotal = discounts
	inv.TaxTotal = taxes
	return inv.clamp(net, "total_amount"), nil
}

// recomputeTotals refreshes the provisional totals of a draft invoice.
func (inv *Invoice) recomputeTotals() error {
	charges, err := inv.chargeTotal()
	if err != nil {
		return err
	}
	inv.CoveredAmount = money.Zero(inv.Currency)
	inv.TotalAmount = charges
	return inv.recomputeBalance()
}

// recomputeBalance derives PaidAmount and Balance from the completed payments.
func (inv *Invoice) recomputeBalance() error {
	paid := money.Zero(inv.Currency)
	for _, p := range inv.Payments {
		if !p.IsCompleted() {
			continue
		}
		var err error
		if paid, err = paid.Add(p.Amount); err != nil {
			return err
		}
	}
	bal, err := inv.TotalAmount.Sub(paid)
	if err != nil {
		return err
	}
	inv.PaidAmount = paid
	inv.Balance = inv.clamp(bal, "balance")
	return nil
}

// settle moves a finalized invoice to the status its balance implies.
func (inv *Invoice) settle() error {
	switch {
	case inv.Balance.IsZero():
		return inv.transition(StatusPaid)
	case inv.PaidAmount.IsPositive():
		return inv.transition(StatusPartial)
	}
	return inv.transition(StatusPending)
}

// Finalize resolves coverage once and fixes TotalAmount. The membership
// discount joins DiscountTotal; the payer share is kept in CoveredAmount.
func (inv *Invoice) Finalize(resolver *CoverageResolver, profile CoverageProfile, billToPatient bool, now time.Time) (CoverageDecision, error) {
	if inv.Status != StatusDraft {
		return CoverageDecision{}, fmt.Errorf("%w: cannot finalize a %s invoice", ErrInvalidStateTransition, inv.Status)
	}
	if len(inv.Lines) == 0 {
		return CoverageDecision{}, ErrEmptyInvoice
	}
	charges, err := inv.chargeTotal()
	if err != nil {
		return CoverageDecision{}, err
	}
	dec, err := resolver.Resolve(CoverageRequest{
		Subtotal:      charges,
		PaymentType:   inv.PaymentType,
		Profile:       profile,
		BillToPatient: billToPatient,
	})
	if err != nil {
		return CoverageDecision{}, err
	}

	// charges = covered + owed + coverage discount
	split, err := dec.PatientOwedAmount.Add(dec.PayerCoveredAmount)
	if err != nil {
		return CoverageDecision{}, err
	}
	covDiscount, err := charges.Sub(split)
	if err != nil {
		return CoverageDecision{}, err
	}
	if inv.DiscountTotal, err = inv.DiscountTotal.Add(covDiscount); err != nil {
		return CoverageDecision{}, err
	}

	inv.CoveredAmount = dec.PayerCoveredAmount
	inv.CoverageRule = dec.RuleApplied
	inv.TotalAmount = inv.clamp(dec.PatientOwedAmount, "total_amount")
	if err := inv.transition(StatusPending); err != nil {
		return CoverageDecision{}, err
	}
	inv.FinalizedAt = &now
	inv.UpdatedAt = now
	if err := inv.recomputeBalance(); err != nil {
		return CoverageDecision{}, err
	}
	if inv.TotalAmount.IsZero() {
		// Nothing is owed by the patient; there is nothing to collect.
		if err := inv.transition(StatusPaid); err != nil {
			return CoverageDecision{}, err
		}
	}
	return dec, nil
}

// Cancel is legal from draft or pending only. A partially paid invoice must
// have its payments voided first.
func (inv *Invoice) Cancel(reason string, now time.Time) error {
	if inv.Status == StatusCancelled || !canTransition(inv.Status, StatusCancelled) {
		return fmt.Errorf("%w: cannot cancel a %s invoice", ErrInvalidStateTransition, inv.Status)
	}
	inv.Status = StatusCancelled
	inv.CancelReason = strings.TrimSpace(reason)
	inv.UpdatedAt = now
	return nil
}

// Refund marks a fully paid invoice as refunded.
func (inv *Invoice) Refund(reason string, now time.Time) error {
	if inv.Status != StatusPaid {
		return fmt.Errorf("%w: only paid invoices can be refunded (status %s)", ErrInvalidStateTransition, inv.Status)
	}
	if err := inv.transition(StatusRefunded); err != nil {
		return err
	}
	inv.CancelReason = strings.TrimSpace(reason)
	inv.UpdatedAt = now
	return nil
}
