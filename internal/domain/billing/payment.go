package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/pkg/money"
)

// PaymentRequest is one attempt by a cashier to collect against an invoice.
type PaymentRequest struct {
	Tendered       money.Money
	Method         PaymentMethod
	Reference      string
	IdempotencyKey string
	ReceivedBy     string
}

// PaymentResult reports what was applied. ChangeDue is for the cash drawer and
// is never stored on the invoice.
type PaymentResult struct {
	Payment          *Payment    `json:"payment"`
	ChangeDue        money.Money `json:"change_due"`
	RemainingBalance money.Money `json:"remaining_balance"`
	Replayed         bool        `json:"replayed"`
}

func (inv *Invoice) paymentByKey(key string) *Payment {
	for _, p := range inv.Payments {
		if p.IdempotencyKey == key {
			return p
		}
	}
	return nil
}

func (inv *Invoice) payment(id uuid.UUID) *Payment {
	for _, p := range inv.Payments {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ApplyPayment caps the tendered amount at the outstanding balance, records
// the applied amount as a completed payment and settles the invoice status.
// A request whose idempotency key already exists on this invoice returns the
// original payment untouched.
func (inv *Invoice) ApplyPayment(req PaymentRequest, now time.Time) (*PaymentResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if prev := inv.paymentByKey(key); prev != nil {
		change, err := prev.TenderedAmount.Sub(prev.Amount)
		if err != nil {
			return nil, err
		}
		return &PaymentResult{Payment: prev, ChangeDue: change, RemainingBalance: inv.Balance, Replayed: true}, nil
	}

	if !inv.Status.IsPayable() {
		return nil, fmt.Errorf("%w: status is %s", ErrInvoiceNotPayable, inv.Status)
	}
	if !req.Tendered.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	if !req.Method.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, req.Method)
	}

	applied, err := money.Min(req.Tendered, inv.Balance)
	if err != nil {
		return nil, err
	}
	change, err := req.Tendered.Sub(applied)
	if err != nil {
		return nil, err
	}

	p := &Payment{
		ID:             uuid.New(),
		InvoiceID:      inv.ID,
		Amount:         applied,
		TenderedAmount: req.Tendered,
		Method:         req.Method,
		Reference:      strings.TrimSpace(req.Reference),
		IdempotencyKey: key,
		Status:         PaymentCompleted,
		ReceivedBy:     req.ReceivedBy,
		CreatedAt:      now,
	}
	inv.Payments = append(inv.Payments, p)
	if err := inv.recomputeBalance(); err != nil {
		return nil, err
	}
	if err := inv.settle(); err != nil {
		return nil, err
	}
	inv.UpdatedAt = now

	return &PaymentResult{Payment: p, ChangeDue: change, RemainingBalance: inv.Balance}, nil
}
