package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/pkg/money"
)

type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusPending   InvoiceStatus = "pending"
	StatusPartial   InvoiceStatus = "partial"
	StatusPaid      InvoiceStatus = "paid"
	StatusCancelled InvoiceStatus = "cancelled"
	StatusRefunded  InvoiceStatus = "refunded"
)

func (s InvoiceStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusPartial, StatusPaid, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsPayable reports whether payments may be applied in this status.
func (s InvoiceStatus) IsPayable() bool {
	return s == StatusPending || s == StatusPartial
}

func (s InvoiceStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusCancelled || s == StatusRefunded
}

type PaymentType string

const (
	PaymentTypeCash       PaymentType = "cash"
	PaymentTypeInsurance  PaymentType = "insurance"
	PaymentTypeCorporate  PaymentType = "corporate"
	PaymentTypeMembership PaymentType = "membership"
)

func (t PaymentType) IsValid() bool {
	switch t {
	case PaymentTypeCash, PaymentTypeInsurance, PaymentTypeCorporate, PaymentTypeMembership:
		return true
	}
	return false
}

type PaymentMethod string

const (
	MethodCash        PaymentMethod = "cash"
	MethodCard        PaymentMethod = "card"
	MethodMobileMoney PaymentMethod = "mobile_money"
	MethodInsurance   PaymentMethod = "insurance"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case MethodCash, MethodCard, MethodMobileMoney, MethodInsurance:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentVoided    PaymentStatus = "voided"
)

type AdjustmentKind string

const (
	AdjustmentNone    AdjustmentKind = ""
	AdjustmentFixed   AdjustmentKind = "fixed"
	AdjustmentPercent AdjustmentKind = "percent"
)

// Adjustment is a discount or tax expressed either as a fixed amount in minor
// units or as basis points of a base amount.
type Adjustment struct {
	Kind   AdjustmentKind `json:"kind,omitempty"`
	Amount int64          `json:"amount,omitempty"`
	Bps    int64          `json:"bps,omitempty"`
}

func FixedAdjustment(amount int64) Adjustment { return Adjustment{Kind: AdjustmentFixed, Amount: amount} }
func PercentAdjustment(bps int64) Adjustment  { return Adjustment{Kind: AdjustmentPercent, Bps: bps} }

func (a Adjustment) validate(maxBps int64) error {
	switch a.Kind {
	case AdjustmentNone:
		return nil
	case AdjustmentFixed:
		if a.Amount < 0 {
			return fmt.Errorf("%w: fixed adjustment cannot be negative", ErrInvalidLineItem)
		}
	case AdjustmentPercent:
		if a.Bps < 0 || (maxBps > 0 && a.Bps > maxBps) {
			return fmt.Errorf("%w: adjustment rate %d bps out of range", ErrInvalidLineItem, a.Bps)
		}
	default:
		return fmt.Errorf("%w: unknown adjustment kind %q", ErrInvalidLineItem, a.Kind)
	}
	return nil
}

// Of resolves the adjustment against base. Percentages round once here.
func (a Adjustment) Of(base money.Money) (money.Money, error) {
	switch a.Kind {
	case AdjustmentFixed:
		return money.New(a.Amount, base.Currency), nil
	case AdjustmentPercent:
		return base.PercentageOf(a.Bps)
	}
	return money.Zero(base.Currency), nil
}

// LineItem is one charge on an invoice. The amounts after UnitPrice are
// derived by Invoice.recomputeTotals.
type LineItem struct {
	ID          uuid.UUID   `json:"id"`
	InvoiceID   uuid.UUID   `json:"invoice_id"`
	Sequence    int         `json:"sequence"`
	ServiceCode string      `json:"service_code"`
	Description string      `json:"description,omitempty"`
	Quantity    int64       `json:"quantity"`
	UnitPrice   money.Money `json:"unit_price"`
	Discount    Adjustment  `json:"discount"`
	Tax         Adjustment  `json:"tax"`

	GrossAmount    money.Money `json:"gross_amount"`
	DiscountAmount money.Money `json:"discount_amount"`
	TaxAmount      money.Money `json:"tax_amount"`
	LineTotal      money.Money `json:"line_total"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Invoice is the billing aggregate. Subtotal through Balance are derived from
// the line items and the completed payments and are never set directly.
type Invoice struct {
	ID          uuid.UUID     `json:"id"`
	Number      string        `json:"invoice_number"`
	PatientID   uuid.UUID     `json:"patient_id"`
	EncounterID *uuid.UUID    `json:"encounter_id,omitempty"`
	Currency    string        `json:"currency"`
	PaymentType PaymentType   `json:"payment_type"`
	Status      InvoiceStatus `json:"status"`
	Lines       []*LineItem   `json:"line_items"`
	Discount    Adjustment    `json:"discount"`

	Subtotal      money.Money `json:"subtotal"`
	DiscountTotal money.Money `json:"discount_total"`
	TaxTotal      money.Money `json:"tax_total"`
	CoveredAmount money.Money `json:"covered_amount"`
	CoverageRule  string      `json:"coverage_rule,omitempty"`
	TotalAmount   money.Money `json:"total_amount"`
	PaidAmount    money.Money `json:"paid_amount"`
	Balance       money.Money `json:"balance"`

	Payments []*Payment `json:"payments,omitempty"`

	DueDate      *time.Time `json:"due_date,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	Version      int64      `json:"version"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	signals []Signal
}

// Payment is a ledger entry. Amount is what was applied to the invoice, never
// the raw tendered amount.
type Payment struct {
	ID             uuid.UUID     `json:"id"`
	ReceiptNumber  string        `json:"receipt_number"`
	InvoiceID      uuid.UUID     `json:"invoice_id"`
	Amount         money.Money   `json:"amount"`
	TenderedAmount money.Money   `json:"tendered_amount"`
	Method         PaymentMethod `json:"method"`
	Reference      string        `json:"reference,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	Status         PaymentStatus `json:"status"`
	ReceivedBy     string        `json:"received_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	VoidedAt       *time.Time    `json:"voided_at,omitempty"`
	VoidReason     string        `json:"void_reason,omitempty"`
	VoidedBy       string        `json:"voided_by,omitempty"`
}

// CoverageDecision is the split of a charge subtotal between the payer and
// the patient. It is computed on finalize and folded into the invoice.
type CoverageDecision struct {
	PayerCoveredAmount money.Money `json:"payer_covered_amount"`
	PatientOwedAmount  money.Money `json:"patient_owed_amount"`
	RuleApplied        string      `json:"rule_applied"`
}

// Signals returns the corrections recorded since the last DrainSignals.
func (inv *Invoice) Signals() []Signal { return inv.signals }

// DrainSignals returns and clears the recorded signals.
func (inv *Invoice) DrainSignals() []Signal {
	s := inv.signals
	inv.signals = nil
	return s
}

func (inv *Invoice) signal(kind, field string) {
	inv.signals = append(inv.signals, Signal{Kind: kind, Field: field})
}

// Clone returns a deep copy.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	c := *inv
	if inv.EncounterID != nil {
		e := *inv.EncounterID
		c.EncounterID = &e
	}
	if inv.DueDate != nil {
		d := *inv.DueDate
		c.DueDate = &d
	}
	if inv.FinalizedAt != nil {
		f := *inv.FinalizedAt
		c.FinalizedAt = &f
	}
	c.Lines = make([]*LineItem, len(inv.Lines))
	for i, li := range inv.Lines {
		l := *li
		c.Lines[i] = &l
	}
	c.Payments = make([]*Payment, len(inv.Payments))
	for i, p := range inv.Payments {
		c.Payments[i] = p.Clone()
	}
	c.signals = append([]Signal(nil), inv.signals...)
	return &c
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	if p.VoidedAt != nil {
		v := *p.VoidedAt
		c.VoidedAt = &v
	}
	return &c
}

func (p *Payment) IsCompleted() bool { return p.Status == PaymentCompleted }
