package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/pkg/money"
)

// CoverageProvider returns a patient's coverage terms. It fails with
// ErrPatientNotFound for unknown patients.
type CoverageProvider interface {
	GetProfile(ctx context.Context, patientID uuid.UUID) (CoverageProfile, error)
}

// ServiceCatalog prices billable services. It fails with
// ErrUnknownServiceCode for codes it does not carry.
type ServiceCatalog interface {
	GetPrice(ctx context.Context, serviceCode string) (money.Money, error)
}

// InvoiceFilter narrows List. From is inclusive and To exclusive, both on the
// creation time.
type InvoiceFilter struct {
	Status      InvoiceStatus
	PatientID   *uuid.UUID
	EncounterID *uuid.UUID
	From        *time.Time
	To          *time.Time
}

// InvoiceStore persists invoices together with their line items. Loaded
// invoices carry their payments so that paid amount and balance can be
// derived from the ledger.
type InvoiceStore interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetByNumber(ctx context.Context, number string) (*Invoice, error)
	// LoadForUpdate must be called inside WithinTx. It holds an exclusive
	// lock on the invoice until the transaction ends.
	LoadForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// Save writes the aggregate if its Version still matches the stored one
	// and bumps it; otherwise it fails with ErrConcurrentModification.
	Save(ctx context.Context, inv *Invoice) error
	List(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error)
	ListOutstanding(ctx context.Context) ([]*Invoice, error)
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type PaymentLedger interface {
	Append(ctx context.Context, p *Payment) error
	// Update persists a status change. Amounts are never rewritten.
	Update(ctx context.Context, p *Payment) error
	Find(ctx context.Context, id uuid.UUID) (*Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Payment, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
}

// IdempotencyStore is an optional fast path mapping idempotency keys to the
// payment they produced. The ledger remains the source of truth.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (uuid.UUID, bool, error)
	Remember(ctx context.Context, key string, paymentID uuid.UUID) error
}

// EncounterNotifier is told when an invoice linked to an encounter is settled.
type EncounterNotifier interface {
	InvoiceSettled(ctx context.Context, invoiceID, encounterID uuid.UUID) error
}
