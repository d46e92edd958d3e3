package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/internal/platform/db"
	"github.com/hmis/billing/pkg/money"
)

type EventType string

const (
	EventInvoiceFinalized EventType = "invoice.finalized"
	EventInvoiceSettled   EventType = "invoice.settled"
	EventInvoiceCancelled EventType = "invoice.cancelled"
	EventInvoiceRefunded  EventType = "invoice.refunded"
	EventPaymentApplied   EventType = "payment.applied"
	EventPaymentVoided    EventType = "payment.voided"
)

// Event describes a committed change to an invoice. Events are emitted after
// the transaction that produced them has committed.
type Event struct {
	ID            uuid.UUID     `json:"id"`
	Type          EventType     `json:"type"`
	TenantID      string        `json:"tenant_id,omitempty"`
	InvoiceID     uuid.UUID     `json:"invoice_id"`
	InvoiceNumber string        `json:"invoice_number"`
	PatientID     uuid.UUID     `json:"patient_id"`
	EncounterID   *uuid.UUID    `json:"encounter_id,omitempty"`
	PaymentID     *uuid.UUID    `json:"payment_id,omitempty"`
	Status        InvoiceStatus `json:"status"`
	Amount        *money.Money  `json:"amount,omitempty"`
	Balance       money.Money   `json:"balance"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// EventPublisher receives billing events. Publish failures are logged and
// never undo the committed change.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

func newEvent(ctx context.Context, typ EventType, inv *Invoice, at time.Time) Event {
	return Event{
		ID:            uuid.New(),
		Type:          typ,
		TenantID:      db.TenantFromContext(ctx),
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		PatientID:     inv.PatientID,
		EncounterID:   inv.EncounterID,
		Status:        inv.Status,
		Balance:       inv.Balance,
		OccurredAt:    at,
	}
}

func paymentEvent(ctx context.Context, typ EventType, inv *Invoice, p *Payment, at time.Time) Event {
	ev := newEvent(ctx, typ, inv, at)
	id := p.ID
	amt := p.Amount
	ev.PaymentID = &id
	ev.Amount = &amt
	return ev
}

func (s *Service) publish(ctx context.Context, ev Event) {
	for _, p := range s.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			s.logger.Error().Err(err).
				Str("event", string(ev.Type)).
				Str("invoice_id", ev.InvoiceID.String()).
				Msg("publish billing event failed")
		}
	}
}
