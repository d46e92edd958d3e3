package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageBus publishes JSON payloads under a routing key.
type MessageBus interface {
	PublishJSON(ctx context.Context, routingKey, messageID string, at time.Time, payload any) error
}

const RoutingEncounterSettled = "encounter.invoice_settled"

// BrokerPublisher sends billing events to a message bus under
// "billing.<event type>". It also serves as the encounter notifier so that
// the encounter service learns about settlement from the same broker.
type BrokerPublisher struct {
	bus MessageBus
	now func() time.Time
}

func NewBrokerPublisher(bus MessageBus) *BrokerPublisher {
	return &BrokerPublisher{bus: bus, now: func() time.Time { return time.Now().UTC() }}
}

func (p *BrokerPublisher) Publish(ctx context.Context, ev Event) error {
	return p.bus.PublishJSON(ctx, "billing."+string(ev.Type), ev.ID.String(), ev.OccurredAt, ev)
}

type encounterSettled struct {
	InvoiceID   uuid.UUID `json:"invoice_id"`
	EncounterID uuid.UUID `json:"encounter_id"`
	SettledAt   time.Time `json:"settled_at"`
}

func (p *BrokerPublisher) InvoiceSettled(ctx context.Context, invoiceID, encounterID uuid.UUID) error {
	at := p.now()
	return p.bus.PublishJSON(ctx, RoutingEncounterSettled, uuid.NewString(), at, encounterSettled{
		InvoiceID:   invoiceID,
		EncounterID: encounterID,
		SettledAt:   at,
	})
}
