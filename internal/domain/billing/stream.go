package billing

import (
	"context"
	"time"
)

// Broadcaster fans a payload out to live subscribers of the given topics.
type Broadcaster interface {
	PublishTo(ctx context.Context, tenant string, topics []string, typ, resourceID string, at time.Time, payload any) error
}

// StreamPublisher forwards billing events to live subscribers. Every event is
// sent on "billing", "invoices/<invoice id>" and "patients/<patient id>".
type StreamPublisher struct {
	b Broadcaster
}

func NewStreamPublisher(b Broadcaster) *StreamPublisher {
	return &StreamPublisher{b: b}
}

func EventTopics(ev Event) []string {
	return []string{
		"billing",
		"invoices/" + ev.InvoiceID.String(),
		"patients/" + ev.PatientID.String(),
	}
}

func (p *StreamPublisher) Publish(ctx context.Context, ev Event) error {
	return p.b.PublishTo(ctx, ev.TenantID, EventTopics(ev), string(ev.Type), ev.InvoiceID.String(), ev.OccurredAt, ev)
}
