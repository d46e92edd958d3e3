package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VoidPayment flips a completed payment to voided and restores the invoice
// balance. The payment record and its amount are kept for the audit trail;
// re-collecting requires a fresh ApplyPayment.
func (inv *Invoice) VoidPayment(paymentID uuid.UUID, reason, voidedBy string, now time.Time) (*Payment, error) {
	p := inv.payment(paymentID)
	if p == nil {
		return nil, ErrPaymentNotFound
	}
	if p.Status == PaymentVoided {
		return nil, ErrAlreadyVoided
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrVoidReasonRequired
	}
	if inv.Status != StatusPartial && inv.Status != StatusPaid {
		return nil, fmt.Errorf("%w: cannot void a payment on a %s invoice", ErrInvalidStateTransition, inv.Status)
	}

	p.Status = PaymentVoided
	p.VoidedAt = &now
	p.VoidReason = reason
	p.VoidedBy = voidedBy

	if err := inv.recomputeBalance(); err != nil {
		return nil, err
	}
	if err := inv.settle(); err != nil {
		return nil, err
	}
	inv.UpdatedAt = now
	return p, nil
}
