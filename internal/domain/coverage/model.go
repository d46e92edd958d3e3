package coverage

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hmis/billing/internal/domain/billing"
	"github.com/hmis/billing/pkg/money"
)

var (
	ErrNotFound       = errors.New("coverage profile not found")
	ErrInvalidProfile = errors.New("invalid coverage profile")
)

// Profile records how a patient's bills are split with an insurer or
// membership scheme. Nil rates fall back to the configured defaults when the
// invoice is finalized.
type Profile struct {
	PatientID      uuid.UUID `json:"patient_id"`
	PaymentType    string    `json:"payment_type"`
	SchemeName     string    `json:"scheme_name,omitempty"`
	CopayBps       *int64    `json:"copay_bps,omitempty"`
	DiscountBps    *int64    `json:"discount_bps,omitempty"`
	RemainingLimit *int64    `json:"remaining_limit,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToBilling converts the stored profile to the terms the coverage resolver
// consumes.
func (p *Profile) ToBilling() billing.CoverageProfile {
	out := billing.CoverageProfile{
		Type:        billing.PaymentType(p.PaymentType),
		CopayBps:    p.CopayBps,
		DiscountBps: p.DiscountBps,
	}
	if p.RemainingLimit != nil {
		lim := money.New(*p.RemainingLimit, p.Currency)
		out.RemainingLimit = &lim
	}
	return out
}
