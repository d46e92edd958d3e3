package billing

import (
	"fmt"

	"github.com/hmis/billing/pkg/money"
)

// Rules recorded on a CoverageDecision.
const (
	RuleZeroSubtotal       = "zero_subtotal"
	RuleBillToPatient      = "bill_to_patient"
	RuleSelfPay            = "self_pay"
	RuleInsuranceCopay     = "insurance_copay"
	RuleInsuranceLimit     = "insurance_limit"
	RuleMembershipDiscount = "membership_discount"
)

// CoverageProfile is what the coverage provider knows about a patient.
// Nil rates mean "not specified"; the resolver then uses its configured
// fallback.
type CoverageProfile struct {
	Type           PaymentType  `json:"type"`
	CopayBps       *int64       `json:"copay_bps,omitempty"`
	DiscountBps    *int64       `json:"discount_bps,omitempty"`
	RemainingLimit *money.Money `json:"remaining_limit,omitempty"`
}

// CoverageConfig carries the business rates that used to be hard-coded in
// the billing screens.
type CoverageConfig struct {
	FallbackCopayBps    int64
	FallbackDiscountBps int64
}

type CoverageRequest struct {
	Subtotal      money.Money
	PaymentType   PaymentType
	Profile       CoverageProfile
	BillToPatient bool
}

type CoverageResolver struct {
	cfg CoverageConfig
}

func NewCoverageResolver(cfg CoverageConfig) *CoverageResolver {
	return &CoverageResolver{cfg: cfg}
}

func validRate(bps int64) error {
	if bps < 0 || bps > money.BasisPointsWhole {
		return fmt.Errorf("%w: %d bps not in [0, %d]", ErrInvalidCoverageRate, bps, money.BasisPointsWhole)
	}
	return nil
}

func (r *CoverageResolver) rate(explicit *int64, fallback int64) (int64, error) {
	bps := fallback
	if explicit != nil {
		bps = *explicit
	}
	return bps, validRate(bps)
}

// Resolve splits req.Subtotal between payer and patient.
func (r *CoverageResolver) Resolve(req CoverageRequest) (CoverageDecision, error) {
	sub := req.Subtotal
	zero := money.Zero(sub.Currency)
	selfPay := CoverageDecision{PayerCoveredAmount: zero, PatientOwedAmount: sub}

	if req.BillToPatient {
		selfPay.RuleApplied = RuleBillToPatient
		return selfPay, nil
	}
	if sub.IsZero() {
		return CoverageDecision{PayerCoveredAmount: zero, PatientOwedAmount: zero, RuleApplied: RuleZeroSubtotal}, nil
	}

	switch req.PaymentType {
	case PaymentTypeInsurance:
		bps, err := r.rate(req.Profile.CopayBps, r.cfg.FallbackCopayBps)
		if err != nil {
			return CoverageDecision{}, err
		}
		owed, err := sub.PercentageOf(bps)
		if err != nil {
			return CoverageDecision{}, err
		}
		covered, err := sub.Sub(owed)
		if err != nil {
			return CoverageDecision{}, err
		}
		rule := RuleInsuranceCopay
		if lim := req.Profile.RemainingLimit; lim != nil {
			capped, err := money.Min(covered, clampLimit(*lim))
			if err != nil {
				return CoverageDecision{}, err
			}
			if capped.Amount != covered.Amount {
				rule = RuleInsuranceLimit
				covered = capped
				if owed, err = sub.Sub(covered); err != nil {
					return CoverageDecision{}, err
				}
			}
		}
		return CoverageDecision{PayerCoveredAmount: covered, PatientOwedAmount: owed, RuleApplied: rule}, nil

	case PaymentTypeMembership:
		bps, err := r.rate(req.Profile.DiscountBps, r.cfg.FallbackDiscountBps)
		if err != nil {
			return CoverageDecision{}, err
		}
		discount, err := sub.PercentageOf(bps)
		if err != nil {
			return CoverageDecision{}, err
		}
		owed, err := sub.Sub(discount)
		if err != nil {
			return CoverageDecision{}, err
		}
		return CoverageDecision{PayerCoveredAmount: zero, PatientOwedAmount: owed, RuleApplied: RuleMembershipDiscount}, nil
	}

	selfPay.RuleApplied = RuleSelfPay
	return selfPay, nil
}

func clampLimit(m money.Money) money.Money {
	c, _ := m.ClampZero()
	return c
}
