package coverage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmis/billing/internal/domain/billing"
	"github.com/hmis/billing/pkg/money"
)

type Service struct {
	repo     Repository
	currency string
	logger   zerolog.Logger
}

// NewService returns a coverage service. currency is assumed for remaining
// limits recorded without one.
func NewService(repo Repository, currency string, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		currency: strings.ToUpper(currency),
		logger:   logger.With().Str("component", "coverage").Logger(),
	}
}

func checkBps(field string, v *int64) error {
	if v != nil && (*v < 0 || *v > money.BasisPointsWhole) {
		return fmt.Errorf("%w: %s must be between 0 and %d", ErrInvalidProfile, field, money.BasisPointsWhole)
	}
	return nil
}

func (s *Service) validate(p *Profile) error {
	if p.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidProfile)
	}
	p.PaymentType = strings.ToLower(strings.TrimSpace(p.PaymentType))
	if !billing.PaymentType(p.PaymentType).IsValid() {
		return fmt.Errorf("%w: payment_type %q", ErrInvalidProfile, p.PaymentType)
	}
	if err := checkBps("copay_bps", p.CopayBps); err != nil {
		return err
	}
	if err := checkBps("discount_bps", p.DiscountBps); err != nil {
		return err
	}
	p.SchemeName = strings.TrimSpace(p.SchemeName)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.RemainingLimit != nil {
		if *p.RemainingLimit < 0 {
			return fmt.Errorf("%w: remaining_limit cannot be negative", ErrInvalidProfile)
		}
		if p.Currency == "" {
			p.Currency = s.currency
		}
	}
	if p.Currency != "" && len(p.Currency) != 3 {
		return fmt.Errorf("%w: currency %q", ErrInvalidProfile, p.Currency)
	}
	return nil
}

// Save creates or replaces the profile of p.PatientID.
func (s *Service) Save(ctx context.Context, p *Profile) error {
	if err := s.validate(p); err != nil {
		return err
	}
	if err := s.repo.Upsert(ctx, p); err != nil {
		return err
	}
	s.logger.Info().
		Str("patient_id", p.PatientID.String()).
		Str("payment_type", p.PaymentType).
		Str("scheme", p.SchemeName).
		Msg("coverage profile saved")
	return nil
}

func (s *Service) Get(ctx context.Context, patientID uuid.UUID) (*Profile, error) {
	return s.repo.Get(ctx, patientID)
}

func (s *Service) Delete(ctx context.Context, patientID uuid.UUID) error {
	return s.repo.Delete(ctx, patientID)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Profile, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// GetProfile implements billing.CoverageProvider.
func (s *Service) GetProfile(ctx context.Context, patientID uuid.UUID) (billing.CoverageProfile, error) {
	p, err := s.repo.Get(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return billing.CoverageProfile{}, fmt.Errorf("%w: %s", billing.ErrPatientNotFound, patientID)
	}
	if err != nil {
		return billing.CoverageProfile{}, err
	}
	return p.ToBilling(), nil
}
