package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hmis/billing/internal/domain/billing"
	"github.com/hmis/billing/pkg/money"
)

type Service struct {
	repo     Repository
	currency string
	logger   zerolog.Logger
}

func NewService(repo Repository, currency string, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		currency: strings.ToUpper(currency),
		logger:   logger.With().Str("component", "catalog").Logger(),
	}
}

// NormalizeCode is the canonical form of a service code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) Save(ctx context.Context, e *Entry) error {
	e.Code = NormalizeCode(e.Code)
	e.Name = strings.TrimSpace(e.Name)
	e.Category = strings.TrimSpace(e.Category)
	e.Currency = strings.ToUpper(strings.TrimSpace(e.Currency))
	if e.Currency == "" {
		e.Currency = s.currency
	}
	switch {
	case e.Code == "":
		return fmt.Errorf("%w: code is required", ErrInvalidEntry)
	case e.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidEntry)
	case e.UnitPrice < 0:
		return fmt.Errorf("%w: unit_price cannot be negative", ErrInvalidEntry)
	case len(e.Currency) != 3:
		return fmt.Errorf("%w: currency %q", ErrInvalidEntry, e.Currency)
	}
	if err := s.repo.Upsert(ctx, e); err != nil {
		return err
	}
	s.logger.Info().
		Str("code", e.Code).
		Int64("unit_price", e.UnitPrice).
		Str("currency", e.Currency).
		Bool("active", e.Active).
		Msg("service price saved")
	return nil
}

func (s *Service) Get(ctx context.Context, code string) (*Entry, error) {
	return s.repo.Get(ctx, NormalizeCode(code))
}

// Deactivate withdraws a service from new invoices. Existing line items keep
// the price they were billed at.
func (s *Service) Deactivate(ctx context.Context, code string) error {
	return s.repo.SetActive(ctx, NormalizeCode(code), false)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// GetPrice implements billing.ServiceCatalog. Inactive services are unknown.
func (s *Service) GetPrice(ctx context.Context, code string) (money.Money, error) {
	e, err := s.repo.Get(ctx, NormalizeCode(code))
	if errors.Is(err, ErrNotFound) || (err == nil && !e.Active) {
		return money.Money{}, fmt.Errorf("%w: %s", billing.ErrUnknownServiceCode, code)
	}
	if err != nil {
		return money.Money{}, err
	}
	return e.Price(), nil
}
