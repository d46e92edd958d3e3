package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmis/billing/pkg/money"
)

type ServiceConfig struct {
	Currency   string
	Coverage   CoverageConfig
	MaxRetries int
}

type Service struct {
	invoices   InvoiceStore
	ledger     PaymentLedger
	coverage   CoverageProvider
	catalog    ServiceCatalog
	resolver   *CoverageResolver
	idem       IdempotencyStore
	notifier   EncounterNotifier
	publishers []EventPublisher
	cfg        ServiceConfig
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(inv InvoiceStore, ledger PaymentLedger, cov CoverageProvider, cat ServiceCatalog, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &Service{
		invoices: inv,
		ledger:   ledger,
		coverage: cov,
		catalog:  cat,
		resolver: NewCoverageResolver(cfg.Coverage),
		cfg:      cfg,
		logger:   logger.With().Str("component", "billing").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetIdempotencyStore attaches an optional key cache consulted before the ledger.
func (s *Service) SetIdempotencyStore(st IdempotencyStore) { s.idem = st }

// SetEncounterNotifier attaches an optional hook fired when an invoice with an
// encounter becomes paid.
func (s *Service) SetEncounterNotifier(n EncounterNotifier) { s.notifier = n }

// AddEventPublisher registers a sink for committed billing events.
func (s *Service) AddEventPublisher(p EventPublisher) { s.publishers = append(s.publishers, p) }

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Currency is the default currency for new invoices.
func (s *Service) Currency() string { return s.cfg.Currency }

func (s *Service) logSignals(inv *Invoice) {
	for _, sig := range inv.DrainSignals() {
		s.logger.Warn().
			Str("signal", sig.Kind).
			Str("field", sig.Field).
			Str("invoice_id", inv.ID.String()).
			Str("invoice_number", inv.Number).
			Msg("negative amount clamped to zero")
	}
}

// mutate loads the invoice under lock, applies fn and saves it. A lost
// optimistic race is retried from a fresh read up to MaxRetries times.
func (s *Service) mutate(ctx context.Context, op string, id uuid.UUID, fn func(ctx context.Context, inv *Invoice) error) (*Invoice, error) {
	var out *Invoice
	var err error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		err = s.invoices.WithinTx(ctx, func(ctx context.Context) error {
			inv, err := s.invoices.LoadForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if err := fn(ctx, inv); err != nil {
				return err
			}
			if err := s.invoices.Save(ctx, inv); err != nil {
				return err
			}
			out = inv
			return nil
		})
		if !errors.Is(err, ErrConcurrentModification) {
			break
		}
		s.logger.Warn().
			Str("op", op).
			Str("invoice_id", id.String()).
			Int("attempt", attempt).
			Msg("concurrent invoice modification, retrying")
	}
	if err != nil {
		return nil, err
	}
	s.logSignals(out)
	return out, nil
}

// -- Invoices --

type CreateInvoiceInput struct {
	PatientID   uuid.UUID
	EncounterID *uuid.UUID
	PaymentType PaymentType
	Currency    string
	Discount    Adjustment
	DueDate     *time.Time
	Notes       string
	CreatedBy   string
	Lines       []LineItemInput
}

type LineItemInput struct {
	ServiceCode string
	Description string
	Quantity    int64
	// UnitPrice is looked up in the service catalog when nil.
	UnitPrice *money.Money
	Discount  Adjustment
	Tax       Adjustment
}

func (s *Service) lineItem(ctx context.Context, in LineItemInput) (*LineItem, error) {
	code := strings.TrimSpace(in.ServiceCode)
	li := &LineItem{
		ServiceCode: code,
		Description: strings.TrimSpace(in.Description),
		Quantity:    in.Quantity,
		Discount:    in.Discount,
		Tax:         in.Tax,
	}
	if in.UnitPrice != nil {
		li.UnitPrice = *in.UnitPrice
		return li, nil
	}
	if code == "" {
		return nil, fmt.Errorf("%w: service_code is required", ErrInvalidLineItem)
	}
	price, err := s.catalog.GetPrice(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("price %s: %w", code, err)
	}
	li.UnitPrice = price
	return li, nil
}

// CreateInvoice opens a draft invoice, optionally with initial line items.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*Invoice, error) {
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.cfg.Currency
	}
	// Aging and the catalog are kept in one currency per deployment.
	if currency != strings.ToUpper(s.cfg.Currency) {
		return nil, fmt.Errorf("%w: invoices are billed in %s, not %s", ErrCurrencyMismatch, s.cfg.Currency, currency)
	}
	now := s.now()
	inv, err := NewInvoice(in.PatientID, currency, in.PaymentType, now)
	if err != nil {
		return nil, err
	}
	inv.EncounterID = in.EncounterID
	inv.DueDate = in.DueDate
	inv.Notes = strings.TrimSpace(in.Notes)
	inv.CreatedBy = in.CreatedBy
	if in.Discount.Kind != AdjustmentNone {
		if err := inv.SetDiscount(in.Discount, now); err != nil {
			return nil, err
		}
	}
	for _, lin := range in.Lines {
		li, err := s.lineItem(ctx, lin)
		if err != nil {
			return nil, err
		}
		if err := inv.AddLineItem(li, now); err != nil {
			return nil, err
		}
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, err
	}
	s.logSignals(inv)
	s.logger.Info().
		Str("invoice_id", inv.ID.String()).
		Str("invoice_number", inv.Number).
		Str("patient_id", inv.PatientID.String()).
		Msg("invoice created")
	return inv, nil
}

func (s *Service) AddLineItem(ctx context.Context, invoiceID uuid.UUID, in LineItemInput) (*Invoice, error) {
	li, err := s.lineItem(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, "add_line_item", invoiceID, func(_ context.Context, inv *Invoice) error {
		return inv.AddLineItem(li, s.now())
	})
}

func (s *Service) SetInvoiceDiscount(ctx context.Context, invoiceID uuid.UUID, d Adjustment) (*Invoice, error) {
	return s.mutate(ctx, "set_discount", invoiceID, func(_ context.Context, inv *Invoice) error {
		return inv.SetDiscount(d, s.now())
	})
}

// profileFor fetches coverage terms for payment types that need them. Cash
// and corporate invoices carry no scheme and skip the lookup.
func (s *Service) profileFor(ctx context.Context, inv *Invoice, billToPatient bool) (CoverageProfile, error) {
	if billToPatient {
		return CoverageProfile{Type: inv.PaymentType}, nil
	}
	switch inv.PaymentType {
	case PaymentTypeInsurance, PaymentTypeMembership:
		return s.coverage.GetProfile(ctx, inv.PatientID)
	}
	return CoverageProfile{Type: inv.PaymentType}, nil
}

// FinalizeInvoice fixes the total of a draft invoice. The coverage profile is
// fetched before the invoice is locked.
func (s *Service) FinalizeInvoice(ctx context.Context, invoiceID uuid.UUID, billToPatient bool) (*Invoice, CoverageDecision, error) {
	current, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, CoverageDecision{}, err
	}
	profile, err := s.profileFor(ctx, current, billToPatient)
	if err != nil {
		return nil, CoverageDecision{}, err
	}

	var dec CoverageDecision
	inv, err := s.mutate(ctx, "finalize", invoiceID, func(_ context.Context, inv *Invoice) error {
		d, err := inv.Finalize(s.resolver, profile, billToPatient, s.now())
		dec = d
		return err
	})
	if err != nil {
		return nil, CoverageDecision{}, err
	}
	s.logger.Info().
		Str("invoice_id", inv.ID.String()).
		Str("rule", dec.RuleApplied).
		Int64("total_amount", inv.TotalAmount.Amount).
		Int64("covered_amount", inv.CoveredAmount.Amount).
		Msg("invoice finalized")
	s.publish(ctx, newEvent(ctx, EventInvoiceFinalized, inv, s.now()))
	if inv.Status == StatusPaid {
		s.publish(ctx, newEvent(ctx, EventInvoiceSettled, inv, s.now()))
		s.notifySettled(ctx, inv)
	}
	return inv, dec, nil
}

func (s *Service) CancelInvoice(ctx context.Context, invoiceID uuid.UUID, reason string) (*Invoice, error) {
	inv, err := s.mutate(ctx, "cancel", invoiceID, func(_ context.Context, inv *Invoice) error {
		return inv.Cancel(reason, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, newEvent(ctx, EventInvoiceCancelled, inv, s.now()))
	return inv, nil
}

func (s *Service) RefundInvoice(ctx context.Context, invoiceID uuid.UUID, reason string) (*Invoice, error) {
	inv, err := s.mutate(ctx, "refund", invoiceID, func(_ context.Context, inv *Invoice) error {
		return inv.Refund(reason, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, newEvent(ctx, EventInvoiceRefunded, inv, s.now()))
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.invoices.Get(ctx, id)
}

// GetInvoiceByNumber looks an invoice up by its INVyyyymmddNNNN number.
func (s *Service) GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return nil, ErrInvoiceNotFound
	}
	return s.invoices.GetByNumber(ctx, number)
}

func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter, limit, offset int) ([]*Invoice, int, error) {
	if f.Status != "" && !f.Status.IsValid() {
		return nil, 0, fmt.Errorf("%w: status %q", ErrInvalidInvoice, f.Status)
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, 0, fmt.Errorf("%w: date range is empty", ErrInvalidInvoice)
	}
	return s.invoices.List(ctx, f, limit, offset)
}

// ListPendingInvoices returns pending and partially paid invoices, oldest first.
func (s *Service) ListPendingInvoices(ctx context.Context) ([]*Invoice, error) {
	return s.invoices.ListOutstanding(ctx)
}

// -- Payments --

// replay resolves an idempotency key that was already used. It returns nil
// when the key is unknown.
func (s *Service) replay(ctx context.Context, invoiceID uuid.UUID, key string) (*PaymentResult, error) {
	var p *Payment
	if s.idem != nil {
		id, ok, err := s.idem.Lookup(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Msg("idempotency cache lookup failed")
		} else if ok {
			if p, err = s.ledger.Find(ctx, id); err != nil && !errors.Is(err, ErrPaymentNotFound) {
				return nil, err
			}
		}
	}
	if p == nil {
		var err error
		p, err = s.ledger.FindByIdempotencyKey(ctx, key)
		if errors.Is(err, ErrPaymentNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	if p.InvoiceID != invoiceID {
		return nil, ErrIdempotencyKeyConflict
	}
	inv, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	change, err := p.TenderedAmount.Sub(p.Amount)
	if err != nil {
		return nil, err
	}
	return &PaymentResult{Payment: p, ChangeDue: change, RemainingBalance: inv.Balance, Replayed: true}, nil
}

// ApplyPayment collects against an invoice under its lock. Replays of an
// idempotency key return the original payment.
func (s *Service) ApplyPayment(ctx context.Context, invoiceID uuid.UUID, req PaymentRequest) (*PaymentResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if res, err := s.replay(ctx, invoiceID, req.IdempotencyKey); err != nil || res != nil {
		return res, err
	}

	var res *PaymentResult
	inv, err := s.mutate(ctx, "apply_payment", invoiceID, func(ctx context.Context, inv *Invoice) error {
		r, err := inv.ApplyPayment(req, s.now())
		if err != nil {
			return err
		}
		res = r
		if r.Replayed {
			return nil
		}
		return s.ledger.Append(ctx, r.Payment)
	})
	if err != nil {
		return nil, err
	}

	if s.idem != nil {
		if err := s.idem.Remember(ctx, req.IdempotencyKey, res.Payment.ID); err != nil {
			s.logger.Warn().Err(err).Str("payment_id", res.Payment.ID.String()).Msg("idempotency cache write failed")
		}
	}
	if !res.Replayed {
		s.logger.Info().
			Str("invoice_id", inv.ID.String()).
			Str("payment_id", res.Payment.ID.String()).
			Str("receipt_number", res.Payment.ReceiptNumber).
			Int64("applied", res.Payment.Amount.Amount).
			Int64("tendered", res.Payment.TenderedAmount.Amount).
			Int64("change_due", res.ChangeDue.Amount).
			Str("status", string(inv.Status)).
			Msg("payment applied")
		s.publish(ctx, paymentEvent(ctx, EventPaymentApplied, inv, res.Payment, s.now()))
		if inv.Status == StatusPaid {
			s.publish(ctx, newEvent(ctx, EventInvoiceSettled, inv, s.now()))
		}
		s.notifySettled(ctx, inv)
	}
	return res, nil
}

func (s *Service) notifySettled(ctx context.Context, inv *Invoice) {
	if s.notifier == nil || inv.Status != StatusPaid || inv.EncounterID == nil {
		return
	}
	if err := s.notifier.InvoiceSettled(ctx, inv.ID, *inv.EncounterID); err != nil {
		s.logger.Error().Err(err).
			Str("invoice_id", inv.ID.String()).
			Str("encounter_id", inv.EncounterID.String()).
			Msg("encounter settlement notification failed")
	}
}

// VoidPayment reverses a completed payment and restores the invoice balance.
func (s *Service) VoidPayment(ctx context.Context, paymentID uuid.UUID, reason, voidedBy string) (*Payment, *Invoice, error) {
	p, err := s.ledger.Find(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	var voided *Payment
	inv, err := s.mutate(ctx, "void_payment", p.InvoiceID, func(ctx context.Context, inv *Invoice) error {
		v, err := inv.VoidPayment(paymentID, reason, voidedBy, s.now())
		if err != nil {
			return err
		}
		voided = v
		return s.ledger.Update(ctx, v)
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info().
		Str("invoice_id", inv.ID.String()).
		Str("payment_id", voided.ID.String()).
		Str("reason", voided.VoidReason).
		Str("status", string(inv.Status)).
		Msg("payment voided")
	s.publish(ctx, paymentEvent(ctx, EventPaymentVoided, inv, voided, s.now()))
	return voided, inv, nil
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.ledger.Find(ctx, id)
}

func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	return s.ledger.ListByInvoice(ctx, invoiceID)
}

// -- Reports --

// GetAgingReport buckets outstanding balances as of asOf.
func (s *Service) GetAgingReport(ctx context.Context, asOf time.Time) (*AgingReport, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	invoices, err := s.invoices.ListOutstanding(ctx)
	if err != nil {
		return nil, err
	}
	return ClassifyAging(invoices, asOf, s.cfg.Currency)
}

// GetAgingDetail returns the aging report together with the invoices behind it.
func (s *Service) GetAgingDetail(ctx context.Context, asOf time.Time) (*AgingReport, []AgingLine, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	invoices, err := s.invoices.ListOutstanding(ctx)
	if err != nil {
		return nil, nil, err
	}
	report, err := ClassifyAging(invoices, asOf, s.cfg.Currency)
	if err != nil {
		return nil, nil, err
	}
	return report, AgingLines(invoices, asOf), nil
}
