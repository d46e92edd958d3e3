package billing

import (
	"errors"

	"github.com/hmis/billing/pkg/money"
)

// Error kinds surfaced by the billing core. Callers compare with errors.Is.
var (
	ErrCurrencyMismatch       = money.ErrCurrencyMismatch
	ErrInvalidCoverageRate    = errors.New("invalid coverage rate")
	ErrEmptyInvoice           = errors.New("invoice has no line items")
	ErrInvalidStateTransition = errors.New("invalid invoice state transition")
	ErrInvoiceNotPayable      = errors.New("invoice is not payable")
	ErrNonPositiveAmount      = errors.New("amount must be positive")
	ErrAlreadyVoided          = errors.New("payment already voided")
	ErrVoidReasonRequired     = errors.New("void reason is required")
	ErrPatientNotFound        = errors.New("patient not found")
	ErrUnknownServiceCode     = errors.New("unknown service code")
	ErrConcurrentModification = errors.New("invoice was modified concurrently")

	ErrInvoiceNotFound        = errors.New("invoice not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrIdempotencyKeyConflict = errors.New("idempotency key already used for another invoice")
	ErrInvalidLineItem        = errors.New("invalid line item")
	ErrInvalidPaymentMethod   = errors.New("invalid payment method")
	ErrInvalidInvoice         = errors.New("invalid invoice")
)

// Signal is an audit-worthy correction the core made instead of failing.
type Signal struct {
	Kind  string `json:"kind"`
	Field string `json:"field"`
}

const SignalNegativeTotalClamped = "NegativeTotalClamped"
