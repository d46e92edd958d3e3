package catalog

import (
	"errors"
	"time"

	"github.com/hmis/billing/pkg/money"
)

var (
	ErrNotFound     = errors.New("service not found")
	ErrInvalidEntry = errors.New("invalid service entry")
)

// Entry is a billable service and its list price in minor units.
type Entry struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Category  string    `json:"category,omitempty"`
	UnitPrice int64     `json:"unit_price"`
	Currency  string    `json:"currency"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *Entry) Price() money.Money {
	return money.New(e.UnitPrice, e.Currency)
}

type Filter struct {
	Category   string
	ActiveOnly bool
}
