package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// BasisPointsWhole is 100% expressed in basis points.
const BasisPointsWhole = 10000

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrOverflow         = errors.New("amount out of range")
)

// minorExponents lists currencies whose minor unit is not cents.
var minorExponents = map[string]int32{
	"UGX": 0,
	"RWF": 0,
	"JPY": 0,
	"KRW": 0,
	"XAF": 0,
	"XOF": 0,
	"KWD": 3,
	"BHD": 3,
}

// Money is an amount in integer minor units of a currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

func Zero(currency string) Money {
	return New(0, currency)
}

// Exponent returns the number of minor-unit digits used by currency.
func Exponent(currency string) int32 {
	if e, ok := minorExponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

func (m Money) sameCurrency(o Money) error {
	if m.Currency != o.Currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	return nil
}

var (
	maxAmount = decimal.NewFromInt(math.MaxInt64)
	minAmount = decimal.NewFromInt(math.MinInt64)
)

func addInt64(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return s, nil
}

func mulInt64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) || p/b != a {
		return 0, fmt.Errorf("%w: %d x %d", ErrOverflow, a, b)
	}
	return p, nil
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	sum, err := addInt64(m.Amount, o.Amount)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: sum, Currency: m.Currency}, nil
}

func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	if o.Amount == math.MinInt64 {
		return Money{}, fmt.Errorf("%w: %d - %d", ErrOverflow, m.Amount, o.Amount)
	}
	diff, err := addInt64(m.Amount, -o.Amount)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: diff, Currency: m.Currency}, nil
}

// Mul multiplies by an integer quantity. A product outside int64 is
// ErrOverflow.
func (m Money) Mul(quantity int64) (Money, error) {
	p, err := mulInt64(m.Amount, quantity)
	if err != nil {
		return Money{}, err
	}
	return Money{Amount: p, Currency: m.Currency}, nil
}

// PercentageOf returns bps/10000 of m, rounded half-up to the nearest minor
// unit. Negative amounts round half away from zero so that the result is the
// mirror image of the positive case. The product is formed exactly, so only a
// result outside int64 is ErrOverflow.
func (m Money) PercentageOf(bps int64) (Money, error) {
	d := decimal.NewFromInt(m.Amount).Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(BasisPointsWhole)).Round(0)
	if d.GreaterThan(maxAmount) || d.LessThan(minAmount) {
		return Money{}, fmt.Errorf("%w: %d bps of %d", ErrOverflow, bps, m.Amount)
	}
	return Money{Amount: d.IntPart(), Currency: m.Currency}, nil
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }

// Compare returns -1, 0 or +1.
func (m Money) Compare(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	switch {
	case m.Amount < o.Amount:
		return -1, nil
	case m.Amount > o.Amount:
		return 1, nil
	}
	return 0, nil
}

// Min returns the smaller of a and b.
func Min(a, b Money) (Money, error) {
	c, err := a.Compare(b)
	if err != nil {
		return Money{}, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}

// ClampZero floors a negative amount at zero. The boolean reports whether the
// value was changed.
func (m Money) ClampZero() (Money, bool) {
	if m.Amount < 0 {
		return Money{Amount: 0, Currency: m.Currency}, true
	}
	return m, false
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -Exponent(m.Currency))
}

func (m Money) String() string {
	return m.Decimal().StringFixed(Exponent(m.Currency)) + " " + m.Currency
}

// Parse reads a major-unit decimal string ("1500.50") into minor units.
// Values with more fractional digits than the currency allows are rejected
// rather than rounded.
func Parse(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d, currency)
}

func FromDecimal(d decimal.Decimal, currency string) (Money, error) {
	scaled := d.Shift(Exponent(currency))
	if !scaled.IsInteger() {
		return Money{}, fmt.Errorf("%w: %s has more precision than %s allows", ErrInvalidAmount, d.String(), strings.ToUpper(currency))
	}
	return New(scaled.IntPart(), currency), nil
}
