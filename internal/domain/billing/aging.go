package billing

import (
	"fmt"
	"time"

	"github.com/hmis/billing/pkg/money"
)

// AgingBucket aggregates outstanding balances whose age in days falls in
// [MinDays, MaxDays). MaxDays is 0 for the open-ended last bucket.
type AgingBucket struct {
	Label        string      `json:"label"`
	MinDays      int         `json:"min_days"`
	MaxDays      int         `json:"max_days,omitempty"`
	TotalBalance money.Money `json:"total_balance"`
	InvoiceCount int         `json:"invoice_count"`
}

type AgingReport struct {
	AsOf     time.Time     `json:"as_of"`
	Currency string        `json:"currency"`
	Buckets  []AgingBucket `json:"buckets"`
}

var agingBounds = []struct {
	label    string
	min, max int
}{
	{"0-29", 0, 30},
	{"30-59", 30, 60},
	{"60-89", 60, 90},
	{"90+", 90, 0},
}

// ageDays counts whole calendar days between finalization and asOf, both
// taken in UTC.
func ageDays(finalizedAt, asOf time.Time) int {
	f := finalizedAt.UTC()
	a := asOf.UTC()
	fd := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	days := int(ad.Sub(fd).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

func bucketIndex(days int) int {
	for i := len(agingBounds) - 1; i >= 0; i-- {
		if days >= agingBounds[i].min {
			return i
		}
	}
	return 0
}

// ClassifyAging buckets the balances of pending and partial invoices by age.
// A day count equal to a boundary lands in the older bucket. Other statuses
// are ignored. The input is not modified.
func ClassifyAging(invoices []*Invoice, asOf time.Time, currency string) (*AgingReport, error) {
	report := &AgingReport{AsOf: asOf, Currency: currency, Buckets: make([]AgingBucket, len(agingBounds))}
	for i, b := range agingBounds {
		report.Buckets[i] = AgingBucket{
			Label:        b.label,
			MinDays:      b.min,
			MaxDays:      b.max,
			TotalBalance: money.Zero(currency),
		}
	}

	for _, inv := range invoices {
		if !inv.Status.IsPayable() || inv.FinalizedAt == nil {
			continue
		}
		b := &report.Buckets[bucketIndex(ageDays(*inv.FinalizedAt, asOf))]
		total, err := b.TotalBalance.Add(inv.Balance)
		if err != nil {
			return nil, fmt.Errorf("invoice %s: %w", inv.ID, err)
		}
		b.TotalBalance = total
		b.InvoiceCount++
	}
	return report, nil
}

// AgingLine places one outstanding invoice in its bucket.
type AgingLine struct {
	InvoiceID     string      `json:"invoice_id"`
	InvoiceNumber string      `json:"invoice_number"`
	PatientID     string      `json:"patient_id"`
	Status        string      `json:"status"`
	FinalizedAt   time.Time   `json:"finalized_at"`
	AgeDays       int         `json:"age_days"`
	Bucket        string      `json:"bucket"`
	Total         money.Money `json:"total_amount"`
	Balance       money.Money `json:"balance"`
}

// AgingLines lists the invoices ClassifyAging would count, in input order.
func AgingLines(invoices []*Invoice, asOf time.Time) []AgingLine {
	var out []AgingLine
	for _, inv := range invoices {
		if !inv.Status.IsPayable() || inv.FinalizedAt == nil {
			continue
		}
		days := ageDays(*inv.FinalizedAt, asOf)
		out = append(out, AgingLine{
			InvoiceID:     inv.ID.String(),
			InvoiceNumber: inv.Number,
			PatientID:     inv.PatientID.String(),
			Status:        string(inv.Status),
			FinalizedAt:   *inv.FinalizedAt,
			AgeDays:       days,
			Bucket:        agingBounds[bucketIndex(days)].label,
			Total:         inv.TotalAmount,
			Balance:       inv.Balance,
		})
	}
	return out
}
