// Package reports turns billing reports into downloadable XLSX files.
package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hmis/billing/internal/domain/billing"
	"github.com/hmis/billing/internal/platform/blobstore"
	"github.com/hmis/billing/internal/platform/db"
	"github.com/hmis/billing/internal/platform/reporting"
	"github.com/hmis/billing/pkg/money"
)

var ErrExportNotFound = errors.New("export not found")

// AgingSource produces the aging report with its per-invoice lines.
type AgingSource interface {
	GetAgingDetail(ctx context.Context, asOf time.Time) (*billing.AgingReport, []billing.AgingLine, error)
}

// Export describes a stored report file. URL is empty when the store cannot
// presign; the file is then served by the API.
type Export struct {
	Key         string     `json:"key"`
	URL         string     `json:"url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Size        int        `json:"size"`
	ContentType string     `json:"content_type"`
	AsOf        time.Time  `json:"as_of"`
}

type Service struct {
	src    AgingSource
	store  blobstore.Store
	urlTTL time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(src AgingSource, store blobstore.Store, urlTTL time.Duration, logger zerolog.Logger) *Service {
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &Service{
		src:    src,
		store:  store,
		urlTTL: urlTTL,
		logger: logger.With().Str("component", "reports").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func amount(m money.Money) float64 {
	return m.Decimal().InexactFloat64()
}

// AgingWorkbook renders the aging report as a workbook with a Summary sheet
// and an Invoices sheet listing every outstanding invoice.
func (s *Service) AgingWorkbook(ctx context.Context, asOf time.Time, creator string) ([]byte, *billing.AgingReport, error) {
	report, lines, err := s.src.GetAgingDetail(ctx, asOf)
	if err != nil {
		return nil, nil, err
	}

	wb, err := reporting.NewWorkbook(creator, "Receivables aging as of "+report.AsOf.Format("2006-01-02"))
	if err != nil {
		return nil, nil, err
	}

	summary := make([][]any, 0, len(report.Buckets)+1)
	var count int
	total := money.Zero(report.Currency)
	for _, b := range report.Buckets {
		summary = append(summary, []any{b.Label, b.InvoiceCount, amount(b.TotalBalance), report.Currency})
		count += b.InvoiceCount
		if total, err = total.Add(b.TotalBalance); err != nil {
			return nil, nil, err
		}
	}
	summary = append(summary, []any{"Total", count, amount(total), report.Currency})
	if err := wb.AddTable("Summary", []reporting.Column{
		{Header: "Bucket (days)", Width: 14},
		{Header: "Invoices", Width: 10},
		{Header: "Outstanding", Width: 16},
		{Header: "Currency", Width: 10},
	}, summary); err != nil {
		return nil, nil, err
	}

	rows := make([][]any, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, []any{
			l.InvoiceNumber, l.PatientID, l.Status, l.FinalizedAt.UTC().Format("2006-01-02"),
			l.AgeDays, l.Bucket, amount(l.Total), amount(l.Balance), l.Balance.Currency,
		})
	}
	if err := wb.AddTable("Invoices", []reporting.Column{
		{Header: "Invoice", Width: 18},
		{Header: "Patient", Width: 38},
		{Header: "Status", Width: 10},
		{Header: "Finalized", Width: 12},
		{Header: "Age (days)", Width: 10},
		{Header: "Bucket", Width: 8},
		{Header: "Total", Width: 14},
		{Header: "Balance", Width: 14},
		{Header: "Currency", Width: 10},
	}, rows); err != nil {
		return nil, nil, err
	}

	data, err := wb.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return data, report, nil
}

func tenantPrefix(ctx context.Context) string {
	t := db.TenantFromContext(ctx)
	if t == "" {
		t = "default"
	}
	return "aging/" + t + "/"
}

// ExportAging stores the aging workbook and returns where to fetch it.
func (s *Service) ExportAging(ctx context.Context, asOf time.Time, creator string) (*Export, error) {
	data, report, err := s.AgingWorkbook(ctx, asOf, creator)
	if err != nil {
		return nil, err
	}
	now := s.now()
	key := fmt.Sprintf("%saging_%s_%s_%s.xlsx", tenantPrefix(ctx), report.AsOf.Format("20060102"), now.Format("150405"), uuid.NewString()[:8])
	if err := s.store.Put(ctx, blobstore.Object{Key: key, ContentType: reporting.ContentTypeXLSX, Data: data}); err != nil {
		return nil, err
	}

	exp := &Export{Key: key, Size: len(data), ContentType: reporting.ContentTypeXLSX, AsOf: report.AsOf}
	url, err := s.store.PresignGet(ctx, key, s.urlTTL)
	switch {
	case err == nil:
		expires := now.Add(s.urlTTL)
		exp.URL = url
		exp.ExpiresAt = &expires
	case !errors.Is(err, blobstore.ErrPresignUnsupported):
		return nil, err
	}
	s.logger.Info().Str("key", key).Int("size", len(data)).Str("created_by", creator).Msg("aging export stored")
	return exp, nil
}

// Download returns a stored export of the caller's tenant.
func (s *Service) Download(ctx context.Context, key string) (*blobstore.Object, error) {
	if !strings.HasPrefix(key, tenantPrefix(ctx)) || strings.Contains(key, "..") {
		return nil, ErrExportNotFound
	}
	obj, err := s.store.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, ErrExportNotFound
	}
	return obj, err
}
