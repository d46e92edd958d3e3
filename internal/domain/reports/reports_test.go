package reports

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/hmis/billing/internal/domain/billing"
	"github.com/hmis/billing/internal/platform/blobstore"
	"github.com/hmis/billing/internal/platform/db"
	"github.com/hmis/billing/internal/platform/reporting"
	"github.com/hmis/billing/pkg/money"
)

var asOf = time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	gotAsOf time.Time
	err     error
}

func (f *fakeSource) GetAgingDetail(_ context.Context, at time.Time) (*billing.AgingReport, []billing.AgingLine, error) {
	f.gotAsOf = at
	if f.err != nil {
		return nil, nil, f.err
	}
	if at.IsZero() {
		at = asOf
	}
	ugx := func(n int64) money.Money { return money.New(n, "UGX") }
	report := &billing.AgingReport{AsOf: at, Currency: "UGX", Buckets: []billing.AgingBucket{
		{Label: "0-29", MinDays: 0, MaxDays: 30, TotalBalance: ugx(3000), InvoiceCount: 1},
		{Label: "30-59", MinDays: 30, MaxDays: 60, TotalBalance: ugx(0)},
		{Label: "60-89", MinDays: 60, MaxDays: 90, TotalBalance: ugx(0)},
		{Label: "90+", MinDays: 90, TotalBalance: ugx(7000), InvoiceCount: 1},
	}}
	lines := []billing.AgingLine{
		{InvoiceNumber: "INV202407270001", PatientID: "p1", Status: "pending", FinalizedAt: at.AddDate(0, 0, -5), AgeDays: 5, Bucket: "0-29", Total: ugx(3000), Balance: ugx(3000)},
		{InvoiceNumber: "INV202405030001", PatientID: "p2", Status: "partial", FinalizedAt: at.AddDate(0, 0, -90), AgeDays: 90, Bucket: "90+", Total: ugx(9000), Balance: ugx(7000)},
	}
	return report, lines, nil
}

type presignStore struct {
	*blobstore.MemoryStore
}

func (presignStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://s3.local/exports/" + key + "?sig=x", nil
}

func newTestService(store blobstore.Store) (*Service, *fakeSource) {
	src := &fakeSource{}
	svc := NewService(src, store, time.Hour, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 8, 1, 14, 30, 0, 0, time.UTC) }
	return svc, src
}

func openWorkbook(t *testing.T, data []byte) *excelize.File {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestService_AgingWorkbook(t *testing.T) {
	svc, src := newTestService(blobstore.NewMemoryStore())
	data, report, err := svc.AgingWorkbook(context.Background(), asOf, "billing-1")
	if err != nil {
		t.Fatal(err)
	}
	if !src.gotAsOf.Equal(asOf) || !report.AsOf.Equal(asOf) {
		t.Errorf("asOf not passed through: %v", src.gotAsOf)
	}

	f := openWorkbook(t, data)
	summary, err := f.GetRows("Summary")
	if err != nil {
		t.Fatal(err)
	}
	// header, 4 buckets, total
	if len(summary) != 6 {
		t.Fatalf("summary rows = %v", summary)
	}
	if summary[5][0] != "Total" || summary[5][1] != "2" || summary[5][2] != "10000" {
		t.Errorf("total row = %v", summary[5])
	}
	invoices, _ := f.GetRows("Invoices")
	if len(invoices) != 3 || invoices[2][0] != "INV202405030001" || invoices[2][5] != "90+" || invoices[2][7] != "7000" {
		t.Errorf("invoice rows = %v", invoices)
	}
}

func TestService_AgingWorkbook_SourceError(t *testing.T) {
	svc, src := newTestService(blobstore.NewMemoryStore())
	src.err = errors.New("db down")
	if _, _, err := svc.AgingWorkbook(context.Background(), asOf, "x"); !errors.Is(err, src.err) {
		t.Errorf("expected source error, got %v", err)
	}
}

func TestService_ExportAndDownload(t *testing.T) {
	store := blobstore.NewMemoryStore()
	svc, _ := newTestService(store)
	ctx := db.WithTenant(context.Background(), "mulago")

	exp, err := svc.ExportAging(ctx, asOf, "billing-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(exp.Key, "aging/mulago/aging_20240801_143000_") || exp.URL != "" || exp.ExpiresAt != nil {
		t.Errorf("unexpected export: %+v", exp)
	}

	obj, err := svc.Download(ctx, exp.Key)
	if err != nil {
		t.Fatal(err)
	}
	if obj.ContentType != reporting.ContentTypeXLSX || len(obj.Data) != exp.Size {
		t.Errorf("object = %s, %d bytes", obj.ContentType, len(obj.Data))
	}

	other := db.WithTenant(context.Background(), "nsambya")
	if _, err := svc.Download(other, exp.Key); !errors.Is(err, ErrExportNotFound) {
		t.Errorf("cross-tenant download: %v", err)
	}
	if _, err := svc.Download(ctx, "aging/mulago/../nsambya/x.xlsx"); !errors.Is(err, ErrExportNotFound) {
		t.Errorf("traversal: %v", err)
	}
	if _, err := svc.Download(ctx, "aging/mulago/missing.xlsx"); !errors.Is(err, ErrExportNotFound) {
		t.Errorf("missing: %v", err)
	}
}

func TestService_ExportPresigned(t *testing.T) {
	svc, _ := newTestService(presignStore{blobstore.NewMemoryStore()})
	exp, err := svc.ExportAging(context.Background(), asOf, "billing-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(exp.URL, "https://s3.local/exports/aging/default/") {
		t.Errorf("url = %s", exp.URL)
	}
	if exp.ExpiresAt == nil || !exp.ExpiresAt.Equal(time.Date(2024, 8, 1, 15, 30, 0, 0, time.UTC)) {
		t.Errorf("expires = %v", exp.ExpiresAt)
	}
}

func TestHandler_DownloadAging(t *testing.T) {
	svc, src := newTestService(blobstore.NewMemoryStore())
	h := NewHandler(svc)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?as_of=2024-08-01", nil), rec)
	if err := h.DownloadAging(c); err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get(echo.HeaderContentType) != reporting.ContentTypeXLSX {
		t.Errorf("content type = %s", rec.Header().Get(echo.HeaderContentType))
	}
	if !strings.Contains(rec.Header().Get(echo.HeaderContentDisposition), "aging_20240801.xlsx") {
		t.Errorf("disposition = %s", rec.Header().Get(echo.HeaderContentDisposition))
	}
	openWorkbook(t, rec.Body.Bytes())
	if !src.gotAsOf.Equal(asOf) {
		t.Errorf("asOf = %v", src.gotAsOf)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?as_of=01-08-2024", nil), httptest.NewRecorder())
	he, ok := h.DownloadAging(c).(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", he)
	}

	src.err = errors.New("boom")
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	he, ok = h.DownloadAging(c).(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %v", he)
	}
}

func TestHandler_ExportThenFetch(t *testing.T) {
	svc, _ := newTestService(blobstore.NewMemoryStore())
	h := NewHandler(svc)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	if err := h.ExportAging(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var exp Export
	if err := json.Unmarshal(rec.Body.Bytes(), &exp); err != nil {
		t.Fatal(err)
	}
	if exp.URL != "/api/v1/reports/exports/"+exp.Key {
		t.Errorf("url = %s", exp.URL)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("*")
	c.SetParamValues(exp.Key)
	if err := h.GetExport(c); err != nil {
		t.Fatal(err)
	}
	if rec.Body.Len() != exp.Size {
		t.Errorf("downloaded %d bytes, want %d", rec.Body.Len(), exp.Size)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("*")
	c.SetParamValues("aging/default/none.xlsx")
	he, ok := h.GetExport(c).(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", he)
	}
}
