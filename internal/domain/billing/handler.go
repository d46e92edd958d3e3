package billing

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hmis/billing/internal/platform/auth"
	"github.com/hmis/billing/pkg/money"
	"github.com/hmis/billing/pkg/pagination"
)

// IdempotencyHeader carries the client-chosen key for a payment attempt. It
// takes precedence over idempotency_key in the body.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, billing, cashier
	read := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleCashier))
	read.GET("/invoices", h.ListInvoices)
	read.GET("/invoices/pending", h.ListPendingInvoices)
	read.GET("/invoices/by-number/:number", h.GetInvoiceByNumber)
	read.GET("/invoices/:id", h.GetInvoice)
	read.GET("/invoices/:id/payments", h.ListPayments)
	read.GET("/payments/:id", h.GetPayment)

	// Collection – cashiers take payments
	read.POST("/invoices/:id/payments", h.ApplyPayment)

	// Write endpoints – admin, billing
	write := api.Group("", auth.RequireRole(auth.RoleBilling))
	write.POST("/invoices", h.CreateInvoice)
	write.POST("/invoices/:id/line-items", h.AddLineItem)
	write.PUT("/invoices/:id/discount", h.SetDiscount)
	write.POST("/invoices/:id/finalize", h.FinalizeInvoice)
	write.POST("/invoices/:id/cancel", h.CancelInvoice)
	write.POST("/invoices/:id/refund", h.RefundInvoice)
	write.POST("/payments/:id/void", h.VoidPayment)
	write.GET("/reports/aging", h.GetAgingReport)
}

// httpError maps billing error kinds onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvoiceNotFound),
		errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrUnknownServiceCode):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrInvoiceNotPayable),
		errors.Is(err, ErrAlreadyVoided),
		errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrIdempotencyKeyConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNonPositiveAmount),
		errors.Is(err, ErrVoidReasonRequired),
		errors.Is(err, ErrInvalidCoverageRate),
		errors.Is(err, ErrEmptyInvoice),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrInvalidLineItem),
		errors.Is(err, ErrInvalidPaymentMethod),
		errors.Is(err, ErrIdempotencyKeyRequired),
		errors.Is(err, ErrInvalidInvoice),
		errors.Is(err, money.ErrInvalidAmount):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(req)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Request bodies --

type adjustmentRequest struct {
	Kind   string `json:"kind" validate:"required,oneof=fixed percent"`
	Amount string `json:"amount" validate:"required_if=Kind fixed,omitempty,amount"`
	Bps    int64  `json:"bps" validate:"gte=0,lte=10000"`
}

func (a *adjustmentRequest) toAdjustment(currency string) (Adjustment, error) {
	if a == nil {
		return Adjustment{}, nil
	}
	if AdjustmentKind(a.Kind) == AdjustmentPercent {
		return PercentAdjustment(a.Bps), nil
	}
	m, err := money.Parse(a.Amount, currency)
	if err != nil {
		return Adjustment{}, err
	}
	return FixedAdjustment(m.Amount), nil
}

type lineItemRequest struct {
	ServiceCode string             `json:"service_code" validate:"required,max=64"`
	Description string             `json:"description" validate:"max=255"`
	Quantity    int64              `json:"quantity" validate:"gt=0,lte=100000"`
	UnitPrice   string             `json:"unit_price" validate:"omitempty,amount"`
	Discount    *adjustmentRequest `json:"discount" validate:"omitempty"`
	Tax         *adjustmentRequest `json:"tax" validate:"omitempty"`
}

func (r lineItemRequest) toInput(currency string) (LineItemInput, error) {
	in := LineItemInput{ServiceCode: r.ServiceCode, Description: r.Description, Quantity: r.Quantity}
	if strings.TrimSpace(r.UnitPrice) != "" {
		p, err := money.Parse(r.UnitPrice, currency)
		if err != nil {
			return in, err
		}
		in.UnitPrice = &p
	}
	var err error
	if in.Discount, err = r.Discount.toAdjustment(currency); err != nil {
		return in, err
	}
	if in.Tax, err = r.Tax.toAdjustment(currency); err != nil {
		return in, err
	}
	return in, nil
}

type createInvoiceRequest struct {
	PatientID   string             `json:"patient_id" validate:"required,uuid"`
	EncounterID string             `json:"encounter_id" validate:"omitempty,uuid"`
	PaymentType string             `json:"payment_type" validate:"omitempty,oneof=cash insurance corporate membership"`
	Currency    string             `json:"currency" validate:"omitempty,currency"`
	Discount    *adjustmentRequest `json:"discount" validate:"omitempty"`
	DueDate     string             `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Notes       string             `json:"notes" validate:"max=2000"`
	LineItems   []lineItemRequest  `json:"line_items" validate:"dive"`
}

type paymentRequest struct {
	Amount         string `json:"amount" validate:"required,amount"`
	Method         string `json:"method" validate:"required,oneof=cash card mobile_money insurance"`
	Reference      string `json:"reference" validate:"max=128"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type finalizeRequest struct {
	BillToPatient bool `json:"bill_to_patient"`
}

// -- Invoice Handlers --

func (h *Handler) CreateInvoice(c echo.Context) error {
	var req createInvoiceRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = h.svc.Currency()
	}

	in := CreateInvoiceInput{
		PatientID:   patientID,
		PaymentType: PaymentType(req.PaymentType),
		Currency:    currency,
		Notes:       req.Notes,
		CreatedBy:   auth.UserIDFromContext(c.Request().Context()),
	}
	if req.EncounterID != "" {
		eid, err := uuid.Parse(req.EncounterID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid encounter_id")
		}
		in.EncounterID = &eid
	}
	if req.DueDate != "" {
		d, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid due_date")
		}
		in.DueDate = &d
	}
	if in.Discount, err = req.Discount.toAdjustment(currency); err != nil {
		return httpError(err)
	}
	for _, lr := range req.LineItems {
		li, err := lr.toInput(currency)
		if err != nil {
			return httpError(err)
		}
		in.Lines = append(in.Lines, li)
	}

	inv, err := h.svc.CreateInvoice(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetInvoiceByNumber(c echo.Context) error {
	inv, err := h.svc.GetInvoiceByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func uuidQuery(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// dateQuery parses a YYYY-MM-DD parameter as UTC midnight.
func dateQuery(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	d, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be YYYY-MM-DD")
	}
	return &d, nil
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := InvoiceFilter{Status: InvoiceStatus(c.QueryParam("status"))}
	var err error
	if f.PatientID, err = uuidQuery(c, "patient_id"); err != nil {
		return err
	}
	if f.EncounterID, err = uuidQuery(c, "encounter_id"); err != nil {
		return err
	}
	if f.From, err = dateQuery(c, "date_from"); err != nil {
		return err
	}
	// date_to names the last day included
	if f.To, err = dateQuery(c, "date_to"); err != nil {
		return err
	}
	if f.To != nil {
		next := f.To.AddDate(0, 0, 1)
		f.To = &next
	}
	items, total, err := h.svc.ListInvoices(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListPendingInvoices(c echo.Context) error {
	items, err := h.svc.ListPendingInvoices(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Invoice{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AddLineItem(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req lineItemRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	current, err := h.svc.GetInvoice(ctx, id)
	if err != nil {
		return httpError(err)
	}
	in, err := req.toInput(current.Currency)
	if err != nil {
		return httpError(err)
	}
	inv, err := h.svc.AddLineItem(ctx, id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) SetDiscount(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req adjustmentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	current, err := h.svc.GetInvoice(ctx, id)
	if err != nil {
		return httpError(err)
	}
	adj, err := req.toAdjustment(current.Currency)
	if err != nil {
		return httpError(err)
	}
	inv, err := h.svc.SetInvoiceDiscount(ctx, id, adj)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) FinalizeInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req finalizeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	inv, dec, err := h.svc.FinalizeInvoice(c.Request().Context(), id, req.BillToPatient)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"invoice":  inv,
		"coverage": dec,
	})
}

func (h *Handler) CancelInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	inv, err := h.svc.CancelInvoice(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) RefundInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	inv, err := h.svc.RefundInvoice(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

// -- Payment Handlers --

func (h *Handler) ApplyPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	key := c.Request().Header.Get(IdempotencyHeader)
	if key == "" {
		key = req.IdempotencyKey
	}

	ctx := c.Request().Context()
	inv, err := h.svc.GetInvoice(ctx, id)
	if err != nil {
		return httpError(err)
	}
	tendered, err := money.Parse(req.Amount, inv.Currency)
	if err != nil {
		return httpError(err)
	}

	res, err := h.svc.ApplyPayment(ctx, id, PaymentRequest{
		Tendered:       tendered,
		Method:         PaymentMethod(req.Method),
		Reference:      req.Reference,
		IdempotencyKey: key,
		ReceivedBy:     auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return httpError(err)
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.svc.GetInvoice(ctx, id); err != nil {
		return httpError(err)
	}
	items, err := h.svc.ListPayments(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Payment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) VoidPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, inv, err := h.svc.VoidPayment(ctx, id, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"payment": p,
		"invoice": inv,
	})
}

// -- Reports --

func (h *Handler) GetAgingReport(c echo.Context) error {
	var asOf time.Time
	if s := c.QueryParam("as_of"); s != "" {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "as_of must be YYYY-MM-DD")
		}
		asOf = d
	}
	report, err := h.svc.GetAgingReport(c.Request().Context(), asOf)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}
