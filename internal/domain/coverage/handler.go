package coverage

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hmis/billing/internal/platform/auth"
	"github.com/hmis/billing/pkg/money"
	"github.com/hmis/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleCashier))
	read.GET("/coverage-profiles", h.List)
	read.GET("/coverage-profiles/:patient_id", h.Get)

	write := api.Group("", auth.RequireRole(auth.RoleBilling))
	write.PUT("/coverage-profiles/:patient_id", h.Put)
	write.DELETE("/coverage-profiles/:patient_id", h.Delete)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidProfile), errors.Is(err, money.ErrInvalidAmount):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

func patientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return id, nil
}

type profileRequest struct {
	PaymentType    string `json:"payment_type" validate:"required,oneof=cash insurance corporate membership"`
	SchemeName     string `json:"scheme_name" validate:"max=128"`
	CopayBps       *int64 `json:"copay_bps" validate:"omitempty,gte=0,lte=10000"`
	DiscountBps    *int64 `json:"discount_bps" validate:"omitempty,gte=0,lte=10000"`
	RemainingLimit string `json:"remaining_limit" validate:"omitempty,amount"`
	Currency       string `json:"currency" validate:"omitempty,currency"`
}

func (h *Handler) Put(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	var req profileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}

	p := &Profile{
		PatientID:   id,
		PaymentType: req.PaymentType,
		SchemeName:  req.SchemeName,
		CopayBps:    req.CopayBps,
		DiscountBps: req.DiscountBps,
		Currency:    strings.ToUpper(req.Currency),
	}
	if req.RemainingLimit != "" {
		currency := p.Currency
		if currency == "" {
			currency = h.svc.currency
		}
		lim, err := money.Parse(req.RemainingLimit, currency)
		if err != nil {
			return httpError(err)
		}
		p.RemainingLimit = &lim.Amount
		p.Currency = lim.Currency
	}

	if err := h.svc.Save(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Profile{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
