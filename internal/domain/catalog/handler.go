package catalog

import (
	"errors"
	"net/http"
	"strings"

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
	read.GET("/services", h.List)
	read.GET("/services/:code", h.Get)

	write := api.Group("", auth.RequireRole(auth.RoleBilling))
	write.PUT("/services/:code", h.Put)
	write.DELETE("/services/:code", h.Deactivate)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidEntry), errors.Is(err, money.ErrInvalidAmount):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

type entryRequest struct {
	Name      string `json:"name" validate:"required,max=255"`
	Category  string `json:"category" validate:"max=64"`
	UnitPrice string `json:"unit_price" validate:"required,amount"`
	Currency  string `json:"currency" validate:"omitempty,currency"`
	Active    *bool  `json:"active"`
}

func (h *Handler) Put(c echo.Context) error {
	var req entryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = h.svc.currency
	}
	price, err := money.Parse(req.UnitPrice, currency)
	if err != nil {
		return httpError(err)
	}

	e := &Entry{
		Code:      c.Param("code"),
		Name:      req.Name,
		Category:  req.Category,
		UnitPrice: price.Amount,
		Currency:  price.Currency,
		Active:    req.Active == nil || *req.Active,
	}
	if err := h.svc.Save(c.Request().Context(), e); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Get(c echo.Context) error {
	e, err := h.svc.Get(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Deactivate(c echo.Context) error {
	if err := h.svc.Deactivate(c.Request().Context(), c.Param("code")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Category:   c.QueryParam("category"),
		ActiveOnly: c.QueryParam("active") == "true",
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
