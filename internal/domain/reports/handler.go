package reports

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hmis/billing/internal/platform/auth"
	"github.com/hmis/billing/internal/platform/reporting"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(auth.RoleBilling))
	g.GET("/aging/export", h.DownloadAging)
	g.POST("/aging/exports", h.ExportAging)
	g.GET("/exports/*", h.GetExport)
}

func asOfParam(c echo.Context) (time.Time, error) {
	s := c.QueryParam("as_of")
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "as_of must be YYYY-MM-DD")
	}
	return d, nil
}

func internalError(err error) error {
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

// DownloadAging streams the aging workbook without storing it.
func (h *Handler) DownloadAging(c echo.Context) error {
	asOf, err := asOfParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	data, report, err := h.svc.AgingWorkbook(ctx, asOf, auth.UserIDFromContext(ctx))
	if err != nil {
		return internalError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="aging_%s.xlsx"`, report.AsOf.Format("20060102")))
	return c.Blob(http.StatusOK, reporting.ContentTypeXLSX, data)
}

// ExportAging stores the workbook and answers with its location.
func (h *Handler) ExportAging(c echo.Context) error {
	asOf, err := asOfParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	exp, err := h.svc.ExportAging(ctx, asOf, auth.UserIDFromContext(ctx))
	if err != nil {
		return internalError(err)
	}
	if exp.URL == "" {
		exp.URL = "/api/v1/reports/exports/" + exp.Key
	}
	return c.JSON(http.StatusCreated, exp)
}

func (h *Handler) GetExport(c echo.Context) error {
	obj, err := h.svc.Download(c.Request().Context(), c.Param("*"))
	if errors.Is(err, ErrExportNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return internalError(err)
	}
	return c.Blob(http.StatusOK, obj.ContentType, obj.Data)
}
