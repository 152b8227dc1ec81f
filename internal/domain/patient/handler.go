package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/intake/portal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(clinician *echo.Group) {
	clinician.GET("/patients", h.FindByName)
	clinician.GET("/patients/all", h.ListCompleted)
	clinician.GET("/patients/:id", h.Get)
}

func (h *Handler) FindByName(c echo.Context) error {
	m, err := h.svc.FindByName(c.Request().Context(), c.QueryParam("name"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"patient": m})
}

func (h *Handler) Get(c echo.Context) error {
	p, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"patient": p})
}

type listResponse struct {
	Patients []*Patient `json:"patients"`
	pagination.Page
}

func (h *Handler) ListCompleted(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.ListCompleted(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if patients == nil {
		patients = []*Patient{}
	}
	return c.JSON(http.StatusOK, listResponse{Patients: patients, Page: pagination.NewPage(pg, total)})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNameRequired), errors.Is(err, ErrIDRequired), errors.Is(err, ErrKeyRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	case errors.Is(err, ErrIntakeNotFinished):
		return echo.NewHTTPError(http.StatusForbidden, "Patient intake not completed")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Server error").SetInternal(err)
	}
}
