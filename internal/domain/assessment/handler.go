package assessment

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/intake/portal/internal/platform/auth"
	"github.com/intake/portal/internal/platform/validation"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(clinician *echo.Group) {
	clinician.GET("/assessments/:patientId", h.ListForPatient)
	clinician.POST("/scales/send", h.Send)
}

func (h *Handler) ListForPatient(c echo.Context) error {
	completed, pending, err := h.svc.ListForPatient(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"assessments":        completed,
		"pendingAssessments": pending,
	})
}

func (h *Handler) Send(c echo.Context) error {
	var req SendRequest
	if err := validation.Bind(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	r, err := h.svc.Send(ctx, req, auth.EmailFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "assessment": r})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrPatientIDRequired), errors.Is(err, ErrTypeRequired), errors.Is(err, ErrInvalidDueDate):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Patient not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Server error").SetInternal(err)
	}
}
