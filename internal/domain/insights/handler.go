// Package insights proxies the intake-analysis and clinical-insights
// services and caches their verdicts in the patient profile.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/intake/portal/internal/domain/patient"
	"github.com/intake/portal/internal/platform/analysis"
)

// Analyzer is the subset of analysis.Client used by the handlers.
type Analyzer interface {
	Sentiment(ctx context.Context, userID string) (*analysis.Result, error)
	Summarize(ctx context.Context, userID string) (*analysis.Result, error)
	ActionItems(ctx context.Context, userID string) (json.RawMessage, error)
	Diagnoses(ctx context.Context, userID string) ([]analysis.Diagnosis, error)
}

// ProfileCache stores analysis output in the patient's profile JSON.
type ProfileCache interface {
	MergeProfileField(ctx context.Context, userID, key string, value json.RawMessage) (bool, error)
}

type Handler struct {
	analyzer Analyzer
	profiles ProfileCache
	logger   zerolog.Logger
}

func NewHandler(analyzer Analyzer, profiles ProfileCache, logger zerolog.Logger) *Handler {
	return &Handler{
		analyzer: analyzer,
		profiles: profiles,
		logger:   logger.With().Str("component", "insights").Logger(),
	}
}

// RegisterRoutes mounts the analysis proxies on api and the insights route
// on the clinician group.
func (h *Handler) RegisterRoutes(api, clinician *echo.Group) {
	api.POST("/sentiment", h.Sentiment)
	api.POST("/summarize", h.Summarize)
	clinician.POST("/insights", h.Insights)
}

type userRequest struct {
	UserID string `json:"userId"`
}

func failure(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]any{"success": false, "error": msg})
}

func bindUserID(c echo.Context) (string, error) {
	var req userRequest
	if err := c.Bind(&req); err != nil {
		return "", failure(c, http.StatusBadRequest, "invalid request body")
	}
	id := strings.TrimSpace(req.UserID)
	if id == "" {
		return "", failure(c, http.StatusBadRequest, "userId is required")
	}
	return id, nil
}

func (h *Handler) Sentiment(c echo.Context) error {
	return h.proxy(c, "sentiment data", patient.KeySentimentAnalysis, h.analyzer.Sentiment)
}

func (h *Handler) Summarize(c echo.Context) error {
	return h.proxy(c, "summary", patient.KeySummary, h.analyzer.Summarize)
}

// proxy forwards the upstream body verbatim. A successful payload is merged
// into the profile under key; a failed merge is logged and does not fail
// the request.
func (h *Handler) proxy(c echo.Context, what, key string, call func(context.Context, string) (*analysis.Result, error)) error {
	userID, err := bindUserID(c)
	if userID == "" {
		return err
	}

	ctx := c.Request().Context()
	res, err := call(ctx, userID)
	if err != nil {
		var upstream *analysis.UpstreamError
		switch {
		case errors.As(err, &upstream):
			return failure(c, upstream.Status, "Failed to fetch "+what)
		case errors.Is(err, analysis.ErrNotConfigured):
			return failure(c, http.StatusInternalServerError, err.Error())
		default:
			h.logger.Error().Err(err).Str("user_id", userID).Str("key", key).Msg("analysis call failed")
			return failure(c, http.StatusInternalServerError, "Internal server error")
		}
	}

	if res.Success && res.Payload != nil {
		ok, err := h.profiles.MergeProfileField(ctx, userID, key, json.RawMessage(res.Payload))
		switch {
		case err != nil:
			h.logger.Error().Err(err).Str("user_id", userID).Str("key", key).Msg("caching analysis in profile")
		case ok:
			h.logger.Info().Str("user_id", userID).Str("key", key).Msg("analysis saved to profile")
		}
	}

	return c.JSONBlob(http.StatusOK, res.Raw)
}

type insightsResponse struct {
	Success     bool                 `json:"success"`
	ActionItems json.RawMessage      `json:"actionItems"`
	Diagnoses   []analysis.Diagnosis `json:"diagnoses"`
}

// Insights fetches action items and diagnoses concurrently. Either half may
// fail; the request fails only when both come back empty.
func (h *Handler) Insights(c echo.Context) error {
	userID, err := bindUserID(c)
	if userID == "" {
		return err
	}

	var (
		actionItems json.RawMessage
		diagnoses   []analysis.Diagnosis
	)
	// Errors are absorbed per call so one failure never cancels the other.
	var g errgroup.Group
	ctx := c.Request().Context()
	g.Go(func() error {
		items, err := h.analyzer.ActionItems(ctx, userID)
		if err != nil {
			h.logger.Error().Err(err).Str("user_id", userID).Msg("action items failed")
			return nil
		}
		actionItems = items
		return nil
	})
	g.Go(func() error {
		d, err := h.analyzer.Diagnoses(ctx, userID)
		if err != nil {
			h.logger.Error().Err(err).Str("user_id", userID).Msg("diagnoses failed")
			return nil
		}
		diagnoses = d
		return nil
	})
	_ = g.Wait()

	if actionItems == nil && len(diagnoses) == 0 {
		return failure(c, http.StatusInternalServerError, "Failed to fetch clinical insights")
	}
	if diagnoses == nil {
		diagnoses = []analysis.Diagnosis{}
	}
	return c.JSON(http.StatusOK, insightsResponse{Success: true, ActionItems: actionItems, Diagnoses: diagnoses})
}
