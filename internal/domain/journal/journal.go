// Package journal exposes patients' journal entries to clinicians.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/intake/portal/internal/platform/db"
	"github.com/intake/portal/pkg/pagination"
)

var ErrPatientIDRequired = errors.New("patientId is required")

type Entry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	Content         string          `json:"content"`
	Mood            *string         `json:"mood"`
	SentimentResult json.RawMessage `json:"sentimentResult"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type Repository interface {
	// ListForPatient returns one page of entries, newest first, and the
	// patient's total entry count.
	ListForPatient(ctx context.Context, patientID string, limit, offset int) ([]*Entry, int, error)
}

type repoPG struct {
	router *db.Router
}

func NewRepo(router *db.Router) Repository {
	return &repoPG{router: router}
}

func (r *repoPG) ListForPatient(ctx context.Context, patientID string, limit, offset int) ([]*Entry, int, error) {
	conn := r.router.Active()

	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM journal_entry WHERE user_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count journal entries: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT id, user_id, content, mood, sentiment_result, created_at, updated_at
		FROM journal_entry
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &e.Mood, &e.SentimentResult, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan journal entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(clinician *echo.Group) {
	clinician.GET("/journal/:patientId", h.ListForPatient)
}

type listResponse struct {
	Success bool     `json:"success"`
	Entries []*Entry `json:"entries"`
	pagination.Page
}

func (h *Handler) ListForPatient(c echo.Context) error {
	patientID := strings.TrimSpace(c.Param("patientId"))
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrPatientIDRequired.Error())
	}

	pg := pagination.FromContext(c)
	entries, total, err := h.repo.ListForPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch journal entries").SetInternal(err)
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return c.JSON(http.StatusOK, listResponse{
		Success: true,
		Entries: entries,
		Page:    pagination.NewPage(pg, total),
	})
}
