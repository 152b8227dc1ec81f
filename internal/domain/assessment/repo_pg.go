package assessment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/intake/portal/internal/platform/db"
)

type repoPG struct {
	router *db.Router
}

func NewRepo(router *db.Router) Repository {
	return &repoPG{router: router}
}

const responseCols = `id, user_id, clinic_id, assessment_type, total_score, responses, requested_by,
	due_date, assigned_at, completed_at, created_at`

func scanResponse(row pgx.Row) (*Response, error) {
	var r Response
	err := row.Scan(&r.ID, &r.UserID, &r.ClinicID, &r.AssessmentType, &r.TotalScore, &r.Responses,
		&r.RequestedBy, &r.DueDate, &r.AssignedAt, &r.CompletedAt, &r.CreatedAt)
	return &r, err
}

func (p *repoPG) ListForPatient(ctx context.Context, patientID string) ([]*Response, error) {
	rows, err := p.router.Active().Query(ctx, `SELECT `+responseCols+`
		FROM assessment_response
		WHERE user_id = $1
		ORDER BY completed_at DESC NULLS LAST, created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var out []*Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *repoPG) ClinicID(ctx context.Context, patientID string) (*string, error) {
	var clinicID *string
	err := p.router.Active().QueryRow(ctx,
		`SELECT clinic_id FROM app_user WHERE id = $1`, patientID).Scan(&clinicID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup clinic: %w", err)
	}
	return clinicID, nil
}

// Create inserts r on the primary and then on the backup. The id is set by
// the caller so both rows share it.
func (p *repoPG) Create(ctx context.Context, r *Response) error {
	_, err := db.DualWriteSync(ctx, p.router, func(ctx context.Context, q db.Querier) (struct{}, error) {
		_, err := q.Exec(ctx, `
			INSERT INTO assessment_response
				(id, user_id, clinic_id, assessment_type, total_score, responses, requested_by,
				 due_date, assigned_at, completed_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, r.UserID, r.ClinicID, r.AssessmentType, r.TotalScore, r.Responses, r.RequestedBy,
			r.DueDate, r.AssignedAt, r.CompletedAt, r.CreatedAt)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}
