package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/intake/portal/internal/platform/db"
)

type repoPG struct {
	router *db.Router
}

// NewRepo returns a Repository that reads from the router's active
// database and writes through dual-write.
func NewRepo(router *db.Router) Repository {
	return &repoPG{router: router}
}

const patientCols = `u.id, u.name, u.email, u.image, u.intake_finished, u.clinic_id, u.clinician, u.created_at,
	p.user_id, p.first_name, p.last_name, p.age, p.json, p.first_submitted_at, p.updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var (
		pt         Patient
		profUserID *string
		prof       Profile
		updatedAt  *time.Time
	)
	err := row.Scan(
		&pt.ID, &pt.Name, &pt.Email, &pt.Image, &pt.IntakeFinished, &pt.ClinicID, &pt.Clinician, &pt.CreatedAt,
		&profUserID, &prof.FirstName, &prof.LastName, &prof.Age, &prof.JSON, &prof.FirstSubmittedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if profUserID != nil {
		prof.UserID = *profUserID
		if updatedAt != nil {
			prof.UpdatedAt = *updatedAt
		}
		pt.Profile = &prof
	}
	return &pt, nil
}

func (r *repoPG) FindByProfileName(ctx context.Context, first, last string) (*NameMatch, error) {
	var m NameMatch
	err := r.router.Active().QueryRow(ctx, `
		SELECT p.user_id, p.json, u.id, u.intake_finished
		FROM profile p
		JOIN app_user u ON u.id = p.user_id
		WHERE p.json->>'firstName' = $1 AND p.json->>'lastName' = $2
		ORDER BY p.updated_at DESC
		LIMIT 1`, first, last).Scan(&m.UserID, &m.JSON, &m.User.ID, &m.User.IntakeFinished)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile by name: %w", err)
	}
	return &m, nil
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	pt, err := scanPatient(r.router.Active().QueryRow(ctx, `
		SELECT `+patientCols+`
		FROM app_user u
		LEFT JOIN profile p ON p.user_id = u.id
		WHERE u.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return pt, nil
}

func (r *repoPG) ListCompleted(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	q := r.router.Active()

	var total int
	if err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM app_user u JOIN profile p ON p.user_id = u.id
		WHERE u.intake_finished`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT `+patientCols+`
		FROM app_user u
		JOIN profile p ON p.user_id = u.id
		WHERE u.intake_finished
		ORDER BY p.first_submitted_at DESC NULLS LAST, u.id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		pt, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, pt)
	}
	return out, total, rows.Err()
}

func (r *repoPG) MergeProfileField(ctx context.Context, userID, key string, value json.RawMessage, at time.Time) (bool, error) {
	n, err := db.DualWrite(ctx, r.router, func(ctx context.Context, q db.Querier) (int64, error) {
		tag, err := q.Exec(ctx, `
			UPDATE profile
			SET json = COALESCE(json, '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb),
			    updated_at = $4
			WHERE user_id = $1`, userID, key, string(value), at)
		return tag.RowsAffected(), err
	})
	if err != nil {
		return false, fmt.Errorf("merge profile field %q: %w", key, err)
	}
	return n > 0, nil
}

func (r *repoPG) RemoveProfileField(ctx context.Context, userID, key string, at time.Time) (bool, error) {
	n, err := db.DualWrite(ctx, r.router, func(ctx context.Context, q db.Querier) (int64, error) {
		tag, err := q.Exec(ctx, `
			UPDATE profile SET json = json - $2::text, updated_at = $3
			WHERE user_id = $1 AND json ? $2::text`, userID, key, at)
		return tag.RowsAffected(), err
	})
	if err != nil {
		return false, fmt.Errorf("remove profile field %q: %w", key, err)
	}
	return n > 0, nil
}
