package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientIDRequired = errors.New("patientId is required")
	ErrTypeRequired      = errors.New("assessmentType is required")
	ErrInvalidDueDate    = errors.New("dueDate must be RFC 3339 or YYYY-MM-DD")
)

type Service struct {
	repo  Repository
	now   func() time.Time
	newID func() string
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now, newID: uuid.NewString}
}

// ListForPatient splits the patient's assessments into completed and
// pending. Rows that are neither (answers without a completion time) are
// left out of both.
func (s *Service) ListForPatient(ctx context.Context, patientID string) (completed, pending []*Response, err error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, nil, ErrPatientIDRequired
	}
	all, err := s.repo.ListForPatient(ctx, patientID)
	if err != nil {
		return nil, nil, err
	}
	completed, pending = []*Response{}, []*Response{}
	for _, r := range all {
		switch {
		case r.IsCompleted():
			completed = append(completed, r)
		case r.IsPending():
			pending = append(pending, r)
		}
	}
	return completed, pending, nil
}

// Send assigns an empty assessment to the patient. requestedBy falls back
// to the clinician's session email.
func (s *Service) Send(ctx context.Context, req SendRequest, clinicianEmail string) (*Response, error) {
	patientID := strings.TrimSpace(req.PatientID)
	if patientID == "" {
		return nil, ErrPatientIDRequired
	}
	kind := strings.ToLower(strings.TrimSpace(req.AssessmentType))
	if kind == "" {
		return nil, ErrTypeRequired
	}

	var due *time.Time
	if req.DueDate != "" {
		t, err := parseDueDate(req.DueDate)
		if err != nil {
			return nil, err
		}
		due = &t
	}

	clinicID, err := s.repo.ClinicID(ctx, patientID)
	if err != nil {
		return nil, err
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = clinicianEmail
	}
	now := s.now().UTC()

	r := &Response{
		ID:             s.newID(),
		UserID:         patientID,
		ClinicID:       clinicID,
		AssessmentType: kind,
		Responses:      json.RawMessage(`{}`),
		DueDate:        due,
		AssignedAt:     &now,
		CreatedAt:      now,
	}
	if requestedBy != "" {
		r.RequestedBy = &requestedBy
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func parseDueDate(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrInvalidDueDate
}
