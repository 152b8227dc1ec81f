package assessment

import (
	"context"
	"errors"
)

var ErrPatientNotFound = errors.New("patient not found")

type Repository interface {
	// ListForPatient returns every response for the patient, most recently
	// completed first.
	ListForPatient(ctx context.Context, patientID string) ([]*Response, error)
	// ClinicID returns the clinic of the patient, or ErrPatientNotFound.
	ClinicID(ctx context.Context, patientID string) (*string, error)
	Create(ctx context.Context, r *Response) error
}
