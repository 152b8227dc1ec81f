package assessment

import (
	"bytes"
	"encoding/json"
	"time"
)

// Response is one assessment assigned to, or completed by, a patient. A
// pending assessment has empty responses and no completion time.
type Response struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	ClinicID       *string         `json:"clinicId"`
	AssessmentType string          `json:"assessmentType"`
	TotalScore     *int            `json:"totalScore"`
	Responses      json.RawMessage `json:"responses"`
	RequestedBy    *string         `json:"requestedBy"`
	DueDate        *time.Time      `json:"dueDate"`
	AssignedAt     *time.Time      `json:"assignedAt"`
	CompletedAt    *time.Time      `json:"completedAt"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func (r *Response) hasResponses() bool {
	trimmed := bytes.TrimSpace(r.Responses)
	switch string(trimmed) {
	case "", "null", "{}", "[]":
		return false
	}
	return true
}

// IsCompleted reports whether the patient submitted answers.
func (r *Response) IsCompleted() bool {
	return r.hasResponses() && r.CompletedAt != nil
}

// IsPending reports whether the assessment was assigned and not yet started.
func (r *Response) IsPending() bool {
	return !r.hasResponses() && r.CompletedAt == nil
}

// SendRequest assigns a new assessment to a patient.
type SendRequest struct {
	PatientID      string `json:"patientId" validate:"required"`
	AssessmentType string `json:"assessmentType" validate:"required"`
	// DueDate accepts RFC 3339 or a plain YYYY-MM-DD date.
	DueDate     string `json:"dueDate,omitempty"`
	RequestedBy string `json:"requestedBy,omitempty"`
}
