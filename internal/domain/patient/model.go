package patient

import (
	"encoding/json"
	"time"
)

type User struct {
	ID             string    `json:"id"`
	Name           *string   `json:"name"`
	Email          *string   `json:"email"`
	Image          *string   `json:"image"`
	IntakeFinished bool      `json:"intakeFinished"`
	ClinicID       *string   `json:"clinicId,omitempty"`
	Clinician      *string   `json:"clinician,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Profile is the patient's intake answers. JSON holds the raw intake form
// plus cached analysis results under "sentimentAnalysis" and "summary".
type Profile struct {
	UserID           string          `json:"userId"`
	FirstName        *string         `json:"firstName"`
	LastName         *string         `json:"lastName"`
	Age              *int            `json:"age"`
	JSON             json.RawMessage `json:"json"`
	FirstSubmittedAt *time.Time      `json:"firstSubmittedAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Patient is a user with their profile, if one has been submitted.
type Patient struct {
	User
	Profile *Profile `json:"profile"`
}

// NameMatch is the result of a profile name lookup.
type NameMatch struct {
	UserID string          `json:"userId"`
	JSON   json.RawMessage `json:"json"`
	User   MatchUser       `json:"user"`
}

type MatchUser struct {
	ID             string `json:"id"`
	IntakeFinished bool   `json:"intakeFinished"`
}

// Profile JSON keys written by the analysis proxies.
const (
	KeySentimentAnalysis = "sentimentAnalysis"
	KeySummary           = "summary"
)
