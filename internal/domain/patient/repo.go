package patient

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("patient not found")

type Repository interface {
	// FindByProfileName returns the most recently updated profile whose
	// JSON firstName and lastName equal first and last exactly.
	FindByProfileName(ctx context.Context, first, last string) (*NameMatch, error)
	GetByID(ctx context.Context, id string) (*Patient, error)
	ListCompleted(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	// MergeProfileField sets key in the profile JSON. It reports false when
	// the user has no profile.
	MergeProfileField(ctx context.Context, userID, key string, value json.RawMessage, at time.Time) (bool, error)
	RemoveProfileField(ctx context.Context, userID, key string, at time.Time) (bool, error)
}
