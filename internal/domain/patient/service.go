package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNameRequired      = errors.New("missing 'name' query parameter")
	ErrIDRequired        = errors.New("missing id")
	ErrIntakeNotFinished = errors.New("patient intake not completed")
	ErrKeyRequired       = errors.New("profile key is required")
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// FindByName tries each reading of raw as "first last" in order and
// returns the first exact, case-sensitive profile match.
func (s *Service) FindByName(ctx context.Context, raw string) (*NameMatch, error) {
	candidates := NameCandidates(raw)
	if len(candidates) == 0 {
		return nil, ErrNameRequired
	}

	for _, c := range candidates {
		m, err := s.repo.FindByProfileName(ctx, c.First, c.Last)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !m.User.IntakeFinished {
			return nil, ErrIntakeNotFinished
		}
		return m, nil
	}
	return nil, ErrNotFound
}

func (s *Service) Get(ctx context.Context, id string) (*Patient, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrIDRequired
	}
	return s.repo.GetByID(ctx, id)
}

// ListCompleted returns patients with a finished intake and a profile,
// newest submission first.
func (s *Service) ListCompleted(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.ListCompleted(ctx, limit, offset)
}

// MergeProfileField stores value under key in the patient's profile JSON.
// It reports false when the patient has no profile.
func (s *Service) MergeProfileField(ctx context.Context, userID, key string, value json.RawMessage) (bool, error) {
	if key == "" {
		return false, ErrKeyRequired
	}
	if !json.Valid(value) {
		return false, fmt.Errorf("profile field %q: value is not valid JSON", key)
	}
	return s.repo.MergeProfileField(ctx, userID, key, value, s.now().UTC())
}

func (s *Service) RemoveProfileField(ctx context.Context, userID, key string) (bool, error) {
	if key == "" {
		return false, ErrKeyRequired
	}
	return s.repo.RemoveProfileField(ctx, userID, key, s.now().UTC())
}
