package patient

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type mockRepo struct {
	mu       sync.Mutex
	patients map[string]*Patient
	lookups  []NamePair
	err      error
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: make(map[string]*Patient)}
}

func strPtr(s string) *string { return &s }

func (m *mockRepo) add(id, first, last string, finished bool, submitted time.Time) *Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, _ := json.Marshal(map[string]string{"firstName": first, "lastName": last})
	p := &Patient{
		User: User{ID: id, Name: strPtr(first + " " + last), IntakeFinished: finished},
		Profile: &Profile{
			UserID:           id,
			FirstName:        strPtr(first),
			LastName:         strPtr(last),
			JSON:             raw,
			FirstSubmittedAt: &submitted,
			UpdatedAt:        submitted,
		},
	}
	m.patients[id] = p
	return p
}

func (m *mockRepo) FindByProfileName(_ context.Context, first, last string) (*NameMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, NamePair{First: first, Last: last})
	if m.err != nil {
		return nil, m.err
	}
	var best *Patient
	for _, p := range m.patients {
		if p.Profile == nil {
			continue
		}
		var fields map[string]any
		_ = json.Unmarshal(p.Profile.JSON, &fields)
		if fields["firstName"] != first || fields["lastName"] != last {
			continue
		}
		if best == nil || p.Profile.UpdatedAt.After(best.Profile.UpdatedAt) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return &NameMatch{
		UserID: best.ID,
		JSON:   best.Profile.JSON,
		User:   MatchUser{ID: best.ID, IntakeFinished: best.IntakeFinished},
	}, nil
}

func (m *mockRepo) GetByID(_ context.Context, id string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) ListCompleted(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, 0, m.err
	}
	var all []*Patient
	for _, p := range m.patients {
		if p.IntakeFinished && p.Profile != nil {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Profile.FirstSubmittedAt.After(*all[j].Profile.FirstSubmittedAt)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) MergeProfileField(_ context.Context, userID, key string, value json.RawMessage, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[userID]
	if !ok || p.Profile == nil {
		return false, nil
	}
	fields := map[string]json.RawMessage{}
	_ = json.Unmarshal(p.Profile.JSON, &fields)
	fields[key] = value
	p.Profile.JSON, _ = json.Marshal(fields)
	p.Profile.UpdatedAt = at
	return true, nil
}

func (m *mockRepo) RemoveProfileField(_ context.Context, userID, key string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[userID]
	if !ok || p.Profile == nil {
		return false, nil
	}
	fields := map[string]json.RawMessage{}
	_ = json.Unmarshal(p.Profile.JSON, &fields)
	if _, ok := fields[key]; !ok {
		return false, nil
	}
	delete(fields, key)
	p.Profile.JSON, _ = json.Marshal(fields)
	p.Profile.UpdatedAt = at
	return true, nil
}
