package interactions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/workflow"
)

type ListFilter struct {
	TenantID   string
	State      string
	AgentID    string
	TeamID     string
	CustomerID string
	Limit      int
}

func (f ListFilter) match(in models.Interaction) bool {
	switch {
	case f.TenantID != "" && in.TenantID != f.TenantID:
		return false
	case f.State != "" && in.State != f.State:
		return false
	case f.AgentID != "" && in.AssignedAgentID != f.AgentID:
		return false
	case f.TeamID != "" && in.AssignedTeamID != f.TeamID:
		return false
	case f.CustomerID != "" && in.CustomerID != f.CustomerID:
		return false
	}
	return true
}

// Store persists interactions. Get is not tenant scoped; the manager
// enforces ownership.
type Store interface {
	Insert(ctx context.Context, in models.Interaction) error
	Get(ctx context.Context, id string) (models.Interaction, error)
	Save(ctx context.Context, in models.Interaction) error
	FindOpen(ctx context.Context, tenantID string, customerID string, channel string) (models.Interaction, bool, error)
	List(ctx context.Context, filter ListFilter) ([]models.Interaction, error)
}

// MemoryStore keeps interactions in process. Values are cloned on the way
// in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]models.Interaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]models.Interaction{}}
}

func (s *MemoryStore) Insert(_ context.Context, in models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[in.ID]; ok {
		return fmt.Errorf("%w: interaction %s already exists", models.ErrValidation, in.ID)
	}
	s.items[in.ID] = in.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.items[id]
	if !ok {
		return models.Interaction{}, fmt.Errorf("%w: interaction %s", models.ErrNotFound, id)
	}
	return in.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, in models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[in.ID]; !ok {
		return fmt.Errorf("%w: interaction %s", models.ErrNotFound, in.ID)
	}
	s.items[in.ID] = in.Clone()
	return nil
}

// FindOpen returns the newest non-terminal interaction for the customer on
// the channel.
func (s *MemoryStore) FindOpen(_ context.Context, tenantID string, customerID string, channel string) (models.Interaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  models.Interaction
		found bool
	)
	for _, in := range s.items {
		if in.TenantID != tenantID || in.CustomerID != customerID || in.Channel != channel || workflow.IsTerminal(in.State) {
			continue
		}
		if !found || in.CreatedAt.After(best.CreatedAt) {
			best, found = in, true
		}
	}
	return best.Clone(), found, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]models.Interaction, error) {
	s.mu.RLock()
	out := make([]models.Interaction, 0)
	for _, in := range s.items {
		if filter.match(in) {
			out = append(out, in.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
