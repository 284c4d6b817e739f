package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/logx"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Options{Logger: logx.Discard()})
}

func seed(t *testing.T, r *Registry, tenantID string, teamID string, agents ...models.Agent) {
	t.Helper()
	ctx := context.Background()
	if _, ok := r.Team(tenantID, teamID); !ok {
		_, err := r.UpsertTeam(ctx, models.Team{ID: teamID, TenantID: tenantID})
		require.NoError(t, err)
	}
	for _, a := range agents {
		a.TenantID = tenantID
		if len(a.TeamIDs) == 0 {
			a.TeamIDs = []string{teamID}
		}
		if a.Status == "" {
			a.Status = models.AgentAvailable
		}
		_, err := r.UpsertAgent(ctx, a)
		require.NoError(t, err)
	}
}

func TestReserveCapacityInvariantUnderConcurrency(t *testing.T) {
	r := newRegistry(t)
	seed(t, r, "t1", "billing", models.Agent{ID: "a1", MaxConcurrent: 1})

	const workers = 64
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		capErrs   atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := r.Reserve(context.Background(), "t1", "a1")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, models.ErrCapacityExceeded):
				capErrs.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), capErrs.Load())
	a, _ := r.Agent("t1", "a1")
	assert.Equal(t, 1, a.CurrentLoad)
}

func TestReserveReleaseStaysWithinBounds(t *testing.T) {
	r := newRegistry(t)
	seed(t, r, "t1", "support", models.Agent{ID: "a1", MaxConcurrent: 3})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			if i%2 == 0 {
				_ = r.Reserve(ctx, "t1", "a1")
			} else {
				_ = r.Release(ctx, "t1", "a1")
			}
			a, _ := r.Agent("t1", "a1")
			if a.CurrentLoad < 0 || a.CurrentLoad > a.MaxConcurrent {
				t.Errorf("load out of bounds: %d/%d", a.CurrentLoad, a.MaxConcurrent)
			}
		}(i)
	}
	wg.Wait()
}

func TestReserveRejectsUnavailableAgent(t *testing.T) {
	r := newRegistry(t)
	seed(t, r, "t1", "support", models.Agent{ID: "a1", MaxConcurrent: 2, Status: models.AgentAway})

	err := r.Reserve(context.Background(), "t1", "a1")
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
}

func TestTenantIsolation(t *testing.T) {
	r := newRegistry(t)
	seed(t, r, "tenant-a", "billing", models.Agent{ID: "shared-id", MaxConcurrent: 1})
	seed(t, r, "tenant-b", "billing", models.Agent{ID: "b1", MaxConcurrent: 1})

	err := r.Reserve(context.Background(), "tenant-b", "shared-id")
	assert.ErrorIs(t, err, models.ErrNotFound)

	members := r.TeamMembers(context.Background(), "tenant-b", "billing")
	require.Len(t, members, 1)
	assert.Equal(t, "b1", members[0].ID)
}

func TestReleaseFloorsAtZero(t *testing.T) {
	r := newRegistry(t)
	seed(t, r, "t1", "support", models.Agent{ID: "a1", MaxConcurrent: 1})

	require.NoError(t, r.Release(context.Background(), "t1", "a1"))
	a, _ := r.Agent("t1", "a1")
	assert.Equal(t, 0, a.CurrentLoad)
}

func TestCapacityListeners(t *testing.T) {
	r := newRegistry(t)
	var (
		mu    sync.Mutex
		calls []string
	)
	r.OnCapacityFreed(func(_ context.Context, tenantID string, teamID string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, tenantID+"/"+teamID)
	})
	seed(t, r, "t1", "billing", models.Agent{ID: "a1", MaxConcurrent: 1, Status: models.AgentAway})
	ctx := context.Background()

	require.NoError(t, r.SetAvailability(ctx, "t1", "a1", models.AgentAvailable))
	require.NoError(t, r.Reserve(ctx, "t1", "a1"))
	require.NoError(t, r.Release(ctx, "t1", "a1"))
	require.NoError(t, r.SetAvailability(ctx, "t1", "a1", models.AgentAvailable))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1/billing", "t1/billing"}, calls)
}

func TestUpsertTeamRejectsCyclesAndUnknownFallbacks(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	_, err := r.UpsertTeam(ctx, models.Team{ID: "tier1", TenantID: "t1", FallbackTeamID: "tier2"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = r.UpsertTeam(ctx, models.Team{ID: "tier3", TenantID: "t1"})
	require.NoError(t, err)
	_, err = r.UpsertTeam(ctx, models.Team{ID: "tier2", TenantID: "t1", FallbackTeamID: "tier3"})
	require.NoError(t, err)
	_, err = r.UpsertTeam(ctx, models.Team{ID: "tier1", TenantID: "t1", FallbackTeamID: "tier2"})
	require.NoError(t, err)

	_, err = r.UpsertTeam(ctx, models.Team{ID: "tier3", TenantID: "t1", FallbackTeamID: "tier1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = r.UpsertTeam(ctx, models.Team{ID: "other", TenantID: "t2", FallbackTeamID: "tier3"})
	assert.ErrorIs(t, err, models.ErrValidation, "fallback must live in the same tenant")
}

func TestUpsertAgentKeepsLoad(t *testing.T) {
	r := newRegistry(t)
	seed(t, r, "t1", "support", models.Agent{ID: "a1", MaxConcurrent: 2})
	ctx := context.Background()
	require.NoError(t, r.Reserve(ctx, "t1", "a1"))
	require.NoError(t, r.Reserve(ctx, "t1", "a1"))

	_, err := r.UpsertAgent(ctx, models.Agent{ID: "a1", TenantID: "t1", MaxConcurrent: 1, Status: models.AgentAvailable, TeamIDs: []string{"support"}})
	assert.ErrorIs(t, err, models.ErrValidation)

	updated, err := r.UpsertAgent(ctx, models.Agent{ID: "a1", TenantID: "t1", Name: "Ana", MaxConcurrent: 4, Status: models.AgentAvailable, TeamIDs: []string{"support"}})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentLoad)
	assert.Equal(t, "Ana", updated.Name)
	assert.False(t, updated.LastAssignedAt.IsZero())
}

func TestQueryFilters(t *testing.T) {
	r := newRegistry(t)
	seed(t, r, "t1", "support",
		models.Agent{ID: "a2", MaxConcurrent: 1, Channels: []string{"email"}, Skills: map[string]models.Skill{"billing": {Level: 2}}},
		models.Agent{ID: "a1", MaxConcurrent: 1, Channels: []string{"sms"}},
		models.Agent{ID: "a3", MaxConcurrent: 1, Status: models.AgentOffline},
	)
	ctx := context.Background()

	got := r.Query(ctx, "t1", Predicate{Status: models.AgentAvailable})
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)

	got = r.Query(ctx, "t1", Predicate{Channel: "email"})
	require.Len(t, got, 2, "a3 has no channel restriction")

	got = r.Query(ctx, "t1", Predicate{Channel: "email", Status: models.AgentAvailable, RequiredSkills: []models.SkillRequirement{{Name: "billing", MinLevel: 2}}})
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].ID)
}

func TestReserveHonoursLockTimeout(t *testing.T) {
	r := New(Options{Logger: logx.Discard(), Locker: blockingLocker{}})
	r.Restore([]models.Team{{ID: "support", TenantID: "t1"}}, []models.Agent{{ID: "a1", TenantID: "t1", MaxConcurrent: 1, Status: models.AgentAvailable, TeamIDs: []string{"support"}}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := r.Reserve(ctx, "t1", "a1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingLocker struct{}

func (blockingLocker) Lock(ctx context.Context, key string) (func(), error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRestoreThenReattach(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	r.Restore(
		[]models.Team{{ID: "general", TenantID: "t1"}},
		[]models.Agent{{ID: "a1", TenantID: "t1", TeamIDs: []string{"general"}, MaxConcurrent: 2, Status: models.AgentAway, CurrentLoad: 5}},
	)
	a, ok := r.Agent("t1", "a1")
	require.True(t, ok)
	assert.Equal(t, 0, a.CurrentLoad)

	require.NoError(t, r.Reattach(ctx, "t1", "a1"))
	a, _ = r.Agent("t1", "a1")
	assert.Equal(t, 1, a.CurrentLoad)
	assert.ErrorIs(t, r.Reattach(ctx, "t1", "ghost"), models.ErrNotFound)
}
