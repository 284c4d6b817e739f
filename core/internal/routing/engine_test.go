package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/registry"
	"omnichannel-routing-system/core/internal/rules"
	"omnichannel-routing-system/shared/logx"
)

type fixture struct {
	reg    *registry.Registry
	store  *rules.Store
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(registry.Options{Logger: logx.Discard()})
	store := rules.NewStore()
	return &fixture{reg: reg, store: store, engine: NewEngine(store, reg, nil, logx.Discard())}
}

func (f *fixture) rules(t *testing.T, tr rules.TenantRules) {
	t.Helper()
	require.NoError(t, tr.Prepare(context.Background()))
	f.store.Put(&tr)
}

func (f *fixture) team(t *testing.T, tenantID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.reg.UpsertTeam(context.Background(), models.Team{ID: id, TenantID: tenantID})
		require.NoError(t, err)
	}
}

func (f *fixture) agent(t *testing.T, a models.Agent) {
	t.Helper()
	if a.Status == "" {
		a.Status = models.AgentAvailable
	}
	_, err := f.reg.UpsertAgent(context.Background(), a)
	require.NoError(t, err)
}

func billingRules(tenantID string) rules.TenantRules {
	return rules.TenantRules{
		TenantID:      tenantID,
		DefaultTeamID: "general",
		Rules: []rules.Rule{{
			ID:        "urgent-billing",
			Order:     1,
			Terminal:  true,
			Predicate: rules.Predicate{Priorities: []models.Priority{models.PriorityUrgent}, Keywords: []string{"invoice"}},
			Actions:   []rules.Action{{Type: rules.ActionRouteToTeam, TeamID: "billing"}},
		}},
	}
}

func interaction(tenantID string, id string, priority models.Priority, content string) models.Interaction {
	return models.Interaction{
		ID:        id,
		TenantID:  tenantID,
		Channel:   "email",
		Priority:  priority,
		State:     "queued",
		CreatedAt: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		Messages:  []models.MessageRef{{ID: "m1", Direction: models.DirectionInbound, Content: content}},
	}
}

func TestRoutePicksLeastLoadedAgentInRuleTeam(t *testing.T) {
	f := newFixture(t)
	f.team(t, "t1", "general", "billing")
	f.rules(t, billingRules("t1"))
	f.agent(t, models.Agent{ID: "a1", TenantID: "t1", TeamIDs: []string{"billing"}, MaxConcurrent: 2})
	f.agent(t, models.Agent{ID: "a2", TenantID: "t1", TeamIDs: []string{"billing"}, MaxConcurrent: 1})
	require.NoError(t, f.reg.Reserve(context.Background(), "t1", "a2"))

	d, err := f.engine.Route(context.Background(), interaction("t1", "i1", models.PriorityUrgent, "Question about my INVOICE"))
	require.NoError(t, err)
	assert.Equal(t, "a1", d.AgentID)
	assert.Equal(t, "billing", d.TeamID)
	assert.Equal(t, []string{"urgent-billing"}, d.RuleIDs)
	assert.Equal(t, []string{"a1"}, d.Candidates)
	assert.False(t, d.Queued)
}

func TestRouteIsDeterministic(t *testing.T) {
	f := newFixture(t)
	f.team(t, "t1", "general", "billing")
	f.rules(t, billingRules("t1"))
	for _, id := range []string{"c", "a", "b"} {
		f.agent(t, models.Agent{ID: id, TenantID: "t1", TeamIDs: []string{"general"}, MaxConcurrent: 3})
	}

	in := interaction("t1", "i1", models.PriorityLow, "hello")
	first, err := f.engine.Route(context.Background(), in)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := f.engine.Route(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "a", first.AgentID)
	assert.Equal(t, []string{"a", "b", "c"}, first.Candidates)
	assert.Equal(t, ReasonDefaultTeam, first.Reason)
}

func TestRouteQueuesWhenTeamHasNoEligibleAgent(t *testing.T) {
	f := newFixture(t)
	f.team(t, "t1", "general")
	f.rules(t, billingRules("t1"))
	f.agent(t, models.Agent{ID: "a1", TenantID: "t1", TeamIDs: []string{"general"}, MaxConcurrent: 1, Status: models.AgentAway})

	d, err := f.engine.Route(context.Background(), interaction("t1", "i1", models.PriorityLow, "hi"))
	require.NoError(t, err)
	assert.True(t, d.Queued)
	assert.Empty(t, d.AgentID)
	assert.Equal(t, "general", d.TeamID)
}

func TestRouteFailsForEmptyTeamOrMissingConfig(t *testing.T) {
	f := newFixture(t)
	f.team(t, "t1", "general")
	f.rules(t, billingRules("t1"))

	_, err := f.engine.Route(context.Background(), interaction("t1", "i1", models.PriorityLow, "hi"))
	assert.ErrorIs(t, err, models.ErrRouting)

	_, err = f.engine.Route(context.Background(), interaction("t2", "i2", models.PriorityLow, "hi"))
	assert.ErrorIs(t, err, models.ErrRouting)
}

func TestRouteNeverCrossesTenants(t *testing.T) {
	f := newFixture(t)
	f.team(t, "t1", "general")
	f.team(t, "t2", "general")
	f.rules(t, billingRules("t1"))
	f.rules(t, billingRules("t2"))
	f.agent(t, models.Agent{ID: "shared-id", TenantID: "t2", TeamIDs: []string{"general"}, MaxConcurrent: 5})
	f.agent(t, models.Agent{ID: "busy", TenantID: "t1", TeamIDs: []string{"general"}, MaxConcurrent: 1, Status: models.AgentBusy})

	d, err := f.engine.Route(context.Background(), interaction("t1", "i1", models.PriorityLow, "hi"))
	require.NoError(t, err)
	assert.True(t, d.Queued)
	assert.Empty(t, d.Candidates)
}

func TestRouteToAgentFallsBackToAgentTeam(t *testing.T) {
	f := newFixture(t)
	f.team(t, "t1", "general", "vip")
	tr := billingRules("t1")
	tr.Rules = []rules.Rule{{
		ID:        "vip-customer",
		Terminal:  true,
		Predicate: rules.Predicate{Metadata: map[string]string{"tier": "gold"}},
		Actions:   []rules.Action{{Type: rules.ActionRouteToAgent, AgentID: "owner"}},
	}}
	f.rules(t, tr)
	f.agent(t, models.Agent{ID: "owner", TenantID: "t1", TeamIDs: []string{"vip"}, MaxConcurrent: 1})
	f.agent(t, models.Agent{ID: "backup", TenantID: "t1", TeamIDs: []string{"vip"}, MaxConcurrent: 1})

	in := interaction("t1", "i1", models.PriorityMedium, "hi")
	in.Metadata = map[string]string{"tier": "gold"}

	d, err := f.engine.Route(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "owner", d.AgentID)
	assert.Equal(t, ReasonRuleAgent, d.Reason)

	require.NoError(t, f.reg.Reserve(context.Background(), "t1", "owner"))
	d, err = f.engine.Route(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "backup", d.AgentID)
	assert.Equal(t, "vip", d.TeamID)
	assert.Equal(t, ReasonAgentFallback, d.Reason)
}

func TestRouteUnknownTeamFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	f.team(t, "t1", "general")
	tr := billingRules("t1")
	tr.Rules[0].Actions[0].TeamID = "ghost"
	f.rules(t, tr)
	f.agent(t, models.Agent{ID: "a1", TenantID: "t1", TeamIDs: []string{"general"}, MaxConcurrent: 1})

	d, err := f.engine.Route(context.Background(), interaction("t1", "i1", models.PriorityUrgent, "invoice"))
	require.NoError(t, err)
	assert.Equal(t, "general", d.TeamID)
	assert.Equal(t, ReasonUnknownTeam, d.Reason)
}

func TestRouteAppliesSkillRequirements(t *testing.T) {
	f := newFixture(t)
	f.team(t, "t1", "general")
	tr := billingRules("t1")
	tr.ChannelSkills = map[string][]models.SkillRequirement{"email": {{Name: "writing", MinLevel: 3}}}
	f.rules(t, tr)
	f.agent(t, models.Agent{ID: "a1", TenantID: "t1", TeamIDs: []string{"general"}, MaxConcurrent: 1,
		Skills: map[string]models.Skill{"writing": {Level: 2}}})
	f.agent(t, models.Agent{ID: "a2", TenantID: "t1", TeamIDs: []string{"general"}, MaxConcurrent: 1,
		Skills: map[string]models.Skill{"writing": {Level: 4}}})

	d, err := f.engine.Route(context.Background(), interaction("t1", "i1", models.PriorityLow, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "a2", d.AgentID)
	assert.Equal(t, []models.SkillRequirement{{Name: "writing", MinLevel: 3}}, d.RequiredSkills)
}

func TestRetryHandlerFiresWhenCapacityFrees(t *testing.T) {
	f := newFixture(t)
	f.team(t, "t1", "general")
	f.rules(t, billingRules("t1"))
	f.agent(t, models.Agent{ID: "a1", TenantID: "t1", TeamIDs: []string{"general"}, MaxConcurrent: 1})
	require.NoError(t, f.reg.Reserve(context.Background(), "t1", "a1"))

	var (
		mu    sync.Mutex
		calls []string
	)
	done := make(chan struct{}, 1)
	f.engine.SetRetryHandler(func(ctx context.Context, tenantID string, teamID string) {
		mu.Lock()
		calls = append(calls, tenantID+"/"+teamID)
		mu.Unlock()
		done <- struct{}{}
	})
	f.engine.Enqueue(interaction("t1", "i1", models.PriorityLow, "hi"), "general")

	require.NoError(t, f.reg.Release(context.Background(), "t1", "a1"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry handler not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1/general"}, calls)
}
