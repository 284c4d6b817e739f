package interactions

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnichannel-routing-system/core/internal/dispatch"
	"omnichannel-routing-system/core/internal/eventbus"
	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/registry"
	"omnichannel-routing-system/core/internal/routing"
	"omnichannel-routing-system/core/internal/rules"
	"omnichannel-routing-system/core/internal/sla"
	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/tenantx"
	"omnichannel-routing-system/shared/workflow"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type emailAdapter struct {
	name   string
	err    error
	onSend func()
}

func (a *emailAdapter) Name() string { return a.name }

func (a *emailAdapter) Send(_ context.Context, msg models.OutboundMessage) (models.Receipt, error) {
	if a.onSend != nil {
		a.onSend()
	}
	if a.err != nil {
		return models.Receipt{}, a.err
	}
	return models.Receipt{ProviderMessageID: "pm-" + msg.IdempotencyKey, Status: "sent"}, nil
}

type harness struct {
	clock    *testClock
	recorder *eventbus.Recorder
	registry *registry.Registry
	rules    *rules.Store
	monitor  *sla.Monitor
	manager  *Manager
	adapter  *emailAdapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clk := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	rec := &eventbus.Recorder{}
	bus := eventbus.New(rec, logx.Discard())

	reg := registry.New(registry.Options{Logger: logx.Discard(), Now: clk.Now})
	for _, team := range []models.Team{
		{ID: "general", TenantID: "t1"},
		{ID: "tier2", TenantID: "t1"},
		{ID: "billing", TenantID: "t1"},
	} {
		_, err := reg.UpsertTeam(ctx, team)
		require.NoError(t, err)
	}

	store := rules.NewStore()
	tr := rules.TenantRules{
		TenantID:         "t1",
		DefaultTeamID:    "general",
		EscalationTeamID: "tier2",
		Rules: []rules.Rule{{
			ID:        "urgent-billing",
			Order:     1,
			Terminal:  true,
			Predicate: rules.Predicate{Priorities: []models.Priority{models.PriorityUrgent}, Keywords: []string{"invoice"}},
			Actions:   []rules.Action{{Type: rules.ActionRouteToTeam, TeamID: "billing"}},
		}},
		SLA: map[models.Priority]rules.SLAPolicy{
			models.PriorityUrgent: {FirstResponse: rules.Duration(5 * time.Minute), Resolution: rules.Duration(30 * time.Minute)},
		},
	}
	require.NoError(t, tr.Prepare(ctx))
	store.Put(&tr)

	engine := routing.NewEngine(store, reg, nil, logx.Discard())
	monitor := sla.New(sla.Options{Bus: bus, Logger: logx.Discard(), ReminderPercents: []int{50, 80}, QueueSize: 8, Now: clk.Now})
	adapter := &emailAdapter{name: "smtp"}
	orch := dispatch.New(dispatch.Options{Logger: logx.Discard(), Sleep: func(context.Context, time.Duration) error { return nil }})
	orch.Register("email", adapter)

	mgr := NewManager(Options{
		Engine:     engine,
		Registry:   reg,
		SLA:        monitor,
		Dispatcher: orch,
		Bus:        bus,
		Logger:     logx.Discard(),
		Now:        clk.Now,
	})
	return &harness{clock: clk, recorder: rec, registry: reg, rules: store, monitor: monitor, manager: mgr, adapter: adapter}
}

func (h *harness) agent(t *testing.T, id string, team string, max int) {
	t.Helper()
	_, err := h.registry.UpsertAgent(context.Background(), models.Agent{
		ID: id, TenantID: "t1", TeamIDs: []string{team}, MaxConcurrent: max, Status: models.AgentAvailable,
	})
	require.NoError(t, err)
}

func (h *harness) load(t *testing.T, id string) int {
	t.Helper()
	a, ok := h.registry.Agent("t1", id)
	require.True(t, ok)
	return a.CurrentLoad
}

func tenantCtx() context.Context {
	return tenantx.WithTenantID(context.Background(), "t1")
}

func inOrder(t *testing.T, got []string, want ...string) {
	t.Helper()
	pos := 0
	for _, g := range got {
		if pos < len(want) && g == want[pos] {
			pos++
		}
	}
	assert.Equal(t, len(want), pos, "expected %v in order within %v", want, got)
}

func TestCreateRoutesUrgentBillingToLeastLoadedAgent(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "b1", "billing", 2)
	h.agent(t, "b2", "billing", 1)
	require.NoError(t, h.registry.Reserve(context.Background(), "t1", "b2"))

	in, err := h.manager.Create(tenantCtx(), CreateRequest{
		CustomerID: "c1", Channel: "email", Content: "Invoice 42 is wrong", Priority: models.PriorityUrgent,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAssigned, in.State)
	assert.Equal(t, "b1", in.AssignedAgentID)
	assert.Equal(t, "billing", in.AssignedTeamID)
	assert.Equal(t, 1, h.load(t, "b1"))
	assert.Equal(t, h.clock.Now().Add(30*time.Minute), in.ResolutionDue)
	assert.Equal(t, []string{events.InteractionCreated, events.InteractionAssigned}, h.recorder.Types(in.ID))
	assert.True(t, h.monitor.Tracking(in.ID))
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Create(context.Background(), CreateRequest{CustomerID: "c1", Channel: "email"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = h.manager.Create(tenantCtx(), CreateRequest{Channel: "email"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c1", Channel: "pigeon"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c1", Channel: "email", Priority: "critical"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRoutingFailureLeavesInteractionQueued(t *testing.T) {
	h := newHarness(t)

	in, err := h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c1", Channel: "email", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StateQueued, in.State)
	assert.Empty(t, in.AssignedAgentID)
	assert.Equal(t, []string{events.InteractionCreated, events.InteractionRoutingFailed}, h.recorder.Types(in.ID))
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "g1", "general", 1)
	h.agent(t, "g2", "general", 1)
	require.NoError(t, h.registry.SetAvailability(context.Background(), "t1", "g1", models.AgentAway))
	require.NoError(t, h.registry.SetAvailability(context.Background(), "t1", "g2", models.AgentAway))

	in, err := h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c1", Channel: "email", Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, workflow.StateQueued, in.State)

	for _, event := range []string{workflow.EventClose, workflow.EventAccept, workflow.EventRequeue} {
		_, err = h.manager.Transition(tenantCtx(), in.ID, event)
		var te *models.TransitionError
		require.ErrorAs(t, err, &te, event)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	}
	got, err := h.manager.Get(tenantCtx(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateQueued, got.State)

	cancelled, err := h.manager.Transition(tenantCtx(), in.ID, workflow.EventCancel)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCancelled, cancelled.State)
	assert.NotNil(t, cancelled.ClosedAt)
	assert.False(t, h.monitor.Tracking(in.ID))

	_, err = h.manager.Transition(tenantCtx(), in.ID, workflow.EventEscalate)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	require.NoError(t, h.manager.ApplyEscalation(tenantCtx(), models.EscalationRequest{InteractionID: in.ID, TenantID: "t1"}))
}

func TestCloseReleasesAgentAndDrainsWaitQueue(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "g1", "general", 1)

	first, err := h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c1", Channel: "email", Content: "one"})
	require.NoError(t, err)
	require.Equal(t, "g1", first.AssignedAgentID)

	second, err := h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c2", Channel: "email", Content: "two"})
	require.NoError(t, err)
	require.Equal(t, workflow.StateQueued, second.State)
	require.Equal(t, "general", second.AssignedTeamID)

	closed, err := h.manager.Transition(tenantCtx(), first.ID, workflow.EventClose)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateClosed, closed.State)
	assert.Empty(t, closed.AssignedAgentID)

	require.Eventually(t, func() bool {
		got, err := h.manager.Get(tenantCtx(), second.ID)
		return err == nil && got.State == workflow.StateAssigned && got.AssignedAgentID == "g1"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.load(t, "g1"))
}

func TestResolutionBreachEscalatesAndReroutes(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "b1", "billing", 1)
	h.agent(t, "e1", "tier2", 1)
	ctx := tenantCtx()

	in, err := h.manager.Create(ctx, CreateRequest{CustomerID: "c1", Channel: "email", Content: "invoice missing", Priority: models.PriorityUrgent})
	require.NoError(t, err)
	require.Equal(t, "b1", in.AssignedAgentID)

	res, err := h.manager.Respond(ctx, in.ID, "b1", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, "smtp", res.AdapterUsed)
	got, err := h.manager.Get(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StateInProgress, got.State)
	require.NotNil(t, got.FirstRespondedAt)

	h.clock.Advance(31 * time.Minute)
	h.monitor.Sweep(context.Background())

	var req models.EscalationRequest
	select {
	case req = <-h.monitor.Escalations():
	default:
		t.Fatal("expected escalation request")
	}
	require.NoError(t, h.manager.ApplyEscalation(ctx, req))

	got, err = h.manager.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAssigned, got.State)
	assert.Equal(t, "e1", got.AssignedAgentID)
	assert.Equal(t, "tier2", got.AssignedTeamID)
	assert.Equal(t, 1, got.EscalationCount)
	assert.Equal(t, 0, h.load(t, "b1"))
	assert.Equal(t, 1, h.load(t, "e1"))
	inOrder(t, h.recorder.Types(in.ID), events.SlaBreached, events.InteractionEscalated, events.InteractionAssigned)
}

func TestRespondDispatchFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "g1", "general", 1)
	h.adapter.err = errors.New("smtp down")

	in, err := h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c1", CustomerAddress: "c1@example.com", Channel: "email", Content: "hello"})
	require.NoError(t, err)

	_, err = h.manager.Respond(tenantCtx(), in.ID, "g1", "hi there")
	assert.ErrorIs(t, err, models.ErrDispatchExhausted)

	got, err := h.manager.Get(tenantCtx(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateInProgress, got.State)
	assert.Contains(t, h.recorder.Types(in.ID), events.DispatchFailed)

	_, err = h.manager.Respond(tenantCtx(), in.ID, "someone-else", "hi")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestHandleInboundThreadsOpenInteraction(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "g1", "general", 2)
	msg := models.InboundMessage{TenantID: "t1", Channel: "email", From: "c1@example.com", Content: "first"}

	require.NoError(t, h.manager.HandleInbound(context.Background(), msg))
	msg.Content = "second"
	require.NoError(t, h.manager.HandleInbound(context.Background(), msg))

	list, err := h.manager.List(tenantCtx(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	var contents []string
	for _, m := range list[0].Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"first", "second"}, contents)
	assert.Equal(t, "second", list[0].LatestInbound())
}

func TestTenantMismatchAndManualAssign(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "g1", "general", 1)
	h.agent(t, "g2", "general", 1)

	in, err := h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c1", Channel: "email"})
	require.NoError(t, err)
	require.Equal(t, "g1", in.AssignedAgentID)

	other := tenantx.WithTenantID(context.Background(), "t2")
	_, err = h.manager.Get(other, in.ID)
	assert.ErrorIs(t, err, models.ErrTenantMismatch)
	_, err = h.manager.Assign(other, in.ID, "g2")
	assert.ErrorIs(t, err, models.ErrTenantMismatch)

	moved, err := h.manager.Assign(tenantCtx(), in.ID, "g2")
	require.NoError(t, err)
	assert.Equal(t, "g2", moved.AssignedAgentID)
	assert.Equal(t, 0, h.load(t, "g1"))
	assert.Equal(t, 1, h.load(t, "g2"))

	_, err = h.manager.Assign(tenantCtx(), in.ID, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)

	released, err := h.manager.Release(tenantCtx(), in.ID)
	require.NoError(t, err)
	assert.Empty(t, released.AssignedAgentID)
	assert.Equal(t, 0, h.load(t, "g2"))
	assert.True(t, slices.ContainsFunc(released.Audit, func(e models.AuditEntry) bool { return e.Action == "release" }))
}

func TestRecoverRebuildsLoadAndClocks(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "g1", "general", 2)
	in, err := h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c1", Channel: "email", Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, "g1", in.AssignedAgentID)

	// Fresh runtime over the same store, as after a restart.
	reg := registry.New(registry.Options{Logger: logx.Discard(), Now: h.clock.Now})
	agents, teams := h.registry.Query(context.Background(), "t1", registry.Predicate{}), h.registry.Teams("t1")
	reg.Restore(teams, agents)
	monitor := sla.New(sla.Options{Logger: logx.Discard(), QueueSize: 8, Now: h.clock.Now})
	mgr := NewManager(Options{Store: h.manager.store, Registry: reg, SLA: monitor, Logger: logx.Discard(), Now: h.clock.Now})

	n, err := mgr.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a, ok := reg.Agent("t1", "g1")
	require.True(t, ok)
	assert.Equal(t, 1, a.CurrentLoad)
	assert.True(t, monitor.Tracking(in.ID))
}

func TestEnqueueAfterCapacityFreedStillAssigns(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "g1", "general", 1)
	ctx := tenantCtx()

	now := h.clock.Now()
	in := models.Interaction{
		ID: "stale-1", TenantID: "t1", CustomerID: "c1", Channel: "email",
		Priority: models.PriorityMedium, State: workflow.StateQueued, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.manager.store.Insert(ctx, in))

	// The decision was taken while g1 was full; g1 released before the
	// interaction reached the queue, so no retry is coming.
	stale := routing.Decision{TeamID: "general", Queued: true, Reason: "team_full"}
	got, err := h.manager.withInteraction(ctx, in.ID, func(cur *models.Interaction) (bool, error) {
		h.manager.applyDecision(ctx, cur, stale)
		return true, nil
	})
	require.NoError(t, err)

	assert.Equal(t, workflow.StateAssigned, got.State)
	assert.Equal(t, "g1", got.AssignedAgentID)
	assert.Equal(t, 1, h.load(t, "g1"))
	assert.Equal(t, 0, h.manager.engine.Queues().Len("t1", "general"))
	_, waiting := h.manager.engine.Queues().TeamOf("t1", in.ID)
	assert.False(t, waiting)
}

func TestConcurrentCreateRespectsAgentCapacity(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "g1", "general", 1)
	const n = 8

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		mu    sync.Mutex
		ids   []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			in, err := h.manager.Create(tenantCtx(), CreateRequest{CustomerID: "c1", Channel: "email", Content: "hi"})
			assert.NoError(t, err)
			mu.Lock()
			ids = append(ids, in.ID)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	require.Len(t, ids, n)

	assigned, queued := 0, 0
	for _, id := range ids {
		got, err := h.manager.Get(tenantCtx(), id)
		require.NoError(t, err)
		switch got.State {
		case workflow.StateAssigned:
			assigned++
			assert.Equal(t, "g1", got.AssignedAgentID)
		case workflow.StateQueued:
			queued++
			team, ok := h.manager.engine.Queues().TeamOf("t1", id)
			assert.True(t, ok, "queued interaction %s missing from wait queue", id)
			assert.Equal(t, "general", team)
		default:
			t.Fatalf("unexpected state %q for %s", got.State, id)
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Equal(t, n-1, queued)
	assert.Equal(t, 1, h.load(t, "g1"))
	assert.Equal(t, n-1, h.manager.engine.Queues().Len("t1", "general"))
}

func TestConcurrentTransitionsLeaveConsistentLoad(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		h.agent(t, "g1", "general", 1)
		h.agent(t, "e1", "tier2", 1)
		ctx := tenantCtx()

		in, err := h.manager.Create(ctx, CreateRequest{CustomerID: "c1", Channel: "email", Content: "hi"})
		require.NoError(t, err)
		require.Equal(t, "g1", in.AssignedAgentID)

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			mu    sync.Mutex
			ok    int
		)
		for _, event := range []string{workflow.EventClose, workflow.EventEscalate, workflow.EventRequeue} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := h.manager.Transition(ctx, in.ID, event); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		close(start)
		wg.Wait()
		require.GreaterOrEqual(t, ok, 1)

		got, err := h.manager.Get(ctx, in.ID)
		require.NoError(t, err)
		total := h.load(t, "g1") + h.load(t, "e1")
		if workflow.IsTerminal(got.State) {
			assert.Empty(t, got.AssignedAgentID)
			assert.Equal(t, 0, total)
			_, err := h.manager.Transition(ctx, in.ID, workflow.EventClose)
			var te *models.TransitionError
			assert.ErrorAs(t, err, &te)
		} else {
			require.NotEmpty(t, got.AssignedAgentID, "round %d state %s", round, got.State)
			assert.Equal(t, 1, h.load(t, got.AssignedAgentID))
			assert.Equal(t, 1, total)
		}
		_, waiting := h.manager.engine.Queues().TeamOf("t1", in.ID)
		assert.Equal(t, got.State == workflow.StateQueued, waiting)
	}
}

func TestRespondAfterCloseOnlyAudits(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "g1", "general", 1)
	ctx := tenantCtx()

	in, err := h.manager.Create(ctx, CreateRequest{CustomerID: "c1", CustomerAddress: "c1@example.com", Channel: "email", Content: "hello"})
	require.NoError(t, err)

	h.adapter.onSend = func() {
		h.adapter.onSend = nil
		_, err := h.manager.Transition(ctx, in.ID, workflow.EventClose)
		assert.NoError(t, err)
	}
	res, err := h.manager.Respond(ctx, in.ID, "g1", "on it")
	require.NoError(t, err)
	assert.Equal(t, "smtp", res.AdapterUsed)

	got, err := h.manager.Get(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StateClosed, got.State)
	for _, msg := range got.Messages {
		assert.Empty(t, msg.AdapterUsed)
		assert.Empty(t, msg.ProviderMessageID)
	}
	last := got.Audit[len(got.Audit)-1]
	assert.Equal(t, "dispatched", last.Action)
	assert.Equal(t, workflow.StateClosed, last.From)
	assert.Contains(t, last.Note, "smtp")
}
