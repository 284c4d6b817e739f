package interactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"omnichannel-routing-system/core/internal/dispatch"
	"omnichannel-routing-system/core/internal/eventbus"
	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/registry"
	"omnichannel-routing-system/core/internal/routing"
	"omnichannel-routing-system/core/internal/sla"
	"omnichannel-routing-system/shared/authx"
	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/lockx"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/tenantx"
	"omnichannel-routing-system/shared/workflow"
)

// Dispatcher is satisfied by *dispatch.Orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	Cancel(interactionID string) int
	Supports(channel string) bool
}

type Options struct {
	Store      Store
	Engine     *routing.Engine
	Registry   *registry.Registry
	SLA        *sla.Monitor
	Dispatcher Dispatcher
	Bus        *eventbus.Bus
	Locker     lockx.Locker
	Logger     logx.Logger
	Now        func() time.Time

	DefaultFirstResponse time.Duration
	DefaultResolution    time.Duration
}

type CreateRequest struct {
	CustomerID       string            `json:"customer_id"`
	CustomerAddress  string            `json:"customer_address,omitempty"`
	Channel          string            `json:"channel"`
	Content          string            `json:"content"`
	Priority         models.Priority   `json:"priority,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	FirstResponseDue *time.Time        `json:"first_response_due,omitempty"`
	ResolutionDue    *time.Time        `json:"resolution_due,omitempty"`
}

// Manager owns interaction state. Every mutation runs under the
// interaction's lock; the lock order is interaction then agent.
type Manager struct {
	store      Store
	engine     *routing.Engine
	registry   *registry.Registry
	sla        *sla.Monitor
	dispatcher Dispatcher
	bus        *eventbus.Bus
	locks      lockx.Locker
	logger     logx.Logger
	now        func() time.Time

	firstResponse time.Duration
	resolution    time.Duration
}

func NewManager(opts Options) *Manager {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Locker == nil {
		opts.Locker = lockx.NewKeyedMutex(64, 2*time.Second)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.DefaultFirstResponse <= 0 {
		opts.DefaultFirstResponse = time.Hour
	}
	if opts.DefaultResolution <= 0 {
		opts.DefaultResolution = 24 * time.Hour
	}
	m := &Manager{
		store:         opts.Store,
		engine:        opts.Engine,
		registry:      opts.Registry,
		sla:           opts.SLA,
		dispatcher:    opts.Dispatcher,
		bus:           opts.Bus,
		locks:         opts.Locker,
		logger:        opts.Logger,
		now:           opts.Now,
		firstResponse: opts.DefaultFirstResponse,
		resolution:    opts.DefaultResolution,
	}
	if m.engine != nil {
		m.engine.SetRetryHandler(m.retryHandler)
	}
	return m
}

func lockKey(id string) string { return "interaction:" + id }

// withInteraction loads the interaction under its lock, checks tenant
// ownership, and saves it when fn returns changed.
func (m *Manager) withInteraction(ctx context.Context, id string, fn func(in *models.Interaction) (bool, error)) (models.Interaction, error) {
	unlock, err := m.locks.Lock(ctx, lockKey(id))
	if err != nil {
		return models.Interaction{}, err
	}
	defer unlock()

	in, err := m.store.Get(ctx, id)
	if err != nil {
		return models.Interaction{}, err
	}
	if !tenantx.Check(ctx, in.TenantID) {
		return models.Interaction{}, fmt.Errorf("%w: interaction %s", models.ErrTenantMismatch, id)
	}
	changed, err := fn(&in)
	if changed {
		in.UpdatedAt = m.now()
		if saveErr := m.store.Save(ctx, in); saveErr != nil {
			return models.Interaction{}, saveErr
		}
	}
	return in, err
}

func actor(ctx context.Context) string {
	if a, ok := authx.FromContext(ctx); ok && a.Subject != "" {
		return a.Subject
	}
	return "system"
}

func (m *Manager) audit(ctx context.Context, in *models.Interaction, action string, from string, to string, note string) {
	in.Audit = append(in.Audit, models.AuditEntry{At: m.now(), Actor: actor(ctx), Action: action, From: from, To: to, Note: note})
}

func (m *Manager) publish(ctx context.Context, in models.Interaction, eventType string, reason string) {
	m.bus.Publish(ctx, in.TenantID, events.AggregateInteraction, in.ID, eventType, events.InteractionPayload{
		InteractionID:   in.ID,
		TenantID:        in.TenantID,
		State:           in.State,
		Channel:         in.Channel,
		Priority:        string(in.Priority),
		AgentID:         in.AssignedAgentID,
		TeamID:          in.AssignedTeamID,
		Reason:          reason,
		EscalationCount: in.EscalationCount,
	})
}

// Create opens a new interaction for the caller's tenant and routes it. A
// routing failure leaves the interaction queued and is not returned.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (models.Interaction, error) {
	tenantID, err := tenantx.Require(ctx)
	if err != nil {
		return models.Interaction{}, models.Validationf("tenant is required")
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return models.Interaction{}, models.Validationf("customer_id is required")
	}
	channel := strings.ToLower(strings.TrimSpace(req.Channel))
	if channel == "" {
		return models.Interaction{}, models.Validationf("channel is required")
	}
	if m.dispatcher != nil && !m.dispatcher.Supports(channel) {
		return models.Interaction{}, models.Validationf("unknown channel %q", channel)
	}
	priority := models.PriorityMedium
	if req.Priority != "" {
		p, ok := models.ParsePriority(string(req.Priority))
		if !ok {
			return models.Interaction{}, models.Validationf("invalid priority %q", req.Priority)
		}
		priority = p
	}

	now := m.now()
	in := models.Interaction{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		CustomerID:      customerID,
		CustomerAddress: strings.TrimSpace(req.CustomerAddress),
		Channel:         channel,
		Priority:        priority,
		State:           workflow.StateQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        req.Metadata,
		Messages:        []models.MessageRef{},
	}
	if content := strings.TrimSpace(req.Content); content != "" {
		in.Messages = append(in.Messages, models.MessageRef{ID: uuid.NewString(), Direction: models.DirectionInbound, Content: content, At: now})
	}
	in.FirstResponseDue, in.ResolutionDue = m.deadlines(in, now)
	if req.FirstResponseDue != nil {
		in.FirstResponseDue = req.FirstResponseDue.UTC()
	}
	if req.ResolutionDue != nil {
		in.ResolutionDue = req.ResolutionDue.UTC()
	}
	m.audit(ctx, &in, "create", "", in.State, "")

	if err := m.store.Insert(ctx, in); err != nil {
		return models.Interaction{}, err
	}
	m.publish(ctx, in, events.InteractionCreated, "")
	if m.sla != nil {
		m.sla.StartClock(in.ID, in.TenantID, in.FirstResponseDue, in.ResolutionDue)
	}
	m.logger.Info(ctx, "interaction_created", "interaction created",
		slog.String("tenant_id", in.TenantID),
		slog.String("interaction_id", in.ID),
		slog.String("channel", in.Channel),
		slog.String("priority", string(in.Priority)),
	)

	return m.withInteraction(ctx, in.ID, func(cur *models.Interaction) (bool, error) {
		return m.route(ctx, cur), nil
	})
}

// deadlines applies the tenant SLA policy for the priority, falling back to
// the manager defaults.
func (m *Manager) deadlines(in models.Interaction, from time.Time) (time.Time, time.Time) {
	first, resolution := m.firstResponse, m.resolution
	if m.engine != nil {
		if tr, ok := m.engine.Rules().Tenant(in.TenantID); ok {
			if f, r, ok := tr.SLAFor(in.Priority); ok {
				if f > 0 {
					first = f
				}
				if r > 0 {
					resolution = r
				}
			}
		}
	}
	return from.Add(first), from.Add(resolution)
}

// route runs the routing engine for a queued or escalated interaction and
// applies the decision. It reports whether the interaction changed.
func (m *Manager) route(ctx context.Context, in *models.Interaction) bool {
	if m.engine == nil {
		return false
	}
	d, err := m.engine.Route(ctx, *in)
	if err != nil {
		m.routingFailed(ctx, in, err)
		return true
	}
	if d.Priority != "" && d.Priority != in.Priority {
		m.audit(ctx, in, "set_priority", string(in.Priority), string(d.Priority), strings.Join(d.RuleIDs, ","))
		in.Priority = d.Priority
	}
	if d.EscalationAfter > 0 {
		in.ResolutionDue = m.now().Add(d.EscalationAfter)
		if m.sla != nil {
			m.sla.Reschedule(in.ID, in.ResolutionDue)
		}
	}
	m.applyDecision(ctx, in, d)
	return true
}

func (m *Manager) routingFailed(ctx context.Context, in *models.Interaction, err error) {
	m.logger.Warn(ctx, "routing_failed", "interaction left queued",
		slog.String("error_code", "ROUTING_FAILED"),
		slog.String("tenant_id", in.TenantID),
		slog.String("interaction_id", in.ID),
		slog.String("error", err.Error()),
	)
	m.audit(ctx, in, "routing_failed", in.State, in.State, err.Error())
	m.publish(ctx, *in, events.InteractionRoutingFailed, err.Error())
}

// applyDecision reserves the first candidate that still has capacity, or
// parks the interaction on the team queue.
func (m *Manager) applyDecision(ctx context.Context, in *models.Interaction, d routing.Decision) {
	if m.reserveCandidate(ctx, in, d) || d.TeamID == "" {
		return
	}
	in.AssignedTeamID = d.TeamID
	m.engine.Enqueue(*in, d.TeamID)
	// Capacity freed between selection and Enqueue saw an empty queue and
	// scheduled no retry. Once queued, any later release does, so one more
	// selection closes the gap.
	if again, err := m.engine.Reselect(ctx, *in, d); err == nil && m.reserveCandidate(ctx, in, again) {
		return
	}
	m.audit(ctx, in, "queued", in.State, in.State, d.TeamID)
}

func (m *Manager) reserveCandidate(ctx context.Context, in *models.Interaction, d routing.Decision) bool {
	for _, agentID := range d.Candidates {
		err := m.registry.Reserve(ctx, in.TenantID, agentID)
		if err == nil {
			team := d.TeamID
			if team == "" {
				if a, ok := m.registry.Agent(in.TenantID, agentID); ok && len(a.TeamIDs) > 0 {
					team = a.TeamIDs[0]
				}
			}
			m.assignTo(ctx, in, agentID, team, d.Reason)
			return true
		}
		if !errors.Is(err, models.ErrCapacityExceeded) {
			m.logger.Warn(ctx, "agent_reserve_failed", "agent reservation failed",
				slog.String("error_code", "RESERVE_FAILED"),
				slog.String("tenant_id", in.TenantID),
				slog.String("agent_id", agentID),
				slog.String("error", err.Error()),
			)
		}
	}
	return false
}

// assignTo records an agent whose capacity is already reserved.
func (m *Manager) assignTo(ctx context.Context, in *models.Interaction, agentID string, teamID string, reason string) {
	from := in.State
	in.State = workflow.StateAssigned
	in.AssignedAgentID = agentID
	in.AssignedTeamID = teamID
	if m.engine != nil {
		m.engine.Dequeue(in.TenantID, in.ID)
	}
	m.audit(ctx, in, workflow.EventAssign, from, in.State, agentID)
	m.publish(ctx, *in, events.InteractionAssigned, reason)
	m.logger.Info(ctx, "interaction_assigned", "interaction assigned",
		slog.String("tenant_id", in.TenantID),
		slog.String("interaction_id", in.ID),
		slog.String("agent_id", agentID),
		slog.String("team_id", teamID),
	)
}

// releaseAgent gives back the assigned agent's capacity.
func (m *Manager) releaseAgent(ctx context.Context, in *models.Interaction) {
	if in.AssignedAgentID == "" {
		return
	}
	if m.registry != nil {
		if err := m.registry.Release(ctx, in.TenantID, in.AssignedAgentID); err != nil {
			m.logger.Warn(ctx, "agent_release_failed", "agent release failed",
				slog.String("error_code", "RELEASE_FAILED"),
				slog.String("tenant_id", in.TenantID),
				slog.String("agent_id", in.AssignedAgentID),
				slog.String("error", err.Error()),
			)
		}
	}
	in.AssignedAgentID = ""
}

// Transition applies a state-machine event. Illegal events return a
// *models.TransitionError and leave the interaction unchanged.
func (m *Manager) Transition(ctx context.Context, id string, event string) (models.Interaction, error) {
	event = workflow.Normalize(event)
	if event == workflow.EventEscalate {
		return m.escalate(ctx, id, "manual", true)
	}
	return m.withInteraction(ctx, id, func(in *models.Interaction) (bool, error) {
		to, ok := workflow.Next(in.State, event)
		if !ok || (event == workflow.EventAccept && in.AssignedAgentID == "") {
			return false, &models.TransitionError{InteractionID: in.ID, From: in.State, Event: event}
		}
		from := in.State
		switch event {
		case workflow.EventAssign:
			return m.route(ctx, in), nil
		case workflow.EventRequeue:
			m.releaseAgent(ctx, in)
			in.State = to
			m.audit(ctx, in, event, from, to, "")
			m.route(ctx, in)
			return true, nil
		case workflow.EventClose, workflow.EventCancel:
			m.finish(ctx, in, to)
			m.audit(ctx, in, event, from, to, "")
			eventType := events.InteractionClosed
			if to == workflow.StateCancelled {
				eventType = events.InteractionCancelled
			}
			m.publish(ctx, *in, eventType, "")
			return true, nil
		default:
			in.State = to
			m.audit(ctx, in, event, from, to, "")
			return true, nil
		}
	})
}

// finish moves the interaction to a terminal state and tears down its
// clock, queue entry, in-flight dispatches and agent reservation.
func (m *Manager) finish(ctx context.Context, in *models.Interaction, to string) {
	m.releaseAgent(ctx, in)
	in.State = to
	closed := m.now()
	in.ClosedAt = &closed
	if m.engine != nil {
		m.engine.Dequeue(in.TenantID, in.ID)
	}
	if m.sla != nil {
		m.sla.StopClock(in.ID)
	}
	if m.dispatcher != nil {
		m.dispatcher.Cancel(in.ID)
	}
}

// Release returns the assigned agent's capacity and clears the assignment
// without changing state.
func (m *Manager) Release(ctx context.Context, id string) (models.Interaction, error) {
	return m.withInteraction(ctx, id, func(in *models.Interaction) (bool, error) {
		if in.AssignedAgentID == "" {
			return false, nil
		}
		agentID := in.AssignedAgentID
		m.releaseAgent(ctx, in)
		m.audit(ctx, in, "release", in.State, in.State, agentID)
		return true, nil
	})
}

// Assign hands the interaction to a specific agent of the same tenant.
func (m *Manager) Assign(ctx context.Context, id string, agentID string) (models.Interaction, error) {
	return m.withInteraction(ctx, id, func(in *models.Interaction) (bool, error) {
		if in.AssignedAgentID == agentID && in.State == workflow.StateAssigned {
			return false, nil
		}
		reassign := in.State == workflow.StateAssigned || in.State == workflow.StateInProgress
		if !reassign && !workflow.CanApply(in.State, workflow.EventAssign) {
			return false, &models.TransitionError{InteractionID: in.ID, From: in.State, Event: workflow.EventAssign}
		}
		agent, ok := m.registry.Agent(in.TenantID, agentID)
		if !ok {
			return false, fmt.Errorf("%w: agent %s in tenant %s", models.ErrNotFound, agentID, in.TenantID)
		}
		if agent.TenantID != in.TenantID {
			return false, fmt.Errorf("%w: agent %s belongs to another tenant", models.ErrTenantMismatch, agentID)
		}
		if err := m.registry.Reserve(ctx, in.TenantID, agentID); err != nil {
			return false, err
		}
		m.releaseAgent(ctx, in)
		team := in.AssignedTeamID
		if !agent.InTeam(team) && len(agent.TeamIDs) > 0 {
			team = agent.TeamIDs[0]
		}
		m.assignTo(ctx, in, agentID, team, "manual")
		return true, nil
	})
}

// Respond records an agent reply and dispatches it to the customer. The
// dispatch runs outside the interaction lock; a failed dispatch does not
// revert the state change.
func (m *Manager) Respond(ctx context.Context, id string, agentID string, content string) (dispatch.Result, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return dispatch.Result{}, models.Validationf("content is required")
	}
	msgID := uuid.NewString()
	in, err := m.withInteraction(ctx, id, func(in *models.Interaction) (bool, error) {
		if in.AssignedAgentID == "" || workflow.IsTerminal(in.State) {
			return false, &models.TransitionError{InteractionID: in.ID, From: in.State, Event: "respond"}
		}
		if agentID != "" && agentID != in.AssignedAgentID {
			return false, models.Validationf("agent %s is not assigned to interaction %s", agentID, in.ID)
		}
		if next, ok := workflow.Next(in.State, workflow.EventAccept); ok && in.State != next {
			m.audit(ctx, in, workflow.EventAccept, in.State, next, "")
			in.State = next
		}
		now := m.now()
		if in.FirstRespondedAt == nil {
			in.FirstRespondedAt = &now
			if m.sla != nil {
				m.sla.MarkFirstResponse(in.ID)
			}
		}
		in.Messages = append(in.Messages, models.MessageRef{
			ID:        msgID,
			Direction: models.DirectionOutbound,
			Content:   content,
			At:        now,
			AuthorID:  in.AssignedAgentID,
		})
		return true, nil
	})
	if err != nil {
		return dispatch.Result{}, err
	}
	if m.dispatcher == nil {
		return dispatch.Result{}, nil
	}

	recipient := in.CustomerAddress
	if recipient == "" {
		recipient = in.CustomerID
	}
	res, err := m.dispatcher.Dispatch(ctx, dispatch.Request{
		InteractionID:  in.ID,
		TenantID:       in.TenantID,
		Channel:        in.Channel,
		Recipient:      recipient,
		Content:        content,
		IdempotencyKey: msgID,
	})
	if err != nil {
		attempts := res.Attempts
		var exhausted *models.DispatchExhaustedError
		if errors.As(err, &exhausted) {
			attempts = exhausted.Attempts
		}
		m.bus.Publish(ctx, in.TenantID, events.AggregateInteraction, in.ID, events.DispatchFailed, events.DispatchPayload{
			InteractionID: in.ID,
			TenantID:      in.TenantID,
			Channel:       in.Channel,
			Attempts:      attempts,
			Error:         err.Error(),
		})
		m.logger.Error(ctx, "dispatch_failed", "outbound dispatch failed",
			slog.String("error_code", "DISPATCH_FAILED"),
			slog.String("tenant_id", in.TenantID),
			slog.String("interaction_id", in.ID),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	_, _ = m.withInteraction(ctx, id, func(cur *models.Interaction) (bool, error) {
		if workflow.IsTerminal(cur.State) {
			// Closed while the reply was in flight: only the audit trail may grow.
			m.audit(ctx, cur, "dispatched", cur.State, cur.State, res.AdapterUsed+" "+res.Receipt.ProviderMessageID)
			return true, nil
		}
		for i := range cur.Messages {
			if cur.Messages[i].ID == msgID {
				cur.Messages[i].AdapterUsed = res.AdapterUsed
				cur.Messages[i].ProviderMessageID = res.Receipt.ProviderMessageID
				return true, nil
			}
		}
		return false, nil
	})
	return res, nil
}

// ApplyEscalation handles an SLA breach. Terminal interactions are left
// alone.
func (m *Manager) ApplyEscalation(ctx context.Context, req models.EscalationRequest) error {
	_, err := m.escalate(ctx, req.InteractionID, req.Reason, false)
	return err
}

// escalate moves the interaction to escalated, releases the current agent
// and reroutes to the escalation target: the current team's fallback, then
// the tenant escalation team, then the current team. Unless strict, a
// terminal interaction is a no-op.
func (m *Manager) escalate(ctx context.Context, id string, reason string, strict bool) (models.Interaction, error) {
	return m.withInteraction(ctx, id, func(in *models.Interaction) (bool, error) {
		if workflow.IsTerminal(in.State) && !strict {
			return false, nil
		}
		to, ok := workflow.Next(in.State, workflow.EventEscalate)
		if !ok {
			return false, &models.TransitionError{InteractionID: in.ID, From: in.State, Event: workflow.EventEscalate}
		}
		from := in.State
		m.releaseAgent(ctx, in)
		in.State = to
		in.EscalationCount++
		target := m.escalationTarget(*in)
		in.AssignedTeamID = target
		now := m.now()
		_, in.ResolutionDue = m.deadlines(*in, now)
		if m.sla != nil {
			m.sla.Reschedule(in.ID, in.ResolutionDue)
		}
		m.audit(ctx, in, workflow.EventEscalate, from, to, reason)
		m.publish(ctx, *in, events.InteractionEscalated, reason)
		m.logger.Info(ctx, "interaction_escalated", "interaction escalated",
			slog.String("tenant_id", in.TenantID),
			slog.String("interaction_id", in.ID),
			slog.String("team_id", target),
			slog.Int("escalation_count", in.EscalationCount),
		)

		if m.engine == nil || target == "" {
			return true, nil
		}
		d, err := m.engine.RouteToTeam(ctx, *in, target)
		if err != nil {
			m.routingFailed(ctx, in, err)
			return true, nil
		}
		m.applyDecision(ctx, in, d)
		return true, nil
	})
}

func (m *Manager) escalationTarget(in models.Interaction) string {
	if m.registry != nil && in.AssignedTeamID != "" {
		if team, ok := m.registry.Team(in.TenantID, in.AssignedTeamID); ok && team.FallbackTeamID != "" {
			return team.FallbackTeamID
		}
	}
	if m.engine != nil {
		if tr, ok := m.engine.Rules().Tenant(in.TenantID); ok {
			if tr.EscalationTeamID != "" {
				return tr.EscalationTeamID
			}
			if in.AssignedTeamID == "" {
				return tr.DefaultTeamID
			}
		}
	}
	return in.AssignedTeamID
}

// Recover rebuilds runtime state from stored open interactions after a
// restart: agent load, SLA clocks and wait queue membership.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, state := range []string{workflow.StateQueued, workflow.StateAssigned, workflow.StateInProgress, workflow.StateEscalated} {
		items, err := m.store.List(ctx, ListFilter{State: state})
		if err != nil {
			return recovered, err
		}
		for _, in := range items {
			switch {
			case in.AssignedAgentID != "" && m.registry != nil:
				if err := m.registry.Reattach(ctx, in.TenantID, in.AssignedAgentID); err != nil {
					m.logger.Warn(ctx, "recover_reattach_failed", "could not restore agent load",
						slog.String("error_code", "RECOVERY_FAILED"),
						slog.String("interaction_id", in.ID),
						slog.String("agent_id", in.AssignedAgentID),
						slog.String("error", err.Error()),
					)
				}
			case in.AssignedTeamID != "" && m.engine != nil:
				m.engine.Enqueue(in, in.AssignedTeamID)
			}
			if m.sla != nil {
				m.sla.StartClock(in.ID, in.TenantID, in.FirstResponseDue, in.ResolutionDue)
				if in.FirstRespondedAt != nil {
					m.sla.MarkFirstResponse(in.ID)
				}
			}
			recovered++
		}
	}
	return recovered, nil
}

func (m *Manager) retryHandler(ctx context.Context, tenantID string, teamID string) {
	if _, err := m.RetryQueued(ctx, tenantID, teamID); err != nil {
		m.logger.Warn(ctx, "queue_retry_failed", "wait queue retry failed",
			slog.String("error_code", "QUEUE_RETRY_FAILED"),
			slog.String("tenant_id", tenantID),
			slog.String("team_id", teamID),
			slog.String("error", err.Error()),
		)
	}
}

// RetryQueued walks a team wait queue in service order and assigns every
// interaction an eligible agent can take. It returns how many were assigned.
func (m *Manager) RetryQueued(ctx context.Context, tenantID string, teamID string) (int, error) {
	if m.engine == nil {
		return 0, nil
	}
	ctx = tenantx.WithTenantID(ctx, tenantID)
	assigned := 0
	var errs []error
	for _, entry := range m.engine.Queues().Snapshot(tenantID, teamID) {
		_, err := m.withInteraction(ctx, entry.InteractionID, func(in *models.Interaction) (bool, error) {
			if waiting, ok := m.engine.Queues().TeamOf(tenantID, in.ID); !ok || waiting != teamID {
				return false, nil
			}
			if workflow.IsTerminal(in.State) || !workflow.CanApply(in.State, workflow.EventAssign) {
				m.engine.Dequeue(tenantID, in.ID)
				return false, nil
			}
			d, err := m.engine.RouteToTeam(ctx, *in, teamID)
			if err != nil || d.Queued {
				return false, nil
			}
			m.applyDecision(ctx, in, d)
			if in.AssignedAgentID != "" {
				assigned++
			}
			return true, nil
		})
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			errs = append(errs, err)
		}
		if errors.Is(err, models.ErrNotFound) {
			m.engine.Dequeue(tenantID, entry.InteractionID)
		}
	}
	return assigned, errors.Join(errs...)
}

// HandleInbound threads an inbound message onto the customer's open
// interaction on that channel, or opens a new one.
func (m *Manager) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	tenantID := strings.TrimSpace(msg.TenantID)
	if tenantID == "" {
		tenantID = tenantx.TenantIDFromContext(ctx)
	}
	if tenantID == "" {
		return models.Validationf("inbound message without tenant")
	}
	ctx = tenantx.WithTenantID(ctx, tenantID)
	channel := strings.ToLower(strings.TrimSpace(msg.Channel))
	customer := strings.TrimSpace(msg.From)

	open, found, err := m.store.FindOpen(ctx, tenantID, customer, channel)
	if err != nil {
		return err
	}
	if !found {
		metadata := msg.ProviderMetadata
		_, err := m.Create(ctx, CreateRequest{
			CustomerID:      customer,
			CustomerAddress: customer,
			Channel:         channel,
			Content:         msg.Content,
			Priority:        priorityFromMetadata(metadata),
			Metadata:        metadata,
		})
		return err
	}

	at := msg.ReceivedAt
	if at.IsZero() {
		at = m.now()
	}
	_, err = m.withInteraction(ctx, open.ID, func(in *models.Interaction) (bool, error) {
		if workflow.IsTerminal(in.State) {
			return false, nil
		}
		in.Messages = append(in.Messages, models.MessageRef{
			ID:                uuid.NewString(),
			Direction:         models.DirectionInbound,
			Content:           msg.Content,
			At:                at.UTC(),
			ProviderMessageID: msg.ProviderMessageID,
		})
		return true, nil
	})
	return err
}

func priorityFromMetadata(md map[string]string) models.Priority {
	if p, ok := models.ParsePriority(md["priority"]); ok {
		return p
	}
	return ""
}

func (m *Manager) Get(ctx context.Context, id string) (models.Interaction, error) {
	in, err := m.store.Get(ctx, id)
	if err != nil {
		return models.Interaction{}, err
	}
	if !tenantx.Check(ctx, in.TenantID) {
		return models.Interaction{}, fmt.Errorf("%w: interaction %s", models.ErrTenantMismatch, id)
	}
	return in, nil
}

func (m *Manager) List(ctx context.Context, filter ListFilter) ([]models.Interaction, error) {
	tenantID, err := tenantx.Require(ctx)
	if err != nil {
		return nil, models.Validationf("tenant is required")
	}
	filter.TenantID = tenantID
	return m.store.List(ctx, filter)
}
