package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/registry"
	"omnichannel-routing-system/core/internal/rules"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/metricsx"
	"omnichannel-routing-system/shared/observability"
)

const (
	ReasonRuleAgent        = "rule_agent"
	ReasonRuleTeam         = "rule_team"
	ReasonDefaultTeam      = "default_team"
	ReasonAgentFallback    = "agent_unavailable_fallback"
	ReasonUnknownTeam      = "unknown_team_fallback"
	ReasonEscalationTarget = "escalation_target"
)

type Decision struct {
	AgentID         string
	TeamID          string
	Candidates      []string
	Reason          string
	RuleIDs         []string
	Priority        models.Priority
	EscalationAfter time.Duration
	RequiredSkills  []models.SkillRequirement
	Queued          bool
}

// RetryHandler drains a team's wait queue. The interaction manager provides
// it.
type RetryHandler func(ctx context.Context, tenantID string, teamID string)

// Engine picks a target agent or team for an interaction. Route has no side
// effects so identical inputs give identical decisions.
type Engine struct {
	rules    *rules.Store
	registry *registry.Registry
	queues   *WaitQueues
	logger   logx.Logger

	retry   atomic.Pointer[RetryHandler]
	mu      sync.Mutex
	pending map[string]bool
}

func NewEngine(store *rules.Store, reg *registry.Registry, queues *WaitQueues, logger logx.Logger) *Engine {
	if queues == nil {
		queues = NewWaitQueues()
	}
	e := &Engine{rules: store, registry: reg, queues: queues, logger: logger, pending: map[string]bool{}}
	reg.OnCapacityFreed(e.capacityFreed)
	return e
}

func (e *Engine) Queues() *WaitQueues { return e.queues }

func (e *Engine) Rules() *rules.Store { return e.rules }

func (e *Engine) SetRetryHandler(h RetryHandler) {
	e.retry.Store(&h)
}

// Route evaluates the tenant's rules and selects an agent. When the target
// team has members but none eligible, the decision is Queued. A missing
// configuration or an empty target team is a RoutingError.
func (e *Engine) Route(ctx context.Context, in models.Interaction) (Decision, error) {
	ctx, span := observability.Start(ctx, "routing", "routing.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", in.TenantID),
		attribute.String("interaction.id", in.ID),
	)
	start := time.Now()
	defer func() { metricsx.ObserveRoutingLatency(time.Since(start)) }()

	tr, ok := e.rules.Tenant(in.TenantID)
	if !ok {
		return Decision{}, fmt.Errorf("%w: no routing configuration for tenant %s", models.ErrRouting, in.TenantID)
	}
	outcome, err := tr.Evaluate(ctx, rules.Input{
		Channel:    in.Channel,
		Priority:   in.Priority,
		Content:    in.LatestInbound(),
		CustomerID: in.CustomerID,
		Metadata:   in.Metadata,
	})
	if err != nil {
		e.logger.Warn(ctx, "rule_evaluation_failed", "rule skipped during evaluation",
			slog.String("error_code", "RULE_EVALUATION_FAILED"),
			slog.String("tenant_id", in.TenantID),
			slog.String("interaction_id", in.ID),
			slog.String("error", err.Error()),
		)
	}

	d := Decision{
		RuleIDs:         outcome.RuleIDs,
		Priority:        outcome.Priority,
		EscalationAfter: outcome.EscalationAfter,
	}
	priority := in.Priority
	if outcome.Priority != "" {
		priority = outcome.Priority
	}

	teamID := outcome.TeamID
	d.Reason = ReasonRuleTeam
	if outcome.AgentID != "" {
		agent, found := e.registry.Agent(in.TenantID, outcome.AgentID)
		if found && agent.TenantID == in.TenantID && agent.Status == models.AgentAvailable &&
			agent.HasCapacity() && agent.SupportsChannel(in.Channel) {
			d.AgentID = agent.ID
			d.Candidates = []string{agent.ID}
			if len(agent.TeamIDs) > 0 {
				d.TeamID = agent.TeamIDs[0]
			}
			d.Reason = ReasonRuleAgent
			return e.finish(in, d, nil)
		}
		d.Reason = ReasonAgentFallback
		if found && agent.TenantID == in.TenantID && len(agent.TeamIDs) > 0 {
			teamID = agent.TeamIDs[0]
		}
	}
	if teamID == "" {
		teamID = tr.DefaultTeamID
		if d.Reason == ReasonRuleTeam {
			d.Reason = ReasonDefaultTeam
		}
	}
	if _, ok := e.registry.Team(in.TenantID, teamID); !ok && teamID != tr.DefaultTeamID {
		e.logger.Warn(ctx, "routing_unknown_team", "rule targets a team outside the tenant",
			slog.String("tenant_id", in.TenantID),
			slog.String("team_id", teamID),
		)
		teamID = tr.DefaultTeamID
		d.Reason = ReasonUnknownTeam
	}
	if teamID == "" {
		return e.finish(in, d, fmt.Errorf("%w: tenant %s has no default team", models.ErrRouting, in.TenantID))
	}
	if _, ok := e.registry.Team(in.TenantID, teamID); !ok {
		return e.finish(in, d, fmt.Errorf("%w: team %s does not exist", models.ErrRouting, teamID))
	}

	d.TeamID = teamID
	d.RequiredSkills = tr.RequiredSkills(in.Channel, priority, outcome.RequiredSkills)
	return e.selectInTeam(ctx, in, d)
}

// RouteToTeam selects within a given team, skipping rule evaluation. Used
// for escalation targets and queue retries.
func (e *Engine) RouteToTeam(ctx context.Context, in models.Interaction, teamID string) (Decision, error) {
	d := Decision{TeamID: teamID, Reason: ReasonEscalationTarget}
	if _, ok := e.registry.Team(in.TenantID, teamID); !ok {
		return e.finish(in, d, fmt.Errorf("%w: team %s does not exist", models.ErrRouting, teamID))
	}
	if tr, ok := e.rules.Tenant(in.TenantID); ok {
		d.RequiredSkills = tr.RequiredSkills(in.Channel, in.Priority, nil)
	}
	return e.selectInTeam(ctx, in, d)
}

// Reselect repeats agent selection for a team decision against the current
// registry state, keeping its team and skill requirements.
func (e *Engine) Reselect(ctx context.Context, in models.Interaction, d Decision) (Decision, error) {
	d.AgentID, d.Candidates, d.Queued = "", nil, false
	return e.selectInTeam(ctx, in, d)
}

func (e *Engine) selectInTeam(ctx context.Context, in models.Interaction, d Decision) (Decision, error) {
	members := e.registry.TeamMembers(ctx, in.TenantID, d.TeamID)
	if len(members) == 0 {
		return e.finish(in, d, fmt.Errorf("%w: team %s has no agents", models.ErrRouting, d.TeamID))
	}
	eligible := make([]models.Agent, 0, len(members))
	for _, a := range members {
		if a.TenantID != in.TenantID || a.Status != models.AgentAvailable || !a.HasCapacity() {
			continue
		}
		if !a.SupportsChannel(in.Channel) || !a.Covers(d.RequiredSkills) {
			continue
		}
		eligible = append(eligible, a)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}
		if !a.LastAssignedAt.Equal(b.LastAssignedAt) {
			return a.LastAssignedAt.Before(b.LastAssignedAt)
		}
		return a.ID < b.ID
	})
	for _, a := range eligible {
		d.Candidates = append(d.Candidates, a.ID)
	}
	if len(eligible) == 0 {
		d.Queued = true
	} else {
		d.AgentID = eligible[0].ID
	}
	return e.finish(in, d, nil)
}

func (e *Engine) finish(in models.Interaction, d Decision, err error) (Decision, error) {
	outcome := "assigned"
	switch {
	case err != nil:
		outcome = "failed"
	case d.Queued:
		outcome = "queued"
	}
	metricsx.IncRoutingDecision(in.TenantID, outcome)
	return d, err
}

// Enqueue parks an interaction on the team's wait queue.
func (e *Engine) Enqueue(in models.Interaction, teamID string) {
	e.queues.Enqueue(in.TenantID, teamID, QueueEntry{
		InteractionID: in.ID,
		Priority:      in.Priority,
		CreatedAt:     in.CreatedAt,
	})
}

func (e *Engine) Dequeue(tenantID string, interactionID string) bool {
	return e.queues.Remove(tenantID, interactionID)
}

// capacityFreed coalesces registry signals so at most one retry per team is
// scheduled at a time; a signal that arrives mid-retry schedules another.
func (e *Engine) capacityFreed(ctx context.Context, tenantID string, teamID string) {
	if e.queues.Len(tenantID, teamID) == 0 {
		return
	}
	h := e.retry.Load()
	if h == nil {
		return
	}
	key := queueKey(tenantID, teamID)
	e.mu.Lock()
	if e.pending[key] {
		e.mu.Unlock()
		return
	}
	e.pending[key] = true
	e.mu.Unlock()

	go func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
		(*h)(context.WithoutCancel(ctx), tenantID, teamID)
	}()
}
