package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/lockx"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/metricsx"
)

// CapacityListener is told when a team may have gained capacity. It must not
// block.
type CapacityListener func(ctx context.Context, tenantID string, teamID string)

// Persister stores workforce changes. Load counters are runtime state and are
// not persisted.
type Persister interface {
	SaveAgent(ctx context.Context, agent models.Agent) error
	SaveTeam(ctx context.Context, team models.Team) error
}

type Predicate struct {
	TeamID         string
	Channel        string
	Status         models.AgentStatus
	RequiredSkills []models.SkillRequirement
	WithCapacity   bool
}

func (p Predicate) match(a models.Agent) bool {
	if p.TeamID != "" && !a.InTeam(p.TeamID) {
		return false
	}
	if p.Channel != "" && !a.SupportsChannel(p.Channel) {
		return false
	}
	if p.Status != "" && a.Status != p.Status {
		return false
	}
	if p.WithCapacity && !a.HasCapacity() {
		return false
	}
	return a.Covers(p.RequiredSkills)
}

type Options struct {
	Locker    lockx.Locker
	Persister Persister
	Logger    logx.Logger
	Now       func() time.Time
}

// Registry is the only owner of agent load counters. Each agent is a
// snapshot behind an atomic pointer: readers never lock, writers serialize
// on the agent key.
type Registry struct {
	tenants   sync.Map // tenantID -> *tenantIndex
	locks     lockx.Locker
	persist   Persister
	logger    logx.Logger
	now       func() time.Time
	listeners atomic.Pointer[[]CapacityListener]
}

type tenantIndex struct {
	agents sync.Map // agentID -> *atomic.Pointer[models.Agent]
	teams  sync.Map // teamID -> models.Team
}

func New(opts Options) *Registry {
	if opts.Locker == nil {
		opts.Locker = lockx.NewKeyedMutex(64, 2*time.Second)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	r := &Registry{locks: opts.Locker, persist: opts.Persister, logger: opts.Logger, now: opts.Now}
	r.listeners.Store(&[]CapacityListener{})
	return r
}

func (r *Registry) OnCapacityFreed(fn CapacityListener) {
	for {
		cur := r.listeners.Load()
		next := append(slices.Clone(*cur), fn)
		if r.listeners.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func (r *Registry) tenant(tenantID string, create bool) *tenantIndex {
	if v, ok := r.tenants.Load(tenantID); ok {
		return v.(*tenantIndex)
	}
	if !create {
		return nil
	}
	v, _ := r.tenants.LoadOrStore(tenantID, &tenantIndex{})
	return v.(*tenantIndex)
}

func (r *Registry) slot(tenantID string, agentID string) *atomic.Pointer[models.Agent] {
	idx := r.tenant(tenantID, false)
	if idx == nil {
		return nil
	}
	v, ok := idx.agents.Load(agentID)
	if !ok {
		return nil
	}
	return v.(*atomic.Pointer[models.Agent])
}

func agentKey(tenantID string, agentID string) string {
	return "agent:" + tenantID + "/" + agentID
}

// Agent returns a copy of the agent.
func (r *Registry) Agent(tenantID string, agentID string) (models.Agent, bool) {
	s := r.slot(tenantID, agentID)
	if s == nil {
		return models.Agent{}, false
	}
	return s.Load().Clone(), true
}

// Reserve takes one unit of the agent's capacity. It fails with
// ErrCapacityExceeded when the agent is full or not available.
func (r *Registry) Reserve(ctx context.Context, tenantID string, agentID string) error {
	s := r.slot(tenantID, agentID)
	if s == nil {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, agentID)
	}
	unlock, err := r.locks.Lock(ctx, agentKey(tenantID, agentID))
	if err != nil {
		return err
	}
	defer unlock()

	cur := s.Load()
	if cur.Status != models.AgentAvailable {
		return fmt.Errorf("%w: agent %s is %s", models.ErrCapacityExceeded, agentID, cur.Status)
	}
	if !cur.HasCapacity() {
		return fmt.Errorf("%w: agent %s at %d/%d", models.ErrCapacityExceeded, agentID, cur.CurrentLoad, cur.MaxConcurrent)
	}
	next := cur.Clone()
	next.CurrentLoad++
	next.LastAssignedAt = r.now()
	s.Store(&next)
	metricsx.SetAgentLoad(tenantID, agentID, next.CurrentLoad)
	return nil
}

// Reattach counts an assignment that survived a restart. Unlike Reserve it
// ignores availability, since the agent already holds the interaction.
func (r *Registry) Reattach(ctx context.Context, tenantID string, agentID string) error {
	s := r.slot(tenantID, agentID)
	if s == nil {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, agentID)
	}
	unlock, err := r.locks.Lock(ctx, agentKey(tenantID, agentID))
	if err != nil {
		return err
	}
	defer unlock()
	next := s.Load().Clone()
	next.CurrentLoad++
	s.Store(&next)
	metricsx.SetAgentLoad(tenantID, agentID, next.CurrentLoad)
	return nil
}

// Release returns one unit of capacity, never going below zero.
func (r *Registry) Release(ctx context.Context, tenantID string, agentID string) error {
	s := r.slot(tenantID, agentID)
	if s == nil {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, agentID)
	}
	unlock, err := r.locks.Lock(ctx, agentKey(tenantID, agentID))
	if err != nil {
		return err
	}
	cur := s.Load()
	if cur.CurrentLoad == 0 {
		unlock()
		r.logger.Warn(ctx, "agent_release_underflow", "release on agent with zero load",
			slog.String("tenant_id", tenantID),
			slog.String("agent_id", agentID),
		)
		return nil
	}
	next := cur.Clone()
	next.CurrentLoad--
	s.Store(&next)
	unlock()

	metricsx.SetAgentLoad(tenantID, agentID, next.CurrentLoad)
	if next.Status == models.AgentAvailable {
		r.notify(ctx, next)
	}
	return nil
}

func (r *Registry) SetAvailability(ctx context.Context, tenantID string, agentID string, status models.AgentStatus) error {
	if !status.Valid() {
		return models.Validationf("unknown availability %q", status)
	}
	s := r.slot(tenantID, agentID)
	if s == nil {
		return fmt.Errorf("%w: agent %s", models.ErrNotFound, agentID)
	}
	unlock, err := r.locks.Lock(ctx, agentKey(tenantID, agentID))
	if err != nil {
		return err
	}
	cur := s.Load()
	next := cur.Clone()
	next.Status = status
	next.UpdatedAt = r.now()
	s.Store(&next)
	unlock()

	r.save(ctx, next)
	if status == models.AgentAvailable && cur.Status != models.AgentAvailable {
		r.notify(ctx, next)
	}
	return nil
}

// Query returns the tenant's agents matching p, ordered by id.
func (r *Registry) Query(ctx context.Context, tenantID string, p Predicate) []models.Agent {
	idx := r.tenant(tenantID, false)
	if idx == nil {
		return nil
	}
	var out []models.Agent
	idx.agents.Range(func(_, v any) bool {
		a := v.(*atomic.Pointer[models.Agent]).Load()
		if a.TenantID == tenantID && p.match(*a) {
			out = append(out, a.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) TeamMembers(ctx context.Context, tenantID string, teamID string) []models.Agent {
	return r.Query(ctx, tenantID, Predicate{TeamID: teamID})
}

func (r *Registry) Team(tenantID string, teamID string) (models.Team, bool) {
	idx := r.tenant(tenantID, false)
	if idx == nil {
		return models.Team{}, false
	}
	v, ok := idx.teams.Load(teamID)
	if !ok {
		return models.Team{}, false
	}
	return v.(models.Team), true
}

func (r *Registry) Teams(tenantID string) []models.Team {
	idx := r.tenant(tenantID, false)
	if idx == nil {
		return nil
	}
	var out []models.Team
	idx.teams.Range(func(_, v any) bool {
		out = append(out, v.(models.Team))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpsertAgent creates or updates an agent's profile. Load and last-assigned
// time are owned by the registry and carried over from the current record.
func (r *Registry) UpsertAgent(ctx context.Context, in models.Agent) (models.Agent, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.TenantID = strings.TrimSpace(in.TenantID)
	if in.ID == "" || in.TenantID == "" {
		return models.Agent{}, models.Validationf("agent id and tenant id are required")
	}
	if in.MaxConcurrent < 0 {
		return models.Agent{}, models.Validationf("max_concurrent must be >= 0")
	}
	if in.Status == "" {
		in.Status = models.AgentOffline
	}
	if !in.Status.Valid() {
		return models.Agent{}, models.Validationf("unknown availability %q", in.Status)
	}
	for _, teamID := range in.TeamIDs {
		if _, ok := r.Team(in.TenantID, teamID); !ok {
			return models.Agent{}, models.Validationf("agent %s references unknown team %s", in.ID, teamID)
		}
	}

	unlock, err := r.locks.Lock(ctx, agentKey(in.TenantID, in.ID))
	if err != nil {
		return models.Agent{}, err
	}
	idx := r.tenant(in.TenantID, true)
	next := in.Clone()
	next.UpdatedAt = r.now()
	next.CurrentLoad = 0
	fresh := &atomic.Pointer[models.Agent]{}
	fresh.Store(&next)

	var prev *models.Agent
	v, loaded := idx.agents.LoadOrStore(in.ID, fresh)
	s := v.(*atomic.Pointer[models.Agent])
	if loaded {
		prev = s.Load()
		if in.MaxConcurrent < prev.CurrentLoad {
			unlock()
			return models.Agent{}, models.Validationf("max_concurrent %d below current load %d", in.MaxConcurrent, prev.CurrentLoad)
		}
		next.CurrentLoad = prev.CurrentLoad
		next.LastAssignedAt = prev.LastAssignedAt
	}
	s.Store(&next)
	unlock()

	r.save(ctx, next)
	freed := prev == nil || prev.Status != models.AgentAvailable || prev.MaxConcurrent < next.MaxConcurrent || !slices.Equal(prev.TeamIDs, next.TeamIDs)
	if next.Status == models.AgentAvailable && freed {
		r.notify(ctx, next)
	}
	return next.Clone(), nil
}

// UpsertTeam rejects fallback references to unknown teams and fallback
// chains that would loop back to the team.
func (r *Registry) UpsertTeam(ctx context.Context, team models.Team) (models.Team, error) {
	team.ID = strings.TrimSpace(team.ID)
	team.TenantID = strings.TrimSpace(team.TenantID)
	if team.ID == "" || team.TenantID == "" {
		return models.Team{}, models.Validationf("team id and tenant id are required")
	}
	if team.FallbackTeamID == team.ID {
		return models.Team{}, models.Validationf("team %s cannot fall back to itself", team.ID)
	}

	unlock, err := r.locks.Lock(ctx, "teams:"+team.TenantID)
	if err != nil {
		return models.Team{}, err
	}
	defer unlock()

	idx := r.tenant(team.TenantID, true)
	seen := map[string]bool{team.ID: true}
	for next := team.FallbackTeamID; next != ""; {
		v, ok := idx.teams.Load(next)
		if !ok {
			return models.Team{}, models.Validationf("fallback team %s does not exist", next)
		}
		if seen[next] {
			return models.Team{}, models.Validationf("fallback chain from %s forms a cycle", team.ID)
		}
		seen[next] = true
		next = v.(models.Team).FallbackTeamID
	}
	team.UpdatedAt = r.now()
	idx.teams.Store(team.ID, team)
	if r.persist != nil {
		if err := r.persist.SaveTeam(ctx, team); err != nil {
			r.logger.Error(ctx, "team_persist_failed", "failed to persist team",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("team_id", team.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return team, nil
}

// Restore seeds the registry from storage without validation or events.
// Teams are stored before agents.
func (r *Registry) Restore(teams []models.Team, agents []models.Agent) {
	for _, t := range teams {
		r.tenant(t.TenantID, true).teams.Store(t.ID, t)
	}
	for _, a := range agents {
		a := a.Clone()
		a.CurrentLoad = 0
		p := &atomic.Pointer[models.Agent]{}
		p.Store(&a)
		r.tenant(a.TenantID, true).agents.Store(a.ID, p)
	}
}

func (r *Registry) save(ctx context.Context, a models.Agent) {
	if r.persist == nil {
		return
	}
	if err := r.persist.SaveAgent(ctx, a); err != nil {
		r.logger.Error(ctx, "agent_persist_failed", "failed to persist agent",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("agent_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) notify(ctx context.Context, a models.Agent) {
	listeners := *r.listeners.Load()
	for _, teamID := range a.TeamIDs {
		for _, fn := range listeners {
			fn(ctx, a.TenantID, teamID)
		}
	}
}
