package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/registry"
)

// WorkforceRepo persists agents and teams for the registry. Load counters
// are runtime state and never stored.
type WorkforceRepo struct {
	pool *pgxpool.Pool
}

func NewWorkforceRepo(pool *pgxpool.Pool) *WorkforceRepo {
	return &WorkforceRepo{pool: pool}
}

var _ registry.Persister = (*WorkforceRepo)(nil)

func (r *WorkforceRepo) SaveAgent(ctx context.Context, agent models.Agent) error {
	skills := agent.Skills
	if skills == nil {
		skills = map[string]models.Skill{}
	}
	rawSkills, err := json.Marshal(skills)
	if err != nil {
		return err
	}
	channels := agent.Channels
	if channels == nil {
		channels = []string{}
	}
	teams := agent.TeamIDs
	if teams == nil {
		teams = []string{}
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO agents (tenant_id, id, name, skills, channels, team_ids, max_concurrent, status, last_assigned_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = EXCLUDED.name, skills = EXCLUDED.skills, channels = EXCLUDED.channels, team_ids = EXCLUDED.team_ids,
			max_concurrent = EXCLUDED.max_concurrent, status = EXCLUDED.status,
			last_assigned_at = EXCLUDED.last_assigned_at, updated_at = EXCLUDED.updated_at
	`, agent.TenantID, agent.ID, agent.Name, rawSkills, channels, teams, agent.MaxConcurrent, string(agent.Status),
		nullableTime(agent.LastAssignedAt), agent.UpdatedAt)
	return err
}

func (r *WorkforceRepo) SaveTeam(ctx context.Context, team models.Team) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO teams (tenant_id, id, name, fallback_team_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = EXCLUDED.name, fallback_team_id = EXCLUDED.fallback_team_id, updated_at = EXCLUDED.updated_at
	`, team.TenantID, team.ID, team.Name, team.FallbackTeamID, team.UpdatedAt)
	return err
}

// LoadAll reads every team and agent, in the order registry.Restore wants.
func (r *WorkforceRepo) LoadAll(ctx context.Context) ([]models.Team, []models.Agent, error) {
	teamRows, err := r.pool.Query(ctx, `SELECT tenant_id, id, name, fallback_team_id, updated_at FROM teams ORDER BY tenant_id, id`)
	if err != nil {
		return nil, nil, err
	}
	teams := make([]models.Team, 0)
	for teamRows.Next() {
		var t models.Team
		if err := teamRows.Scan(&t.TenantID, &t.ID, &t.Name, &t.FallbackTeamID, &t.UpdatedAt); err != nil {
			teamRows.Close()
			return nil, nil, err
		}
		teams = append(teams, t)
	}
	teamRows.Close()
	if err := teamRows.Err(); err != nil {
		return nil, nil, err
	}

	agentRows, err := r.pool.Query(ctx, `
		SELECT tenant_id, id, name, skills, channels, team_ids, max_concurrent, status, last_assigned_at, updated_at
		FROM agents ORDER BY tenant_id, id
	`)
	if err != nil {
		return nil, nil, err
	}
	defer agentRows.Close()
	agents := make([]models.Agent, 0)
	for agentRows.Next() {
		var (
			a            models.Agent
			rawSkills    []byte
			status       string
			lastAssigned *time.Time
		)
		if err := agentRows.Scan(&a.TenantID, &a.ID, &a.Name, &rawSkills, &a.Channels, &a.TeamIDs,
			&a.MaxConcurrent, &status, &lastAssigned, &a.UpdatedAt); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(rawSkills, &a.Skills); err != nil {
			return nil, nil, fmt.Errorf("decode skills for agent %s: %w", a.ID, err)
		}
		a.Status = models.AgentStatus(status)
		if lastAssigned != nil {
			a.LastAssignedAt = *lastAssigned
		}
		agents = append(agents, a)
	}
	return teams, agents, agentRows.Err()
}
