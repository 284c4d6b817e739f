package api

import (
	"net/http"
	"strings"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/registry"
	"omnichannel-routing-system/core/internal/routing"
	"omnichannel-routing-system/shared/httpx"
)

type availabilityRequest struct {
	Status models.AgentStatus `json:"status"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	p := registry.Predicate{
		TeamID:       strings.TrimSpace(q.Get("team_id")),
		Channel:      strings.TrimSpace(q.Get("channel")),
		Status:       models.AgentStatus(strings.TrimSpace(q.Get("status"))),
		WithCapacity: q.Get("with_capacity") == "true",
	}
	agents := s.opts.Registry.Query(r.Context(), tenantID, p)
	if agents == nil {
		agents = []models.Agent{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": agents})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	agent, found := s.opts.Registry.Agent(tenantID, r.PathValue("id"))
	if !found {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "agent not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, agent)
}

// upsertAgent takes tenant and id from the request, never from the body.
func (s *Server) upsertAgent(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var agent models.Agent
	if !decode(w, r, &agent) {
		return
	}
	agent.ID = r.PathValue("id")
	agent.TenantID = tenantID
	saved, err := s.opts.Registry.UpsertAgent(r.Context(), agent)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, saved)
}

func (s *Server) setAvailability(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var req availabilityRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.opts.Registry.SetAvailability(r.Context(), tenantID, id, req.Status); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	agent, _ := s.opts.Registry.Agent(tenantID, id)
	httpx.WriteJSON(w, http.StatusOK, agent)
}

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	teams := s.opts.Registry.Teams(tenantID)
	if teams == nil {
		teams = []models.Team{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": teams})
}

func (s *Server) upsertTeam(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var team models.Team
	if !decode(w, r, &team) {
		return
	}
	team.ID = r.PathValue("id")
	team.TenantID = tenantID
	saved, err := s.opts.Registry.UpsertTeam(r.Context(), team)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, saved)
}

func (s *Server) teamAgents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	teamID := r.PathValue("id")
	if _, found := s.opts.Registry.Team(tenantID, teamID); !found {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "team not found", nil)
		return
	}
	agents := s.opts.Registry.TeamMembers(r.Context(), tenantID, teamID)
	if agents == nil {
		agents = []models.Agent{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": agents})
}

func (s *Server) teamQueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	teamID := r.PathValue("id")
	if _, found := s.opts.Registry.Team(tenantID, teamID); !found {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "team not found", nil)
		return
	}
	entries := s.opts.Engine.Queues().Snapshot(tenantID, teamID)
	if entries == nil {
		entries = []routing.QueueEntry{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"team_id": teamID, "depth": len(entries), "items": entries})
}
