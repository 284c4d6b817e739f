package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"omnichannel-routing-system/core/internal/interactions"
	"omnichannel-routing-system/shared/authx"
	"omnichannel-routing-system/shared/httpx"
)

const defaultListLimit = 100

type transitionRequest struct {
	Event string `json:"event"`
}

type assignRequest struct {
	AgentID string `json:"agent_id"`
}

type respondRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Content string `json:"content"`
}

type respondResponse struct {
	InteractionID string `json:"interaction_id"`
	AdapterUsed   string `json:"adapter_used"`
	Attempts      int    `json:"attempts"`
	ProviderID    string `json:"provider_message_id,omitempty"`
}

// interactionID reads the path id and tags the access log with it.
func interactionID(r *http.Request) string {
	id := r.PathValue("id")
	httpx.Annotate(r.Context(), slog.String("interaction_id", id))
	return id
}

func (s *Server) createInteraction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireTenant(w, r); !ok {
		return
	}
	var req interactions.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := s.opts.Manager.Create(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.Annotate(r.Context(), slog.String("interaction_id", in.ID), slog.String("agent_id", in.AssignedAgentID))
	httpx.WriteJSON(w, http.StatusCreated, in)
}

func (s *Server) listInteractions(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireTenant(w, r); !ok {
		return
	}
	q := r.URL.Query()
	filter := interactions.ListFilter{
		State:      strings.TrimSpace(q.Get("state")),
		AgentID:    strings.TrimSpace(q.Get("agent_id")),
		TeamID:     strings.TrimSpace(q.Get("team_id")),
		CustomerID: strings.TrimSpace(q.Get("customer_id")),
		Limit:      defaultListLimit,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid limit", nil)
			return
		}
		if limit > 0 {
			filter.Limit = limit
		}
	}
	items, err := s.opts.Manager.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getInteraction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireTenant(w, r); !ok {
		return
	}
	in, err := s.opts.Manager.Get(r.Context(), interactionID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, in)
}

func (s *Server) transitionInteraction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireTenant(w, r); !ok {
		return
	}
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := s.opts.Manager.Transition(r.Context(), interactionID(r), req.Event)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, in)
}

func (s *Server) assignInteraction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireTenant(w, r); !ok {
		return
	}
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := s.opts.Manager.Assign(r.Context(), interactionID(r), strings.TrimSpace(req.AgentID))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, in)
}

func (s *Server) releaseInteraction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireTenant(w, r); !ok {
		return
	}
	in, err := s.opts.Manager.Release(r.Context(), interactionID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, in)
}

// respondInteraction sends an agent reply. An agent token's agent_id wins
// over the body.
func (s *Server) respondInteraction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireTenant(w, r); !ok {
		return
	}
	var req respondRequest
	if !decode(w, r, &req) {
		return
	}
	agentID := strings.TrimSpace(req.AgentID)
	if auth, ok := authx.FromContext(r.Context()); ok && auth.AgentID != "" {
		agentID = auth.AgentID
	}
	id := interactionID(r)
	res, err := s.opts.Manager.Respond(r.Context(), id, agentID, req.Content)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, respondResponse{
		InteractionID: id,
		AdapterUsed:   res.AdapterUsed,
		Attempts:      res.Attempts,
		ProviderID:    res.Receipt.ProviderMessageID,
	})
}
