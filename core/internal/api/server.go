package api

import (
	"context"
	"log/slog"
	"net/http"

	"omnichannel-routing-system/core/internal/interactions"
	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/registry"
	"omnichannel-routing-system/core/internal/routing"
	"omnichannel-routing-system/core/internal/rules"
	"omnichannel-routing-system/shared/httpx"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/tenantx"
)

type RulesReloader interface {
	Reload(ctx context.Context) (bool, error)
}

// RulesPublisher writes one tenant's rules to the shared source so every
// instance picks them up.
type RulesPublisher interface {
	Publish(ctx context.Context, t rules.TenantRules) error
}

type Options struct {
	Manager   *interactions.Manager
	Registry  *registry.Registry
	Engine    *routing.Engine
	Rules     *rules.Store
	Reloader  RulesReloader
	Publisher RulesPublisher
	// Inbound serves POST /v1/channels/{channel}/inbound.
	Inbound http.Handler
	Logger  logx.Logger
}

// Server exposes the interaction, workforce and rule operations over HTTP.
type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/interactions", s.createInteraction)
	mux.HandleFunc("GET /v1/interactions", s.listInteractions)
	mux.HandleFunc("GET /v1/interactions/{id}", s.getInteraction)
	mux.HandleFunc("POST /v1/interactions/{id}/transitions", s.transitionInteraction)
	mux.HandleFunc("POST /v1/interactions/{id}/assign", s.assignInteraction)
	mux.HandleFunc("POST /v1/interactions/{id}/release", s.releaseInteraction)
	mux.HandleFunc("POST /v1/interactions/{id}/responses", s.respondInteraction)

	mux.HandleFunc("GET /v1/agents", s.listAgents)
	mux.HandleFunc("GET /v1/agents/{id}", s.getAgent)
	mux.HandleFunc("PUT /v1/agents/{id}", s.upsertAgent)
	mux.HandleFunc("PUT /v1/agents/{id}/availability", s.setAvailability)
	mux.HandleFunc("GET /v1/teams", s.listTeams)
	mux.HandleFunc("PUT /v1/teams/{id}", s.upsertTeam)
	mux.HandleFunc("GET /v1/teams/{id}/agents", s.teamAgents)
	mux.HandleFunc("GET /v1/teams/{id}/queue", s.teamQueue)

	mux.HandleFunc("GET /v1/rules", s.getRules)
	mux.HandleFunc("PUT /v1/rules", s.putRules)
	mux.HandleFunc("POST /v1/rules/reload", s.reloadRules)

	if s.opts.Inbound != nil {
		mux.Handle("POST /v1/channels/{channel}/inbound", s.opts.Inbound)
	}
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := tenantx.Require(r.Context())
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
		return "", false
	}
	return tenantID, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

// domainErrors maps model errors onto the error envelope. Dispatch
// exhaustion comes first since it also unwraps to the adapter's last error.
var domainErrors = httpx.ErrorMap{
	{Target: models.ErrDispatchExhausted, Status: http.StatusBadGateway, Code: "DISPATCH_EXHAUSTED"},
	{Target: models.ErrInvalidTransition, Status: http.StatusConflict, Code: "INVALID_TRANSITION"},
	{Target: models.ErrValidation, Status: http.StatusBadRequest, Code: "INVALID_ARGUMENT"},
	{Target: models.ErrNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND"},
	{Target: models.ErrTenantMismatch, Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "tenant mismatch"},
	{Target: models.ErrCapacityExceeded, Status: http.StatusConflict, Code: "CAPACITY_EXCEEDED"},
	{Target: models.ErrRouting, Status: http.StatusUnprocessableEntity, Code: "ROUTING_FAILED"},
	{Target: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Code: "DEADLINE_EXCEEDED", Message: "request timed out"},
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if domainErrors.Write(w, r, err) {
		return
	}
	s.opts.Logger.Error(r.Context(), "request_failed", "request failed",
		slog.String("error_code", "INTERNAL_ERROR"),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
}
