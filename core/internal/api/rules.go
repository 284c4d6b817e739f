package api

import (
	"net/http"
	"time"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/rules"
	"omnichannel-routing-system/shared/httpx"
)

type rulesResponse struct {
	Version  string             `json:"version"`
	LoadedAt time.Time          `json:"loaded_at"`
	Rules    *rules.TenantRules `json:"rules,omitempty"`
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	resp := rulesResponse{Version: s.opts.Rules.Version(), LoadedAt: s.opts.Rules.LoadedAt()}
	if t, found := s.opts.Rules.Tenant(tenantID); found {
		resp.Rules = t
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// putRules replaces the caller's rule set. With a shared source configured
// the rules go there and the local store reloads from it; otherwise they are
// installed in process only.
func (s *Server) putRules(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	var t rules.TenantRules
	if !decode(w, r, &t) {
		return
	}
	t.TenantID = tenantID

	check := t
	check.Rules = append([]rules.Rule(nil), t.Rules...)
	if err := check.Prepare(r.Context()); err != nil {
		s.writeDomainError(w, r, models.Validationf("%s", err.Error()))
		return
	}
	if s.opts.Publisher == nil {
		s.opts.Rules.Put(&check)
	} else {
		if err := s.opts.Publisher.Publish(r.Context(), t); err != nil {
			httpx.WriteError(w, r, http.StatusBadGateway, "RULES_PUBLISH_FAILED", err.Error(), nil)
			return
		}
		if s.opts.Reloader != nil {
			if _, err := s.opts.Reloader.Reload(r.Context()); err != nil {
				httpx.WriteError(w, r, http.StatusBadGateway, "RULES_RELOAD_FAILED", err.Error(), nil)
				return
			}
		}
	}
	current, _ := s.opts.Rules.Tenant(tenantID)
	httpx.WriteJSON(w, http.StatusOK, rulesResponse{Version: s.opts.Rules.Version(), LoadedAt: s.opts.Rules.LoadedAt(), Rules: current})
}

func (s *Server) reloadRules(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reloader == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "no rule source configured", nil)
		return
	}
	changed, err := s.opts.Reloader.Reload(r.Context())
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadGateway, "RULES_RELOAD_FAILED", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"changed": changed, "version": s.opts.Rules.Version()})
}
