package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnichannel-routing-system/core/internal/dispatch"
	"omnichannel-routing-system/core/internal/eventbus"
	"omnichannel-routing-system/core/internal/interactions"
	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/registry"
	"omnichannel-routing-system/core/internal/routing"
	"omnichannel-routing-system/core/internal/rules"
	"omnichannel-routing-system/core/internal/sla"
	"omnichannel-routing-system/shared/httpx"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/tenantx"
	"omnichannel-routing-system/shared/workflow"
)

type stubAdapter struct {
	err error
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Send(_ context.Context, msg models.OutboundMessage) (models.Receipt, error) {
	if a.err != nil {
		return models.Receipt{}, a.err
	}
	return models.Receipt{ProviderMessageID: "pm-" + msg.IdempotencyKey}, nil
}

type fixture struct {
	handler  http.Handler
	registry *registry.Registry
	rules    *rules.Store
	adapter  *stubAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	bus := eventbus.New(&eventbus.Recorder{}, logx.Discard())

	reg := registry.New(registry.Options{Logger: logx.Discard()})
	_, err := reg.UpsertTeam(ctx, models.Team{ID: "general", TenantID: "t1"})
	require.NoError(t, err)
	_, err = reg.UpsertAgent(ctx, models.Agent{ID: "a1", TenantID: "t1", TeamIDs: []string{"general"}, MaxConcurrent: 1, Status: models.AgentAvailable})
	require.NoError(t, err)

	store := rules.NewStore()
	tr := rules.TenantRules{TenantID: "t1", DefaultTeamID: "general"}
	require.NoError(t, tr.Prepare(ctx))
	store.Put(&tr)

	engine := routing.NewEngine(store, reg, nil, logx.Discard())
	monitor := sla.New(sla.Options{Bus: bus, Logger: logx.Discard()})
	adapter := &stubAdapter{}
	orch := dispatch.New(dispatch.Options{Logger: logx.Discard(), Sleep: func(context.Context, time.Duration) error { return nil }})
	orch.Register("email", adapter)

	mgr := interactions.NewManager(interactions.Options{
		Engine: engine, Registry: reg, SLA: monitor, Dispatcher: orch, Bus: bus, Logger: logx.Discard(),
	})
	srv := NewServer(Options{Manager: mgr, Registry: reg, Engine: engine, Rules: store, Logger: logx.Discard()})
	mux := http.NewServeMux()
	srv.Register(mux)

	// Stand-in for the tenant middleware.
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Tenant-ID"); id != "" {
			r = r.WithContext(tenantx.WithTenantID(r.Context(), id))
		}
		mux.ServeHTTP(w, r)
	})
	return &fixture{handler: h, registry: reg, rules: store, adapter: adapter}
}

func (f *fixture) do(t *testing.T, method string, path string, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env httpx.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func (f *fixture) create(t *testing.T) models.Interaction {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/interactions", "t1", map[string]any{
		"customer_id": "c1", "channel": "email", "content": "hello",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var in models.Interaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &in))
	return in
}

func TestCreateAndGetInteraction(t *testing.T) {
	f := newFixture(t)
	in := f.create(t)
	assert.Equal(t, workflow.StateAssigned, in.State)
	assert.Equal(t, "a1", in.AssignedAgentID)

	rec := f.do(t, http.MethodGet, "/v1/interactions/"+in.ID, "t1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/interactions/"+in.ID, "t2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/interactions/missing", "t1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/interactions", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/interactions?state=assigned", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []models.Interaction `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Items, 1)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/interactions", "t1", map[string]any{"customer_id": "c1", "channel": "pigeon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))

	rec = f.do(t, http.MethodPost, "/v1/interactions", "t1", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitionConflict(t *testing.T) {
	f := newFixture(t)
	in := f.create(t)

	rec := f.do(t, http.MethodPost, "/v1/interactions/"+in.ID+"/transitions", "t1", transitionRequest{Event: workflow.EventClose})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/interactions/"+in.ID+"/transitions", "t1", transitionRequest{Event: workflow.EventAccept})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, rec))

	a, _ := f.registry.Agent("t1", "a1")
	assert.Equal(t, 0, a.CurrentLoad)
}

func TestRespondDispatchExhausted(t *testing.T) {
	f := newFixture(t)
	in := f.create(t)

	rec := f.do(t, http.MethodPost, "/v1/interactions/"+in.ID+"/responses", "t1", respondRequest{Content: "on it"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res respondResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "stub", res.AdapterUsed)

	f.adapter.err = errors.New("provider down")
	rec = f.do(t, http.MethodPost, "/v1/interactions/"+in.ID+"/responses", "t1", respondRequest{Content: "again"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "DISPATCH_EXHAUSTED", errorCode(t, rec))
}

func TestWorkforceEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/teams/billing", "t1", models.Team{Name: "Billing"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, "/v1/agents/b1", "t1", models.Agent{TeamIDs: []string{"billing"}, MaxConcurrent: 2, Status: models.AgentAway})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, "/v1/agents/b1", "t1", models.Agent{TeamIDs: []string{"nope"}, MaxConcurrent: 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/agents/b1/availability", "t1", availabilityRequest{Status: models.AgentAvailable})
	require.Equal(t, http.StatusOK, rec.Code)
	a, ok := f.registry.Agent("t1", "b1")
	require.True(t, ok)
	assert.Equal(t, models.AgentAvailable, a.Status)

	rec = f.do(t, http.MethodGet, "/v1/agents/b1", "t2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/teams/billing/queue", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"depth":0`)
}

func TestRulesEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/rules", "t1", map[string]any{
		"default_team_id": "general",
		"rules":           []map[string]any{{"id": "vip", "predicate": map[string]any{"metadata": map[string]string{"tier": "vip"}}, "actions": []map[string]any{{"type": "set_priority", "priority": "high"}}}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr, ok := f.rules.Tenant("t1")
	require.True(t, ok)
	assert.Len(t, tr.Rules, 1)

	rec = f.do(t, http.MethodPut, "/v1/rules", "t1", map[string]any{"rules": []map[string]any{{"id": "broken"}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/rules/reload", "t1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
