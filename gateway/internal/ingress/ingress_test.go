package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnichannel-routing-system/gateway/internal/routing"
	"omnichannel-routing-system/shared/authx"
	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/httpx"
	"omnichannel-routing-system/shared/logx"
)

type capture struct {
	err     error
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

func (c *capture) Publish(_ context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if c.err != nil {
		return c.err
	}
	c.topic, c.key, c.value, c.headers = topic, string(key), value, headers
	return nil
}

func resolver(t *testing.T) routing.Resolver {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "default_cluster": "main",
  "channels": ["email", "sms"],
  "clusters": {"main": {"brokers": ["localhost:9092"]}, "eu": {"brokers": ["localhost:9093"]}},
  "routes": [{"tenant_id": "t-eu", "cluster": "eu"}]
}`), 0644))
	r, err := routing.Load(path)
	require.NoError(t, err)
	return r
}

func serve(h *Handler, channel string, body string, headers map[string]string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/channels/{channel}/inbound", h)
	req := httptest.NewRequest(http.MethodPost, "/v1/channels/"+channel+"/inbound", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env httpx.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestInboundPublishesNormalizedMessage(t *testing.T) {
	main := &capture{}
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	h := &Handler{Resolver: resolver(t), Producers: map[string]Publisher{"main": main}, Logger: logx.Discard(), Now: func() time.Time { return now }}

	rec := serve(h, "Email", `{"from":" alice@example.com ","to":"support@acme.io","content":"hi","provider_message_id":"pm-1"}`,
		map[string]string{"X-Tenant-ID": "t1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	assert.Equal(t, events.TopicChannelInbound, main.topic)
	assert.Equal(t, "t1|email|alice@example.com", main.key)
	assert.Equal(t, "pm-1", main.headers["provider_message_id"])
	var msg Message
	require.NoError(t, json.Unmarshal(main.value, &msg))
	assert.Equal(t, Message{
		TenantID: "t1", Channel: "email", From: "alice@example.com", To: "support@acme.io",
		Content: "hi", ReceivedAt: now, ProviderMessageID: "pm-1",
	}, msg)
}

func TestInboundRoutesTenantToItsCluster(t *testing.T) {
	main, eu := &capture{}, &capture{}
	h := &Handler{Resolver: resolver(t), Producers: map[string]Publisher{"main": main, "eu": eu}, Logger: logx.Discard()}

	rec := serve(h, "sms", `{"from":"+4912345"}`, map[string]string{"X-Tenant-ID": "t-eu"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, eu.value)
	assert.Empty(t, main.value)
}

func TestInboundRejections(t *testing.T) {
	h := &Handler{Resolver: resolver(t), Producers: map[string]Publisher{"main": &capture{}}, Logger: logx.Discard()}

	rec := serve(h, "email", `{"from":"a"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, "voice", `{"from":"a"}`, map[string]string{"X-Tenant-ID": "t1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, "email", `{"content":"no sender"}`, map[string]string{"X-Tenant-ID": "t1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, "email", `{"from":"a","unknown":1}`, map[string]string{"X-Tenant-ID": "t1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboundPublishFailure(t *testing.T) {
	h := &Handler{Resolver: resolver(t), Producers: map[string]Publisher{"main": &capture{err: errors.New("broker down")}}, Logger: logx.Discard()}
	rec := serve(h, "email", `{"from":"a"}`, map[string]string{"X-Tenant-ID": "t1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "FAILED_PRECONDITION", errorCode(t, rec))

	h.Producers = map[string]Publisher{}
	rec = serve(h, "email", `{"from":"a"}`, map[string]string{"X-Tenant-ID": "t1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInboundServiceToken(t *testing.T) {
	verifier, err := authx.NewHMACVerifier("secret", "", "")
	require.NoError(t, err)
	pub := &capture{}
	h := &Handler{Resolver: resolver(t), Producers: map[string]Publisher{"main": pub}, Verifier: verifier, Logger: logx.Discard()}

	rec := serve(h, "email", `{"from":"a"}`, map[string]string{"X-Tenant-ID": "t1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := verifier.Sign("provider-sendgrid", time.Minute, map[string]any{"tenant_id": "t1"})
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec = serve(h, "email", `{"from":"a"}`, auth)
	require.Equal(t, http.StatusAccepted, rec.Code)

	auth["X-Tenant-ID"] = "t2"
	rec = serve(h, "email", `{"from":"a"}`, auth)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", errorCode(t, rec))
}
