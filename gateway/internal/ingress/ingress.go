package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"omnichannel-routing-system/gateway/internal/routing"
	"omnichannel-routing-system/shared/authx"
	"omnichannel-routing-system/shared/httpx"
	"omnichannel-routing-system/shared/logx"
)

// Publisher is satisfied by *mqx.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Message is the normalized inbound shape the core consumes from the
// inbound topic.
type Message struct {
	TenantID          string            `json:"tenant_id"`
	Channel           string            `json:"channel"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	Content           string            `json:"content"`
	ReceivedAt        time.Time         `json:"received_at"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	ProviderMetadata  map[string]string `json:"provider_metadata,omitempty"`
}

type inboundRequest struct {
	From              string            `json:"from"`
	To                string            `json:"to"`
	Content           string            `json:"content"`
	ReceivedAt        *time.Time        `json:"received_at,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	ProviderMetadata  map[string]string `json:"provider_metadata,omitempty"`
}

type inboundResponse struct {
	Cluster    string `json:"cluster"`
	Topic      string `json:"topic"`
	Partition  string `json:"partition_key"`
	ReceivedAt string `json:"received_at"`
}

// Handler serves POST /v1/channels/{channel}/inbound. It normalizes the
// provider callback and publishes it to the cluster routed for the tenant.
type Handler struct {
	Resolver  routing.Resolver
	Producers map[string]Publisher
	// Verifier, when set, requires a bearer service token.
	Verifier authx.Verifier
	Logger   logx.Logger
	Now      func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var auth authx.AuthContext
	if h.Verifier != nil {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		var err error
		auth, err = h.Verifier.Verify(r.Context(), strings.TrimSpace(header[len("bearer "):]))
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
	}

	tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
	if tenantID == "" {
		tenantID = auth.TenantID
	}
	if tenantID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "tenant is required", nil)
		return
	}
	if auth.TenantID != "" && auth.TenantID != tenantID {
		httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "tenant not allowed", nil)
		return
	}

	channel := strings.ToLower(strings.TrimSpace(r.PathValue("channel")))
	if channel == "" || !h.Resolver.AcceptsChannel(channel) {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unsupported channel", map[string]any{"channel": channel})
		return
	}

	var req inboundRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	msg := Message{
		TenantID:          tenantID,
		Channel:           channel,
		From:              strings.TrimSpace(req.From),
		To:                strings.TrimSpace(req.To),
		Content:           req.Content,
		ReceivedAt:        h.now(),
		ProviderMessageID: strings.TrimSpace(req.ProviderMessageID),
		ProviderMetadata:  req.ProviderMetadata,
	}
	if msg.From == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "from is required", nil)
		return
	}
	if req.ReceivedAt != nil {
		msg.ReceivedAt = req.ReceivedAt.UTC()
	}

	cluster, ok := h.Resolver.ResolveCluster(tenantID, channel)
	if !ok {
		httpx.WriteError(w, r, http.StatusBadRequest, "FAILED_PRECONDITION", "no matching route for tenant/channel", nil)
		return
	}
	producer, ok := h.Producers[cluster]
	if !ok || producer == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "cluster producer unavailable", map[string]any{"cluster": cluster})
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to encode message", nil)
		return
	}
	// One customer's messages share a partition so they arrive in order.
	key := tenantID + "|" + channel + "|" + msg.From
	topic := h.Resolver.InboundTopic()
	headers := map[string]string{
		"tenant_id":  tenantID,
		"channel":    channel,
		"cluster":    cluster,
		"request_id": httpx.RequestIDFromContext(r.Context()),
	}
	if msg.ProviderMessageID != "" {
		headers["provider_message_id"] = msg.ProviderMessageID
	}
	if err := producer.Publish(r.Context(), topic, []byte(key), data, headers); err != nil {
		h.Logger.Error(r.Context(), "inbound_publish_failed", "failed to publish inbound message",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("tenant_id", tenantID),
			slog.String("cluster", cluster),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "failed to publish message", nil)
		return
	}

	httpx.WriteJSON(w, http.StatusAccepted, inboundResponse{
		Cluster:    cluster,
		Topic:      topic,
		Partition:  key,
		ReceivedAt: msg.ReceivedAt.Format(time.RFC3339),
	})
}
