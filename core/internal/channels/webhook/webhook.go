package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/httpx"
	"omnichannel-routing-system/shared/tenantx"
)

// ErrProviderRejected marks a 4xx answer from the provider.
var ErrProviderRejected = errors.New("provider rejected message")

// Adapter posts outbound messages to a provider webhook.
type Adapter struct {
	name    string
	baseURL string
	token   string
	http    *http.Client
}

type sendRequest struct {
	InteractionID string `json:"interaction_id"`
	TenantID      string `json:"tenant_id"`
	Channel       string `json:"channel"`
	To            string `json:"to"`
	Content       string `json:"content"`
}

type sendResponse struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
}

func NewAdapter(name string, baseURL string, token string, timeout time.Duration) (*Adapter, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("webhook url required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if name == "" {
		name = baseURL
	}
	return &Adapter{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) (models.Receipt, error) {
	payload, err := json.Marshal(sendRequest{
		InteractionID: msg.InteractionID,
		TenantID:      msg.TenantID,
		Channel:       msg.Channel,
		To:            msg.To,
		Content:       msg.Content,
	})
	if err != nil {
		return models.Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return models.Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return models.Receipt{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return models.Receipt{}, fmt.Errorf("provider error: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return models.Receipt{}, fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode)
	}
	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Receipt{}, err
	}
	return models.Receipt{ProviderMessageID: out.ProviderMessageID, Status: out.Status}, nil
}

// Receiver accepts provider callbacks over HTTP. The tenant comes from the
// request context.
type Receiver struct {
	handler atomic.Pointer[func(ctx context.Context, msg models.InboundMessage) error]
	now     func() time.Time
}

func NewReceiver() *Receiver {
	return &Receiver{now: func() time.Time { return time.Now().UTC() }}
}

func (r *Receiver) OnReceive(handler func(ctx context.Context, msg models.InboundMessage) error) {
	r.handler.Store(&handler)
}

type inboundRequest struct {
	From              string            `json:"from"`
	To                string            `json:"to"`
	Content           string            `json:"content"`
	ReceivedAt        *time.Time        `json:"received_at,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	ProviderMetadata  map[string]string `json:"provider_metadata,omitempty"`
}

// ServeHTTP handles POST /v1/channels/{channel}/inbound.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := r.handler.Load()
	if h == nil {
		httpx.WriteError(w, req, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "receiver not ready", nil)
		return
	}
	tenantID, err := tenantx.Require(req.Context())
	if err != nil {
		httpx.WriteError(w, req, http.StatusBadRequest, "INVALID_ARGUMENT", "tenant is required", nil)
		return
	}
	channel := strings.ToLower(strings.TrimSpace(req.PathValue("channel")))
	var body inboundRequest
	if err := httpx.DecodeJSON(req, &body); err != nil {
		httpx.WriteError(w, req, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.From) == "" || channel == "" {
		httpx.WriteError(w, req, http.StatusBadRequest, "INVALID_ARGUMENT", "channel and from are required", nil)
		return
	}
	msg := models.InboundMessage{
		TenantID:          tenantID,
		Channel:           channel,
		From:              strings.TrimSpace(body.From),
		To:                strings.TrimSpace(body.To),
		Content:           body.Content,
		ReceivedAt:        r.now(),
		ProviderMessageID: body.ProviderMessageID,
		ProviderMetadata:  body.ProviderMetadata,
	}
	if body.ReceivedAt != nil {
		msg.ReceivedAt = body.ReceivedAt.UTC()
	}
	if err := (*h)(req.Context(), msg); err != nil {
		if errors.Is(err, models.ErrValidation) {
			httpx.WriteError(w, req, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
			return
		}
		httpx.WriteError(w, req, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to accept message", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
