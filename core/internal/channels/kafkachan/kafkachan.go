package kafkachan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/mqx"
	"omnichannel-routing-system/shared/tenantx"
)

// Publisher is satisfied by *mqx.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Adapter hands outbound messages to a channel bridge over Kafka. The
// receipt only confirms the broker accepted the job.
type Adapter struct {
	name  string
	topic string
	pub   Publisher
}

func NewAdapter(name string, pub Publisher, topic string) *Adapter {
	if topic == "" {
		topic = events.TopicChannelOutbound
	}
	return &Adapter{name: name, topic: topic, pub: pub}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) (models.Receipt, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return models.Receipt{}, err
	}
	err = a.pub.Publish(ctx, a.topic, []byte(msg.InteractionID), value, map[string]string{
		"tenant_id":       msg.TenantID,
		"channel":         msg.Channel,
		"idempotency_key": msg.IdempotencyKey,
	})
	if err != nil {
		return models.Receipt{}, fmt.Errorf("publish outbound: %w", err)
	}
	return models.Receipt{ProviderMessageID: msg.IdempotencyKey, Status: "queued"}, nil
}

// Receiver consumes normalized inbound messages written by the gateway.
type Receiver struct {
	handler atomic.Pointer[func(ctx context.Context, msg models.InboundMessage) error]
	logger  logx.Logger
}

func NewReceiver(logger logx.Logger) *Receiver {
	return &Receiver{logger: logger}
}

func (r *Receiver) OnReceive(handler func(ctx context.Context, msg models.InboundMessage) error) {
	r.handler.Store(&handler)
}

// Handle processes one Kafka message. Malformed or invalid messages are
// logged and skipped so they do not block the partition.
func (r *Receiver) Handle(ctx context.Context, m kafka.Message) error {
	h := r.handler.Load()
	if h == nil {
		return errors.New("inbound handler not registered")
	}
	var msg models.InboundMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		r.logger.Warn(ctx, "inbound_decode_failed", "dropping malformed inbound message",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("topic", m.Topic),
			slog.String("error", err.Error()),
		)
		return nil
	}
	err := (*h)(tenantx.WithTenantID(ctx, msg.TenantID), msg)
	if errors.Is(err, models.ErrValidation) {
		r.logger.Warn(ctx, "inbound_rejected", "dropping invalid inbound message",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("tenant_id", msg.TenantID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return err
}

func (r *Receiver) Run(ctx context.Context, reader mqx.Fetcher, groupID string) {
	mqx.Consume(ctx, reader, groupID, r.Handle, r.logger)
}
