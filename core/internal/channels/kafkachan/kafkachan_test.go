package kafkachan

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/tenantx"
)

type recordingPublisher struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, string(key), value, headers
	return p.err
}

func TestAdapterPublishesOutboundJob(t *testing.T) {
	pub := &recordingPublisher{}
	a := NewAdapter("sms-bridge", pub, "")
	receipt, err := a.Send(context.Background(), models.OutboundMessage{InteractionID: "i1", TenantID: "t1", Channel: "sms", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, events.TopicChannelOutbound, pub.topic)
	assert.Equal(t, "i1", pub.key)
	assert.Equal(t, "k1", pub.headers["idempotency_key"])
	assert.Equal(t, "k1", receipt.ProviderMessageID)

	var decoded models.OutboundMessage
	require.NoError(t, json.Unmarshal(pub.value, &decoded))
	assert.Equal(t, "sms", decoded.Channel)

	pub.err = errors.New("broker down")
	_, err = a.Send(context.Background(), models.OutboundMessage{InteractionID: "i1"})
	assert.ErrorContains(t, err, "broker down")
}

func TestReceiverHandle(t *testing.T) {
	r := NewReceiver(logx.Discard())
	var gotTenant string
	var got models.InboundMessage
	r.OnReceive(func(ctx context.Context, msg models.InboundMessage) error {
		gotTenant = tenantx.TenantIDFromContext(ctx)
		got = msg
		if msg.Content == "invalid" {
			return models.Validationf("bad")
		}
		if msg.Content == "retry" {
			return errors.New("store unavailable")
		}
		return nil
	})

	value, _ := json.Marshal(models.InboundMessage{TenantID: "t1", Channel: "chat", From: "c1", Content: "hello"})
	require.NoError(t, r.Handle(context.Background(), kafka.Message{Value: value}))
	assert.Equal(t, "t1", gotTenant)
	assert.Equal(t, "hello", got.Content)

	assert.NoError(t, r.Handle(context.Background(), kafka.Message{Value: []byte("{")}))

	value, _ = json.Marshal(models.InboundMessage{TenantID: "t1", Content: "invalid"})
	assert.NoError(t, r.Handle(context.Background(), kafka.Message{Value: value}))

	value, _ = json.Marshal(models.InboundMessage{TenantID: "t1", Content: "retry"})
	assert.Error(t, r.Handle(context.Background(), kafka.Message{Value: value}))
}
