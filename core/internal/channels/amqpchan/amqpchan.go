package amqpchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"omnichannel-routing-system/core/internal/models"
)

// ErrNacked is returned when the broker explicitly rejects a publish.
var ErrNacked = errors.New("broker rejected message")

// Channel is the subset of *amqp.Channel the adapter uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange string, key string, mandatory bool, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Adapter publishes outbound messages to a topic exchange with publisher
// confirms. The routing key is the channel name.
type Adapter struct {
	name     string
	exchange string
	open     func() (Channel, error)
	closer   func() error
}

// Dial connects and declares the durable topic exchange.
func Dial(name string, url string, exchange string) (*Adapter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	a := NewAdapter(name, exchange, func() (Channel, error) { return conn.Channel() })
	a.closer = conn.Close
	return a, nil
}

func NewAdapter(name string, exchange string, open func() (Channel, error)) *Adapter {
	return &Adapter{name: name, exchange: exchange, open: open}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) (models.Receipt, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return models.Receipt{}, err
	}
	ch, err := a.open()
	if err != nil {
		return models.Receipt{}, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return models.Receipt{}, fmt.Errorf("confirm mode: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err = ch.PublishWithContext(ctx, a.exchange, msg.Channel, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.IdempotencyKey,
		CorrelationId: msg.InteractionID,
		Timestamp:     time.Now().UTC(),
		Headers:       amqp.Table{"tenant_id": msg.TenantID},
		Body:          body,
	})
	if err != nil {
		return models.Receipt{}, err
	}

	select {
	case <-ctx.Done():
		return models.Receipt{}, ctx.Err()
	case c, ok := <-confirms:
		if !ok {
			return models.Receipt{}, errors.New("channel closed before confirm")
		}
		if !c.Ack {
			return models.Receipt{}, fmt.Errorf("%w: delivery tag %d", ErrNacked, c.DeliveryTag)
		}
		return models.Receipt{ProviderMessageID: msg.IdempotencyKey, Status: "confirmed"}, nil
	}
}

func (a *Adapter) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer()
}
