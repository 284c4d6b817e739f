package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/influxx"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/metricsx"
)

// Emitter delivers one event envelope to a sink.
type Emitter interface {
	Emit(ctx context.Context, env events.Envelope) error
}

type EmitterFunc func(ctx context.Context, env events.Envelope) error

func (f EmitterFunc) Emit(ctx context.Context, env events.Envelope) error { return f(ctx, env) }

// Multi fans an event out to every sink and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, env events.Envelope) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher is satisfied by *mqx.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaSink writes events straight to their topic, keyed by aggregate id.
type KafkaSink struct {
	pub Publisher
}

func NewKafkaSink(pub Publisher) *KafkaSink {
	return &KafkaSink{pub: pub}
}

func (k *KafkaSink) Emit(ctx context.Context, env events.Envelope) error {
	value, err := marshal(env)
	if err != nil {
		return err
	}
	return k.pub.Publish(ctx, events.TopicFor(env.EventType), []byte(env.AggregateID), value, map[string]string{
		"event_type": env.EventType,
		"tenant_id":  env.TenantID,
	})
}

// OutboxAppender is satisfied by *repos.OutboxRepo.
type OutboxAppender interface {
	Append(ctx context.Context, env events.Envelope) error
}

// OutboxSink records events in the transactional outbox; the outbox worker
// relays them to Kafka.
type OutboxSink struct {
	store OutboxAppender
}

func NewOutboxSink(store OutboxAppender) *OutboxSink {
	return &OutboxSink{store: store}
}

func (o *OutboxSink) Emit(ctx context.Context, env events.Envelope) error {
	return o.store.Append(ctx, env)
}

// InfluxSink writes one analytics point per event.
type InfluxSink struct {
	writer influxx.PointWriter
}

func NewInfluxSink(w influxx.PointWriter) *InfluxSink {
	return &InfluxSink{writer: w}
}

func (s *InfluxSink) Emit(ctx context.Context, env events.Envelope) error {
	err := s.writer.WritePoint(ctx, "interaction_events",
		map[string]string{
			"tenant_id":      env.TenantID,
			"event_type":     env.EventType,
			"aggregate_type": env.AggregateType,
		},
		map[string]any{
			"aggregate_id": env.AggregateID,
			"count":        1,
		},
		env.OccurredAt,
	)
	if err != nil {
		metricsx.IncInfluxWriteFailure()
	}
	return err
}

// Bus builds envelopes and hands them to the emitter. Emission failures are
// logged, never returned: state changes have already been committed.
type Bus struct {
	emitter Emitter
	logger  logx.Logger
	now     func() time.Time
}

func New(emitter Emitter, logger logx.Logger) *Bus {
	return &Bus{emitter: emitter, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (b *Bus) Publish(ctx context.Context, tenantID string, aggregateType string, aggregateID string, eventType string, payload any) {
	if b == nil || b.emitter == nil {
		return
	}
	env, err := events.New(tenantID, aggregateType, aggregateID, eventType, payload, b.now())
	if err == nil {
		err = b.emitter.Emit(ctx, env)
	}
	if err != nil {
		b.logger.Error(ctx, "event_emit_failed", "event emission failed",
			slog.String("error_code", "EVENT_EMIT_FAILED"),
			slog.String("event_type", eventType),
			slog.String("tenant_id", tenantID),
			slog.String("aggregate_id", aggregateID),
			slog.String("error", err.Error()),
		)
	}
}

// Recorder keeps emitted envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (r *Recorder) Emit(_ context.Context, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

func (r *Recorder) Events() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Types lists event types in emission order, optionally restricted to one
// aggregate id.
func (r *Recorder) Types(aggregateID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if aggregateID == "" || e.AggregateID == aggregateID {
			out = append(out, e.EventType)
		}
	}
	return out
}
