package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"omnichannel-routing-system/core/internal/repos"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/metricsx"
)

// Store is the part of *repos.OutboxRepo the relay needs.
type Store interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]repos.OutboxEvent, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (repos.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	EnsurePending(ctx context.Context, eventID uuid.UUID) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type Options struct {
	Owner       string
	BatchSize   int
	MaxAttempts int
	Logger      logx.Logger
	Now         func() time.Time
}

// Relay moves outbox rows onto Kafka. Rows are claimed in batches, handed
// to a dispatcher one by one, and marked delivered or failed with backoff.
type Relay struct {
	store Store
	pub   Publisher
	opts  Options
}

func NewRelay(store Store, pub Publisher, opts Options) *Relay {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Relay{store: store, pub: pub, opts: opts}
}

// Scan claims pending rows and calls enqueue for each. A row that cannot be
// enqueued goes back to pending without counting an attempt.
func (r *Relay) Scan(ctx context.Context, enqueue func(ctx context.Context, eventID uuid.UUID) error) (int, error) {
	claimed, err := r.store.ClaimPending(ctx, r.opts.Owner, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, event := range claimed {
		if err := enqueue(ctx, event.EventID); err != nil {
			r.opts.Logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()),
			)
			_ = r.store.EnsurePending(ctx, event.EventID)
			continue
		}
		queued++
	}
	return queued, nil
}

// Deliver publishes one row. It returns an error only when the row should be
// retried by the task queue; dead-lettered rows return nil.
func (r *Relay) Deliver(ctx context.Context, eventID uuid.UUID) error {
	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.dispatch")
	defer span.End()

	event, err := r.store.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("messaging.destination", event.Topic))
	if event.Status == repos.OutboxStatusDelivered || event.Status == repos.OutboxStatusDead {
		metricsx.IncOutboxRelayed("skipped")
		return nil
	}
	headers := map[string]string{
		"event_id":       event.EventID.String(),
		"event_type":     event.EventType,
		"tenant_id":      event.TenantID,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"published_at":   r.opts.Now().Format(time.RFC3339Nano),
	}
	if err := r.pub.Publish(ctx, event.Topic, []byte(event.AggregateID), event.Payload, headers); err != nil {
		span.RecordError(err)
		attempts := event.Attempts + 1
		nextRetry := r.opts.Now().Add(RetryDelay(attempts))
		dead := attempts >= r.opts.MaxAttempts
		if markErr := r.store.MarkFailed(ctx, event.EventID, attempts, &nextRetry, err.Error(), dead); markErr != nil {
			return errors.Join(err, markErr)
		}
		if dead {
			metricsx.IncOutboxRelayed("dead")
			r.opts.Logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
				slog.String("error_code", "OUTBOX_DEAD"),
				slog.String("event_id", event.EventID.String()),
				slog.String("event_type", event.EventType),
				slog.Int("attempts", attempts),
			)
			return nil
		}
		metricsx.IncOutboxRelayed("failed")
		return err
	}
	if err := r.store.MarkDelivered(ctx, event.EventID); err != nil {
		return err
	}
	metricsx.IncOutboxRelayed("delivered")
	return nil
}

// Reap returns rows stuck in sending after a worker crash.
func (r *Relay) Reap(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := r.store.ReleaseStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.opts.Logger.Warn(ctx, "outbox_reaped", "released stale outbox claims", slog.Int64("count", n))
	}
	return n, nil
}

func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
