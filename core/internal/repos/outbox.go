package repos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omnichannel-routing-system/shared/events"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

// OutboxEvent is one row of outbox_events. Payload holds the full
// events.Envelope so the relay publishes exactly what was emitted.
type OutboxEvent struct {
	EventID       uuid.UUID
	TenantID      string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	Payload       json.RawMessage
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

const outboxColumns = `event_id, tenant_id, aggregate_type, aggregate_id, event_type, topic, payload, status, attempts,
	next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at`

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

func scanOutbox(row pgx.Row) (OutboxEvent, error) {
	var event OutboxEvent
	err := row.Scan(
		&event.EventID, &event.TenantID, &event.AggregateType, &event.AggregateID, &event.EventType, &event.Topic, &event.Payload,
		&event.Status, &event.Attempts, &event.NextRetryAt, &event.LockedAt, &event.LockedBy, &event.LastError,
		&event.CreatedAt, &event.UpdatedAt, &event.PublishedAt,
	)
	return event, err
}

func (r *OutboxRepo) Insert(ctx context.Context, db DBTX, event OutboxEvent) (OutboxEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}
	return scanOutbox(db.QueryRow(ctx, `
		INSERT INTO outbox_events (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (event_id) DO UPDATE SET updated_at = outbox_events.updated_at
		RETURNING `+outboxColumns,
		event.EventID, event.TenantID, event.AggregateType, event.AggregateID, event.EventType, event.Topic, event.Payload,
		event.Status, event.Attempts, event.NextRetryAt, event.LockedAt, event.LockedBy, event.LastError,
		event.CreatedAt, event.UpdatedAt, event.PublishedAt,
	))
}

// Append stores an emitted envelope as a pending outbox row. Re-appending
// the same envelope is a no-op.
func (r *OutboxRepo) Append(ctx context.Context, env events.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = r.Insert(ctx, r.pool, OutboxEvent{
		EventID:       env.EventID,
		TenantID:      env.TenantID,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		EventType:     env.EventType,
		Topic:         events.TopicFor(env.EventType),
		Payload:       raw,
		CreatedAt:     env.OccurredAt,
	})
	return err
}

func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT event_id
			FROM outbox_events
			WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.event_id, o.tenant_id, o.aggregate_type, o.aggregate_id, o.event_type, o.topic, o.payload, o.status,
			o.attempts, o.next_retry_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at
	`, OutboxStatusPending, limit, OutboxStatusSending, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]OutboxEvent, 0, limit)
	for rows.Next() {
		event, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, event)
	}
	return claimed, rows.Err()
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (OutboxEvent, error) {
	return scanOutbox(r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = $1`, eventID))
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, OutboxStatusDelivered)
	return err
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status = OutboxStatusDead
		nextRetryAt = nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// EnsurePending returns a row stuck in sending (worker crash) to pending.
func (r *OutboxRepo) EnsurePending(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1 AND status = $3
	`, eventID, OutboxStatusPending, OutboxStatusSending)
	return err
}

// ReleaseStale re-queues rows claimed longer than olderThan ago.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < now() - make_interval(secs => $3)
	`, OutboxStatusPending, OutboxStatusSending, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
