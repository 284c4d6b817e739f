package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"omnichannel-routing-system/core/internal/interactions"
	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/shared/workflow"
)

const interactionColumns = `id, tenant_id, customer_id, customer_address, channel, priority, state,
	assigned_agent_id, assigned_team_id, first_response_due, resolution_due, first_responded_at,
	escalation_count, metadata, messages, audit, created_at, updated_at, closed_at`

// InteractionsRepo is the Postgres interactions.Store.
type InteractionsRepo struct {
	pool *pgxpool.Pool
}

func NewInteractionsRepo(pool *pgxpool.Pool) *InteractionsRepo {
	return &InteractionsRepo{pool: pool}
}

var _ interactions.Store = (*InteractionsRepo)(nil)

type interactionDocs struct {
	metadata []byte
	messages []byte
	audit    []byte
}

func encodeDocs(in models.Interaction) (interactionDocs, error) {
	var (
		docs interactionDocs
		err  error
	)
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if docs.metadata, err = json.Marshal(metadata); err != nil {
		return docs, err
	}
	messages := in.Messages
	if messages == nil {
		messages = []models.MessageRef{}
	}
	if docs.messages, err = json.Marshal(messages); err != nil {
		return docs, err
	}
	audit := in.Audit
	if audit == nil {
		audit = []models.AuditEntry{}
	}
	docs.audit, err = json.Marshal(audit)
	return docs, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanInteraction(row pgx.Row) (models.Interaction, error) {
	var (
		in                     models.Interaction
		firstDue, resolveDue   *time.Time
		priority               string
		metadata, msgs, audits []byte
	)
	if err := row.Scan(
		&in.ID, &in.TenantID, &in.CustomerID, &in.CustomerAddress, &in.Channel, &priority, &in.State,
		&in.AssignedAgentID, &in.AssignedTeamID, &firstDue, &resolveDue, &in.FirstRespondedAt,
		&in.EscalationCount, &metadata, &msgs, &audits, &in.CreatedAt, &in.UpdatedAt, &in.ClosedAt,
	); err != nil {
		return models.Interaction{}, err
	}
	in.Priority = models.Priority(priority)
	if firstDue != nil {
		in.FirstResponseDue = *firstDue
	}
	if resolveDue != nil {
		in.ResolutionDue = *resolveDue
	}
	if err := json.Unmarshal(metadata, &in.Metadata); err != nil {
		return models.Interaction{}, fmt.Errorf("decode metadata: %w", err)
	}
	if len(in.Metadata) == 0 {
		in.Metadata = nil
	}
	if err := json.Unmarshal(msgs, &in.Messages); err != nil {
		return models.Interaction{}, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal(audits, &in.Audit); err != nil {
		return models.Interaction{}, fmt.Errorf("decode audit: %w", err)
	}
	return in, nil
}

func (r *InteractionsRepo) Insert(ctx context.Context, in models.Interaction) error {
	docs, err := encodeDocs(in)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO interactions (`+interactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, in.ID, in.TenantID, in.CustomerID, in.CustomerAddress, in.Channel, string(in.Priority), in.State,
		in.AssignedAgentID, in.AssignedTeamID, nullableTime(in.FirstResponseDue), nullableTime(in.ResolutionDue), in.FirstRespondedAt,
		in.EscalationCount, docs.metadata, docs.messages, docs.audit, in.CreatedAt, in.UpdatedAt, in.ClosedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: interaction %s already exists", models.ErrValidation, in.ID)
	}
	return err
}

func (r *InteractionsRepo) Get(ctx context.Context, id string) (models.Interaction, error) {
	in, err := scanInteraction(r.pool.QueryRow(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE id = $1`, id))
	if isNoRows(err) {
		return models.Interaction{}, fmt.Errorf("%w: interaction %s", models.ErrNotFound, id)
	}
	return in, err
}

func (r *InteractionsRepo) Save(ctx context.Context, in models.Interaction) error {
	docs, err := encodeDocs(in)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE interactions
		SET customer_address = $2, priority = $3, state = $4, assigned_agent_id = $5, assigned_team_id = $6,
			first_response_due = $7, resolution_due = $8, first_responded_at = $9, escalation_count = $10,
			metadata = $11, messages = $12, audit = $13, updated_at = $14, closed_at = $15
		WHERE id = $1
	`, in.ID, in.CustomerAddress, string(in.Priority), in.State, in.AssignedAgentID, in.AssignedTeamID,
		nullableTime(in.FirstResponseDue), nullableTime(in.ResolutionDue), in.FirstRespondedAt, in.EscalationCount,
		docs.metadata, docs.messages, docs.audit, in.UpdatedAt, in.ClosedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: interaction %s", models.ErrNotFound, in.ID)
	}
	return nil
}

func (r *InteractionsRepo) FindOpen(ctx context.Context, tenantID string, customerID string, channel string) (models.Interaction, bool, error) {
	in, err := scanInteraction(r.pool.QueryRow(ctx, `
		SELECT `+interactionColumns+`
		FROM interactions
		WHERE tenant_id = $1 AND customer_id = $2 AND channel = $3 AND state <> ALL($4)
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, customerID, channel, []string{workflow.StateClosed, workflow.StateCancelled}))
	if isNoRows(err) {
		return models.Interaction{}, false, nil
	}
	if err != nil {
		return models.Interaction{}, false, err
	}
	return in, true, nil
}

func (r *InteractionsRepo) List(ctx context.Context, filter interactions.ListFilter) ([]models.Interaction, error) {
	// LIMIT NULL returns every row.
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+interactionColumns+`
		FROM interactions
		WHERE ($1 = '' OR tenant_id = $1)
			AND ($2 = '' OR state = $2)
			AND ($3 = '' OR assigned_agent_id = $3)
			AND ($4 = '' OR assigned_team_id = $4)
			AND ($5 = '' OR customer_id = $5)
		ORDER BY created_at ASC, id ASC
		LIMIT $6
	`, filter.TenantID, filter.State, filter.AgentID, filter.TeamID, filter.CustomerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Interaction, 0)
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
