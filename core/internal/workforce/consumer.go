package workforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"omnichannel-routing-system/core/internal/models"
	"omnichannel-routing-system/core/internal/registry"
	"omnichannel-routing-system/shared/events"
	"omnichannel-routing-system/shared/logx"
	"omnichannel-routing-system/shared/tenantx"
)

// Consumer applies workforce.events messages to the agent registry. The
// envelope tenant always wins over tenant ids inside the payload.
type Consumer struct {
	registry *registry.Registry
	logger   logx.Logger
}

func NewConsumer(reg *registry.Registry, logger logx.Logger) *Consumer {
	return &Consumer{registry: reg, logger: logger}
}

// Handle returns an error only for failures worth redelivering. Malformed or
// invalid messages are logged and committed.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		c.skip(ctx, m, "malformed envelope", err)
		return nil
	}
	tenantID := strings.TrimSpace(env.TenantID)
	if tenantID == "" {
		c.skip(ctx, m, "envelope without tenant", nil)
		return nil
	}
	var msg events.WorkforceMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		c.skip(ctx, m, "malformed payload", err)
		return nil
	}
	ctx = tenantx.WithTenantID(ctx, tenantID)

	err := c.apply(ctx, tenantID, msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrNotFound):
		c.skip(ctx, m, "rejected workforce message", err)
		return nil
	default:
		return err
	}
}

func (c *Consumer) apply(ctx context.Context, tenantID string, msg events.WorkforceMessage) error {
	switch msg.Type {
	case events.WorkforceAgentUpserted:
		var agent models.Agent
		if err := json.Unmarshal(msg.Agent, &agent); err != nil {
			return models.Validationf("agent body: %v", err)
		}
		agent.TenantID = tenantID
		_, err := c.registry.UpsertAgent(ctx, agent)
		return err
	case events.WorkforceAvailabilityChanged:
		return c.registry.SetAvailability(ctx, tenantID, msg.AgentID, models.AgentStatus(msg.Status))
	case events.WorkforceTeamUpserted:
		var team models.Team
		if err := json.Unmarshal(msg.Team, &team); err != nil {
			return models.Validationf("team body: %v", err)
		}
		team.TenantID = tenantID
		_, err := c.registry.UpsertTeam(ctx, team)
		return err
	default:
		return fmt.Errorf("%w: unknown workforce message type %q", models.ErrValidation, msg.Type)
	}
}

func (c *Consumer) skip(ctx context.Context, m kafka.Message, msg string, err error) {
	attrs := []slog.Attr{
		slog.String("error_code", "INVALID_ARGUMENT"),
		slog.String("topic", m.Topic),
		slog.Int64("offset", m.Offset),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	c.logger.Warn(ctx, "workforce_message_skipped", msg, attrs...)
}
