package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	AggregateInteraction = "interaction"
	AggregateAgent       = "agent"
)

const (
	InteractionCreated       = "InteractionCreated"
	InteractionAssigned      = "InteractionAssigned"
	InteractionEscalated     = "InteractionEscalated"
	InteractionClosed        = "InteractionClosed"
	InteractionCancelled     = "InteractionCancelled"
	InteractionRoutingFailed = "InteractionRoutingFailed"
	SlaReminder              = "SlaReminder"
	SlaBreached              = "SlaBreached"
	DispatchFailed           = "DispatchFailed"
)

const (
	TopicInteractionEvents = "interaction.events"
	TopicSLAEvents         = "sla.events"
	TopicDispatchEvents    = "dispatch.events"
	TopicChannelInbound    = "channel.inbound"
	TopicChannelOutbound   = "channel.outbound"
	TopicWorkforceEvents   = "workforce.events"
)

// TopicFor maps an event type to the topic it is relayed on.
func TopicFor(eventType string) string {
	switch eventType {
	case SlaReminder, SlaBreached:
		return TopicSLAEvents
	case DispatchFailed:
		return TopicDispatchEvents
	default:
		return TopicInteractionEvents
	}
}

func New(tenantID string, aggregateType string, aggregateID string, eventType string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Envelope{
		EventID:       uuid.New(),
		TenantID:      tenantID,
		OccurredAt:    at.UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}

// Workforce messages consumed from TopicWorkforceEvents.
const (
	WorkforceAgentUpserted       = "AgentUpserted"
	WorkforceAvailabilityChanged = "AgentAvailabilityChanged"
	WorkforceTeamUpserted        = "TeamUpserted"
)

// InteractionPayload is carried by every Interaction* event.
type InteractionPayload struct {
	InteractionID   string `json:"interaction_id"`
	TenantID        string `json:"tenant_id"`
	State           string `json:"state"`
	Channel         string `json:"channel,omitempty"`
	Priority        string `json:"priority,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	TeamID          string `json:"team_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	EscalationCount int    `json:"escalation_count,omitempty"`
}

type SLAPayload struct {
	InteractionID string    `json:"interaction_id"`
	TenantID      string    `json:"tenant_id"`
	Kind          string    `json:"kind"`
	Percent       int       `json:"percent,omitempty"`
	Deadline      time.Time `json:"deadline"`
}

type DispatchPayload struct {
	InteractionID string `json:"interaction_id"`
	TenantID      string `json:"tenant_id"`
	Channel       string `json:"channel"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error"`
}

// WorkforceMessage is the envelope payload read from TopicWorkforceEvents.
// Agent and Team hold the raw upsert body; Status is set for availability
// changes.
type WorkforceMessage struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agent_id,omitempty"`
	Status  string          `json:"status,omitempty"`
	Agent   json.RawMessage `json:"agent,omitempty"`
	Team    json.RawMessage `json:"team,omitempty"`
}
