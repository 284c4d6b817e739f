package models

import (
	"maps"
	"slices"
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func ParsePriority(raw string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(raw)))
	return p, p.Valid()
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities so that urgent work sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type MessageRef struct {
	ID                string    `json:"id"`
	Direction         string    `json:"direction"`
	Content           string    `json:"content"`
	At                time.Time `json:"at"`
	AuthorID          string    `json:"author_id,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	AdapterUsed       string    `json:"adapter_used,omitempty"`
}

type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Note   string    `json:"note,omitempty"`
}

type Interaction struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	CustomerID       string            `json:"customer_id"`
	CustomerAddress  string            `json:"customer_address,omitempty"`
	Channel          string            `json:"channel"`
	Priority         Priority          `json:"priority"`
	State            string            `json:"state"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	AssignedAgentID  string            `json:"assigned_agent_id,omitempty"`
	AssignedTeamID   string            `json:"assigned_team_id,omitempty"`
	FirstResponseDue time.Time         `json:"first_response_due"`
	ResolutionDue    time.Time         `json:"resolution_due"`
	FirstRespondedAt *time.Time        `json:"first_responded_at,omitempty"`
	EscalationCount  int               `json:"escalation_count"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Messages         []MessageRef      `json:"messages"`
	Audit            []AuditEntry      `json:"audit,omitempty"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with the
// store.
func (i Interaction) Clone() Interaction {
	out := i
	out.Metadata = maps.Clone(i.Metadata)
	out.Messages = slices.Clone(i.Messages)
	out.Audit = slices.Clone(i.Audit)
	if i.FirstRespondedAt != nil {
		t := *i.FirstRespondedAt
		out.FirstRespondedAt = &t
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

// LatestInbound returns the content of the most recent inbound message.
func (i Interaction) LatestInbound() string {
	for idx := len(i.Messages) - 1; idx >= 0; idx-- {
		if i.Messages[idx].Direction == DirectionInbound {
			return i.Messages[idx].Content
		}
	}
	return ""
}

type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentAway      AgentStatus = "away"
	AgentOffline   AgentStatus = "offline"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentAway, AgentOffline:
		return true
	}
	return false
}

type Skill struct {
	Level     int  `json:"level"`
	Certified bool `json:"certified,omitempty"`
}

type SkillRequirement struct {
	Name      string `json:"name"`
	MinLevel  int    `json:"min_level,omitempty"`
	Certified bool   `json:"certified,omitempty"`
}

type Agent struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	Name           string           `json:"name,omitempty"`
	Skills         map[string]Skill `json:"skills,omitempty"`
	Channels       []string         `json:"channels,omitempty"`
	TeamIDs        []string         `json:"team_ids,omitempty"`
	MaxConcurrent  int              `json:"max_concurrent"`
	CurrentLoad    int              `json:"current_load"`
	Status         AgentStatus      `json:"status"`
	LastAssignedAt time.Time        `json:"last_assigned_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (a Agent) Clone() Agent {
	out := a
	out.Skills = maps.Clone(a.Skills)
	out.Channels = slices.Clone(a.Channels)
	out.TeamIDs = slices.Clone(a.TeamIDs)
	return out
}

func (a Agent) HasCapacity() bool {
	return a.CurrentLoad < a.MaxConcurrent
}

// SupportsChannel treats an empty channel list as "all channels".
func (a Agent) SupportsChannel(channel string) bool {
	if len(a.Channels) == 0 {
		return true
	}
	return slices.Contains(a.Channels, channel)
}

func (a Agent) InTeam(teamID string) bool {
	return slices.Contains(a.TeamIDs, teamID)
}

// Covers reports whether the agent meets every requirement.
func (a Agent) Covers(reqs []SkillRequirement) bool {
	for _, req := range reqs {
		skill, ok := a.Skills[req.Name]
		if !ok || skill.Level < req.MinLevel {
			return false
		}
		if req.Certified && !skill.Certified {
			return false
		}
	}
	return true
}

type Team struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Name           string    `json:"name,omitempty"`
	FallbackTeamID string    `json:"fallback_team_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// InboundMessage is the normalized shape every receiving adapter hands to
// the interaction manager.
type InboundMessage struct {
	TenantID          string            `json:"tenant_id"`
	Channel           string            `json:"channel"`
	From              string            `json:"from"`
	To                string            `json:"to"`
	Content           string            `json:"content"`
	ReceivedAt        time.Time         `json:"received_at"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	ProviderMetadata  map[string]string `json:"provider_metadata,omitempty"`
}

type OutboundMessage struct {
	InteractionID  string `json:"interaction_id"`
	TenantID       string `json:"tenant_id"`
	Channel        string `json:"channel"`
	To             string `json:"to"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
}

type Receipt struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Status            string `json:"status,omitempty"`
}

type EscalationRequest struct {
	InteractionID string    `json:"interaction_id"`
	TenantID      string    `json:"tenant_id"`
	Reason        string    `json:"reason"`
	RequestedAt   time.Time `json:"requested_at"`
}
