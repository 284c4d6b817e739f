package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"omnichannel-routing-system/core/internal/models"
)

type ActionType string

const (
	ActionRouteToTeam        ActionType = "route_to_team"
	ActionRouteToAgent       ActionType = "route_to_agent"
	ActionSetPriority        ActionType = "set_priority"
	ActionSetEscalationTimer ActionType = "set_escalation_timer"
)

// Duration accepts "90s"/"15m" strings or a number of seconds in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

type Predicate struct {
	Channels   []string          `json:"channels,omitempty"`
	Priorities []models.Priority `json:"priorities,omitempty"`
	Keywords   []string          `json:"keywords,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Rego       string            `json:"rego,omitempty"`
}

type Action struct {
	Type            ActionType                `json:"type"`
	TeamID          string                    `json:"team_id,omitempty"`
	AgentID         string                    `json:"agent_id,omitempty"`
	Priority        models.Priority           `json:"priority,omitempty"`
	EscalationAfter Duration                  `json:"escalation_after,omitempty"`
	RequiredSkills  []models.SkillRequirement `json:"required_skills,omitempty"`
}

type Rule struct {
	ID        string    `json:"id"`
	Order     int       `json:"order"`
	Terminal  bool      `json:"terminal"`
	Predicate Predicate `json:"predicate"`
	Actions   []Action  `json:"actions"`

	rego *regoPredicate
}

type SLAPolicy struct {
	FirstResponse Duration `json:"first_response"`
	Resolution    Duration `json:"resolution"`
}

// TenantRules is one tenant's routing configuration. After Prepare it is
// treated as immutable and shared between goroutines.
type TenantRules struct {
	TenantID         string                                        `json:"tenant_id"`
	DefaultTeamID    string                                        `json:"default_team_id"`
	EscalationTeamID string                                        `json:"escalation_team_id,omitempty"`
	Rules            []Rule                                        `json:"rules"`
	ChannelSkills    map[string][]models.SkillRequirement          `json:"channel_skills,omitempty"`
	PrioritySkills   map[models.Priority][]models.SkillRequirement `json:"priority_skills,omitempty"`
	SLA              map[models.Priority]SLAPolicy                 `json:"sla,omitempty"`
}

// Input is the view of an interaction that predicates match against.
type Input struct {
	Channel    string            `json:"channel"`
	Priority   models.Priority   `json:"priority"`
	Content    string            `json:"content"`
	CustomerID string            `json:"customer_id"`
	Metadata   map[string]string `json:"metadata"`
}

type Outcome struct {
	RuleIDs         []string
	TeamID          string
	AgentID         string
	Priority        models.Priority
	EscalationAfter time.Duration
	RequiredSkills  []models.SkillRequirement
}

// Prepare validates the rule set, sorts it into evaluation order and
// compiles Rego predicates.
func (t *TenantRules) Prepare(ctx context.Context) error {
	if strings.TrimSpace(t.TenantID) == "" {
		return errors.New("tenant_id is required")
	}
	seen := make(map[string]struct{}, len(t.Rules))
	for i := range t.Rules {
		rule := &t.Rules[i]
		if err := rule.validate(); err != nil {
			return fmt.Errorf("tenant %s: %w", t.TenantID, err)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("tenant %s: duplicate rule id %q", t.TenantID, rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if strings.TrimSpace(rule.Predicate.Rego) != "" {
			compiled, err := compileRego(ctx, rule.ID, rule.Predicate.Rego)
			if err != nil {
				return fmt.Errorf("tenant %s: %w", t.TenantID, err)
			}
			rule.rego = compiled
		}
	}
	for p := range t.PrioritySkills {
		if !p.Valid() {
			return fmt.Errorf("tenant %s: unknown priority %q in priority_skills", t.TenantID, p)
		}
	}
	sort.SliceStable(t.Rules, func(i, j int) bool {
		if t.Rules[i].Order != t.Rules[j].Order {
			return t.Rules[i].Order < t.Rules[j].Order
		}
		return t.Rules[i].ID < t.Rules[j].ID
	})
	return nil
}

func (r *Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("rule id is required")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %s: at least one action is required", r.ID)
	}
	for _, p := range r.Predicate.Priorities {
		if !p.Valid() {
			return fmt.Errorf("rule %s: unknown priority %q", r.ID, p)
		}
	}
	for _, a := range r.Actions {
		switch a.Type {
		case ActionRouteToTeam:
			if a.TeamID == "" {
				return fmt.Errorf("rule %s: route_to_team requires team_id", r.ID)
			}
		case ActionRouteToAgent:
			if a.AgentID == "" {
				return fmt.Errorf("rule %s: route_to_agent requires agent_id", r.ID)
			}
		case ActionSetPriority:
			if !a.Priority.Valid() {
				return fmt.Errorf("rule %s: set_priority requires a valid priority", r.ID)
			}
		case ActionSetEscalationTimer:
			if a.EscalationAfter <= 0 {
				return fmt.Errorf("rule %s: set_escalation_timer requires escalation_after > 0", r.ID)
			}
		default:
			return fmt.Errorf("rule %s: unknown action type %q", r.ID, a.Type)
		}
	}
	return nil
}

// Evaluate walks the rules in order. Matching non-terminal rules apply their
// actions and evaluation continues; the first matching terminal rule applies
// its actions and stops. A rule whose Rego predicate fails to evaluate is
// treated as not matching and its error is returned alongside the outcome.
func (t *TenantRules) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	var (
		out  Outcome
		errs []error
	)
	for i := range t.Rules {
		rule := &t.Rules[i]
		ok, err := rule.matches(ctx, in)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		out.RuleIDs = append(out.RuleIDs, rule.ID)
		for _, a := range rule.Actions {
			switch a.Type {
			case ActionRouteToTeam:
				out.TeamID, out.AgentID = a.TeamID, ""
			case ActionRouteToAgent:
				out.AgentID, out.TeamID = a.AgentID, ""
			case ActionSetPriority:
				out.Priority = a.Priority
				in.Priority = a.Priority
			case ActionSetEscalationTimer:
				out.EscalationAfter = time.Duration(a.EscalationAfter)
			}
			out.RequiredSkills = mergeSkills(out.RequiredSkills, a.RequiredSkills)
		}
		if rule.Terminal {
			break
		}
	}
	return out, errors.Join(errs...)
}

func (r *Rule) matches(ctx context.Context, in Input) (bool, error) {
	p := r.Predicate
	if len(p.Channels) > 0 && !slices.Contains(p.Channels, in.Channel) {
		return false, nil
	}
	if len(p.Priorities) > 0 && !slices.Contains(p.Priorities, in.Priority) {
		return false, nil
	}
	if len(p.Keywords) > 0 {
		content := strings.ToLower(in.Content)
		found := false
		for _, kw := range p.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(content, kw) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	for k, want := range p.Metadata {
		got, ok := in.Metadata[k]
		if !ok || (want != "*" && got != want) {
			return false, nil
		}
	}
	if r.rego != nil {
		ok, err := r.rego.eval(ctx, in)
		if err != nil {
			return false, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		return ok, nil
	}
	return true, nil
}

// RequiredSkills merges rule, priority and channel requirements.
func (t *TenantRules) RequiredSkills(channel string, priority models.Priority, fromRules []models.SkillRequirement) []models.SkillRequirement {
	out := mergeSkills(nil, fromRules)
	out = mergeSkills(out, t.PrioritySkills[priority])
	out = mergeSkills(out, t.ChannelSkills[channel])
	return out
}

// SLAFor returns the tenant's SLA windows for priority, if configured.
func (t *TenantRules) SLAFor(priority models.Priority) (time.Duration, time.Duration, bool) {
	policy, ok := t.SLA[priority]
	if !ok {
		return 0, 0, false
	}
	return time.Duration(policy.FirstResponse), time.Duration(policy.Resolution), true
}

// mergeSkills keeps one requirement per skill name, taking the strictest
// level and certification. Result order is by skill name.
func mergeSkills(dst []models.SkillRequirement, src []models.SkillRequirement) []models.SkillRequirement {
	if len(src) == 0 {
		return dst
	}
	byName := make(map[string]models.SkillRequirement, len(dst)+len(src))
	for _, req := range append(slices.Clone(dst), src...) {
		cur, ok := byName[req.Name]
		if !ok {
			byName[req.Name] = req
			continue
		}
		cur.MinLevel = max(cur.MinLevel, req.MinLevel)
		cur.Certified = cur.Certified || req.Certified
		byName[req.Name] = cur
	}
	out := make([]models.SkillRequirement, 0, len(byName))
	for _, req := range byName {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
