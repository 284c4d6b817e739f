package rules

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// regoPredicate wraps a rule body such as
//
//	input.metadata.tier == "gold"
//	count(input.content) > 200
//
// into a module exposing data.routing.match.
type regoPredicate struct {
	query rego.PreparedEvalQuery
}

const regoModule = `package routing

import rego.v1

default match := false

match if {
%s
}
`

func compileRego(ctx context.Context, ruleID string, body string) (*regoPredicate, error) {
	r := rego.New(
		rego.Query("data.routing.match"),
		rego.Module(ruleID+".rego", fmt.Sprintf(regoModule, body)),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("rule %s: prepare rego: %w", ruleID, err)
	}
	return &regoPredicate{query: query}, nil
}

func (p *regoPredicate) eval(ctx context.Context, in Input) (bool, error) {
	doc := map[string]any{
		"channel":     in.Channel,
		"priority":    string(in.Priority),
		"content":     in.Content,
		"customer_id": in.CustomerID,
		"metadata":    stringMap(in.Metadata),
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return false, fmt.Errorf("evaluate rego: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	matched, _ := results[0].Expressions[0].Value.(bool)
	return matched, nil
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
