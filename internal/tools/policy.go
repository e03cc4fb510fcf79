package tools

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireApproval Decision = "require_approval"
	DecisionBlock           Decision = "block"
)

// DefaultPolicy gates the only irreversible mail action behind approval.
// gmail_send_draft is never dispatched directly; the approval gate sends
// drafts once a human has approved them.
const DefaultPolicy = `
package tool_policy

import rego.v1

default decision := "allow"

blocked_tools := {"gmail_send_draft"}

approval_tools := {"gmail_create_draft"}

decision := "block" if {
	input.tool_name in blocked_tools
} else := "require_approval" if {
	input.tool_name in approval_tools
}
`

// Policy evaluates the tool_policy rego module for each dispatch.
type Policy struct {
	query rego.PreparedEvalQuery
}

func NewPolicy(ctx context.Context, module string) (*Policy, error) {
	if module == "" {
		module = DefaultPolicy
	}
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare tool policy: %w", err)
	}
	return &Policy{query: query}, nil
}

// Evaluate returns the decision for call. An undefined result is treated
// as allow; an unknown decision string is an error.
func (p *Policy) Evaluate(ctx context.Context, call Call) (Decision, error) {
	in := map[string]any{
		"tool_name": call.Name,
		"run_id":    call.RunID,
		"bron_id":   call.BronID,
		"args":      decodeArgs(call.Input),
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return "", fmt.Errorf("evaluate tool policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("tool policy returned %T", results[0].Expressions[0].Value)
	}
	switch d := Decision(s); d {
	case DecisionAllow, DecisionRequireApproval, DecisionBlock:
		return d, nil
	default:
		return "", fmt.Errorf("tool policy returned unknown decision %q", s)
	}
}
