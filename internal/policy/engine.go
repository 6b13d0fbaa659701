// Package policy evaluates whether a requested assistant action may run
// directly, requires a human approval, or is blocked.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by Evaluate.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionBlock           = "block"
)

// Engine wraps a prepared OPA query over the action policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given rego module and prepares the decision query.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.action_policy.decision"),
		rego.Module("action_policy.rego", policyContent),
		rego.SetRegoVersion(ast.RegoV1),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Input describes the action under evaluation.
type Input struct {
	Action   string         `json:"action"`
	Params   map[string]any `json:"params"`
	ThreadID string         `json:"thread_id"`
}

// Evaluate returns the policy decision for the action. An empty result set
// falls back to allow; the default policy always defines a decision.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("policy returned non-string decision")
}

// DefaultPolicy requires approval for actions with external side effects and
// allows everything else.
const DefaultPolicy = `package action_policy

default decision := "allow"

decision := "require_approval" if {
	input.action in {"send_email", "cancel_meeting"}
}
`
