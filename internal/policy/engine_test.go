package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyDecisions(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	for action, want := range map[string]string{
		"send_email":        DecisionRequireApproval,
		"cancel_meeting":    DecisionRequireApproval,
		"get_todays_agenda": DecisionAllow,
		"summarize_emails":  DecisionAllow,
	} {
		got, err := engine.Evaluate(ctx, Input{Action: action})
		require.NoError(t, err, action)
		assert.Equal(t, want, got, action)
	}
}

func TestCustomBlockPolicy(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, `package action_policy

default decision := "allow"

decision := "block" if {
	input.action == "send_email"
	input.params.external == true
}
`)
	require.NoError(t, err)

	got, err := engine.Evaluate(ctx, Input{
		Action: "send_email",
		Params: map[string]any{"external": true},
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, got)
}

func TestInvalidPolicyFailsToCompile(t *testing.T) {
	_, err := NewEngine(context.Background(), "this is not rego")
	assert.Error(t, err)
}
