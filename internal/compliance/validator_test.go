package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
)

func validatorWith(rules ...config.ComplianceRule) Validator {
	cfg := config.Default()
	cfg.Compliance.Rules = rules
	return New(cfg)
}

func TestDefaultAllowsEverything(t *testing.T) {
	v := New(nil)
	assert.True(t, v.Validate("anyone", ActionCreateCase).Allowed)
	assert.NoError(t, v.Check("anyone", ActionSendMessage))
}

func TestFirstMatchWins(t *testing.T) {
	v := validatorWith(
		config.ComplianceRule{ID: "allow-supervisor", Effect: "allow", Actors: []string{"supervisor"}},
		config.ComplianceRule{ID: "deny-all", Effect: "deny"},
	)
	assert.True(t, v.Validate("supervisor", ActionEscalate).Allowed)

	res := v.Validate("worker-1", ActionEscalate)
	assert.False(t, res.Allowed)
	assert.Equal(t, "deny-all", res.Rule)
}

func TestEmptyMatcherMatchesEverything(t *testing.T) {
	v := validatorWith(
		config.ComplianceRule{ID: "deny-transitions", Effect: "deny", Actions: []string{ActionTransition}},
	)
	assert.False(t, v.Validate("anyone", ActionTransition).Allowed)
	assert.True(t, v.Validate("anyone", ActionCreateCase).Allowed)
}

func TestWildcardActor(t *testing.T) {
	v := validatorWith(
		config.ComplianceRule{ID: "deny-approvals", Effect: "deny", Actors: []string{"*"}, Actions: []string{ActionApprove}},
	)
	assert.False(t, v.Validate("approver-1", ActionApprove).Allowed)
	assert.True(t, v.Validate("approver-1", ActionEscalate).Allowed)
}

func TestCheckCarriesRuleAndSuggestion(t *testing.T) {
	v := validatorWith(
		config.ComplianceRule{
			ID:         "no-intern-escalations",
			Effect:     "deny",
			Actors:     []string{"intern"},
			Actions:    []string{ActionEscalate},
			Suggestion: "ask your supervisor to escalate",
		},
	)
	err := v.Check("intern", ActionEscalate)
	var denied DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "intern", denied.Actor)
	assert.Equal(t, ActionEscalate, denied.Action)
	assert.Equal(t, "no-intern-escalations", denied.Rule)
	assert.Equal(t, "ask your supervisor to escalate", denied.Suggestion)
	assert.Contains(t, denied.Error(), "ask your supervisor to escalate")
}
