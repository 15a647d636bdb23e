package compliance

import (
	"fmt"

	"caseline/internal/config"
)

// Actions checked before the store or router will perform them.
const (
	ActionCreateCase  = "case.create"
	ActionTransition  = "case.transition"
	ActionEscalate    = "case.escalate"
	ActionSendMessage = "message.send"
	ActionApprove     = "approval.respond"
)

// DeniedError carries the rule that fired and, when configured, a suggested
// alternative the caller can surface to the actor.
type DeniedError struct {
	Actor      string
	Action     string
	Rule       string
	Suggestion string
}

func (e DeniedError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("action %s denied for %s by rule %s: %s", e.Action, e.Actor, e.Rule, e.Suggestion)
	}
	return fmt.Sprintf("action %s denied for %s by rule %s", e.Action, e.Actor, e.Rule)
}

// Result is the outcome of a single validation.
type Result struct {
	Allowed    bool
	Rule       string
	Suggestion string
}

// Validator evaluates config rules in order, first match wins. It holds no
// mutable state and never blocks, so callers may share one instance freely.
type Validator struct {
	rules []config.ComplianceRule
}

func New(cfg *config.Config) Validator {
	if cfg == nil {
		return Validator{}
	}
	return Validator{rules: cfg.Compliance.Rules}
}

// Validate reports whether actor may perform action. No rule matching means
// allowed; the rule set only narrows.
func (v Validator) Validate(actorID, action string) Result {
	for _, rule := range v.rules {
		if !matches(rule.Actors, actorID) || !matches(rule.Actions, action) {
			continue
		}
		if rule.Effect == "allow" {
			return Result{Allowed: true, Rule: rule.ID}
		}
		return Result{Allowed: false, Rule: rule.ID, Suggestion: rule.Suggestion}
	}
	return Result{Allowed: true}
}

// Check is Validate with the denial folded into an error.
func (v Validator) Check(actorID, action string) error {
	res := v.Validate(actorID, action)
	if res.Allowed {
		return nil
	}
	return DeniedError{Actor: actorID, Action: action, Rule: res.Rule, Suggestion: res.Suggestion}
}

func matches(set []string, value string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == "*" || s == value {
			return true
		}
	}
	return false
}
