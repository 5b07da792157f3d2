// Package policy evaluates ordered, scoped override rules against a
// decision context. Conditions are compiled into a predicate tree once
// at rule load and evaluated many times; guardrails keep a misconfigured
// rule from relaxing security.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Scope controls which principals a rule applies to.
type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeTenant Scope = "TENANT"
	ScopeUser   Scope = "USER"
)

// Canonical decision overrides. BLOCK and CHALLENGE are accepted as
// aliases on input and mapped here.
const (
	OverrideAllow  = "ALLOW"
	OverrideStepUp = "STEP_UP"
	OverrideDeny   = "DENY"
)

// Rule is a compiled policy rule. Condition and Action are parsed once
// when the rule is loaded from its store.
type Rule struct {
	ID          int64
	Scope       Scope
	ScopeRef    string
	Priority    int
	Enabled     bool
	Description string
	Condition   Condition
	Action      *Action
}

// Action is a parsed policy action: an optional decision override, an
// optional confidence cap (only ever lowers), and a reason.
type Action struct {
	DecisionOverride string
	ConfidenceCap    *float64
	Reason           string
}

// ParseRule compiles the raw JSON condition/action into a Rule.
// Malformed rules fail here, at load time, not per request.
func ParseRule(id int64, scope Scope, scopeRef string, priority int, enabled bool, description, conditionJSON, actionJSON string) (*Rule, error) {
	scope = Scope(strings.ToUpper(string(scope)))
	switch scope {
	case ScopeGlobal:
		scopeRef = ""
	case ScopeTenant, ScopeUser:
		if strings.TrimSpace(scopeRef) == "" {
			return nil, fmt.Errorf("rule %d: scopeRef is required for scope %s", id, scope)
		}
	default:
		return nil, fmt.Errorf("rule %d: unknown scope %q", id, scope)
	}

	var rawCond map[string]any
	if err := json.Unmarshal([]byte(conditionJSON), &rawCond); err != nil {
		return nil, fmt.Errorf("rule %d: condition is not valid JSON: %w", id, err)
	}
	cond, err := CompileCondition(rawCond)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", id, err)
	}

	var action *Action
	if strings.TrimSpace(actionJSON) != "" {
		var rawAction map[string]any
		if err := json.Unmarshal([]byte(actionJSON), &rawAction); err != nil {
			return nil, fmt.Errorf("rule %d: action is not valid JSON: %w", id, err)
		}
		action, err = ParseAction(rawAction)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", id, err)
		}
	}

	return &Rule{
		ID:          id,
		Scope:       scope,
		ScopeRef:    scopeRef,
		Priority:    priority,
		Enabled:     enabled,
		Description: description,
		Condition:   cond,
		Action:      action,
	}, nil
}

// ParseAction interprets an action object. Returns nil when the object
// carries nothing actionable.
func ParseAction(raw map[string]any) (*Action, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	a := &Action{}

	if d, ok := raw["decision"].(string); ok && strings.TrimSpace(d) != "" {
		canonical, err := canonicalDecision(strings.TrimSpace(d))
		if err != nil {
			return nil, err
		}
		a.DecisionOverride = canonical
	}

	switch c := raw["confidence_cap"].(type) {
	case float64:
		cap := c
		a.ConfidenceCap = &cap
	case string:
		var cap float64
		if _, err := fmt.Sscanf(strings.TrimSpace(c), "%g", &cap); err == nil {
			a.ConfidenceCap = &cap
		}
	case nil:
	default:
		return nil, fmt.Errorf("confidence_cap has unsupported type %T", c)
	}

	if r, ok := raw["reason"].(string); ok && strings.TrimSpace(r) != "" {
		a.Reason = strings.TrimSpace(r)
	}

	if a.DecisionOverride == "" && a.ConfidenceCap == nil && a.Reason == "" {
		return nil, nil
	}
	return a, nil
}

// canonicalDecision maps the two decision vocabularies found in stored
// rules onto the canonical three-state enum.
func canonicalDecision(d string) (string, error) {
	switch strings.ToUpper(d) {
	case OverrideAllow:
		return OverrideAllow, nil
	case OverrideStepUp, "CHALLENGE":
		return OverrideStepUp, nil
	case OverrideDeny, "BLOCK":
		return OverrideDeny, nil
	default:
		return "", fmt.Errorf("unknown decision override %q", d)
	}
}
