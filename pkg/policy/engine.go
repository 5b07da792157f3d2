package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Guardrail thresholds. These bound what an override may do regardless
// of how the rule was written.
const (
	blockMinRisk    = 0.85
	allowMaxRisk    = 0.55
	allowMaxAnomaly = 0.75
)

var (
	policyMatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_policy_matches_total",
		Help: "Policy rule matches by scope",
	}, []string{"scope"})

	policySuppressionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustgate_policy_guardrail_suppressions_total",
		Help: "Policy actions suppressed by guardrails",
	}, []string{"guardrail"})
)

func init() {
	prometheus.MustRegister(policyMatchesTotal, policySuppressionsTotal)
}

// Store resolves the effective rule set for a request. Implementations
// return rules for the GLOBAL scope, the tenant, and the user; order
// is not required, the engine sorts.
type Store interface {
	ResolveEffectivePolicies(ctx context.Context, tenantID, userID string) ([]*Rule, error)
}

// Outcome describes what the policy layer decided for one request.
type Outcome struct {
	// Matched is the first rule whose condition held, nil when no rule
	// matched or policies could not be loaded.
	Matched *Rule
	// Action is the matched rule's action after guardrails. Nil when
	// nothing matched or the guardrails suppressed it.
	Action *Action
	// Suppressed is set when a matched action was nullified, with the
	// guardrail explanation.
	Suppressed       bool
	SuppressedReason string
	// Err records a store failure. The caller proceeds without policy.
	Err error
}

// Engine evaluates override policies against a decision context.
type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Evaluate resolves the effective rules and returns the first match.
// Context keys of interest to the guardrails are "risk.score" and
// "anomaly.score". A store failure degrades to no policy.
func (e *Engine) Evaluate(ctx context.Context, tenantID, userID string, decCtx map[string]any) Outcome {
	rules, err := e.store.ResolveEffectivePolicies(ctx, tenantID, userID)
	if err != nil {
		return Outcome{Err: fmt.Errorf("resolve policies: %w", err)}
	}
	if len(rules) == 0 {
		return Outcome{}
	}

	sortRules(rules)

	for _, r := range rules {
		if r == nil || !r.Enabled {
			continue
		}
		if !r.Condition.Matches(decCtx) {
			continue
		}
		policyMatchesTotal.WithLabelValues(string(r.Scope)).Inc()
		out := Outcome{Matched: r}
		if r.Action == nil {
			return out
		}
		if reason, blocked := checkGuardrails(r.Action, decCtx); blocked {
			policySuppressionsTotal.WithLabelValues(reason.tag).Inc()
			out.Suppressed = true
			out.SuppressedReason = reason.text
			return out
		}
		out.Action = r.Action
		return out
	}
	return Outcome{}
}

// sortRules orders by scope specificity, then priority descending,
// then id descending as the tiebreak.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if ra, rb := scopeRank(a.Scope), scopeRank(b.Scope); ra != rb {
			return ra < rb
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID > b.ID
	})
}

func scopeRank(s Scope) int {
	switch s {
	case ScopeUser:
		return 0
	case ScopeTenant:
		return 1
	default:
		return 2
	}
}

type guardrailHit struct {
	tag  string
	text string
}

// checkGuardrails returns the reason an action must be suppressed, or
// blocked=false when the action may take effect as written.
func checkGuardrails(a *Action, decCtx map[string]any) (guardrailHit, bool) {
	if a.ConfidenceCap != nil && (*a.ConfidenceCap <= 0 || *a.ConfidenceCap > 1) {
		return guardrailHit{
			tag:  "cap_out_of_range",
			text: fmt.Sprintf("confidence cap %v outside (0,1]", *a.ConfidenceCap),
		}, true
	}
	if a.DecisionOverride != "" && a.Reason == "" {
		return guardrailHit{
			tag:  "override_without_reason",
			text: "decision override requires a reason",
		}, true
	}

	risk, riskOK := toFloat(decCtx["risk.score"])
	anomaly, anomalyOK := toFloat(decCtx["anomaly.score"])

	switch a.DecisionOverride {
	case OverrideDeny:
		if !riskOK || risk < blockMinRisk {
			return guardrailHit{
				tag:  "deny_below_min_risk",
				text: fmt.Sprintf("deny override requires risk >= %.2f", blockMinRisk),
			}, true
		}
	case OverrideAllow:
		if riskOK && risk > allowMaxRisk {
			return guardrailHit{
				tag:  "allow_above_max_risk",
				text: fmt.Sprintf("allow override blocked at risk %.2f", risk),
			}, true
		}
		if anomalyOK && anomaly > allowMaxAnomaly {
			return guardrailHit{
				tag:  "allow_high_anomaly",
				text: fmt.Sprintf("allow override blocked at anomaly %.2f", anomaly),
			}, true
		}
	}
	return guardrailHit{}, false
}
