package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition is an implicit conjunction of per-key predicates over a
// flat context map. An empty condition never matches.
type Condition struct {
	preds []keyedPredicate
}

type keyedPredicate struct {
	key  string
	pred predicate
}

// predicate is the tagged-variant AST: literal equality, numeric
// comparison, normalized eq/neq, list membership, or containment.
type predicate interface {
	matches(actual any) bool
}

// Matches evaluates the conjunction against a context map.
func (c Condition) Matches(ctx map[string]any) bool {
	if len(c.preds) == 0 {
		return false
	}
	for _, kp := range c.preds {
		if !kp.pred.matches(ctx[kp.key]) {
			return false
		}
	}
	return true
}

// Empty reports whether the condition has no predicates.
func (c Condition) Empty() bool { return len(c.preds) == 0 }

// CompileCondition builds the predicate tree from decoded JSON. A
// scalar value means equality; an object selects one operator.
func CompileCondition(raw map[string]any) (Condition, error) {
	var cond Condition
	for key, expected := range raw {
		var p predicate
		if ops, ok := expected.(map[string]any); ok {
			compiled, err := compileOps(key, ops)
			if err != nil {
				return Condition{}, err
			}
			p = compiled
		} else {
			p = literalPred{want: normalizeScalar(expected)}
		}
		cond.preds = append(cond.preds, keyedPredicate{key: key, pred: p})
	}
	return cond, nil
}

func compileOps(key string, ops map[string]any) (predicate, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("condition key %q: empty operator object", key)
	}

	for _, op := range []string{"gt", "gte", "lt", "lte"} {
		if v, ok := ops[op]; ok {
			threshold, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("condition key %q: %s needs a numeric operand", key, op)
			}
			return comparisonPred{op: op, threshold: threshold}, nil
		}
	}
	if v, ok := ops["eq"]; ok {
		return eqPred{want: normalizeScalar(v)}, nil
	}
	if v, ok := ops["neq"]; ok {
		return eqPred{want: normalizeScalar(v), negate: true}, nil
	}
	if v, ok := ops["in"]; ok {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("condition key %q: in needs a list operand", key)
		}
		values := make([]any, len(list))
		for i, item := range list {
			values[i] = normalizeScalar(item)
		}
		return inPred{values: values}, nil
	}
	if v, ok := ops["contains"]; ok {
		return containsPred{needle: v}, nil
	}

	return nil, fmt.Errorf("condition key %q: no supported operator in %v", key, keysOf(ops))
}

type literalPred struct{ want any }

func (p literalPred) matches(actual any) bool {
	return normalizeScalar(actual) == p.want
}

type comparisonPred struct {
	op        string
	threshold float64
}

func (p comparisonPred) matches(actual any) bool {
	a, ok := toFloat(actual)
	if !ok {
		return false
	}
	switch p.op {
	case "gt":
		return a > p.threshold
	case "gte":
		return a >= p.threshold
	case "lt":
		return a < p.threshold
	case "lte":
		return a <= p.threshold
	}
	return false
}

type eqPred struct {
	want   any
	negate bool
}

func (p eqPred) matches(actual any) bool {
	eq := normalizeScalar(actual) == p.want
	if p.negate {
		return !eq
	}
	return eq
}

type inPred struct{ values []any }

func (p inPred) matches(actual any) bool {
	norm := normalizeScalar(actual)
	for _, v := range p.values {
		if norm == v {
			return true
		}
	}
	return false
}

type containsPred struct{ needle any }

func (p containsPred) matches(actual any) bool {
	switch a := actual.(type) {
	case string:
		n, ok := p.needle.(string)
		return ok && strings.TrimSpace(n) != "" && strings.Contains(a, n)
	case []any:
		want := normalizeScalar(p.needle)
		for _, item := range a {
			if normalizeScalar(item) == want {
				return true
			}
		}
		return false
	case []string:
		n, ok := p.needle.(string)
		if !ok {
			return false
		}
		for _, item := range a {
			if item == n {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// normalizeScalar makes scalar comparison type-insensitive: numbers
// compare as float64, booleans as booleans, everything else as a
// string.
func normalizeScalar(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return x
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
