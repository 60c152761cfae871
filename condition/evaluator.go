package condition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates predicates against a variable bindings map. It
// caches compiled expressions and regular expressions, and is safe for
// concurrent use.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	patterns map[string]*regexp.Regexp
}

// NewEvaluator creates an Evaluator with empty caches.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Evaluate evaluates a predicate against the bindings. It never returns an
// error: clauses that cannot be evaluated are false and reported in the
// returned warnings. A zero predicate is true.
func (e *Evaluator) Evaluate(pred Predicate, bindings map[string]any) (bool, []Warning) {
	if pred.IsZero() {
		return true, nil
	}

	logic := pred.Logic
	if logic == "" {
		logic = LogicAnd
	}

	var warnings []Warning

	// Left-to-right with short-circuiting.
	result := logic == LogicAnd
	for _, c := range pred.Conditions {
		ok, w := e.evalCondition(c, bindings)
		warnings = append(warnings, w...)
		if logic == LogicAnd {
			if !ok {
				return false, warnings
			}
		} else if ok {
			return true, warnings
		}
		result = ok
	}

	if pred.Expression != "" {
		ok, w := e.evalExpression(pred.Expression, bindings)
		warnings = append(warnings, w...)
		if logic == LogicAnd {
			return ok, warnings
		}
		return result || ok, warnings
	}

	return result || logic == LogicAnd, warnings
}

// evalCondition applies a single field comparison.
func (e *Evaluator) evalCondition(c Condition, bindings map[string]any) (bool, []Warning) {
	val, found := Resolve(bindings, c.Field)

	switch c.Operator {
	case OpExists:
		return found, nil
	case OpNotExists:
		return !found, nil
	}

	if !found {
		// Comparisons against a missing field are false, not an error.
		return false, nil
	}

	switch c.Operator {
	case OpEquals:
		return looseEquals(val, c.Value), nil
	case OpNotEquals:
		return !looseEquals(val, c.Value), nil
	case OpContains, OpNotContains:
		ok, w := contains(val, c.Value, c.Field)
		if c.Operator == OpNotContains {
			ok = !ok
		}
		return ok, w
	case OpGreaterThan, OpLessThan:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, []Warning{{
				Kind:   WarnTypeMismatch,
				Field:  c.Field,
				Detail: fmt.Sprintf("%s requires numeric operands, got %T and %T", c.Operator, val, c.Value),
			}}
		}
		if c.Operator == OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	case OpMatches:
		return e.matches(val, c.Value, c.Field)
	default:
		return false, []Warning{{
			Kind:   WarnBadExpression,
			Field:  c.Field,
			Detail: fmt.Sprintf("unknown operator %q", c.Operator),
		}}
	}
}

// evalExpression compiles (with caching) and runs an expr-lang expression.
func (e *Evaluator) evalExpression(expression string, bindings map[string]any) (bool, []Warning) {
	e.mu.RLock()
	program, ok := e.programs[expression]
	e.mu.RUnlock()

	if !ok {
		compiled, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return false, []Warning{{
				Kind:   WarnBadExpression,
				Detail: fmt.Sprintf("compile %q: %v", expression, err),
			}}
		}
		e.mu.Lock()
		e.programs[expression] = compiled
		e.mu.Unlock()
		program = compiled
	}

	result, err := expr.Run(program, bindings)
	if err != nil {
		return false, []Warning{{
			Kind:   WarnBadExpression,
			Detail: fmt.Sprintf("run %q: %v", expression, err),
		}}
	}

	b, isBool := result.(bool)
	if !isBool {
		return false, []Warning{{
			Kind:   WarnBadExpression,
			Detail: fmt.Sprintf("expression %q produced %T, want bool", expression, result),
		}}
	}
	return b, nil
}

// matches applies a cached regular expression to a string operand.
func (e *Evaluator) matches(val, pattern any, field string) (bool, []Warning) {
	s, sok := val.(string)
	p, pok := pattern.(string)
	if !sok || !pok {
		return false, []Warning{{
			Kind:   WarnTypeMismatch,
			Field:  field,
			Detail: fmt.Sprintf("matches requires string operands, got %T and %T", val, pattern),
		}}
	}

	e.mu.RLock()
	re, ok := e.patterns[p]
	e.mu.RUnlock()

	if !ok {
		compiled, err := regexp.Compile(p)
		if err != nil {
			return false, []Warning{{
				Kind:   WarnBadPattern,
				Field:  field,
				Detail: fmt.Sprintf("invalid pattern %q: %v", p, err),
			}}
		}
		e.mu.Lock()
		e.patterns[p] = compiled
		e.mu.Unlock()
		re = compiled
	}

	return re.MatchString(s), nil
}

// Resolve looks up a dotted path in the bindings map. Each path segment
// descends into a nested map[string]any.
func Resolve(bindings map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")
	var current any = bindings
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEquals compares two values, treating all numeric types as float64
// so that JSON-decoded numbers compare equal to Go integers.
func looseEquals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

// contains checks substring or slice membership.
func contains(haystack, needle any, field string) (bool, []Warning) {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, []Warning{{
				Kind:   WarnTypeMismatch,
				Field:  field,
				Detail: fmt.Sprintf("contains on string requires string needle, got %T", needle),
			}}
		}
		return strings.Contains(h, n), nil
	case []any:
		for _, item := range h {
			if looseEquals(item, needle) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, []Warning{{
			Kind:   WarnTypeMismatch,
			Field:  field,
			Detail: fmt.Sprintf("contains requires string or array haystack, got %T", haystack),
		}}
	}
}

// toFloat coerces the numeric types that appear in bindings (Go numerics
// plus JSON-decoded strings are NOT coerced — only real numbers).
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
