// Package condition implements the pure predicate evaluator used for step
// conditions, connection guards, loop predicates, and trigger matching.
//
// Evaluation is side-effect free and fails closed: a malformed condition or
// a type mismatch makes the predicate false and records a warning rather
// than returning an error, so a single bad condition cannot crash the
// orchestrator.
package condition

// Op is a comparison operator applied to a bound field.
type Op string

// Supported comparison operators.
const (
	OpEquals      Op = "equals"
	OpNotEquals   Op = "not_equals"
	OpContains    Op = "contains"
	OpNotContains Op = "not_contains"
	OpGreaterThan Op = "greater_than"
	OpLessThan    Op = "less_than"
	OpMatches     Op = "matches"
	OpExists      Op = "exists"
	OpNotExists   Op = "not_exists"
)

// Logic combines the clauses of a composite predicate.
type Logic string

// Clause combinators. Evaluation is left-to-right with short-circuiting.
const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition compares one bound field against a literal value.
// Field supports dotted paths into nested maps ("order.total").
type Condition struct {
	Field    string `json:"field"`
	Operator Op     `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Predicate is a composite condition: a list of field comparisons and/or a
// raw expression, combined with AND/OR logic. The zero Predicate is
// vacuously true.
type Predicate struct {
	// Logic combines Conditions (and the Expression result, if any).
	// Empty defaults to "and".
	Logic Logic `json:"logic,omitempty"`

	// Conditions are field/operator/value comparisons evaluated in order.
	Conditions []Condition `json:"conditions,omitempty"`

	// Expression is an optional expr-lang expression evaluated against
	// the bindings. It must produce a boolean.
	Expression string `json:"expression,omitempty"`
}

// IsZero reports whether the predicate has no clauses at all.
func (p Predicate) IsZero() bool {
	return len(p.Conditions) == 0 && p.Expression == ""
}

// Warning records a non-fatal evaluation problem. The offending clause
// evaluated false; the orchestrator logs warnings but keeps going.
type Warning struct {
	// Kind classifies the warning ("type_mismatch", "bad_expression",
	// "bad_pattern").
	Kind string

	// Field is the condition field involved, if any.
	Field string

	// Detail is a human-readable description.
	Detail string
}

// WarnTypeMismatch is the Warning.Kind recorded when operands have
// incompatible types for the requested operator.
const WarnTypeMismatch = "type_mismatch"

// WarnBadExpression is the Warning.Kind recorded when an expression fails
// to compile, run, or produce a boolean.
const WarnBadExpression = "bad_expression"

// WarnBadPattern is the Warning.Kind recorded when a matches operator has
// an invalid regular expression.
const WarnBadPattern = "bad_pattern"
