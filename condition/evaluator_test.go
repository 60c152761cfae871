package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Operators(t *testing.T) {
	e := NewEvaluator()
	bindings := map[string]any{
		"status": "approved",
		"amount": 120.5,
		"count":  3,
		"tags":   []any{"urgent", "finance"},
		"order":  map[string]any{"total": 99},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals string", Condition{Field: "status", Operator: OpEquals, Value: "approved"}, true},
		{"equals mismatch", Condition{Field: "status", Operator: OpEquals, Value: "rejected"}, false},
		{"not_equals", Condition{Field: "status", Operator: OpNotEquals, Value: "rejected"}, true},
		{"equals cross-numeric", Condition{Field: "count", Operator: OpEquals, Value: 3.0}, true},
		{"contains string", Condition{Field: "status", Operator: OpContains, Value: "prov"}, true},
		{"not_contains string", Condition{Field: "status", Operator: OpNotContains, Value: "xyz"}, true},
		{"contains slice", Condition{Field: "tags", Operator: OpContains, Value: "urgent"}, true},
		{"greater_than", Condition{Field: "amount", Operator: OpGreaterThan, Value: 100}, true},
		{"less_than", Condition{Field: "amount", Operator: OpLessThan, Value: 100}, false},
		{"matches", Condition{Field: "status", Operator: OpMatches, Value: "^app.*ed$"}, true},
		{"exists", Condition{Field: "order.total", Operator: OpExists}, true},
		{"not_exists", Condition{Field: "order.discount", Operator: OpNotExists}, true},
		{"missing field comparison", Condition{Field: "nope", Operator: OpEquals, Value: 1}, false},
		{"dotted path", Condition{Field: "order.total", Operator: OpEquals, Value: 99}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings := e.Evaluate(Predicate{Conditions: []Condition{tt.cond}}, bindings)
			assert.Equal(t, tt.want, got)
			assert.Empty(t, warnings)
		})
	}
}

func TestEvaluate_TypeMismatchFailsClosed(t *testing.T) {
	e := NewEvaluator()
	bindings := map[string]any{"name": "loom"}

	got, warnings := e.Evaluate(Predicate{Conditions: []Condition{
		{Field: "name", Operator: OpGreaterThan, Value: 10},
	}}, bindings)

	assert.False(t, got)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnTypeMismatch, warnings[0].Kind)
	assert.Equal(t, "name", warnings[0].Field)
}

func TestEvaluate_Logic(t *testing.T) {
	e := NewEvaluator()
	bindings := map[string]any{"a": 1, "b": 2}

	isOne := Condition{Field: "a", Operator: OpEquals, Value: 1}
	isTwo := Condition{Field: "a", Operator: OpEquals, Value: 2}

	and, _ := e.Evaluate(Predicate{Logic: LogicAnd, Conditions: []Condition{isOne, isTwo}}, bindings)
	assert.False(t, and)

	or, _ := e.Evaluate(Predicate{Logic: LogicOr, Conditions: []Condition{isTwo, isOne}}, bindings)
	assert.True(t, or)

	// Zero predicate is vacuously true.
	zero, _ := e.Evaluate(Predicate{}, bindings)
	assert.True(t, zero)
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	e := NewEvaluator()
	bindings := map[string]any{"a": 1, "s": "str"}

	// The second condition would warn on type mismatch, but OR
	// short-circuits after the first true clause.
	got, warnings := e.Evaluate(Predicate{
		Logic: LogicOr,
		Conditions: []Condition{
			{Field: "a", Operator: OpEquals, Value: 1},
			{Field: "s", Operator: OpLessThan, Value: 5},
		},
	}, bindings)

	assert.True(t, got)
	assert.Empty(t, warnings)
}

func TestEvaluate_Expression(t *testing.T) {
	e := NewEvaluator()
	bindings := map[string]any{"amount": 150, "status": "open"}

	got, warnings := e.Evaluate(Predicate{
		Expression: `amount > 100 && status == "open"`,
	}, bindings)
	require.Empty(t, warnings)
	assert.True(t, got)

	// Cached program path.
	got, _ = e.Evaluate(Predicate{Expression: `amount > 100 && status == "open"`}, bindings)
	assert.True(t, got)
}

func TestEvaluate_BadExpressionFailsClosed(t *testing.T) {
	e := NewEvaluator()

	got, warnings := e.Evaluate(Predicate{Expression: `1 +`}, map[string]any{})
	assert.False(t, got)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnBadExpression, warnings[0].Kind)
}

func TestEvaluate_BadPatternFailsClosed(t *testing.T) {
	e := NewEvaluator()

	got, warnings := e.Evaluate(Predicate{Conditions: []Condition{
		{Field: "s", Operator: OpMatches, Value: "("},
	}}, map[string]any{"s": "x"})
	assert.False(t, got)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnBadPattern, warnings[0].Kind)
}

func TestResolve(t *testing.T) {
	bindings := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 7}},
	}

	v, ok := Resolve(bindings, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = Resolve(bindings, "a.b.missing")
	assert.False(t, ok)

	_, ok = Resolve(bindings, "")
	assert.False(t, ok)
}
