package pipelines

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	t.Run("empty input yields nil condition", func(t *testing.T) {
		cond, err := ParseCondition(nil)
		require.NoError(t, err)
		assert.Nil(t, cond)

		cond, err = ParseCondition(json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Nil(t, cond)
	})

	t.Run("invalid op rejected", func(t *testing.T) {
		_, err := ParseCondition(json.RawMessage(`{"op":"matches","field":"status","value":"x"}`))
		assert.Error(t, err)
	})

	t.Run("leaf without field rejected", func(t *testing.T) {
		_, err := ParseCondition(json.RawMessage(`{"op":"eq","value":1}`))
		assert.Error(t, err)
	})

	t.Run("composite without children rejected", func(t *testing.T) {
		_, err := ParseCondition(json.RawMessage(`{"op":"and"}`))
		assert.Error(t, err)
	})
}

func TestConditionEvaluate(t *testing.T) {
	attrs := map[string]any{
		"status":   "approved",
		"amount":   1500.0,
		"priority": 3,
		"region":   "emea",
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq match", Condition{Op: OpEq, Field: "status", Value: "approved"}, true},
		{"eq mismatch", Condition{Op: OpEq, Field: "status", Value: "draft"}, false},
		{"ne", Condition{Op: OpNe, Field: "status", Value: "draft"}, true},
		{"gt", Condition{Op: OpGt, Field: "amount", Value: 1000}, true},
		{"gte boundary", Condition{Op: OpGte, Field: "amount", Value: 1500}, true},
		{"lt fails on boundary", Condition{Op: OpLt, Field: "amount", Value: 1500}, false},
		{"lte boundary", Condition{Op: OpLte, Field: "priority", Value: 3}, true},
		{"in", Condition{Op: OpIn, Field: "region", Value: []any{"emea", "apac"}}, true},
		{"in mismatch", Condition{Op: OpIn, Field: "region", Value: []any{"amer"}}, false},
		{"missing field fails leaf", Condition{Op: OpEq, Field: "owner", Value: "x"}, false},
		{
			"and",
			Condition{Op: OpAnd, Children: []Condition{
				{Op: OpEq, Field: "status", Value: "approved"},
				{Op: OpGt, Field: "amount", Value: 100},
			}},
			true,
		},
		{
			"and short circuits false",
			Condition{Op: OpAnd, Children: []Condition{
				{Op: OpEq, Field: "status", Value: "approved"},
				{Op: OpGt, Field: "amount", Value: 99999},
			}},
			false,
		},
		{
			"or",
			Condition{Op: OpOr, Children: []Condition{
				{Op: OpEq, Field: "status", Value: "draft"},
				{Op: OpEq, Field: "region", Value: "emea"},
			}},
			true,
		},
		{
			"not",
			Condition{Op: OpNot, Children: []Condition{
				{Op: OpEq, Field: "status", Value: "draft"},
			}},
			true,
		},
		{
			"nested composite",
			Condition{Op: OpAnd, Children: []Condition{
				{Op: OpGte, Field: "amount", Value: 1000},
				{Op: OpOr, Children: []Condition{
					{Op: OpEq, Field: "region", Value: "amer"},
					{Op: OpEq, Field: "region", Value: "emea"},
				}},
			}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Evaluate(attrs))
		})
	}
}

func TestConditionEvaluateNumericCoercion(t *testing.T) {
	// Attributes decoded from JSON arrive as float64; stored guard values may
	// be ints. Both directions must compare numerically.
	attrs := map[string]any{"count": float64(10)}

	assert.True(t, Condition{Op: OpEq, Field: "count", Value: 10}.Evaluate(attrs))
	assert.True(t, Condition{Op: OpGt, Field: "count", Value: int64(5)}.Evaluate(attrs))
	assert.True(t, Condition{Op: OpIn, Field: "count", Value: []any{5, 10}}.Evaluate(attrs))

	number := map[string]any{"count": json.Number("10")}
	assert.True(t, Condition{Op: OpGte, Field: "count", Value: 10}.Evaluate(number))
}

func TestConditionFailedClauses(t *testing.T) {
	attrs := map[string]any{"status": "draft", "amount": 50.0}

	cond := Condition{Op: OpAnd, Children: []Condition{
		{Op: OpEq, Field: "status", Value: "approved"},
		{Op: OpGt, Field: "amount", Value: 100},
		{Op: OpLt, Field: "amount", Value: 1000},
	}}

	failed := cond.FailedClauses(attrs)
	require.Len(t, failed, 2)
	assert.Contains(t, failed[0], "status")
	assert.Contains(t, failed[1], "amount")

	passing := Condition{Op: OpEq, Field: "status", Value: "draft"}
	assert.Empty(t, passing.FailedClauses(attrs))
}
