package conditions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Rules(t *testing.T) {
	data := map[string]any{
		"metadata": map[string]any{
			"tag":   "new",
			"tags":  []any{"new", "vip"},
			"score": 42,
		},
		"payload": map[string]any{
			"url":    "https://example.com/pricing",
			"amount": "19.90",
		},
	}

	tests := []struct {
		name     string
		rule     map[string]any
		expected bool
	}{
		{"equals string", map[string]any{"field": "metadata.tag", "operator": "equals", "value": "new"}, true},
		{"default operator is equals", map[string]any{"field": "metadata.tag", "value": "old"}, false},
		{"not equals", map[string]any{"field": "metadata.tag", "operator": "not_equals", "value": "old"}, true},
		{"equals numeric across types", map[string]any{"field": "metadata.score", "operator": "equals", "value": 42.0}, true},
		{"contains substring", map[string]any{"field": "payload.url", "operator": "contains", "value": "pricing"}, true},
		{"contains list element", map[string]any{"field": "metadata.tags", "operator": "contains", "value": "vip"}, true},
		{"not contains", map[string]any{"field": "metadata.tags", "operator": "not_contains", "value": "churned"}, true},
		{"starts with", map[string]any{"field": "payload.url", "operator": "starts_with", "value": "https://"}, true},
		{"ends with", map[string]any{"field": "payload.url", "operator": "ends_with", "value": "/docs"}, false},
		{"greater than", map[string]any{"field": "metadata.score", "operator": "greater_than", "value": 40}, true},
		{"greater than numeric string", map[string]any{"field": "payload.amount", "operator": "greater_than_or_equal", "value": 19.9}, true},
		{"less than", map[string]any{"field": "metadata.score", "operator": "less_than", "value": 10}, false},
		{"in", map[string]any{"field": "metadata.tag", "operator": "in", "value": []any{"new", "lead"}}, true},
		{"not in", map[string]any{"field": "metadata.tag", "operator": "not_in", "value": []any{"lead"}}, true},
		{"exists", map[string]any{"field": "metadata.tag", "operator": "exists"}, true},
		{"not exists", map[string]any{"field": "metadata.missing", "operator": "not_exists"}, true},
		{"missing field is not equal", map[string]any{"field": "metadata.missing", "operator": "equals", "value": "x"}, false},
		{"missing field satisfies not_equals", map[string]any{"field": "metadata.missing", "operator": "not_equals", "value": "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Evaluate(tt.rule, data)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestEvaluate_Groups(t *testing.T) {
	data := map[string]any{"plan": "pro", "seats": 3}

	all := map[string]any{
		"match": "all",
		"rules": []any{
			map[string]any{"field": "plan", "value": "pro"},
			map[string]any{"field": "seats", "operator": "greater_than", "value": 5},
		},
	}

	result, err := Evaluate(all, data)
	require.NoError(t, err)
	assert.False(t, result)

	anyGroup := map[string]any{
		"match": "any",
		"rules": []any{
			map[string]any{"field": "plan", "value": "free"},
			map[string]any{
				"match": "all",
				"rules": []any{
					map[string]any{"field": "plan", "value": "pro"},
					map[string]any{"field": "seats", "operator": "less_than_or_equal", "value": 3},
				},
			},
		},
	}

	result, err = Evaluate(anyGroup, data)
	require.NoError(t, err)
	assert.True(t, result)

	list := []any{
		map[string]any{"field": "plan", "value": "pro"},
		map[string]any{"field": "seats", "value": 3},
	}

	result, err = Evaluate(list, data)
	require.NoError(t, err)
	assert.True(t, result)
}

func TestEvaluate_EmptyIsAlwaysTrue(t *testing.T) {
	for _, definition := range []any{nil, map[string]any{}, []any{}} {
		result, err := Evaluate(definition, nil)
		require.NoError(t, err)
		assert.True(t, result)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name       string
		definition any
	}{
		{"unsupported type", "metadata.tag == new"},
		{"missing field", map[string]any{"operator": "equals", "value": 1}},
		{"unknown operator", map[string]any{"field": "a", "operator": "approximately"}},
		{"unknown match", map[string]any{"match": "xor", "rules": []any{}}},
		{"rules not a list", map[string]any{"rules": "nope"}},
		{"rule not an object", []any{"nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.definition)
			require.Error(t, err)
			require.ErrorIs(t, err, ErrMalformed)

			var evalErr *EvaluationError
			assert.ErrorAs(t, err, &evalErr)
		})
	}
}

func TestEvaluate_NonNumericComparisonFails(t *testing.T) {
	_, err := Evaluate(map[string]any{"field": "plan", "operator": "greater_than", "value": 1}, map[string]any{"plan": "pro"})
	require.Error(t, err)

	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "plan", evalErr.Field)
	assert.Equal(t, OperatorGreaterThan, evalErr.Operator)
}
