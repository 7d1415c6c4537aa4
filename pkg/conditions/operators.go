package conditions

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var errNotNumeric = errors.New("value is not numeric")

// Operator is the closed set of rule comparisons.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorStartsWith  Operator = "starts_with"
	OperatorEndsWith    Operator = "ends_with"
	OperatorGreaterThan Operator = "greater_than"
	OperatorGreaterOrEq Operator = "greater_than_or_equal"
	OperatorLessThan    Operator = "less_than"
	OperatorLessOrEq    Operator = "less_than_or_equal"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
	OperatorExists      Operator = "exists"
	OperatorNotExists   Operator = "not_exists"
)

var operators = map[Operator]struct{}{
	OperatorEquals: {}, OperatorNotEquals: {}, OperatorContains: {}, OperatorNotContains: {},
	OperatorStartsWith: {}, OperatorEndsWith: {}, OperatorGreaterThan: {}, OperatorGreaterOrEq: {},
	OperatorLessThan: {}, OperatorLessOrEq: {}, OperatorIn: {}, OperatorNotIn: {},
	OperatorExists: {}, OperatorNotExists: {},
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	_, ok := operators[o]

	return ok
}

func (o Operator) apply(actual any, found bool, expected any) (bool, error) {
	switch o {
	case OperatorExists:
		return found && actual != nil, nil
	case OperatorNotExists:
		return !found || actual == nil, nil
	}

	if !found {
		// Missing fields only satisfy negative comparisons.
		return o == OperatorNotEquals || o == OperatorNotContains || o == OperatorNotIn, nil
	}

	switch o {
	case OperatorEquals:
		return equal(actual, expected), nil
	case OperatorNotEquals:
		return !equal(actual, expected), nil
	case OperatorContains:
		return contains(actual, expected), nil
	case OperatorNotContains:
		return !contains(actual, expected), nil
	case OperatorStartsWith:
		return strings.HasPrefix(fmt.Sprint(actual), fmt.Sprint(expected)), nil
	case OperatorEndsWith:
		return strings.HasSuffix(fmt.Sprint(actual), fmt.Sprint(expected)), nil
	case OperatorIn:
		return contains(expected, actual), nil
	case OperatorNotIn:
		return !contains(expected, actual), nil
	case OperatorGreaterThan, OperatorGreaterOrEq, OperatorLessThan, OperatorLessOrEq:
		return compare(o, actual, expected)
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrMalformed, o)
	}
}

func compare(o Operator, actual, expected any) (bool, error) {
	left, ok := toFloat(actual)
	if !ok {
		return false, fmt.Errorf("%w: %v", errNotNumeric, actual)
	}

	right, ok := toFloat(expected)
	if !ok {
		return false, fmt.Errorf("%w: %v", errNotNumeric, expected)
	}

	switch o {
	case OperatorGreaterThan:
		return left > right, nil
	case OperatorGreaterOrEq:
		return left >= right, nil
	case OperatorLessThan:
		return left < right, nil
	default:
		return left <= right, nil
	}
}

func equal(actual, expected any) bool {
	if left, ok := toFloat(actual); ok {
		if right, ok := toFloat(expected); ok {
			return left == right
		}
	}

	if left, ok := actual.(bool); ok {
		if right, ok := expected.(bool); ok {
			return left == right
		}
	}

	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// contains reports whether haystack (a string or a list) holds needle.
func contains(haystack, needle any) bool {
	if text, ok := haystack.(string); ok {
		return strings.Contains(text, fmt.Sprint(needle))
	}

	value := reflect.ValueOf(haystack)
	if value.Kind() != reflect.Slice && value.Kind() != reflect.Array {
		return false
	}

	for i := range value.Len() {
		if equal(value.Index(i).Interface(), needle) {
			return true
		}
	}

	return false
}

func toFloat(value any) (float64, bool) {
	switch number := value.(type) {
	case int:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case float32:
		return float64(number), true
	case float64:
		return number, true
	case json.Number:
		parsed, err := number.Float64()

		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(number), 64)

		return parsed, err == nil
	default:
		return 0, false
	}
}
