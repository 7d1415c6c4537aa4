// Package conditions provides structural predicates over event payloads and enrollment data.
//
// A predicate is either a rule (field/operator/value) or a group combining nested
// predicates with "all" (AND) or "any" (OR):
//
//	{"match": "all", "rules": [
//	    {"field": "metadata.tag", "operator": "equals", "value": "new"},
//	    {"match": "any", "rules": [...]}
//	]}
//
// A bare rule object or a list of predicates (implicit "all") is accepted as well.
package conditions

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed indicates a predicate definition that cannot be interpreted.
var ErrMalformed = errors.New("malformed condition")

// Match combines the predicates of a group.
type Match string

const (
	MatchAll Match = "all"
	MatchAny Match = "any"
)

// Predicate evaluates to true or false against a data document.
type Predicate interface {
	Evaluate(data map[string]any) (bool, error)
}

// EvaluationError describes a predicate that could not be parsed or evaluated.
type EvaluationError struct {
	Field    string
	Operator Operator
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("condition evaluation failed: %v", e.Err)
	}

	return fmt.Sprintf("condition evaluation failed for %s %s: %v", e.Field, e.Operator, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Rule compares the value at Field with Value.
type Rule struct {
	Field    string
	Operator Operator
	Value    any
}

// Evaluate implements Predicate.
func (r *Rule) Evaluate(data map[string]any) (bool, error) {
	actual, found := Lookup(data, r.Field)

	result, err := r.Operator.apply(actual, found, r.Value)
	if err != nil {
		return false, &EvaluationError{Field: r.Field, Operator: r.Operator, Err: err}
	}

	return result, nil
}

// Group combines predicates.
type Group struct {
	Match      Match
	Predicates []Predicate
}

// Evaluate implements Predicate. An empty group is true.
func (g *Group) Evaluate(data map[string]any) (bool, error) {
	if len(g.Predicates) == 0 {
		return true, nil
	}

	for _, predicate := range g.Predicates {
		result, err := predicate.Evaluate(data)
		if err != nil {
			return false, err
		}

		if g.Match == MatchAny && result {
			return true, nil
		}

		if g.Match == MatchAll && !result {
			return false, nil
		}
	}

	return g.Match == MatchAll, nil
}

type always struct{}

func (always) Evaluate(map[string]any) (bool, error) { return true, nil }

// Always is the predicate used for absent conditions.
var Always Predicate = always{}

// Parse builds a predicate from its generic representation. A nil or empty
// definition yields Always.
func Parse(raw any) (Predicate, error) {
	switch definition := raw.(type) {
	case nil:
		return Always, nil
	case map[string]any:
		if len(definition) == 0 {
			return Always, nil
		}

		return parseObject(definition)
	case []any:
		return parseList(MatchAll, definition)
	case []map[string]any:
		items := make([]any, 0, len(definition))
		for _, item := range definition {
			items = append(items, item)
		}

		return parseList(MatchAll, items)
	default:
		return nil, &EvaluationError{Err: fmt.Errorf("%w: unsupported definition %T", ErrMalformed, raw)}
	}
}

// Evaluate parses and evaluates a definition in one call.
func Evaluate(raw any, data map[string]any) (bool, error) {
	predicate, err := Parse(raw)
	if err != nil {
		return false, err
	}

	return predicate.Evaluate(data)
}

func parseObject(definition map[string]any) (Predicate, error) {
	if rules, ok := definition["rules"]; ok {
		match := MatchAll

		if rawMatch, present := definition["match"]; present {
			name, isString := rawMatch.(string)
			if !isString {
				return nil, &EvaluationError{Err: fmt.Errorf("%w: match must be a string", ErrMalformed)}
			}

			match = Match(strings.ToLower(name))
			if match != MatchAll && match != MatchAny {
				return nil, &EvaluationError{Err: fmt.Errorf("%w: unknown match %q", ErrMalformed, name)}
			}
		}

		items, ok := rules.([]any)
		if !ok {
			return nil, &EvaluationError{Err: fmt.Errorf("%w: rules must be a list", ErrMalformed)}
		}

		return parseList(match, items)
	}

	field, ok := definition["field"].(string)
	if !ok || field == "" {
		return nil, &EvaluationError{Err: fmt.Errorf("%w: rule requires a field", ErrMalformed)}
	}

	name, ok := definition["operator"].(string)
	if !ok {
		name = string(OperatorEquals)
	}

	operator := Operator(name)
	if !operator.Valid() {
		return nil, &EvaluationError{Field: field, Operator: operator, Err: fmt.Errorf("%w: unknown operator", ErrMalformed)}
	}

	return &Rule{Field: field, Operator: operator, Value: definition["value"]}, nil
}

func parseList(match Match, items []any) (Predicate, error) {
	group := &Group{Match: match, Predicates: make([]Predicate, 0, len(items))}

	for i, item := range items {
		object, ok := item.(map[string]any)
		if !ok {
			return nil, &EvaluationError{Err: fmt.Errorf("%w: rule %d must be an object", ErrMalformed, i)}
		}

		predicate, err := parseObject(object)
		if err != nil {
			return nil, err
		}

		group.Predicates = append(group.Predicates, predicate)
	}

	return group, nil
}

// Lookup resolves a dotted path such as "metadata.tag" inside nested maps.
func Lookup(data map[string]any, path string) (any, bool) {
	var current any = data

	for _, key := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = object[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
