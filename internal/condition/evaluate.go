// Package condition evaluates and decomposes the JSONLogic rules attached to
// config contexts and experiments.
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrInvalidRule is returned when a rule cannot be interpreted as JSONLogic.
var ErrInvalidRule = errors.New("invalid jsonlogic rule")

// ErrUnknownOperator is returned for operators the evaluator does not implement.
var ErrUnknownOperator = errors.New("unknown jsonlogic operator")

// Evaluate applies a JSONLogic rule to data and reports whether the result is truthy.
func Evaluate(rule any, data map[string]any) (bool, error) {
	result, err := apply(rule, data)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

func apply(rule any, data map[string]any) (any, error) {
	switch r := rule.(type) {
	case map[string]any:
		if len(r) != 1 {
			return nil, fmt.Errorf("%w: expected one operator, got %d keys", ErrInvalidRule, len(r))
		}
		for op, raw := range r {
			return applyOperator(op, arguments(raw), data)
		}
	case []any:
		out := make([]any, 0, len(r))
		for _, item := range r {
			value, err := apply(item, data)
			if err != nil {
				return nil, err
			}
			out = append(out, value)
		}
		return out, nil
	}
	return rule, nil
}

func arguments(raw any) []any {
	if args, ok := raw.([]any); ok {
		return args
	}
	return []any{raw}
}

func applyOperator(op string, args []any, data map[string]any) (any, error) {
	switch op {
	case "var":
		return applyVar(args, data)
	case "and":
		var last any = true
		for _, arg := range args {
			value, err := apply(arg, data)
			if err != nil {
				return nil, err
			}
			if !truthy(value) {
				return value, nil
			}
			last = value
		}
		return last, nil
	case "or":
		var last any = false
		for _, arg := range args {
			value, err := apply(arg, data)
			if err != nil {
				return nil, err
			}
			if truthy(value) {
				return value, nil
			}
			last = value
		}
		return last, nil
	}

	values, err := applyAll(args, data)
	if err != nil {
		return nil, err
	}

	switch op {
	case "!":
		if len(values) == 0 {
			return true, nil
		}
		return !truthy(values[0]), nil
	case "!!":
		if len(values) == 0 {
			return false, nil
		}
		return truthy(values[0]), nil
	case "==":
		if len(values) < 2 {
			return nil, fmt.Errorf("%w: == needs two operands", ErrInvalidRule)
		}
		return looseEqual(values[0], values[1]), nil
	case "!=":
		if len(values) < 2 {
			return nil, fmt.Errorf("%w: != needs two operands", ErrInvalidRule)
		}
		return !looseEqual(values[0], values[1]), nil
	case "<", "<=", ">", ">=":
		return compareChain(op, values)
	case "in":
		if len(values) < 2 {
			return nil, fmt.Errorf("%w: in needs two operands", ErrInvalidRule)
		}
		return contains(values[1], values[0]), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

func applyAll(args []any, data map[string]any) ([]any, error) {
	values := make([]any, 0, len(args))
	for _, arg := range args {
		value, err := apply(arg, data)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func applyVar(args []any, data map[string]any) (any, error) {
	if len(args) == 0 {
		return data, nil
	}
	path, err := apply(args[0], data)
	if err != nil {
		return nil, err
	}
	var fallback any
	if len(args) > 1 {
		if fallback, err = apply(args[1], data); err != nil {
			return nil, err
		}
	}

	var key string
	switch p := path.(type) {
	case nil:
		return data, nil
	case string:
		key = p
	case float64:
		key = strconv.FormatFloat(p, 'f', -1, 64)
	default:
		key = fmt.Sprint(p)
	}
	if key == "" {
		return data, nil
	}
	if value, ok := lookup(data, key); ok {
		return value, nil
	}
	return fallback, nil
}

// lookup prefers an exact key match so dimensions containing dots still resolve.
func lookup(data map[string]any, key string) (any, bool) {
	if value, ok := data[key]; ok {
		return value, true
	}
	var current any = data
	for _, part := range strings.Split(key, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[part]
			if !ok {
				return nil, false
			}
			current = value
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func compareChain(op string, values []any) (any, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("%w: %s needs at least two operands", ErrInvalidRule, op)
	}
	// JSONLogic allows "between" forms for < and <= only.
	if len(values) == 3 && (op == "<" || op == "<=") {
		return compare(op, values[0], values[1]) && compare(op, values[1], values[2]), nil
	}
	return compare(op, values[0], values[1]), nil
}

func compare(op string, a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	if aIsString && bIsString {
		_, aErr := strconv.ParseFloat(strings.TrimSpace(as), 64)
		_, bErr := strconv.ParseFloat(strings.TrimSpace(bs), 64)
		if aErr != nil || bErr != nil {
			return ordered(op, strings.Compare(as, bs))
		}
	}
	x, okA := toNumber(a)
	y, okB := toNumber(b)
	if !okA || !okB {
		return false
	}
	switch {
	case x < y:
		return ordered(op, -1)
	case x > y:
		return ordered(op, 1)
	default:
		return ordered(op, 0)
	}
}

func ordered(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case string:
		if needle == nil {
			return false
		}
		return strings.Contains(h, stringify(needle))
	}
	return false
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	as, aIsString := a.(string)
	bs, bIsString := b.(string)
	if aIsString && bIsString {
		return as == bs
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func toNumber(v any) (float64, bool) {
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
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return true
	}
	if n, ok := toNumber(v); ok {
		return n != 0
	}
	return true
}
