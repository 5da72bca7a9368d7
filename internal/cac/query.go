package cac

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// ParseDimensionValue types a textual dimension value: integers and floats
// become float64, true/false become bools, anything else stays a string.
func ParseDimensionValue(raw string) any {
	value := strings.TrimSpace(raw)
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return float64(i)
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return value
}

// QueryFromValues builds a resolve query from URL values, skipping reserved
// parameter names. Only the first value of a repeated key is used.
func QueryFromValues(values url.Values, reserved ...string) map[string]any {
	skip := make(map[string]struct{}, len(reserved))
	for _, name := range reserved {
		skip[name] = struct{}{}
	}
	query := make(map[string]any, len(values))
	for key, vals := range values {
		if _, ok := skip[key]; ok || len(vals) == 0 {
			continue
		}
		query[key] = ParseDimensionValue(vals[0])
	}
	return query
}

// QueryFromPairs builds a resolve query from "dimension=value" arguments.
func QueryFromPairs(pairs []string) (map[string]any, error) {
	query := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: expected dimension=value, got %q", ErrInvalidQuery, pair)
		}
		query[key] = ParseDimensionValue(value)
	}
	return query, nil
}
