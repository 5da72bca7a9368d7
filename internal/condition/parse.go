package condition

import (
	"fmt"
	"sort"
)

// Operator classifies a single dimension check inside a context condition.
type Operator string

const (
	OperatorIs      Operator = "is"
	OperatorIn      Operator = "in"
	OperatorHas     Operator = "has"
	OperatorBetween Operator = "between"
	OperatorOther   Operator = "other"
)

// Condition is one dimension check of a context, e.g. city == "Bangalore".
type Condition struct {
	Dimension string   `json:"dimension"`
	Operator  Operator `json:"operator"`
	// Symbol is the JSONLogic operator the condition was parsed from.
	Symbol   string `json:"symbol"`
	Operands []any  `json:"operands"`
}

// Conditions is the decomposed form of a context condition.
type Conditions []Condition

// Parse splits a context condition into its dimension checks. A top-level
// "and" yields one Condition per clause.
func Parse(rule any) (Conditions, error) {
	obj, ok := rule.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: condition should be an object", ErrInvalidRule)
	}
	raw, ok := obj["and"]
	if !ok {
		cond, err := parseOne(obj)
		if err != nil {
			return nil, err
		}
		return Conditions{cond}, nil
	}
	clauses, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: value of and should be an array", ErrInvalidRule)
	}
	out := make(Conditions, 0, len(clauses))
	for _, clause := range clauses {
		m, ok := clause.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: and clause should be an object", ErrInvalidRule)
		}
		cond, err := parseOne(m)
		if err != nil {
			return nil, err
		}
		out = append(out, cond)
	}
	return out, nil
}

func parseOne(obj map[string]any) (Condition, error) {
	if len(obj) != 1 {
		return Condition{}, fmt.Errorf("%w: condition should hold exactly one operator", ErrInvalidRule)
	}
	var symbol string
	var operands []any
	for key, value := range obj {
		symbol = key
		operands, _ = value.([]any)
	}

	cond := Condition{
		Symbol:   symbol,
		Operator: classify(symbol, operands),
		Operands: operands,
	}
	for _, operand := range operands {
		if name, ok := varName(operand); ok {
			cond.Dimension = name
			break
		}
	}
	return cond, nil
}

func classify(symbol string, operands []any) Operator {
	switch {
	case symbol == "==" && len(operands) < 3:
		return OperatorIs
	case symbol == "<=" && len(operands) == 3 && isVar(operands[1]):
		return OperatorBetween
	case symbol == "in" && len(operands) == 2 && isVar(operands[0]):
		return OperatorIn
	case symbol == "in" && len(operands) == 2 && isVar(operands[1]):
		return OperatorHas
	}
	return OperatorOther
}

// JSONLogic converts the condition back into its rule form.
func (c Condition) JSONLogic() map[string]any {
	symbol := c.Symbol
	switch c.Operator {
	case OperatorIs:
		symbol = "=="
	case OperatorIn, OperatorHas:
		symbol = "in"
	case OperatorBetween:
		symbol = "<="
	}
	operands := c.Operands
	if operands == nil {
		operands = []any{}
	}
	return map[string]any{symbol: operands}
}

// JSONLogic wraps the conditions in a single "and" rule.
func (cs Conditions) JSONLogic() map[string]any {
	clauses := make([]any, 0, len(cs))
	for _, c := range cs {
		clauses = append(clauses, c.JSONLogic())
	}
	return map[string]any{"and": clauses}
}

// Dimensions lists every variable a rule references, sorted and de-duplicated.
func Dimensions(rule any) []string {
	seen := make(map[string]struct{})
	collectVars(rule, seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collectVars(rule any, seen map[string]struct{}) {
	switch r := rule.(type) {
	case map[string]any:
		if name, ok := varName(r); ok {
			seen[name] = struct{}{}
			return
		}
		for _, value := range r {
			collectVars(value, seen)
		}
	case []any:
		for _, item := range r {
			collectVars(item, seen)
		}
	}
}

func isVar(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m["var"]
	return ok
}

func varName(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := m["var"]
	if !ok {
		return "", false
	}
	switch name := raw.(type) {
	case string:
		return name, name != ""
	case []any:
		if len(name) > 0 {
			if s, ok := name[0].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
