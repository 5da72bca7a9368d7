package cac

import (
	"errors"
	"fmt"
	"strings"

	"cac-client/internal/condition"
)

// MergeStrategy controls how an override value combines with the value it replaces.
type MergeStrategy string

const (
	// MergeStrategyMerge deep-merges object values and replaces everything else.
	MergeStrategyMerge MergeStrategy = "MERGE"
	// MergeStrategyReplace always replaces the previous value wholesale.
	MergeStrategyReplace MergeStrategy = "REPLACE"
)

// ParseMergeStrategy accepts MERGE or REPLACE in any case; empty means MERGE.
func ParseMergeStrategy(value string) (MergeStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", string(MergeStrategyMerge):
		return MergeStrategyMerge, nil
	case string(MergeStrategyReplace):
		return MergeStrategyReplace, nil
	}
	return "", fmt.Errorf("%w: unknown merge strategy %q", ErrInvalidQuery, value)
}

// ReasoningKey is the config key that carries the applied contexts when
// reasoning is requested.
const ReasoningKey = "metadata"

// ErrReasoningConflict is returned by AttachReasoning when the resolved
// config already has a ReasoningKey entry.
var ErrReasoningConflict = errors.New("resolved config already contains key " + ReasoningKey)

// AttachReasoning stores applied under ReasoningKey. It refuses to shadow a
// real config key of the same name.
func AttachReasoning(config map[string]any, applied []AppliedContext) error {
	if _, exists := config[ReasoningKey]; exists {
		return ErrReasoningConflict
	}
	if applied == nil {
		applied = []AppliedContext{}
	}
	config[ReasoningKey] = applied
	return nil
}

// AppliedContext records one context that contributed to a resolved config.
type AppliedContext struct {
	ContextID   string   `json:"context_id"`
	Condition   any      `json:"condition"`
	OverrideIDs []string `json:"override"`
	Priority    int      `json:"priority"`
}

type resolveOptions struct {
	prefixes []string
	strategy MergeStrategy
}

// ResolveOption tunes Resolve.
type ResolveOption func(*resolveOptions)

// WithPrefixes limits the resolved config to keys with one of the prefixes.
func WithPrefixes(prefixes ...string) ResolveOption {
	return func(o *resolveOptions) { o.prefixes = append(o.prefixes, prefixes...) }
}

// WithMergeStrategy selects how overrides combine; the default is MERGE.
func WithMergeStrategy(strategy MergeStrategy) ResolveOption {
	return func(o *resolveOptions) {
		if strategy != "" {
			o.strategy = strategy
		}
	}
}

// Resolve evaluates every context against query and layers the matching
// overrides, lowest priority first, on top of the default configs.
func (d Document) Resolve(query map[string]any, opts ...ResolveOption) (map[string]any, []AppliedContext, error) {
	options := resolveOptions{strategy: MergeStrategyMerge}
	for _, opt := range opts {
		opt(&options)
	}
	if query == nil {
		query = map[string]any{}
	}

	result := copyMap(d.DefaultConfigs)
	var applied []AppliedContext
	for _, ctx := range d.sortedContexts() {
		ok, err := condition.Evaluate(ctx.Condition, query)
		if err != nil {
			return nil, nil, fmt.Errorf("evaluate context %s: %w", ctx.ID, err)
		}
		if !ok {
			continue
		}
		for _, id := range ctx.OverrideWithKeys {
			override, found := d.Overrides[id]
			if !found {
				continue
			}
			for key, value := range override {
				current, exists := result[key]
				if !exists {
					continue
				}
				if options.strategy == MergeStrategyReplace {
					result[key] = deepCopy(value)
				} else {
					result[key] = mergeValues(current, value)
				}
			}
		}
		applied = append(applied, AppliedContext{
			ContextID:   ctx.ID,
			Condition:   deepCopy(ctx.Condition),
			OverrideIDs: append([]string(nil), ctx.OverrideWithKeys...),
			Priority:    ctx.Priority,
		})
	}

	if prefixes := cleanPrefixes(options.prefixes); len(prefixes) > 0 {
		result = filterKeys(result, prefixes)
	}
	return result, applied, nil
}

// DefaultConfig returns the default configs filtered by prefix.
func (d Document) DefaultConfig(prefixes ...string) map[string]any {
	if prefixes = cleanPrefixes(prefixes); len(prefixes) == 0 {
		return copyMap(d.DefaultConfigs)
	}
	return filterKeys(d.DefaultConfigs, prefixes)
}

func mergeValues(base, override any) any {
	baseMap, baseOK := base.(map[string]any)
	overMap, overOK := override.(map[string]any)
	if !baseOK || !overOK {
		return deepCopy(override)
	}
	out := copyMap(baseMap)
	for key, value := range overMap {
		if existing, ok := out[key]; ok {
			out[key] = mergeValues(existing, value)
		} else {
			out[key] = deepCopy(value)
		}
	}
	return out
}
