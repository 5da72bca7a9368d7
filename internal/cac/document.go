package cac

import (
	"sort"
	"strings"

	"cac-client/internal/condition"
)

// Context attaches overrides to the requests whose dimensions satisfy Condition.
type Context struct {
	ID               string   `json:"id"`
	Condition        any      `json:"condition"`
	Priority         int      `json:"priority"`
	OverrideWithKeys []string `json:"override_with_keys"`
}

// Document is a tenant's full config as served by the CAC server.
type Document struct {
	Contexts       []Context                 `json:"contexts"`
	Overrides      map[string]map[string]any `json:"overrides"`
	DefaultConfigs map[string]any            `json:"default_configs"`
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := Document{
		Contexts:       make([]Context, 0, len(d.Contexts)),
		Overrides:      make(map[string]map[string]any, len(d.Overrides)),
		DefaultConfigs: copyMap(d.DefaultConfigs),
	}
	for _, ctx := range d.Contexts {
		out.Contexts = append(out.Contexts, Context{
			ID:               ctx.ID,
			Condition:        deepCopy(ctx.Condition),
			Priority:         ctx.Priority,
			OverrideWithKeys: append([]string(nil), ctx.OverrideWithKeys...),
		})
	}
	for id, override := range d.Overrides {
		out.Overrides[id] = copyMap(override)
	}
	return out
}

// FilterByPrefix keeps only config keys that start with one of the prefixes.
// Overrides left empty are dropped together with the contexts that only
// pointed at them. No prefixes returns a copy of the whole document.
func (d Document) FilterByPrefix(prefixes ...string) Document {
	prefixes = cleanPrefixes(prefixes)
	if len(prefixes) == 0 {
		return d.Clone()
	}

	out := Document{
		Contexts:       []Context{},
		Overrides:      make(map[string]map[string]any),
		DefaultConfigs: filterKeys(d.DefaultConfigs, prefixes),
	}
	for id, override := range d.Overrides {
		if filtered := filterKeys(override, prefixes); len(filtered) > 0 {
			out.Overrides[id] = filtered
		}
	}
	for _, ctx := range d.Contexts {
		var keys []string
		for _, id := range ctx.OverrideWithKeys {
			if _, ok := out.Overrides[id]; ok {
				keys = append(keys, id)
			}
		}
		if len(keys) == 0 {
			continue
		}
		out.Contexts = append(out.Contexts, Context{
			ID:               ctx.ID,
			Condition:        deepCopy(ctx.Condition),
			Priority:         ctx.Priority,
			OverrideWithKeys: keys,
		})
	}
	return out
}

// Dimensions lists the dimensions referenced by any context condition.
func (d Document) Dimensions() []string {
	seen := make(map[string]struct{})
	for _, ctx := range d.Contexts {
		for _, dim := range condition.Dimensions(ctx.Condition) {
			seen[dim] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for dim := range seen {
		out = append(out, dim)
	}
	sort.Strings(out)
	return out
}

// sortedContexts returns the contexts in ascending priority, keeping server order for ties.
func (d Document) sortedContexts() []Context {
	out := append([]Context(nil), d.Contexts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func cleanPrefixes(prefixes []string) []string {
	var out []string
	for _, p := range prefixes {
		for _, part := range strings.Split(p, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func filterKeys(m map[string]any, prefixes []string) map[string]any {
	out := make(map[string]any)
	for key, value := range m {
		for _, prefix := range prefixes {
			if strings.HasPrefix(key, prefix) {
				out[key] = deepCopy(value)
				break
			}
		}
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	}
	return v
}
