// Package mask redacts policy-selected fields from response payloads before
// they leave the broker. Matching is by field name at any depth: a rule's
// last path segment is compared against map keys, and a hit replaces the
// whole value with the placeholder.
package mask

import "strings"

// Placeholder replaces masked values.
const Placeholder = "***"

// Normalize reduces masking rules to their leaf field names and removes
// duplicates, preserving first-seen order. Rules from every matched policy
// are combined; masking more than one rule asked for is always safe, the
// reverse is not.
func Normalize(rules []string) []string {
	seen := make(map[string]struct{}, len(rules))
	var out []string
	for _, rule := range rules {
		leaf := rule
		if idx := strings.LastIndex(rule, "."); idx >= 0 {
			leaf = rule[idx+1:]
		}
		if leaf == "" {
			continue
		}
		if _, ok := seen[leaf]; ok {
			continue
		}
		seen[leaf] = struct{}{}
		out = append(out, leaf)
	}
	return out
}

// Apply returns a copy of v with every map entry named by fields replaced
// by the placeholder. Arrays are walked element-wise, scalars pass through,
// and v itself is never mutated. With no fields the input is returned as
// is.
func Apply(v any, fields []string) any {
	if len(fields) == 0 {
		return v
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return apply(v, set)
}

func apply(v any, fields map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if _, masked := fields[k]; masked {
				out[k] = Placeholder
				continue
			}
			out[k] = apply(child, fields)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = apply(child, fields)
		}
		return out
	default:
		return v
	}
}
