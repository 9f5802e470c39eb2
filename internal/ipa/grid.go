package ipa

import (
	"fmt"
	"sort"
	"strings"
)

// ParamGrid maps parameter names to candidate values.
type ParamGrid map[string][]any

// Combinations returns the Cartesian product of the grid. Keys are iterated
// in lexical order and the last key varies fastest, so the order is stable.
// An empty grid has exactly one, empty, combination.
func (g ParamGrid) Combinations() []map[string]any {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []map[string]any{{}}
	for _, k := range keys {
		var next []map[string]any
		for _, base := range out {
			for _, v := range g[k] {
				combo := make(map[string]any, len(base)+1)
				for bk, bv := range base {
					combo[bk] = bv
				}
				combo[k] = v
				next = append(next, combo)
			}
		}
		out = next
	}
	return out
}

// Size is the number of combinations.
func (g ParamGrid) Size() int {
	n := 1
	for _, vs := range g {
		n *= len(vs)
	}
	return n
}

// FormatParams renders a combination deterministically for logs.
func FormatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, params[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
