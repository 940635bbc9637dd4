// Package jsonmerge folds streaming delta fragments into a running JSON-like
// accumulator. Vendors disagree about which fields replace, which append, and
// how array elements are addressed; Rules captures those conventions so one
// merge algorithm serves every adapter.
package jsonmerge

import "encoding/json"

// Rules parameterizes the merge. AppendKeys names the fields whose string
// values grow by concatenation; every other scalar replaces. IndexKey names
// the field carrying an array element's position, letting vendors deliver
// sparse or out-of-order elements; elements without it merge positionally.
type Rules struct {
	AppendKeys map[string]bool
	IndexKey   string
}

// Merge folds one delta into the accumulator and returns it. A nil accumulator
// is seeded through the same rules, so declared indices place elements even in
// the first delta. The delta is never mutated and never aliased; sibling keys
// already accumulated are never dropped; null delta values are a no-op.
func Merge(acc, delta map[string]any, r Rules) map[string]any {
	if delta == nil {
		return acc
	}
	if acc == nil {
		acc = make(map[string]any, len(delta))
	}
	for key, dv := range delta {
		if dv == nil {
			continue
		}
		av := acc[key]
		switch d := dv.(type) {
		case string:
			if a, ok := av.(string); ok && r.AppendKeys[key] {
				acc[key] = a + d
				continue
			}
			acc[key] = d
		case map[string]any:
			a, _ := av.(map[string]any)
			acc[key] = Merge(a, d, r)
		case []any:
			a, _ := av.([]any)
			acc[key] = mergeArray(a, d, r)
		default:
			acc[key] = dv
		}
	}
	return acc
}

// mergeArray merges each delta element at its declared index, extending the
// accumulator with nil placeholders for indices not yet seen.
func mergeArray(acc, delta []any, r Rules) []any {
	for pos, elem := range delta {
		idx := pos
		if em, ok := elem.(map[string]any); ok && r.IndexKey != "" {
			if declared, ok := elementIndex(em[r.IndexKey]); ok {
				idx = declared
			}
		}
		for len(acc) <= idx {
			acc = append(acc, nil)
		}
		cm, cok := acc[idx].(map[string]any)
		if em, ok := elem.(map[string]any); ok {
			if !cok {
				cm = nil
			}
			acc[idx] = Merge(cm, em, r)
			continue
		}
		if es, ok := elem.([]any); ok {
			as, _ := acc[idx].([]any)
			acc[idx] = mergeArray(as, es, r)
			continue
		}
		acc[idx] = elem
	}
	return acc
}

func elementIndex(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n >= 0 {
			return int(n), true
		}
	case int:
		if n >= 0 {
			return n, true
		}
	case int64:
		if n >= 0 {
			return int(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil && i >= 0 {
			return int(i), true
		}
	}
	return 0, false
}
