package databases

import (
	"sort"
	"strings"
)

// NormalizeFilters translates a flat filter map into a Weaviate where
// clause tree.
//
// Per key:
//   - string values match with ContainsAny on the lowercased token
//   - bool values match with Equal on valueBoolean
//   - numeric values match with Equal on valueNumber
//   - list values become an Or of the per-item clauses
//
// Multiple keys combine with And in key order, so the same filter map
// always renders the same clause. A single clause is returned bare.
// Nil and empty values are dropped. Returns nil when nothing remains.
func NormalizeFilters(filters map[string]interface{}) map[string]interface{} {
	if len(filters) == 0 {
		return nil
	}

	keys := make([]string, 0, len(filters))
	for key := range filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var operands []map[string]interface{}
	for _, key := range keys {
		if op := normalizeFilterValue(key, filters[key]); op != nil {
			operands = append(operands, op)
		}
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return map[string]interface{}{
			"operator": "And",
			"operands": operands,
		}
	}
}

func normalizeFilterValue(key string, value interface{}) map[string]interface{} {
	switch v := value.(type) {
	case nil:
		return nil

	case []interface{}:
		var operands []map[string]interface{}
		for _, item := range v {
			if op := normalizeFilterValue(key, item); op != nil {
				operands = append(operands, op)
			}
		}
		switch len(operands) {
		case 0:
			return nil
		case 1:
			return operands[0]
		default:
			return map[string]interface{}{
				"operator": "Or",
				"operands": operands,
			}
		}

	case []string:
		items := make([]interface{}, len(v))
		for i, s := range v {
			items[i] = s
		}
		return normalizeFilterValue(key, items)

	case bool:
		return map[string]interface{}{
			"path":         []string{key},
			"operator":     "Equal",
			"valueBoolean": v,
		}

	case int:
		return numberFilter(key, float64(v))
	case int64:
		return numberFilter(key, float64(v))
	case float32:
		return numberFilter(key, float64(v))
	case float64:
		return numberFilter(key, v)

	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if s == "" {
			return nil
		}
		return map[string]interface{}{
			"path":      []string{key},
			"operator":  "ContainsAny",
			"valueText": []string{s},
		}

	default:
		return nil
	}
}

func numberFilter(key string, v float64) map[string]interface{} {
	return map[string]interface{}{
		"path":        []string{key},
		"operator":    "Equal",
		"valueNumber": v,
	}
}
