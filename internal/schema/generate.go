package schema

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/i2y/toolgate/internal/domain"
)

// Generate infers a schema that accepts value.
func Generate(value interface{}) domain.JSONSchema {
	switch v := value.(type) {
	case nil:
		return domain.JSONSchema{"nullable": true}
	case bool:
		return domain.JSONSchema{"type": "boolean"}
	case string:
		return domain.JSONSchema{"type": "string"}
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return domain.JSONSchema{"type": "integer"}
		}
		return domain.JSONSchema{"type": "number"}
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return domain.JSONSchema{"type": "integer"}
		}
		return domain.JSONSchema{"type": "number"}
	case int, int32, int64:
		return domain.JSONSchema{"type": "integer"}
	case []interface{}:
		return generateArray(v)
	case map[string]interface{}:
		return generateObject(v)
	default:
		// Go values that are not plain JSON go through a JSON round trip.
		raw, err := json.Marshal(v)
		if err != nil {
			return domain.JSONSchema{}
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return domain.JSONSchema{}
		}
		return Generate(decoded)
	}
}

func generateObject(obj map[string]interface{}) domain.JSONSchema {
	props := make(map[string]interface{}, len(obj))
	required := make([]interface{}, 0, len(obj))
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		props[k] = map[string]interface{}(Generate(obj[k]))
		required = append(required, k)
	}
	s := domain.JSONSchema{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func generateArray(items []interface{}) domain.JSONSchema {
	s := domain.JSONSchema{"type": "array"}
	if len(items) == 0 {
		s["items"] = map[string]interface{}{}
		return s
	}

	var variants []interface{}
	nullable := false
	seen := make(map[string]bool)
	for _, item := range items {
		if item == nil {
			nullable = true
		}
		g := Generate(item)
		key, _ := json.Marshal(g)
		if seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		variants = append(variants, map[string]interface{}(g))
	}
	switch {
	case len(variants) == 1:
		s["items"] = variants[0]
	case nullable:
		s["items"] = map[string]interface{}{"anyOf": variants, "nullable": true}
	default:
		s["items"] = map[string]interface{}{"anyOf": variants}
	}
	return s
}
