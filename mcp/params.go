package mcp

import (
	"strings"

	"github.com/google/uuid"
)

// hexID returns prefix plus length uppercase hex characters drawn from
// a fresh UUID, e.g. hexID("RAW-", 12) -> "RAW-3F2A91B0C4D7".
func hexID(prefix string, length int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if length > len(hex) {
		length = len(hex)
	}
	return prefix + strings.ToUpper(hex[:length])
}

func stringParam(m map[string]interface{}, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func floatParam(m map[string]interface{}, key string, fallback float64) float64 {
	if f, ok := toFloat(m[key]); ok {
		return f
	}
	return fallback
}

func objectParam(m map[string]interface{}, key string, fallback map[string]interface{}) map[string]interface{} {
	if obj, ok := m[key].(map[string]interface{}); ok {
		return obj
	}
	return fallback
}

func listParam(m map[string]interface{}, key string) []interface{} {
	if list, ok := m[key].([]interface{}); ok {
		return list
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// objectSchema builds a JSON Schema fragment for a tool's input.
func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func property(typ, description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        typ,
		"description": description,
	}
}
