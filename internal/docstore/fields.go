package docstore

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// String reads a string field, trimming whitespace.
func String(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// Int reads an integer field tolerating the numeric types produced by stores and JSON.
func Int(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(math.Round(v))
	case Increment:
		return int64(v)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}

// Float reads a numeric field as float64.
func Float(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}

// Bool reads a boolean field.
func Bool(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}

// Map reads a nested map field.
func Map(data map[string]any, key string) map[string]any {
	v, _ := data[key].(map[string]any)
	return v
}

// Strings reads an array of strings, skipping non-string values.
func Strings(data map[string]any, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

// Time reads a timestamp field.
func Time(data map[string]any, key string) time.Time {
	switch v := data[key].(type) {
	case time.Time:
		return v
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
