package record

import (
	"fmt"
	"strconv"
	"strings"
)

// EmptyToAbsent converts a blank (or whitespace-only) string to nil;
// every other value passes through unchanged.
func EmptyToAbsent(v any) (any, error) {
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return v, nil
}

// IntOrAbsent coerces v to an int; nil, blank strings, and unparseable
// values become nil rather than an error, matching the original's
// "best-effort, never raises" conversion.
func IntOrAbsent(v any) (any, error) {
	n, ok := toFloat(v)
	if !ok {
		return nil, nil
	}
	return int(n), nil
}

// FloatOrAbsent coerces v to a float64; see IntOrAbsent for absent rules.
func FloatOrAbsent(v any) (any, error) {
	n, ok := toFloat(v)
	if !ok {
		return nil, nil
	}
	return n, nil
}

// BoolOrAbsent maps the truthy/falsy token vocabulary ("1"/"true"/"yes"/"y"
// and "0"/"false"/"no"/"n", case-insensitive) to bool; anything else is
// absent.
func BoolOrAbsent(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	default:
		s := strings.ToLower(strings.TrimSpace(fmt.Sprint(x)))
		switch s {
		case "1", "true", "yes", "y":
			return true, nil
		case "0", "false", "no", "n":
			return false, nil
		default:
			return nil, nil
		}
	}
}

// TimestampToSeconds normalizes a timestamp that may be in seconds or
// milliseconds to seconds: values >= 1e12 are treated as milliseconds.
func TimestampToSeconds(v any) (any, error) {
	n, ok := toFloat(v)
	if !ok {
		return nil, nil
	}
	if n >= 1_000_000_000_000 {
		n /= 1000
	}
	return int64(n), nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// EndAfterStart is the shared row validator enforcing end_ts >= start_ts
// whenever both are present (as int64 seconds, post-TimestampToSeconds).
func EndAfterStart(startKey, endKey string) RowValidator {
	return func(row map[string]any) error {
		start, startOK := row[startKey].(int64)
		end, endOK := row[endKey].(int64)
		if startOK && endOK && end < start {
			return fmt.Errorf("record: %s(%d) < %s(%d)", endKey, end, startKey, start)
		}
		return nil
	}
}
