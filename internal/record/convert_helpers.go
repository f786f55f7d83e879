package record

import "github.com/shopspring/decimal"

// asInt64, asString, and the *Ptr variants adapt the loosely-typed `any`
// values Descriptor.Build produces into the concrete fields of a typed
// domain struct. Absent (nil) values become the Go zero value or a nil
// pointer, matching the original's "None means unknown" convention.

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int64:
		return x
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func asInt64Ptr(v any) *int64 {
	if v == nil {
		return nil
	}
	n := asInt64(v)
	return &n
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringPtr(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return 0
	}
}

func asFloatPtr(v any) *float64 {
	if v == nil {
		return nil
	}
	f := asFloat(v)
	return &f
}

// asDecimal converts a money-shaped value to decimal.Decimal. Money fields
// travel as JSON numbers up to this point, so the conversion goes through
// decimal.NewFromFloat rather than parsing a string.
func asDecimal(v any) decimal.Decimal {
	return decimal.NewFromFloat(asFloat(v))
}

func asDecimalPtr(v any) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := asDecimal(v)
	return &d
}

func asBoolPtr(v any) *bool {
	b, ok := v.(bool)
	if !ok {
		return nil
	}
	return &b
}
