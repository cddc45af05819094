package ingest

import (
	"strconv"
	"strings"
)

// Coerce converts a decoded JSON value into the driver-level representation
// for an inferred column type. It never fails: a value that does not fit the
// target type degrades to its text form, preserving it losslessly as a
// string. Null is nil under every type.
func Coerce(t ColumnType, v Value) any {
	if v.Kind == KindNull {
		return nil
	}

	switch t {
	case TypeInteger:
		return coerceInteger(v)
	case TypeReal:
		return coerceReal(v)
	case TypeDatetime:
		return coerceDatetime(v)
	default: // TypeText and anything unexpected
		return textForm(v)
	}
}

func coerceInteger(v Value) any {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return int64(1)
		}
		return int64(0)
	case KindInt:
		return v.Int
	case KindFloat:
		// Truncation toward zero, matching integer conversion semantics for a
		// column that was frozen as INTEGER by an earlier run.
		return int64(v.Float)
	case KindString:
		if i, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64); err == nil {
			return i
		}
		return textForm(v)
	default:
		return textForm(v)
	}
}

func coerceReal(v Value) any {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return float64(1)
		}
		return float64(0)
	case KindInt:
		return float64(v.Int)
	case KindFloat:
		return v.Float
	case KindString:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return f
		}
		return textForm(v)
	default:
		return textForm(v)
	}
}

func coerceDatetime(v Value) any {
	if v.Kind != KindString {
		return textForm(v)
	}
	it, ok := parseISODatetime(v.Str)
	if !ok {
		return v.Str
	}
	return canonicalISO(it)
}
