package shared

import (
	"encoding/json"
	"math"
)

// AsFloat64 accepts any numeric value a JSON decoder may hand back.
// Strings are rejected even if they look numeric.
func AsFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}

// MaxExactInt is the largest magnitude a float64 holds without losing
// integer precision.
const MaxExactInt = 1 << 53

// AsInt is AsFloat64 restricted to whole numbers within ±MaxExactInt.
func AsInt(v any) (int, bool) {
	f, ok := AsFloat64(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > MaxExactInt || f < -MaxExactInt {
		return 0, false
	}
	return int(f), true
}
