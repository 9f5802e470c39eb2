// Package hyper converts loosely typed hyperparameter values, as decoded
// from YAML or JSON, into the types estimators expect.
package hyper

import (
	"fmt"
	"math"
	"strconv"
)

func Float(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

// Int accepts integral numbers, including floats without a fraction.
func Int(v any) (int, error) {
	f, err := Float(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("expected integer, got %v", v)
	}
	return int(f), nil
}

func Bool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

// OptionalInt treats nil and the string "none" as absent, returning 0.
func OptionalInt(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	if s, ok := v.(string); ok && (s == "none" || s == "None" || s == "") {
		return 0, nil
	}
	return Int(v)
}
