// Package params merges user-supplied query options over a service's default
// option table and encodes the result for a request.
package params

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Options maps a parameter key to a scalar value (int, float64, bool or string).
type Options map[string]any

// UnknownParameterError reports an override key that the service does not accept.
type UnknownParameterError struct {
	Key     string
	Allowed []string
}

func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("%s is not a valid parameter; available parameters: %s",
		e.Key, strings.Join(e.Allowed, ", "))
}

// InvalidValueError reports a value of the wrong type or outside its range.
type InvalidValueError struct {
	Key    string
	Value  any
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value %v for %s: %s", e.Value, e.Key, e.Reason)
}

// ConflictError reports mutually exclusive parameters given together.
type ConflictError struct {
	Keys []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("parameters cannot be combined: %s", strings.Join(e.Keys, ", "))
}

// Merge returns a copy of defaults with overrides applied. Override keys are
// matched case-insensitively against the default keys and each value is
// coerced to the kind of the default it replaces. The defaults are not
// modified.
func Merge(defaults Options, overrides map[string]any) (Options, error) {
	merged := defaults.Clone()
	lookup := make(map[string]string, len(defaults))
	for k := range defaults {
		lookup[strings.ToLower(k)] = k
	}

	// sorted so the first reported error is stable
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		canonical, ok := lookup[strings.ToLower(k)]
		if !ok {
			return nil, &UnknownParameterError{Key: k, Allowed: defaults.Keys()}
		}
		v, err := coerce(defaults[canonical], overrides[k])
		if err != nil {
			return nil, &InvalidValueError{Key: canonical, Value: overrides[k], Reason: err.Error()}
		}
		merged[canonical] = v
	}
	return merged, nil
}

// Given reports which canonical keys appear in overrides, matched the same way
// Merge matches them.
func Given(defaults Options, overrides map[string]any) map[string]bool {
	given := make(map[string]bool, len(overrides))
	for k := range overrides {
		for d := range defaults {
			if strings.EqualFold(k, d) {
				given[d] = true
			}
		}
	}
	return given
}

// Clone returns a shallow copy.
func (o Options) Clone() Options {
	c := make(Options, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// Keys returns the option keys in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Int returns key as an int. Floats are truncated.
func (o Options) Int(key string) int {
	switch v := o[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case bool:
		if v {
			return 1
		}
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Float returns key as a float64.
func (o Options) Float(key string) float64 {
	switch v := o[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

// String returns the canonical text form of key.
func (o Options) String(key string) string {
	return Format(o[key])
}

// Bool returns key as a bool; non-zero numbers are true.
func (o Options) Bool(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// IsBlank reports whether key holds an empty string.
func (o Options) IsBlank(key string) bool {
	s, ok := o[key].(string)
	return ok && s == ""
}

// Values encodes every option as a query value.
func (o Options) Values() url.Values {
	vals := url.Values{}
	for k, v := range o {
		vals.Set(k, Format(v))
	}
	return vals
}

// Format renders a scalar the way the services expect: floats in their
// shortest form, booleans as 1/0.
func Format(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case int:
		return strconv.Itoa(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	case bool:
		if value {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(value)
	}
}

// RequireRange fails when v is outside [lo, hi].
func RequireRange(key string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return &InvalidValueError{Key: key, Value: v, Reason: fmt.Sprintf("must be between %v and %v", lo, hi)}
	}
	return nil
}

// RequireHalfOpen fails when v is outside [lo, hi).
func RequireHalfOpen(key string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v >= hi {
		return &InvalidValueError{Key: key, Value: v, Reason: fmt.Sprintf("must be at least %v and below %v", lo, hi)}
	}
	return nil
}

// RequireOneOf fails when v is not in allowed.
func RequireOneOf(key string, v int, allowed ...int) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return &InvalidValueError{Key: key, Value: v, Reason: fmt.Sprintf("must be one of %v", allowed)}
}

func coerce(def, v any) (any, error) {
	switch def.(type) {
	case int:
		return toInt(v)
	case float64:
		return toFloat(v)
	case bool:
		return toBool(v)
	case string:
		// blank string defaults hold optional values of any scalar kind
		if def == "" {
			switch value := v.(type) {
			case string, int, float64, bool:
				return value, nil
			case int64:
				return int(value), nil
			case float32:
				return float64(value), nil
			}
			return nil, fmt.Errorf("unsupported type %T", v)
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected a string, got %T", v)
	default:
		return v, nil
	}
}

func toInt(v any) (int, error) {
	switch value := v.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		if math.IsInf(value, 0) || value != math.Trunc(value) {
			return 0, fmt.Errorf("expected an integer, got %v", value)
		}
		return int(value), nil
	case bool:
		if value {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", value)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}

func toFloat(v any) (float64, error) {
	switch value := v.(type) {
	case float64:
		return finiteFloat(value)
	case float32:
		return finiteFloat(float64(value))
	case int:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", value)
		}
		return finiteFloat(f)
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func finiteFloat(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected a finite number, got %v", f)
	}
	return f, nil
}

func toBool(v any) (bool, error) {
	switch value := v.(type) {
	case bool:
		return value, nil
	case int:
		return value != 0, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return false, fmt.Errorf("expected a boolean, got %q", value)
		}
		return b, nil
	}
	return false, fmt.Errorf("expected a boolean, got %T", v)
}
