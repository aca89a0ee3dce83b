package settings

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/dshills/modhost/internal/config/loader"
	"github.com/dshills/modhost/internal/extension/manifest"
)

// ErrMissing is returned by Coerce for a nil value.
var ErrMissing = errors.New("value is missing")

// Coerce converts raw to the declared type of spec and checks the
// type-specific constraints (regex, min/max, options).
//
// Results are string for string/text/choice, int for int, float64 for
// float, bool for bool, and []string for multichoice.
func Coerce(spec manifest.SettingSpec, raw any) (any, error) {
	if raw == nil {
		return nil, ErrMissing
	}

	switch spec.Type {
	case manifest.TypeString:
		s, err := stringify(raw)
		if err != nil {
			return nil, err
		}
		if spec.Regex != "" {
			re, err := regexp.Compile(spec.Regex)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", spec.Regex, err)
			}
			if !re.MatchString(s) {
				return nil, fmt.Errorf("value %q does not match pattern %s", s, spec.Regex)
			}
		}
		return s, nil

	case manifest.TypeText:
		return stringify(raw)

	case manifest.TypeInt:
		n, err := toInt(raw)
		if err != nil {
			return nil, err
		}
		if err := checkRange(float64(n), spec); err != nil {
			return nil, err
		}
		return n, nil

	case manifest.TypeFloat:
		f, err := toFloat(raw)
		if err != nil {
			return nil, err
		}
		if err := checkRange(f, spec); err != nil {
			return nil, err
		}
		return f, nil

	case manifest.TypeBool:
		return toBool(raw)

	case manifest.TypeChoice:
		s, err := stringify(raw)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(spec.Options, s) {
			return nil, fmt.Errorf("value %q is not one of %v", s, spec.Options)
		}
		return s, nil

	case manifest.TypeMultiChoice:
		items, err := toStringList(raw)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if !slices.Contains(spec.Options, item) {
				return nil, fmt.Errorf("value %q is not one of %v", item, spec.Options)
			}
		}
		return items, nil

	default:
		return nil, fmt.Errorf("unknown setting type %q", spec.Type)
	}
}

func checkRange(v float64, spec manifest.SettingSpec) error {
	if spec.Min != nil && v < *spec.Min {
		return fmt.Errorf("value %v is less than minimum %v", v, *spec.Min)
	}
	if spec.Max != nil && v > *spec.Max {
		return fmt.Errorf("value %v is greater than maximum %v", v, *spec.Max)
	}
	return nil
}

func stringify(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case map[string]any, []any:
		return "", fmt.Errorf("expected a scalar value, got %T", raw)
	}
	if n, ok := integer(raw); ok {
		return strconv.FormatInt(n, 10), nil
	}
	return fmt.Sprint(raw), nil
}

// integer extracts any Go integer kind as int64.
func integer(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), v <= math.MaxInt64
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), v <= math.MaxInt64
	}
	return 0, false
}

func toInt(raw any) (int, error) {
	if n, ok := integer(raw); ok {
		if n < math.MinInt || n > math.MaxInt {
			return 0, fmt.Errorf("value %d overflows int", n)
		}
		return int(n), nil
	}

	switch v := raw.(type) {
	case float32:
		return floatToInt(float64(v))
	case float64:
		return floatToInt(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("value %q is not an integer", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", raw)
}

func floatToInt(f float64) (int, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, fmt.Errorf("value %v is not an integer", f)
	}
	return int(f), nil
}

func toFloat(raw any) (float64, error) {
	if n, ok := integer(raw); ok {
		return float64(n), nil
	}

	var f float64
	switch v := raw.(type) {
	case float32:
		f = float64(v)
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value %v is not a finite number", f)
	}
	return f, nil
}

func toBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		if b, ok := loader.ParseBool(v); ok {
			return b, nil
		}
		return false, fmt.Errorf("value %q is not a boolean", v)
	}
	if n, ok := integer(raw); ok && (n == 0 || n == 1) {
		return n == 1, nil
	}
	return false, fmt.Errorf("expected a boolean, got %v", raw)
}

// toStringList accepts a list or a comma-separated string.
func toStringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return slices.Clone(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, err := stringify(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return []string{}, nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", raw)
}
