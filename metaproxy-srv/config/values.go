package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// resolveSecret replaces {"_secret": "ENV_NAME"} with the variable's value.
func resolveSecret(value any) (any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return value, nil
	}
	key, ok := m["_secret"].(string)
	if !ok {
		return value, nil
	}
	res := os.Getenv(key)
	if res == "" {
		return nil, fmt.Errorf("secret %s not set", key)
	}
	return res, nil
}

// setValue coerces a decoded config value into *dst. Strings are accepted for
// every kind so that env-style values work in files too.
func setValue[T string | int | bool](dst *T, value any) error {
	value, err := resolveSecret(value)
	if err != nil {
		return err
	}

	switch p := any(dst).(type) {
	case *string:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		*p = s
	case *int:
		i, err := toInt(value)
		if err != nil {
			return err
		}
		*p = i
	case *bool:
		switch v := value.(type) {
		case bool:
			*p = v
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("failed to parse bool: %w", err)
			}
			*p = b
		default:
			return fmt.Errorf("expected bool, got %T", value)
		}
	}
	return nil
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		if v > math.MaxInt32 {
			return 0, fmt.Errorf("number %d out of range", v)
		}
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("failed to parse int: %w", err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}

// parseStringList accepts an array of strings or a comma separated string.
func parseStringList(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return splitList(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d must be a string, got %T", i, item)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", value)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
