package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// appName names the config directory, the data directory and the secret
// store service.
const appName = "studymate"

// ConfigBackend is where non-secret keys persist between runs: UserDefaults
// on macOS, a JSON file elsewhere.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// coerceInt reads an integer that a backend stored as a number or as text.
func coerceInt(key string, v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			return 0, fmt.Errorf("%s: %v is not an integer", key, val)
		}
		return int(val), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("%s: invalid integer: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%s: unsupported value type %T", key, v)
	}
}
