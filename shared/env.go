package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

func GetenvString(v string) (string, error) {
	return v, nil
}

func GetenvInt(v string) (int, error) {
	return strconv.Atoi(v)
}

func GetenvFloat(v string) (float64, error) {
	return strconv.ParseFloat(v, 64)
}

func GetenvBool(v string) (bool, error) {
	return strconv.ParseBool(v)
}

func GetenvDuration(v string) (time.Duration, error) {
	return time.ParseDuration(v)
}

// Getenv reads key and converts it with parse. An unset or empty variable
// yields def, or an error when required is set.
func Getenv[T any](parse func(string) (T, error), key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse func(string) (T, error), key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
