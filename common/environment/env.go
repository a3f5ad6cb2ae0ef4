// Package environment provides helpers for loading configuration from
// environment variables.
//
// All helpers follow a consistent pattern: they read an environment variable
// and return either the value or a default. Required variables return an
// error rather than calling os.Exit, keeping business logic out of library
// code.
//
// Secret-bearing variables additionally support the <NAME>_FILE convention:
// when NAME_FILE is set, the secret is read from that file (trailing
// whitespace trimmed) instead of the process environment, so deployments can
// mount secrets as files rather than exposing them in `docker inspect`.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the value of the named environment variable and a boolean
// indicating whether it was set (even if set to the empty string).
func String(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok
}

// StringOr returns the value of the named environment variable, or
// defaultValue if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the value of the named environment variable or an
// error if it is unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// StringOrFile resolves the <NAME> / <NAME>_FILE pair. When NAME_FILE is set
// the file's contents win (trimmed of trailing whitespace); otherwise the
// plain variable is used, falling back to defaultValue. A set but unreadable
// NAME_FILE is an error, never silently ignored.
func StringOrFile(name, defaultValue string) (string, error) {
	if path := os.Getenv(name + "_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s_FILE: %w", name, err)
		}
		return strings.TrimRight(string(raw), " \t\r\n"), nil
	}
	return StringOr(name, defaultValue), nil
}

// RequiredStringOrFile is StringOrFile for variables that must be configured
// through one of the two forms.
func RequiredStringOrFile(name string) (string, error) {
	v, err := StringOrFile(name, "")
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("required environment variable %q (or %s_FILE) is not set", name, name)
	}
	return v, nil
}

// BoolOr parses the named environment variable as a boolean. Recognized
// values are the same as strconv.ParseBool ("1", "t", "true", "0", "f",
// "false", etc.). Returns defaultValue if the variable is unset, empty, or
// cannot be parsed.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the named environment variable as a decimal integer. Returns
// defaultValue if the variable is unset, empty, or cannot be parsed.
func IntOr(name string, defaultValue int) int {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// DurationOr parses the named environment variable as a time.Duration (e.g.
// "30s", "5m", "1h"). Returns defaultValue if the variable is unset, empty,
// or cannot be parsed.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// MillisOr parses the named environment variable as an integer number of
// milliseconds. Returns defaultValue if the variable is unset, empty, or
// cannot be parsed. Used for knobs whose contract is a bare millisecond
// count rather than a duration string.
func MillisOr(name string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return defaultValue
	}
	return time.Duration(n) * time.Millisecond
}
