// Package env reads service configuration from the process
// environment. All variables live under one prefix: String("SQS_REGION",
// ...) reads FLOWTRACE_SQS_REGION. Parse failures are errors, never
// silent fallbacks to the default.
package env

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Prefix scopes every variable this module reads.
const Prefix = "FLOWTRACE_"

// Key returns the full environment variable name for a setting.
func Key(name string) string {
	return Prefix + name
}

func lookup(name string) (string, bool) {
	return os.LookupEnv(Key(name))
}

func String(name string, def string) string {
	if v, ok := lookup(name); ok {
		return v
	}
	return def
}

func Duration(name string, def time.Duration) (time.Duration, error) {
	if v, ok := lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", Key(name), err)
		}
		return d, nil
	}
	return def, nil
}

func Bool(name string, def bool) (bool, error) {
	if v, ok := lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", Key(name), err)
		}
		return b, nil
	}
	return def, nil
}

func Int(name string, def int) (int, error) {
	if v, ok := lookup(name); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", Key(name), err)
		}
		return i, nil
	}
	return def, nil
}
