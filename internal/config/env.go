package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env returns the trimmed value of key, or def when unset.
func Env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func EnvBool(key string, def bool) bool {
	switch strings.ToLower(Env(key, "")) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func EnvInt64(key string, def int64) int64 {
	parsed, err := strconv.ParseInt(Env(key, ""), 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func EnvFloat(key string, def float64) float64 {
	parsed, err := strconv.ParseFloat(Env(key, ""), 64)
	if err != nil {
		return def
	}
	return parsed
}

// EnvDuration parses Go duration syntax; non-positive values fall back to def.
func EnvDuration(key string, def time.Duration) time.Duration {
	parsed, err := time.ParseDuration(Env(key, ""))
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
