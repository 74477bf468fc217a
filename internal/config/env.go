package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the variable's value, or def when unset or empty.
func GetEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// GetIntEnv parses an integer variable. Unparseable values fall back to def.
func GetIntEnv(key string, def int) int {
	n, err := strconv.Atoi(GetEnv(key, ""))
	if err != nil {
		return def
	}
	return n
}

// GetDurationEnv parses a Go duration ("250ms", "5s"). Unparseable values fall back to def.
func GetDurationEnv(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(GetEnv(key, ""))
	if err != nil {
		return def
	}
	return d
}

// GetSecretFile reads a mounted secret, trimming surrounding whitespace.
// A missing path or unreadable file yields "".
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
