// Package config loads dispatcher settings from the environment and from an
// optional YAML file.
package config

import (
	"time"
)

// ServiceConfig holds process-level settings for the dispatcher daemon.
type ServiceConfig struct {
	Port            string
	MetricsPort     string
	APIKey          string        // optional bearer key for the admin API
	ConfigFile      string        // YAML file with log, broker and seed consumers
	DataDir         string        // badger directory; empty keeps the feed in memory
	ShutdownTimeout time.Duration // bound on engine shutdown
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:            GetEnv("PORT", "8080"),
		MetricsPort:     GetEnv("METRICS_PORT", "9090"),
		APIKey:          GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ConfigFile:      GetEnv("CONFIG_FILE", ""),
		DataDir:         GetEnv("DATA_DIR", ""),
		ShutdownTimeout: GetDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}
