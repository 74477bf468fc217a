package dispatcher

import (
	"time"

	"eventbroker/internal/config"
)

// Config holds engine timing settings.
type Config struct {
	HTTPTimeout         time.Duration // per-request timeout (default: 10s)
	StreamRetryInterval time.Duration // wait before reopening a missing stream (default: 5s)
	CatchUpPollInterval time.Duration // wait on a not-yet-visible record during catch-up (default: 50ms)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		HTTPTimeout:         config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		StreamRetryInterval: config.GetDurationEnv("DISPATCHER_STREAM_RETRY_INTERVAL", 5*time.Second),
		CatchUpPollInterval: config.GetDurationEnv("DISPATCHER_CATCHUP_POLL_INTERVAL", 50*time.Millisecond),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.StreamRetryInterval <= 0 {
		c.StreamRetryInterval = 5 * time.Second
	}
	if c.CatchUpPollInterval <= 0 {
		c.CatchUpPollInterval = 50 * time.Millisecond
	}
	return c
}
