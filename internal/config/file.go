package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/policy"
	"eventbroker/internal/resources"
)

// File is the YAML configuration of the dispatcher daemon.
type File struct {
	Log           LogConfig             `yaml:"log"`
	Broker        resources.BrokerSpec  `yaml:"broker"`
	Subscriptions []*resources.Consumer `yaml:"subscriptions"`
	Channels      []*resources.Consumer `yaml:"channels"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns the configuration used when no file is given.
func Default() *File {
	return &File{
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads and validates a configuration file. An empty path or a
// missing file yields the defaults.
func Load(path string) (*File, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// normalize stamps each seed with its kind and the default namespace.
func (f *File) normalize() {
	stamp := func(list []*resources.Consumer, kind resources.Kind) {
		for _, c := range list {
			if c == nil {
				continue
			}
			c.Kind = kind
			if c.Metadata.Namespace == "" {
				c.Metadata.Namespace = "default"
			}
		}
	}
	stamp(f.Subscriptions, resources.KindSubscription)
	stamp(f.Channels, resources.KindChannel)
}

// Consumers returns the seed subscriptions followed by the seed channels.
func (f *File) Consumers() []*resources.Consumer {
	out := make([]*resources.Consumer, 0, len(f.Subscriptions)+len(f.Channels))
	out = append(out, f.Subscriptions...)
	return append(out, f.Channels...)
}

// Validate checks the configuration for values the daemon cannot run with.
func (f *File) Validate() error {
	switch f.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return apperrors.Validation("log.level", fmt.Sprintf("unknown level %q", f.Log.Level))
	}
	switch f.Log.Format {
	case "json", "text":
	default:
		return apperrors.Validation("log.format", fmt.Sprintf("unknown format %q", f.Log.Format))
	}

	if err := policy.Validate("broker.dispatch.policy", f.Broker.Dispatch.Policy); err != nil {
		return err
	}

	if err := validateConsumers("subscriptions", f.Subscriptions); err != nil {
		return err
	}
	return validateConsumers("channels", f.Channels)
}

func validateConsumers(field string, list []*resources.Consumer) error {
	seen := make(map[string]bool, len(list))
	for i, c := range list {
		at := fmt.Sprintf("%s[%d]", field, i)
		if c == nil {
			return apperrors.Validation(at, "must not be empty")
		}
		if c.Metadata.Name == "" {
			return apperrors.Validation(at+".metadata.name", "is required")
		}
		key := c.Metadata.Key()
		if seen[key] {
			return apperrors.Validation(at+".metadata.name", fmt.Sprintf("duplicate %s", key))
		}
		seen[key] = true

		if c.Spec.Subscriber.URI == "" {
			return apperrors.Validation(at+".spec.subscriber.uri", "is required")
		}
		if r := c.Spec.Subscriber.RateLimit; r != nil && *r <= 0 {
			return apperrors.Validation(at+".spec.subscriber.rate_limit", "must be positive")
		}
		if err := policy.Validate(at+".spec.subscriber.policy", c.Spec.Subscriber.Policy); err != nil {
			return err
		}
	}
	return nil
}
