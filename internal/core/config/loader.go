package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/relay/internal/core/retry"
	"github.com/vietddude/relay/internal/streaming"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Retry.Strategy == "" {
		cfg.Retry.Strategy = "linear"
	}
	if cfg.Retry.Interval == 0 {
		cfg.Retry.Interval = retry.DefaultInterval
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = retry.DefaultJitter
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = retry.DefaultMaxInterval
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = retry.DefaultMultiplier
	}

	for i := range cfg.Streams {
		s := &cfg.Streams[i]
		if s.Buffer == 0 {
			s.Buffer = streaming.DefaultBufferSize
		}
		if s.Name == "" {
			return nil, fmt.Errorf("stream %d has no name", i)
		}
		if s.URL == "" || s.Method == "" {
			return nil, fmt.Errorf("stream %q needs both a url and a method", s.Name)
		}
	}

	return &cfg, nil
}

// Build constructs the configured reconnect strategy. A limit of 0 or
// less means unlimited retries.
func (c RetryConfig) Build() retry.Strategy {
	limit := c.Limit
	if limit <= 0 {
		limit = retry.Unlimited
	}
	switch c.Strategy {
	case "exponential":
		return retry.NewExponentialBackoff(c.Interval, c.MaxInterval, c.Multiplier, c.Jitter, limit)
	default:
		return retry.NewLinearBackoff(c.Interval, c.Jitter, limit)
	}
}
