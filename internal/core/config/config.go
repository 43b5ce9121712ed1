package config

import (
	"time"

	redisclient "github.com/vietddude/relay/internal/infra/redis"
	"github.com/vietddude/relay/internal/infra/rpc"
	"github.com/vietddude/relay/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Streams  []StreamConfig     `yaml:"streams"`
	Retry    RetryConfig        `yaml:"retry"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
	Logging  LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds health/metrics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`

	// StaleAfter marks a stream degraded when no message arrived for
	// this long. Zero disables the check.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// StreamConfig holds settings for one upstream subscription.
type StreamConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`    // grpc://host[:port][?ssl=...]
	Method string `yaml:"method"` // full method, e.g. /relay.v1.EventService/Subscribe
	Buffer int    `yaml:"buffer"` // per-sink receiver capacity

	// Channel overrides the rpc channel defaults for this stream.
	Channel *rpc.ChannelOptions `yaml:"channel"`
}

// RetryConfig selects and tunes the reconnect backoff strategy shared
// by all streams. Each stream works on its own copy.
type RetryConfig struct {
	Strategy    string        `yaml:"strategy"` // linear, exponential
	Interval    time.Duration `yaml:"interval"`
	Jitter      time.Duration `yaml:"jitter"`
	MaxInterval time.Duration `yaml:"max_interval"` // exponential only
	Multiplier  float64       `yaml:"multiplier"`   // exponential only
	Limit       int           `yaml:"limit"`        // <= 0 = unlimited
}
