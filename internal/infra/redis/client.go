package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the relay's event sink.
type Client struct {
	rdb *redis.Client

	// MaxLen bounds each event stream with approximate trimming.
	// 0 keeps the streams unbounded.
	maxLen int64
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	MaxLen   int64  `yaml:"max_len"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, maxLen: cfg.MaxLen}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func eventsKey(stream string) string {
	return fmt.Sprintf("relay:events:%s", stream)
}

// Publish appends a relayed payload to the stream's Redis stream,
// tagged with the relay run that produced it.
func (c *Client) Publish(ctx context.Context, stream, runID string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: eventsKey(stream),
		Values: map[string]any{
			"payload": payload,
			"run_id":  runID,
		},
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}
	if err := c.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Len returns the number of buffered entries for a stream.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	return c.rdb.XLen(ctx, eventsKey(stream)).Result()
}
