package control

import (
	"context"
	"log/slog"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/infra/storage/postgres"

	redisclient "github.com/vietddude/relay/internal/infra/redis"
)

// Sink consumes relayed events. Write is called once per event from a
// per-sink goroutine and may block; slow sinks fill their receiver
// buffer and eventually hold back the upstream stream.
type Sink interface {
	Name() string
	Write(ctx context.Context, event *domain.Event) error
}

type redisSink struct {
	client *redisclient.Client
}

// NewRedisSink appends events to per-stream Redis streams.
func NewRedisSink(client *redisclient.Client) Sink {
	return &redisSink{client: client}
}

func (s *redisSink) Name() string { return "redis" }

func (s *redisSink) Write(ctx context.Context, event *domain.Event) error {
	return s.client.Publish(ctx, event.Stream, event.RunID, event.Payload)
}

type postgresSink struct {
	repo *postgres.EventRepo
}

// NewPostgresSink records events in the relay_events table.
func NewPostgresSink(repo *postgres.EventRepo) Sink {
	return &postgresSink{repo: repo}
}

func (s *postgresSink) Name() string { return "postgres" }

func (s *postgresSink) Write(ctx context.Context, event *domain.Event) error {
	return s.repo.Save(ctx, event)
}

type logSink struct {
	log *slog.Logger
}

// NewLogSink logs events instead of persisting them. Used when neither
// Redis nor PostgreSQL is configured.
func NewLogSink(log *slog.Logger) Sink {
	return &logSink{log: log}
}

func (s *logSink) Name() string { return "log" }

func (s *logSink) Write(_ context.Context, event *domain.Event) error {
	s.log.Info("relayed event",
		"stream", event.Stream,
		"bytes", len(event.Payload),
		"received_at", event.ReceivedAt)
	return nil
}
