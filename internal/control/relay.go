package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/vietddude/relay/internal/core/config"
	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/health"
	"github.com/vietddude/relay/internal/infra/rpc"
	"github.com/vietddude/relay/internal/infra/storage/postgres"
	"github.com/vietddude/relay/internal/metrics"
	"github.com/vietddude/relay/internal/streaming"

	redisclient "github.com/vietddude/relay/internal/infra/redis"
)

// Relay is the main application struct. It subscribes to every
// configured upstream stream and fans the messages out to the
// configured sinks, one receiver per (stream, sink) pair.
type Relay struct {
	cfg   *config.AppConfig
	runID string
	log   *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client
	sinks       []Sink

	healthMon    *health.Monitor
	healthServer *health.Server

	conns        []*grpc.ClientConn
	broadcasters []*streaming.Broadcaster[[]byte, []byte]
	wg           sync.WaitGroup
}

// NewRelay creates a new Relay instance with all dependencies
// initialized. Sinks are chosen from the configuration: PostgreSQL and
// Redis when configured, a logging sink otherwise.
func NewRelay(cfg *config.AppConfig) (*Relay, error) {
	log := slog.Default()

	r := &Relay{
		cfg:       cfg,
		runID:     uuid.NewString(),
		log:       log,
		healthMon: health.NewMonitor(cfg.Server.StaleAfter),
	}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate("migrations"); err != nil {
			_ = db.Close()
			return nil, err
		}
		r.db = db
		r.sinks = append(r.sinks, NewPostgresSink(postgres.NewEventRepo(db)))
		log.Info("Using PostgreSQL sink")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			r.closePersistence()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		r.redisClient = client
		r.sinks = append(r.sinks, NewRedisSink(client))
		log.Info("Using Redis sink")
	}

	if len(r.sinks) == 0 {
		r.sinks = append(r.sinks, NewLogSink(log))
		log.Info("No sinks configured, logging events")
	}

	r.healthServer = health.NewServer(r.healthMon, cfg.Server.Port)

	return r, nil
}

// RunID identifies this relay process in persisted events.
func (r *Relay) RunID() string { return r.runID }

// Start connects every configured stream and launches the sink drains.
// It returns once all streams are running; the actual relaying happens
// on background goroutines until Stop is called.
func (r *Relay) Start(ctx context.Context) error {
	r.log.Info("Starting Relay...", "run_id", r.runID, "streams", len(r.cfg.Streams))

	go func() {
		if err := r.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("Health server failed", "error", err)
		}
	}()

	for _, sc := range r.cfg.Streams {
		if err := r.startStream(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) startStream(ctx context.Context, sc config.StreamConfig) error {
	defaults := rpc.DefaultChannelOptions()
	if sc.Channel != nil {
		defaults = *sc.Channel
	}

	conn, err := rpc.Dial(sc.URL, defaults)
	if err != nil {
		return fmt.Errorf("failed to dial stream %q: %w", sc.Name, err)
	}
	r.conns = append(r.conns, conn)

	open := func(ctx context.Context) (streaming.Stream[[]byte], error) {
		return rpc.OpenRawStream(ctx, conn, sc.Method)
	}

	r.healthMon.Register(sc.Name)

	b := streaming.New(sc.Name, open, passthrough,
		streaming.WithRetry(r.cfg.Retry.Build()),
		streaming.WithLogger(r.log),
		streaming.WithServerURL(sc.URL),
		streaming.WithObserver(healthObserver{mon: r.healthMon}))
	r.broadcasters = append(r.broadcasters, b)

	// One extra receiver feeds the health monitor so sink latency never
	// skews liveness tracking.
	pulse := b.NewReceiver(sc.Buffer)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for range pulse.Ch() {
			r.healthMon.RecordMessage(sc.Name)
		}
	}()

	for _, sink := range r.sinks {
		recv := b.NewReceiver(sc.Buffer)
		r.wg.Add(1)
		go r.drain(ctx, sc.Name, sink, recv)
	}

	r.log.Info("Stream started", "stream", sc.Name, "url", sc.URL, "method", sc.Method)
	return nil
}

// drain writes every received payload to one sink. Sink errors are
// counted and logged but never stop the stream.
func (r *Relay) drain(ctx context.Context, stream string, sink Sink, recv *streaming.Receiver[[]byte]) {
	defer r.wg.Done()

	for payload := range recv.Ch() {
		event := &domain.Event{
			Stream:     stream,
			RunID:      r.runID,
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		}
		if err := sink.Write(ctx, event); err != nil {
			metrics.SinkErrors.WithLabelValues(stream, sink.Name()).Inc()
			r.log.Warn("Sink write failed",
				"stream", stream,
				"sink", sink.Name(),
				"error", err)
		}
	}
}

// Stop stops the relay: streams first so receiver channels close, then
// the drains, then the sinks and the health server.
func (r *Relay) Stop(ctx context.Context) error {
	r.log.Info("Stopping Relay...")

	for _, b := range r.broadcasters {
		b.Stop()
	}
	r.wg.Wait()

	for _, conn := range r.conns {
		if err := conn.Close(); err != nil {
			r.log.Warn("Failed to close connection", "error", err)
		}
	}

	r.closePersistence()

	return r.healthServer.Stop(ctx)
}

func (r *Relay) closePersistence() {
	if r.redisClient != nil {
		if err := r.redisClient.Close(); err != nil {
			r.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.log.Warn("Failed to close database", "error", err)
		}
	}
}

// passthrough relays the raw payload bytes untouched.
func passthrough(payload []byte) []byte { return payload }

// healthObserver feeds stream lifecycle events into the health monitor.
type healthObserver struct {
	mon *health.Monitor
}

func (o healthObserver) StreamUp(name string) {
	o.mon.SetConnected(name, true)
}

func (o healthObserver) StreamRetrying(name string, _ *rpc.Error) {
	o.mon.RecordRetry(name)
}

func (o healthObserver) StreamGaveUp(name string, _ *rpc.Error) {
	o.mon.SetGaveUp(name)
}
