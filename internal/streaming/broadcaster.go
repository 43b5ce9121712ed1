// Package streaming turns a single unreliable server-streaming
// subscription into a long-lived feed fanned out to independently
// buffered receivers, reconnecting with backoff when the connection
// ends.
package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/relay/internal/core/retry"
	"github.com/vietddude/relay/internal/infra/rpc"
	"github.com/vietddude/relay/internal/metrics"
)

// DefaultBufferSize is the receiver buffer capacity used when none is
// given.
const DefaultBufferSize = 50

// Stream yields the messages of one upstream connection attempt. Recv
// must return io.EOF on a clean close and must unblock when the context
// passed to the StreamFunc that produced it is cancelled; grpc client
// streams satisfy both.
type Stream[I any] interface {
	Recv() (I, error)
}

// StreamFunc opens a fresh upstream stream. It is called once per
// connection attempt.
type StreamFunc[I any] func(ctx context.Context) (Stream[I], error)

// Observer receives stream lifecycle notifications. Calls are made from
// the broadcaster's own goroutine and must not block.
type Observer interface {
	// StreamUp fires once per connection attempt, after the upstream
	// stream opened successfully.
	StreamUp(name string)

	// StreamRetrying fires when a connection ended and another attempt
	// is scheduled. err is nil when the upstream closed cleanly.
	StreamRetrying(name string, err *rpc.Error)

	// StreamGaveUp fires when the retry budget ran out.
	StreamGaveUp(name string, err *rpc.Error)
}

// Broadcaster drives a background subscription loop: it (re)opens the
// upstream stream, transforms each message and publishes it to every
// attached receiver. Publication blocks until all receivers have
// accepted the message, so a single slow receiver applies backpressure
// to the whole stream.
//
// Streaming failures never reach receivers; the loop keeps retrying per
// its strategy and, once the retry budget is exhausted or Stop is
// called, every receiver's channel simply closes.
type Broadcaster[I, O any] struct {
	name      string
	serverURL string
	open      StreamFunc[I]
	transform func(I) O
	strategy  retry.Strategy
	log       *slog.Logger
	observer  Observer

	mu        sync.Mutex
	receivers map[*Receiver[O]]struct{}
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Broadcaster.
type Option func(*options)

type options struct {
	strategy  retry.Strategy
	logger    *slog.Logger
	serverURL string
	observer  Observer
}

// WithRetry sets the retry strategy consulted between connection
// attempts. The broadcaster works on its own copy, so the given
// instance can be shared as configuration between many broadcasters.
// Defaults to retrying every 3 seconds, with 1 second of jitter,
// indefinitely.
func WithRetry(s retry.Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithLogger sets the logger for stream lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithServerURL records the server URL used when classifying connection
// failures for logs and metrics.
func WithServerURL(url string) Option {
	return func(o *options) { o.serverURL = url }
}

// WithObserver registers a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// New creates a broadcaster and immediately starts its background loop.
// name identifies the stream in logs; transform converts each raw
// upstream message into the type receivers consume and must not panic.
func New[I, O any](
	name string,
	open StreamFunc[I],
	transform func(I) O,
	opts ...Option,
) *Broadcaster[I, O] {
	o := options{strategy: retry.DefaultLinearBackoff(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster[I, O]{
		name:      name,
		serverURL: o.serverURL,
		open:      open,
		transform: transform,
		strategy:  o.strategy.Copy(),
		log:       o.logger,
		observer:  o.observer,
		receivers: make(map[*Receiver[O]]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// NewReceiver attaches a new receiver with the given buffer capacity
// (DefaultBufferSize when capacity <= 0). Receivers only observe
// messages published after they attach; attaching to a stopped
// broadcaster yields an already-closed channel.
func (b *Broadcaster[I, O]) NewReceiver(capacity int) *Receiver[O] {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	r := &Receiver[O]{
		ch:   make(chan O, capacity),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(r.ch)
		return r
	}
	b.receivers[r] = struct{}{}
	return r
}

// Stop cancels the background loop, waits for it to exit and closes
// every receiver's channel. Safe to call multiple times and from any
// goroutine.
func (b *Broadcaster[I, O]) Stop() {
	b.cancel()
	<-b.done
}

func (b *Broadcaster[I, O]) run() {
	defer close(b.done)
	defer b.closeReceivers()
	defer metrics.StreamUp.WithLabelValues(b.name).Set(0)
	metrics.StreamUp.WithLabelValues(b.name).Set(1)

	for {
		b.log.Debug("starting to stream", "stream", b.name)

		err := b.streamOnce()
		if b.ctx.Err() != nil {
			return
		}

		// A clean upstream close and a transport failure both count as
		// "connection ended" and take the same retry path.
		var cerr *rpc.Error
		if err != nil {
			cerr = rpc.ClassifyError(b.serverURL, b.name, err)
			metrics.StreamErrors.WithLabelValues(b.name, cerr.Kind.String()).Inc()
		}

		interval, ok := b.strategy.NextInterval()
		if !ok {
			if b.observer != nil {
				b.observer.StreamGaveUp(b.name, cerr)
			}
			if cerr != nil {
				b.log.Error("connection ended, retry limit exceeded, giving up",
					"stream", b.name,
					"progress", b.strategy.Progress(),
					"error", cerr.Description)
			} else {
				b.log.Error("connection ended, retry limit exceeded, giving up",
					"stream", b.name,
					"progress", b.strategy.Progress())
			}
			return
		}

		metrics.StreamRetries.WithLabelValues(b.name).Inc()
		if b.observer != nil {
			b.observer.StreamRetrying(b.name, cerr)
		}
		if cerr != nil {
			b.log.Warn("connection ended, retrying",
				"stream", b.name,
				"progress", b.strategy.Progress(),
				"interval", interval,
				"error", cerr.Description)
		} else {
			b.log.Warn("connection ended, retrying",
				"stream", b.name,
				"progress", b.strategy.Progress(),
				"interval", interval)
		}
		if !b.sleep(interval) {
			return
		}
	}
}

// streamOnce runs a single connection attempt to completion. It returns
// nil on a clean upstream close and the wire error otherwise.
func (b *Broadcaster[I, O]) streamOnce() error {
	stream, err := b.open(b.ctx)
	if err != nil {
		return err
	}
	if b.observer != nil {
		b.observer.StreamUp(b.name)
	}
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !b.publish(b.transform(msg)) {
			return b.ctx.Err()
		}
	}
}

// publish delivers msg to every attached receiver, blocking until each
// one has buffer space. It reports false when the broadcaster was
// stopped mid-fanout; the message is not re-delivered on restart.
func (b *Broadcaster[I, O]) publish(msg O) bool {
	b.mu.Lock()
	receivers := make([]*Receiver[O], 0, len(b.receivers))
	for r := range b.receivers {
		receivers = append(receivers, r)
	}
	b.mu.Unlock()

	for _, r := range receivers {
		select {
		case <-r.done:
			b.detach(r)
			continue
		default:
		}

		select {
		case r.ch <- msg:
		case <-r.done:
			b.detach(r)
		case <-b.ctx.Done():
			return false
		}
	}
	metrics.MessagesRelayed.WithLabelValues(b.name).Inc()
	return true
}

// detach is only called from the run goroutine, which is the sole
// sender, so closing the channel here is safe.
func (b *Broadcaster[I, O]) detach(r *Receiver[O]) {
	b.mu.Lock()
	_, attached := b.receivers[r]
	delete(b.receivers, r)
	b.mu.Unlock()
	if attached {
		close(r.ch)
	}
}

func (b *Broadcaster[I, O]) closeReceivers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for r := range b.receivers {
		delete(b.receivers, r)
		close(r.ch)
	}
}

// sleep parks for the backoff interval. Even a zero interval goes
// through the timer, so the loop never spins. Reports false when the
// broadcaster was stopped while sleeping.
func (b *Broadcaster[I, O]) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// Receiver is one attached consumer of a broadcaster. Messages arrive
// on Ch, which closes when the broadcaster stops or exhausts its retry
// budget; the two are indistinguishable from the receiver's side.
type Receiver[O any] struct {
	ch   chan O
	done chan struct{}
	once sync.Once
}

// Ch returns the channel messages arrive on.
func (r *Receiver[O]) Ch() <-chan O { return r.ch }

// Close detaches the receiver so it no longer holds back the stream.
// The broadcaster closes the channel on the next publish.
func (r *Receiver[O]) Close() {
	r.once.Do(func() { close(r.done) })
}
