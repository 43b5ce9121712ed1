package streaming

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/relay/internal/core/retry"
	"github.com/vietddude/relay/internal/infra/rpc"
)

// stubStrategy returns a fixed list of intervals, then exhaustion. It
// returns itself from Copy so tests can observe the call count.
type stubStrategy struct {
	intervals []time.Duration
	calls     int
}

func (s *stubStrategy) NextInterval() (time.Duration, bool) {
	s.calls++
	if len(s.intervals) == 0 {
		return 0, false
	}
	d := s.intervals[0]
	s.intervals = s.intervals[1:]
	return d, true
}

func (s *stubStrategy) Reset()               {}
func (s *stubStrategy) Copy() retry.Strategy { return s }
func (s *stubStrategy) Progress() string     { return "(stub)" }

// chanStream yields messages fed through a channel and honors the
// stream context, like a real grpc client stream.
type chanStream struct {
	ctx context.Context
	ch  <-chan int
}

func (s *chanStream) Recv() (int, error) {
	select {
	case m, ok := <-s.ch:
		if !ok {
			return 0, io.EOF
		}
		return m, nil
	case <-s.ctx.Done():
		return 0, s.ctx.Err()
	}
}

func transform(i int) string { return fmt.Sprintf("transformed_%d", i) }

func collect(t *testing.T, r *Receiver[string], timeout time.Duration) []string {
	t.Helper()
	var items []string
	deadline := time.After(timeout)
	for {
		select {
		case item, ok := <-r.Ch():
			if !ok {
				return items
			}
			items = append(items, item)
		case <-deadline:
			t.Fatalf("timed out waiting for the stream to close, got %v", items)
		}
	}
}

func TestBroadcaster_StreamsAllMessagesThenCloses(t *testing.T) {
	feed := make(chan int, 5)
	for i := 0; i < 5; i++ {
		feed <- i
	}
	close(feed)

	ready := make(chan struct{})
	open := func(ctx context.Context) (Stream[int], error) {
		<-ready
		return &chanStream{ctx: ctx, ch: feed}, nil
	}

	strategy := &stubStrategy{} // exhausted on first call
	var logBuf bytes.Buffer
	b := New("test-stream", open, transform,
		WithRetry(strategy),
		WithLogger(slog.New(slog.NewTextHandler(&logBuf, nil))))
	defer b.Stop()

	r := b.NewReceiver(10)
	close(ready)

	items := collect(t, r, time.Second)
	want := []string{
		"transformed_0", "transformed_1", "transformed_2", "transformed_3", "transformed_4",
	}
	if len(items) != len(want) {
		t.Fatalf("got %d messages %v, want %d", len(items), items, len(want))
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, items[i], want[i])
		}
	}

	if strategy.calls != 1 {
		t.Errorf("strategy consulted %d times, want 1", strategy.calls)
	}
	logs := logBuf.String()
	if got := strings.Count(logs, "retry limit exceeded"); got != 1 {
		t.Errorf("%d retry-limit-exceeded log lines, want 1:\n%s", got, logs)
	}
	// A clean end carries no error detail.
	if strings.Contains(logs, "error=") {
		t.Errorf("clean stream end must not log an error:\n%s", logs)
	}
}

func TestBroadcaster_RetriesAfterWireError(t *testing.T) {
	var attempts atomic.Int32
	open := func(ctx context.Context) (Stream[int], error) {
		if attempts.Add(1) == 1 {
			feed := make(chan int, 1)
			feed <- 1
			return &failingStream{ctx: ctx, ch: feed}, nil
		}
		// Second attempt fails at the factory itself.
		return nil, status.Error(codes.Unavailable, "still down")
	}

	strategy := &stubStrategy{intervals: []time.Duration{0}} // one retry, no wait
	var logBuf bytes.Buffer
	b := New("test-stream", open, transform,
		WithRetry(strategy),
		WithLogger(slog.New(slog.NewTextHandler(&logBuf, nil))))
	defer b.Stop()

	r := b.NewReceiver(10)

	items := collect(t, r, time.Second)
	if len(items) != 1 || items[0] != "transformed_1" {
		t.Fatalf("got %v, want [transformed_1]", items)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("connection attempts = %d, want 2", got)
	}
	if strategy.calls != 2 {
		t.Errorf("strategy consulted %d times, want 2", strategy.calls)
	}

	logs := logBuf.String()
	if !strings.Contains(logs, "retry limit exceeded") {
		t.Errorf("missing retry-limit-exceeded log:\n%s", logs)
	}
	if !strings.Contains(logs, "the service is currently unavailable") {
		t.Errorf("final log must carry the classified error description:\n%s", logs)
	}
}

// failingStream yields the buffered messages, then a wire error.
type failingStream struct {
	ctx context.Context
	ch  chan int
}

func (s *failingStream) Recv() (int, error) {
	select {
	case m := <-s.ch:
		return m, nil
	case <-s.ctx.Done():
		return 0, s.ctx.Err()
	default:
	}
	select {
	case m := <-s.ch:
		return m, nil
	default:
		return 0, status.Error(codes.Unavailable, "connection lost")
	}
}

func TestBroadcaster_SlowReceiverAppliesBackpressure(t *testing.T) {
	feed := make(chan int)
	open := func(ctx context.Context) (Stream[int], error) {
		return &chanStream{ctx: ctx, ch: feed}, nil
	}

	b := New("test-stream", open, transform, WithRetry(&stubStrategy{}))
	defer b.Stop()

	slow := b.NewReceiver(1) // never drained
	fast := b.NewReceiver(10)
	_ = slow

	feed <- 1
	feed <- 2 // fills the slow receiver's buffer; fan-out now stalls
	select {
	case feed <- 3:
		t.Fatal("publisher accepted a third message while a receiver was full")
	case <-time.After(100 * time.Millisecond):
	}

	// The fast receiver got message 1 and at most message 2, never 3.
	var got []string
	timeout := time.After(time.Second)
drain:
	for {
		select {
		case item := <-fast.Ch():
			got = append(got, item)
		case <-timeout:
			t.Fatal("fast receiver never got the first message")
		default:
			if len(got) > 0 {
				break drain
			}
			time.Sleep(time.Millisecond)
		}
	}
	if got[0] != "transformed_1" {
		t.Errorf("first message = %q, want transformed_1", got[0])
	}
	for _, item := range got {
		if item == "transformed_3" {
			t.Error("message 3 must not be delivered while the slow receiver is full")
		}
	}
}

func TestBroadcaster_LateAttachSeesOnlyFutureMessages(t *testing.T) {
	feed := make(chan int)
	open := func(ctx context.Context) (Stream[int], error) {
		return &chanStream{ctx: ctx, ch: feed}, nil
	}

	b := New("test-stream", open, transform, WithRetry(&stubStrategy{}))
	defer b.Stop()

	early := b.NewReceiver(10)
	for i := 1; i <= 3; i++ {
		feed <- i
		select {
		case <-early.Ch():
		case <-time.After(time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	late := b.NewReceiver(10)
	feed <- 4
	feed <- 5
	close(feed)

	items := collect(t, late, time.Second)
	want := []string{"transformed_4", "transformed_5"}
	if len(items) != len(want) {
		t.Fatalf("late receiver got %v, want %v", items, want)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, items[i], want[i])
		}
	}
}

func TestBroadcaster_StopCancelsInFlightRecv(t *testing.T) {
	feed := make(chan int) // never fed: Recv blocks until ctx cancel
	open := func(ctx context.Context) (Stream[int], error) {
		return &chanStream{ctx: ctx, ch: feed}, nil
	}

	b := New("test-stream", open, transform)
	r := b.NewReceiver(1)

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the in-flight Recv")
	}

	if _, ok := <-r.Ch(); ok {
		t.Error("receiver channel must be closed after Stop")
	}
}

func TestBroadcaster_StopCancelsBackoffSleep(t *testing.T) {
	open := func(ctx context.Context) (Stream[int], error) {
		return nil, status.Error(codes.Unavailable, "down")
	}

	b := New("test-stream", open, transform,
		WithRetry(&stubStrategy{intervals: []time.Duration{time.Hour, time.Hour}}))

	time.Sleep(50 * time.Millisecond) // let the loop reach the backoff sleep
	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the backoff sleep")
	}
}

func TestBroadcaster_StopIsIdempotent(t *testing.T) {
	feed := make(chan int)
	close(feed)
	open := func(ctx context.Context) (Stream[int], error) {
		return &chanStream{ctx: ctx, ch: feed}, nil
	}

	b := New("test-stream", open, transform, WithRetry(&stubStrategy{}))
	b.Stop()
	b.Stop() // no-op
}

func TestBroadcaster_NewReceiverAfterStop(t *testing.T) {
	feed := make(chan int)
	close(feed)
	open := func(ctx context.Context) (Stream[int], error) {
		return &chanStream{ctx: ctx, ch: feed}, nil
	}

	b := New("test-stream", open, transform, WithRetry(&stubStrategy{}))
	b.Stop()

	r := b.NewReceiver(10)
	if _, ok := <-r.Ch(); ok {
		t.Error("a receiver attached after stop must start closed")
	}
}

func TestBroadcaster_ClosedReceiverStopsBlockingTheStream(t *testing.T) {
	feed := make(chan int)
	open := func(ctx context.Context) (Stream[int], error) {
		return &chanStream{ctx: ctx, ch: feed}, nil
	}

	b := New("test-stream", open, transform, WithRetry(&stubStrategy{}))
	defer b.Stop()

	blocker := b.NewReceiver(1) // never drained
	fast := b.NewReceiver(10)

	feed <- 1
	feed <- 2 // blocker full, fan-out stalls
	blocker.Close()

	// With the blocker detached, messages flow again.
	select {
	case feed <- 3:
	case <-time.After(time.Second):
		t.Fatal("closing the slow receiver did not release the stream")
	}

	want := map[string]bool{"transformed_1": true, "transformed_2": true, "transformed_3": true}
	for i := 0; i < 3; i++ {
		select {
		case item := <-fast.Ch():
			if !want[item] {
				t.Errorf("unexpected message %q", item)
			}
		case <-time.After(time.Second):
			t.Fatal("fast receiver missed messages after detach")
		}
	}
}

// recordingObserver counts lifecycle notifications.
type recordingObserver struct {
	mu       sync.Mutex
	up       int
	retrying int
	gaveUp   int
	lastKind rpc.Kind
}

func (o *recordingObserver) StreamUp(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.up++
}

func (o *recordingObserver) StreamRetrying(_ string, err *rpc.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retrying++
	if err != nil {
		o.lastKind = err.Kind
	}
}

func (o *recordingObserver) StreamGaveUp(_ string, err *rpc.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gaveUp++
	if err != nil {
		o.lastKind = err.Kind
	}
}

func TestBroadcaster_ObserverSeesLifecycle(t *testing.T) {
	var attempts atomic.Int32
	open := func(ctx context.Context) (Stream[int], error) {
		if attempts.Add(1) == 1 {
			feed := make(chan int, 1)
			feed <- 1
			return &failingStream{ctx: ctx, ch: feed}, nil
		}
		return nil, status.Error(codes.Unavailable, "still down")
	}

	obs := &recordingObserver{}
	b := New("test-stream", open, transform,
		WithRetry(&stubStrategy{intervals: []time.Duration{0}}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithObserver(obs))
	defer b.Stop()

	collect(t, b.NewReceiver(10), time.Second)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.up != 1 {
		t.Errorf("up notifications = %d, want 1", obs.up)
	}
	if obs.retrying != 1 {
		t.Errorf("retrying notifications = %d, want 1", obs.retrying)
	}
	if obs.gaveUp != 1 {
		t.Errorf("gave-up notifications = %d, want 1", obs.gaveUp)
	}
	if obs.lastKind != rpc.KindUnavailable {
		t.Errorf("last error kind = %v, want KindUnavailable", obs.lastKind)
	}
}
