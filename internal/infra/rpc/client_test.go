package rpc

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeStub struct {
	conn grpc.ClientConnInterface
}

func newFakeStub(conn grpc.ClientConnInterface) *fakeStub {
	return &fakeStub{conn: conn}
}

func TestClient_AutoConnect(t *testing.T) {
	c, err := NewClient("grpc://localhost:50051?ssl=false", newFakeStub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Disconnect()

	if !c.Connected() {
		t.Error("client should be connected after NewClient")
	}
	if _, err := c.Stub(); err != nil {
		t.Errorf("Stub() error: %v", err)
	}
	if _, err := c.Conn(); err != nil {
		t.Errorf("Conn() error: %v", err)
	}
}

func TestClient_WithoutAutoConnect(t *testing.T) {
	c, err := NewClient("grpc://localhost:50051?ssl=false", newFakeStub, WithoutAutoConnect())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Connected() {
		t.Fatal("client should not be connected yet")
	}

	var cerr *Error
	if _, err := c.Stub(); !errors.As(err, &cerr) || cerr.Kind != KindNotConnected {
		t.Errorf("Stub() before connect = %v, want a not-connected error", err)
	}
	if _, err := c.Conn(); !errors.As(err, &cerr) || cerr.Kind != KindNotConnected {
		t.Errorf("Conn() before connect = %v, want a not-connected error", err)
	}

	if err := c.Connect(""); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Disconnect()
	if !c.Connected() {
		t.Error("client should be connected after Connect")
	}
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	c, err := NewClient("grpc://localhost:50051?ssl=false", newFakeStub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Disconnect()

	conn, _ := c.Conn()
	if err := c.Connect(""); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	again, _ := c.Conn()
	if conn != again {
		t.Error("reconnecting to the same URL must keep the channel")
	}
}

func TestClient_ConnectNewURL(t *testing.T) {
	c, err := NewClient("grpc://localhost:50051?ssl=false", newFakeStub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Disconnect()

	old, _ := c.Conn()
	if err := c.Connect("grpc://localhost:50052?ssl=false"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if c.ServerURL() != "grpc://localhost:50052?ssl=false" {
		t.Errorf("ServerURL() = %q after reconnect", c.ServerURL())
	}
	fresh, _ := c.Conn()
	if old == fresh {
		t.Error("connecting to a new URL must replace the channel")
	}
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	c, err := NewClient("grpc://localhost:50051?ssl=false", newFakeStub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error: %v", err)
	}
	if c.Connected() {
		t.Error("client should not be connected after Disconnect")
	}
}

func TestCall_ClassifiesWireErrors(t *testing.T) {
	c, err := NewClient("grpc://localhost:50051?ssl=false", newFakeStub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Disconnect()

	_, err = Call(context.Background(), c, "GetThing",
		func(ctx context.Context, stub *fakeStub) (string, error) {
			return "", status.Error(codes.NotFound, "no thing")
		})

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Call() error = %v, want *Error", err)
	}
	if cerr.Kind != KindNotFound || !cerr.Retryable {
		t.Errorf("Kind = %v Retryable = %v, want not_found/true", cerr.Kind, cerr.Retryable)
	}
	if cerr.Operation != "GetThing" {
		t.Errorf("Operation = %q, want GetThing", cerr.Operation)
	}
}

func TestCall_NotConnected(t *testing.T) {
	c, err := NewClient("grpc://localhost:50051?ssl=false", newFakeStub, WithoutAutoConnect())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	called := false
	_, err = Call(context.Background(), c, "GetThing",
		func(ctx context.Context, stub *fakeStub) (string, error) {
			called = true
			return "", nil
		})

	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != KindNotConnected {
		t.Fatalf("Call() error = %v, want a not-connected error", err)
	}
	if called {
		t.Error("operation must not run before the client is connected")
	}
}

func TestCall_Success(t *testing.T) {
	c, err := NewClient("grpc://localhost:50051?ssl=false", newFakeStub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Disconnect()

	out, err := Call(context.Background(), c, "GetThing",
		func(ctx context.Context, stub *fakeStub) (int, error) {
			return 42, nil
		})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if out != 42 {
		t.Errorf("Call() = %d, want 42", out)
	}
}
