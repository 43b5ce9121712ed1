package rpc

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
)

// rawCodec passes frames through untouched so the relay can subscribe
// to server-streaming methods without importing their generated message
// types.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	frame, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
	}
	return *frame, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	frame, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}
	*frame = data
	return nil
}

func (rawCodec) Name() string { return "relay-raw" }

// RawStream yields the opaque byte frames of one server-streaming call.
type RawStream struct {
	cs grpc.ClientStream
}

// Recv returns the next frame. It returns io.EOF when the server closes
// the stream cleanly and a status error otherwise.
func (s *RawStream) Recv() ([]byte, error) {
	var frame []byte
	if err := s.cs.RecvMsg(&frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// OpenRawStream starts a server-streaming call on a full method name
// like "/pkg.Service/Subscribe", sending an empty request. Cancelling
// ctx tears the stream down.
func OpenRawStream(ctx context.Context, conn *grpc.ClientConn, method string) (*RawStream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    methodName(method),
		ServerStreams: true,
	}
	cs, err := conn.NewStream(ctx, desc, method, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return nil, err
	}

	var request []byte
	if err := cs.SendMsg(&request); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &RawStream{cs: cs}, nil
}

func methodName(method string) string {
	if i := strings.LastIndex(method, "/"); i >= 0 {
		return method[i+1:]
	}
	return method
}
