// Package grpcwire provides length-prefixed message framing and per-stream
// lifecycle management for RPC transports, plus ready-made transports over
// WebRTC DataChannel (server) and WebSocket (client).
//
// # Architecture
//
//	Application                     Transport
//	     |                              |
//	WriteMessage --> Framer --------> InternalSendFrame (wire frames)
//	     |                              |
//	ReceiveMessage <-- Deframer <---- Deframe (wire bytes + credit)
//	     |                              |
//
// Each message travels as one wire frame: a 1-byte compression flag, a
// 4-byte big-endian payload length, then the payload. The framing package
// encodes and decodes frames; the stream package wraps one encoder and one
// decoder per call and enforces the HEADERS, MESSAGE, STATUS lifecycle per
// direction; the transport package moves frames between peers.
//
// # Quick Start
//
// Server side, on an established WebRTC data channel:
//
//	tr := grpcwire.NewTransport(dataChannel, nil)
//	tr.RegisterHandler("/my.Service/Method", grpcwire.MakeHandler(
//	    protocodec.Proto{},
//	    func(ctx context.Context, req *pb.Request) (*pb.Response, error) {
//	        return &pb.Response{}, nil
//	    }))
//	tr.Start()
//
// Client side, over WebSocket:
//
//	c := grpcwire.NewWebSocketClient(grpcwire.ClientConfig{ServerURL: url})
//	if err := c.Connect(ctx); err != nil { ... }
//	result, err := c.Call(ctx, "/my.Service/Method", reqBytes, nil)
//
// # Subpackages
//
//   - bufmem: buffer allocation with capacity bounds
//   - grpccomp: pluggable compression (gzip, snappy)
//   - framing: wire frame encoder and decoder
//   - stream: per-stream phase engine bridging framing to a transport
//   - status: RPC status codes and trailer metadata
//   - protocodec: message codecs (proto, json, binary)
//   - transport: DataChannel server and WebSocket client transports
//
// For most use cases, use the re-exported types from this package.
package grpcwire

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/awhitecutchiken/grpc-sub001/protocodec"
	"github.com/awhitecutchiken/grpc-sub001/status"
	"github.com/awhitecutchiken/grpc-sub001/stream"
	"github.com/awhitecutchiken/grpc-sub001/transport"
)

// Stream is the per-call phase engine.
type Stream = stream.Stream

// StreamOptions configures a Stream.
type StreamOptions = stream.Options

// TransportHooks is the transport-side contract a Stream drives.
type TransportHooks = stream.TransportHooks

// Phase is a stream lifecycle phase.
type Phase = stream.Phase

// Stream lifecycle phases, in order.
const (
	PhaseHeaders = stream.PhaseHeaders
	PhaseMessage = stream.PhaseMessage
	PhaseStatus  = stream.PhaseStatus
)

// NewStream creates a Stream bound to hooks.
func NewStream(hooks TransportHooks, opts StreamOptions) *Stream {
	return stream.New(hooks, opts)
}

// Status is an RPC termination status.
type Status = status.Status

// Transport is the server-side transport over a WebRTC DataChannel.
type Transport = transport.DataChannelTransport

// TransportOptions configures a Transport.
type TransportOptions = transport.Options

// Handler handles a unary method call.
type Handler = transport.Handler

// StreamingHandler handles a server-streaming method call.
type StreamingHandler = transport.StreamingHandler

// ServerStream lets a streaming handler push response messages.
type ServerStream = transport.ServerStream

// Call is one decoded incoming request.
type Call = transport.Call

// Reply is a unary handler's response.
type Reply = transport.Reply

// WebSocketClient issues calls over a WebSocket connection.
type WebSocketClient = transport.WebSocketClient

// ClientConfig configures a WebSocketClient.
type ClientConfig = transport.ClientConfig

// CallResult is everything a completed call produced.
type CallResult = transport.CallResult

// NewTransport creates a Transport from a WebRTC DataChannel.
// The opts parameter is optional; if nil, defaults are used.
func NewTransport(dc *webrtc.DataChannel, opts *TransportOptions) *Transport {
	return transport.NewDataChannelTransport(dc, opts)
}

// NewWebSocketClient creates a client for config. Call Connect before Call.
func NewWebSocketClient(config ClientConfig) *WebSocketClient {
	return transport.NewWebSocketClient(config)
}

// MakeHandler creates a Handler from a codec and a typed handler function.
//
// Example:
//
//	handler := grpcwire.MakeHandler(protocodec.Proto{},
//	    func(ctx context.Context, req *pb.Request) (*pb.Response, error) {
//	        return &pb.Response{Result: "ok"}, nil
//	    })
func MakeHandler[Req, Resp any](
	codec protocodec.Codec,
	handle func(ctx context.Context, req *Req) (*Resp, error),
) Handler {
	return transport.MakeHandler(codec, handle)
}

// MakeStreamingHandler creates a StreamingHandler from a codec and a typed
// handler function.
func MakeStreamingHandler[Req, Resp any](
	codec protocodec.Codec,
	handle func(ctx context.Context, req *Req, stream *transport.TypedServerStream[Resp]) error,
) StreamingHandler {
	return transport.MakeStreamingHandler(codec, handle)
}
