package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/pion/webrtc/v4"
	"google.golang.org/grpc/codes"

	"github.com/awhitecutchiken/grpc-sub001/bufmem"
	"github.com/awhitecutchiken/grpc-sub001/grpccomp"
	"github.com/awhitecutchiken/grpc-sub001/protocodec"
	"github.com/awhitecutchiken/grpc-sub001/status"
	"github.com/awhitecutchiken/grpc-sub001/stream"
)

// ChannelConn abstracts webrtc.DataChannel for testability
type ChannelConn interface {
	Send(data []byte) error
	Close() error
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnClose(f func())
	OnError(f func(err error))
}

// dataChannelAdapter adapts *webrtc.DataChannel to ChannelConn
type dataChannelAdapter struct {
	dc *webrtc.DataChannel
}

func (a *dataChannelAdapter) Send(data []byte) error {
	return a.dc.Send(data)
}

func (a *dataChannelAdapter) Close() error {
	return a.dc.Close()
}

func (a *dataChannelAdapter) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	a.dc.OnMessage(f)
}

func (a *dataChannelAdapter) OnClose(f func()) {
	a.dc.OnClose(f)
}

func (a *dataChannelAdapter) OnError(f func(err error)) {
	a.dc.OnError(f)
}

// Call is one decoded incoming request.
type Call struct {
	// Path is the full method path, "/package.Service/Method".
	Path string
	// Headers is the request metadata from the open envelope.
	Headers map[string]string
	// Message is the first (for unary, only) request message.
	Message []byte
}

// Reply is a unary handler's response.
type Reply struct {
	Headers map[string]string
	Message []byte
}

// Handler handles a unary method call. Returning a *status.Status as the
// error sets the call's grpc-status; any other error maps to Internal.
type Handler func(ctx context.Context, call *Call) (*Reply, error)

// ServerStream lets a streaming handler push response messages.
type ServerStream interface {
	// Send frames message and pushes it to the client immediately.
	Send(message []byte) error
	// Context returns the call context.
	Context() context.Context
}

// StreamingHandler handles a server-streaming method call. It should call
// stream.Send for each response message and return when done; the transport
// sends the end envelope with the resulting status.
type StreamingHandler func(ctx context.Context, call *Call, stream ServerStream) error

// Options configures a DataChannelTransport.
type Options struct {
	// Logger receives transport activity. Defaults to hclog.Default().
	Logger hclog.Logger

	// Timeout bounds each call's handler, default 30s. Zero disables it.
	Timeout time.Duration

	// Allocator provides outbound frame buffers for every call's stream.
	Allocator bufmem.Allocator

	// Compressor, when set, decompresses compressed request frames and,
	// with CompressReplies, compresses response frames.
	Compressor      grpccomp.Compressor
	CompressReplies bool

	// MaxInboundSize and MaxOutboundSize cap per-message payload sizes.
	MaxInboundSize  int
	MaxOutboundSize int

	// Metrics, when set, receives per-message counters for every call.
	Metrics *gometrics.Metrics
}

// DefaultOptions returns the default transport options.
func DefaultOptions() *Options {
	return &Options{
		Timeout: 30 * time.Second,
	}
}

// DataChannelTransport serves calls arriving over a WebRTC DataChannel.
// Each open envelope becomes one call with its own stream; responses go
// back as data envelopes terminated by an end envelope.
type DataChannelTransport struct {
	ch      ChannelConn
	logger  hclog.Logger
	options *Options

	mu                sync.RWMutex
	handlers          map[string]Handler
	streamingHandlers map[string]StreamingHandler
	closed            bool
	onClose           func()
}

// NewDataChannelTransport creates a transport serving dc.
func NewDataChannelTransport(dc *webrtc.DataChannel, opts *Options) *DataChannelTransport {
	return NewChannelTransport(&dataChannelAdapter{dc: dc}, opts)
}

// NewChannelTransport creates a transport from any ChannelConn, such as a
// WebSocketChannel.
func NewChannelTransport(ch ChannelConn, opts *Options) *DataChannelTransport {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.Default()
	}

	return &DataChannelTransport{
		ch:                ch,
		logger:            logger.Named("transport"),
		options:           opts,
		handlers:          make(map[string]Handler),
		streamingHandlers: make(map[string]StreamingHandler),
	}
}

// RegisterHandler registers a unary handler for a method path.
// path should be in format "/package.Service/Method"
func (t *DataChannelTransport) RegisterHandler(path string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[path] = handler
}

// RegisterStreamingHandler registers a streaming handler for a method path.
func (t *DataChannelTransport) RegisterStreamingHandler(path string, handler StreamingHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamingHandlers[path] = handler
}

// UnregisterHandler removes any handler for path.
func (t *DataChannelTransport) UnregisterHandler(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, path)
	delete(t.streamingHandlers, path)
}

// RegisteredMethods returns all registered method paths.
func (t *DataChannelTransport) RegisteredMethods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	methods := make([]string, 0, len(t.handlers)+len(t.streamingHandlers))
	for path := range t.handlers {
		methods = append(methods, path)
	}
	for path := range t.streamingHandlers {
		if _, dup := t.handlers[path]; !dup {
			methods = append(methods, path)
		}
	}
	return methods
}

// OnClose sets a callback invoked when the channel closes.
func (t *DataChannelTransport) OnClose(callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = callback
}

// Start begins listening for incoming calls.
// This should be called after all handlers are registered.
func (t *DataChannelTransport) Start() {
	t.ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.logger.Debug("received channel message", "bytes", len(msg.Data))
		t.handleMessage(msg.Data)
	})

	t.ch.OnClose(func() {
		t.mu.Lock()
		t.closed = true
		onClose := t.onClose
		t.mu.Unlock()

		if onClose != nil {
			onClose()
		}
	})

	t.ch.OnError(func(err error) {
		t.logger.Error("channel error", "error", err)
	})
}

// handleMessage processes one incoming envelope.
func (t *DataChannelTransport) handleMessage(data []byte) {
	typ, err := EnvelopeType(data)
	if err != nil {
		t.logger.Error("dropping malformed envelope", "error", err)
		return
	}
	if typ != msgOpen {
		// A server only consumes open envelopes; data and end flow the
		// other way.
		t.logger.Warn("dropping unexpected envelope", "type", fmt.Sprintf("0x%02x", typ))
		return
	}

	open, err := DecodeOpen(data)
	if err != nil {
		t.logger.Error("failed to decode open envelope", "error", err)
		return
	}

	call, cs, st, decodeErr := t.decodeCall(open)
	defer st.Dispose()

	replyHeaders := make(map[string]string)
	if reqID, ok := open.Headers["x-request-id"]; ok {
		replyHeaders["x-request-id"] = reqID
	}

	if decodeErr != nil {
		t.logger.Error("failed to decode call", "path", open.Path, "error", decodeErr)
		t.sendEnd(open.CallID, replyHeaders, status.Newf(codes.InvalidArgument, "decoding request: %v", decodeErr))
		return
	}

	t.mu.RLock()
	streamingHandler, isStreaming := t.streamingHandlers[call.Path]
	handler, isUnary := t.handlers[call.Path]
	t.mu.RUnlock()

	if !isUnary && !isStreaming {
		t.logger.Warn("no handler registered", "path", call.Path)
		t.sendEnd(open.CallID, replyHeaders, status.Newf(codes.Unimplemented, "method %s is not implemented", call.Path))
		return
	}

	ctx := context.Background()
	if t.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.options.Timeout)
		defer cancel()
	}

	if isStreaming {
		ss := &serverStream{cs: cs, st: st, ctx: ctx}
		err := streamingHandler(ctx, call, ss)
		st.CloseSend()
		if cs.sendErr != nil && err == nil {
			err = cs.sendErr
		}
		if err != nil {
			t.logger.Error("streaming handler failed", "path", call.Path, "error", err)
		}
		t.sendEnd(open.CallID, replyHeaders, status.FromError(err))
		return
	}

	reply, err := handler(ctx, call)
	if err != nil {
		t.logger.Error("handler failed", "path", call.Path, "error", err)
		st.CloseSend()
		t.sendEnd(open.CallID, replyHeaders, status.FromError(err))
		return
	}

	for k, v := range reply.Headers {
		replyHeaders[k] = v
	}
	if reply.Message != nil {
		if werr := st.WriteMessage(reply.Message, nil); werr != nil {
			t.logger.Error("failed to frame reply", "path", call.Path, "error", werr)
			st.CloseSend()
			t.sendEnd(open.CallID, replyHeaders, status.FromError(werr))
			return
		}
	}
	st.CloseSend()
	if cs.sendErr != nil {
		t.logger.Error("failed to send reply", "path", call.Path, "error", cs.sendErr)
		return
	}
	t.sendEnd(open.CallID, replyHeaders, status.New(codes.OK, ""))
}

// decodeCall runs the open envelope's wire frames through a fresh stream
// and assembles the Call. The returned stream is reused for the response
// direction; the caller must Dispose it.
func (t *DataChannelTransport) decodeCall(open *Open) (*Call, *callSession, *stream.Stream, error) {
	cs := &callSession{
		callID: open.CallID,
		send: func(frames []byte) error {
			return t.send(EncodeData(Data{CallID: open.CallID, Frames: frames}))
		},
	}
	st := stream.New(cs, t.callStreamOptions())
	cs.st = st

	st.Request(1)
	st.Deframe(open.Frames, true)
	if cs.deframeErr != nil {
		return nil, cs, st, cs.deframeErr
	}
	if len(cs.received) == 0 {
		return nil, cs, st, fmt.Errorf("open envelope carried no request message")
	}

	return &Call{
		Path:    open.Path,
		Headers: open.Headers,
		Message: cs.received[0],
	}, cs, st, nil
}

func (t *DataChannelTransport) callStreamOptions() stream.Options {
	opts := stream.Options{
		Allocator:        t.options.Allocator,
		Compressor:       t.options.Compressor,
		CompressOutbound: t.options.CompressReplies,
		MaxInboundSize:   t.options.MaxInboundSize,
		MaxOutboundSize:  t.options.MaxOutboundSize,
	}
	if t.options.Metrics != nil {
		opts.Stats = stream.NewStats().WithMetrics(t.options.Metrics, "transport")
	}
	return opts
}

// serverStream implements ServerStream on top of a call's stream.
type serverStream struct {
	cs  *callSession
	st  *stream.Stream
	ctx context.Context
}

func (s *serverStream) Send(message []byte) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if err := s.st.WriteMessage(message, nil); err != nil {
		return err
	}
	s.st.Flush()
	s.cs.flushPending()
	return s.cs.sendErr
}

func (s *serverStream) Context() context.Context {
	return s.ctx
}

// sendEnd terminates a call on the wire with headers and a status trailer.
func (t *DataChannelTransport) sendEnd(callID string, headers map[string]string, st *status.Status) {
	data, err := EncodeEnd(End{
		CallID:   callID,
		Headers:  headers,
		Trailers: status.EncodeTrailers(st.Trailers()),
	})
	if err != nil {
		t.logger.Error("failed to encode end envelope", "call", callID, "error", err)
		return
	}
	if err := t.send(data); err != nil {
		t.logger.Error("failed to send end envelope", "call", callID, "error", err)
	}
}

func (t *DataChannelTransport) send(data []byte) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return fmt.Errorf("transport is closed")
	}
	return t.ch.Send(data)
}

// Close closes the transport and its channel.
func (t *DataChannelTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	onClose := t.onClose
	t.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return t.ch.Close()
}

// MakeHandler creates a Handler from a codec and a typed handler function.
//
// Example:
//
//	handler := MakeHandler(protocodec.Proto{},
//	    func(ctx context.Context, req *pb.Request) (*pb.Response, error) {
//	        return &pb.Response{...}, nil
//	    })
func MakeHandler[Req, Resp any](
	codec protocodec.Codec,
	handle func(ctx context.Context, req *Req) (*Resp, error),
) Handler {
	return func(ctx context.Context, call *Call) (*Reply, error) {
		req := new(Req)
		if err := codec.Unmarshal(call.Message, req); err != nil {
			return nil, status.Newf(codes.InvalidArgument, "unmarshaling request: %v", err)
		}

		resp, err := handle(ctx, req)
		if err != nil {
			return nil, err
		}

		data, err := codec.Marshal(resp)
		if err != nil {
			return nil, status.Newf(codes.Internal, "marshaling response: %v", err)
		}
		return &Reply{Message: data}, nil
	}
}

// TypedServerStream wraps a ServerStream with a codec.
type TypedServerStream[Resp any] struct {
	stream ServerStream
	codec  protocodec.Codec
}

// Send marshals msg and pushes it to the client.
func (s *TypedServerStream[Resp]) Send(msg *Resp) error {
	data, err := s.codec.Marshal(msg)
	if err != nil {
		return status.Newf(codes.Internal, "marshaling response: %v", err)
	}
	return s.stream.Send(data)
}

// Context returns the call context.
func (s *TypedServerStream[Resp]) Context() context.Context {
	return s.stream.Context()
}

// MakeStreamingHandler creates a StreamingHandler from a codec and a typed
// handler function.
func MakeStreamingHandler[Req, Resp any](
	codec protocodec.Codec,
	handle func(ctx context.Context, req *Req, stream *TypedServerStream[Resp]) error,
) StreamingHandler {
	return func(ctx context.Context, call *Call, ss ServerStream) error {
		req := new(Req)
		if err := codec.Unmarshal(call.Message, req); err != nil {
			return status.Newf(codes.InvalidArgument, "unmarshaling request: %v", err)
		}
		return handle(ctx, req, &TypedServerStream[Resp]{stream: ss, codec: codec})
	}
}
