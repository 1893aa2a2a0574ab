package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc/codes"

	"github.com/awhitecutchiken/grpc-sub001/bufmem"
	"github.com/awhitecutchiken/grpc-sub001/grpccomp"
	"github.com/awhitecutchiken/grpc-sub001/status"
	"github.com/awhitecutchiken/grpc-sub001/stream"
)

// ClientConfig configures a WebSocketClient.
type ClientConfig struct {
	// ServerURL is the WebSocket URL, e.g. "wss://example.com/rpc".
	ServerURL string

	// PingInterval between keepalive pings, default 30s.
	PingInterval time.Duration

	// Logger receives client activity. Defaults to hclog.Default().
	Logger hclog.Logger

	// Allocator provides outbound frame buffers for every call's stream.
	Allocator bufmem.Allocator

	// Compressor, when set, decompresses compressed response frames and,
	// with CompressRequests, compresses request frames.
	Compressor       grpccomp.Compressor
	CompressRequests bool

	// MaxInboundSize and MaxOutboundSize cap per-message payload sizes.
	MaxInboundSize  int
	MaxOutboundSize int

	// Metrics, when set, receives per-message counters for every call.
	Metrics *gometrics.Metrics
}

// CallResult is everything a completed call produced.
type CallResult struct {
	// Messages are the response messages in arrival order.
	Messages [][]byte
	// Headers are the response metadata from the end envelope.
	Headers map[string]string
	// Trailers are the parsed trailer metadata, grpc-status included.
	Trailers map[string]string
	// Status is the call's termination status.
	Status *status.Status
}

// WebSocketClient issues calls to a server speaking the envelope protocol
// over binary WebSocket messages. Calls multiplex over one connection,
// keyed by call ID; each call gets its own stream for framing.
type WebSocketClient struct {
	config ClientConfig
	logger hclog.Logger

	mu          sync.RWMutex
	conn        *websocket.Conn
	isConnected bool
	connecting  bool
	calls       map[string]*pendingCall
	ctx         context.Context
	cancel      context.CancelFunc

	// writeMu serializes writes; gorilla/websocket allows one writer.
	writeMu sync.Mutex
}

// pendingCall tracks one in-flight call on the connection.
type pendingCall struct {
	cs *callSession
	st *stream.Stream

	headers  map[string]string
	trailers map[string]string
	stat     *status.Status

	finishOnce sync.Once
	done       chan struct{}
}

func (pc *pendingCall) finish(stat *status.Status) {
	pc.finishOnce.Do(func() {
		pc.stat = stat
		close(pc.done)
	})
}

// NewWebSocketClient creates a client for config. Call Connect before Call.
func NewWebSocketClient(config ClientConfig) *WebSocketClient {
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	return &WebSocketClient{
		config: config,
		logger: logger.Named("ws-client"),
		calls:  make(map[string]*pendingCall),
	}
}

// Connect establishes the WebSocket connection and starts the read and
// keepalive pumps. Calling Connect on a connected client, or while another
// Connect is dialing, is a no-op.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.isConnected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.ServerURL, nil)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	c.isConnected = true
	c.mu.Unlock()

	go c.readPump()
	go c.pingPump()
	return nil
}

// IsConnected returns connection status.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// Call issues one call and waits for the server's end envelope. message is
// the request message; headers travel in the open envelope. The returned
// error is the call's non-OK status, if any; the CallResult is populated
// either way once the server terminated the call.
func (c *WebSocketClient) Call(ctx context.Context, path string, message []byte, headers map[string]string) (*CallResult, error) {
	c.mu.RLock()
	connected := c.isConnected
	c.mu.RUnlock()
	if !connected {
		return nil, fmt.Errorf("not connected")
	}

	callID := uuid.NewString()

	// Frame the request with a dedicated stream; the frames land in the
	// session via the send hook and go out inside the open envelope.
	var requestFrames []byte
	cs := &callSession{
		callID: callID,
		send: func(frames []byte) error {
			requestFrames = append(requestFrames, frames...)
			return nil
		},
	}
	st := stream.New(cs, c.callStreamOptions())
	cs.st = st
	defer st.Dispose()

	if err := st.WriteMessage(message, nil); err != nil {
		return nil, fmt.Errorf("framing request: %w", err)
	}
	st.CloseSend()

	pc := &pendingCall{cs: cs, st: st, done: make(chan struct{})}
	c.mu.Lock()
	c.calls[callID] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, callID)
		c.mu.Unlock()
	}()

	// One credit up front; each delivered message re-grants from the
	// receive hook.
	st.Request(1)

	open, err := EncodeOpen(Open{
		CallID:  callID,
		Path:    path,
		Headers: headers,
		Frames:  requestFrames,
	})
	if err != nil {
		return nil, err
	}
	if err := c.write(open); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pc.done:
	}

	result := &CallResult{
		Messages: cs.received,
		Headers:  pc.headers,
		Trailers: pc.trailers,
		Status:   pc.stat,
	}
	return result, pc.stat.Err()
}

func (c *WebSocketClient) callStreamOptions() stream.Options {
	opts := stream.Options{
		Allocator:        c.config.Allocator,
		Compressor:       c.config.Compressor,
		CompressOutbound: c.config.CompressRequests,
		MaxInboundSize:   c.config.MaxInboundSize,
		MaxOutboundSize:  c.config.MaxOutboundSize,
	}
	if c.config.Metrics != nil {
		opts.Stats = stream.NewStats().WithMetrics(c.config.Metrics, "transport")
	}
	return opts
}

func (c *WebSocketClient) write(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.mu.Lock()
		c.isConnected = false
		pending := c.calls
		c.calls = make(map[string]*pendingCall)
		c.mu.Unlock()

		for _, pc := range pending {
			pc.finish(status.New(codes.Unavailable, "connection closed"))
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("websocket read failed", "error", err)
			}
			return
		}

		c.handleMessage(message)
	}
}

func (c *WebSocketClient) handleMessage(data []byte) {
	typ, err := EnvelopeType(data)
	if err != nil {
		c.logger.Error("dropping malformed envelope", "error", err)
		return
	}

	switch typ {
	case msgData:
		d, err := DecodeData(data)
		if err != nil {
			c.logger.Error("failed to decode data envelope", "error", err)
			return
		}
		pc := c.lookupCall(d.CallID)
		if pc == nil {
			c.logger.Warn("data envelope for unknown call", "call", d.CallID)
			return
		}
		pc.st.Deframe(d.Frames, false)
		if pc.cs.deframeErr != nil {
			pc.finish(status.FromError(pc.cs.deframeErr))
		}

	case msgEnd:
		e, err := DecodeEnd(data)
		if err != nil {
			c.logger.Error("failed to decode end envelope", "error", err)
			return
		}
		pc := c.lookupCall(e.CallID)
		if pc == nil {
			c.logger.Warn("end envelope for unknown call", "call", e.CallID)
			return
		}
		pc.st.Deframe(nil, true)
		pc.headers = e.Headers
		pc.trailers = status.ParseTrailers(e.Trailers)
		if pc.cs.deframeErr != nil {
			pc.finish(status.FromError(pc.cs.deframeErr))
			return
		}
		pc.finish(status.FromTrailers(pc.trailers))

	case msgOpen:
		// Servers never open calls toward a client.
		c.logger.Warn("dropping unexpected open envelope")
	}
}

func (c *WebSocketClient) lookupCall(callID string) *pendingCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls[callID]
}

func (c *WebSocketClient) pingPump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// Close disconnects and fails any in-flight calls with Unavailable.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	if !c.isConnected && c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.isConnected = false
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	pending := c.calls
	c.calls = make(map[string]*pendingCall)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, pc := range pending {
		pc.finish(status.New(codes.Unavailable, "client closed"))
	}

	var errs *multierror.Error
	if conn != nil {
		c.writeMu.Lock()
		if err := conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.writeMu.Unlock()
		if err := conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
