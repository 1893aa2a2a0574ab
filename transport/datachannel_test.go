package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pion/webrtc/v4"
	"google.golang.org/grpc/codes"

	"github.com/awhitecutchiken/grpc-sub001/protocodec"
	"github.com/awhitecutchiken/grpc-sub001/status"
)

// mockDataChannel is a mock implementation of ChannelConn for testing
type mockDataChannel struct {
	onMessage    func(msg webrtc.DataChannelMessage)
	onClose      func()
	onError      func(err error)
	sentMessages [][]byte
	closed       bool
}

func newMockDataChannel() *mockDataChannel {
	return &mockDataChannel{
		sentMessages: make([][]byte, 0),
	}
}

func (m *mockDataChannel) Send(data []byte) error {
	m.sentMessages = append(m.sentMessages, data)
	return nil
}

func (m *mockDataChannel) Close() error {
	m.closed = true
	if m.onClose != nil {
		m.onClose()
	}
	return nil
}

func (m *mockDataChannel) OnMessage(handler func(msg webrtc.DataChannelMessage)) {
	m.onMessage = handler
}

func (m *mockDataChannel) OnClose(handler func()) {
	m.onClose = handler
}

func (m *mockDataChannel) OnError(handler func(err error)) {
	m.onError = handler
}

func (m *mockDataChannel) simulateMessage(data []byte) {
	if m.onMessage != nil {
		m.onMessage(webrtc.DataChannelMessage{Data: data})
	}
}

func testOptions() *Options {
	opts := DefaultOptions()
	opts.Logger = hclog.NewNullLogger()
	return opts
}

// frameMsg wraps payload in one uncompressed wire frame.
func frameMsg(payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	copy(frame[5:], payload)
	return frame
}

// parseFrames splits uncompressed wire frames back into payloads.
func parseFrames(t *testing.T, frames []byte) [][]byte {
	t.Helper()
	var payloads [][]byte
	for len(frames) > 0 {
		if len(frames) < 5 {
			t.Fatalf("trailing garbage: %v", frames)
		}
		if frames[0] != 0 {
			t.Fatalf("unexpected compression flag %d", frames[0])
		}
		n := int(binary.BigEndian.Uint32(frames[1:5]))
		if len(frames) < 5+n {
			t.Fatalf("frame truncated: want %d payload bytes, have %d", n, len(frames)-5)
		}
		payloads = append(payloads, frames[5:5+n])
		frames = frames[5+n:]
	}
	return payloads
}

func encodeTestOpen(t *testing.T, callID, path string, headers map[string]string, message []byte) []byte {
	t.Helper()
	data, err := EncodeOpen(Open{
		CallID:  callID,
		Path:    path,
		Headers: headers,
		Frames:  frameMsg(message),
	})
	if err != nil {
		t.Fatalf("EncodeOpen: %v", err)
	}
	return data
}

// decodeTestEnd decodes an end envelope and its status.
func decodeTestEnd(t *testing.T, data []byte) (*End, *status.Status) {
	t.Helper()
	end, err := DecodeEnd(data)
	if err != nil {
		t.Fatalf("DecodeEnd: %v", err)
	}
	return end, status.FromTrailers(status.ParseTrailers(end.Trailers))
}

func TestNewTransportDefaults(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, nil)

	if tr == nil {
		t.Fatal("expected non-nil transport")
	}
	if tr.ch != dc {
		t.Error("transport should reference the channel")
	}
	if tr.options.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", tr.options.Timeout)
	}
}

func TestRegisterAndUnregisterHandler(t *testing.T) {
	tr := NewChannelTransport(newMockDataChannel(), testOptions())

	tr.RegisterHandler("/test.Service/Unary", func(ctx context.Context, call *Call) (*Reply, error) {
		return &Reply{}, nil
	})
	tr.RegisterStreamingHandler("/test.Service/Stream", func(ctx context.Context, call *Call, ss ServerStream) error {
		return nil
	})

	methods := tr.RegisteredMethods()
	if len(methods) != 2 {
		t.Fatalf("RegisteredMethods = %v, want 2 entries", methods)
	}

	tr.UnregisterHandler("/test.Service/Unary")
	tr.UnregisterHandler("/test.Service/Stream")
	if got := tr.RegisteredMethods(); len(got) != 0 {
		t.Errorf("RegisteredMethods after unregister = %v", got)
	}
}

func TestUnaryCall(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.RegisterHandler("/echo.Echo/Echo", func(ctx context.Context, call *Call) (*Reply, error) {
		return &Reply{Message: append([]byte("re: "), call.Message...)}, nil
	})
	tr.Start()

	headers := map[string]string{"x-request-id": "req-42"}
	dc.simulateMessage(encodeTestOpen(t, "call-1", "/echo.Echo/Echo", headers, []byte("hello")))

	if len(dc.sentMessages) != 2 {
		t.Fatalf("sent %d messages, want data + end", len(dc.sentMessages))
	}

	data, err := DecodeData(dc.sentMessages[0])
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if data.CallID != "call-1" {
		t.Errorf("data callID = %q", data.CallID)
	}
	payloads := parseFrames(t, data.Frames)
	if len(payloads) != 1 || string(payloads[0]) != "re: hello" {
		t.Errorf("response payloads = %q", payloads)
	}

	end, stat := decodeTestEnd(t, dc.sentMessages[1])
	if end.CallID != "call-1" {
		t.Errorf("end callID = %q", end.CallID)
	}
	if stat.Code != codes.OK {
		t.Errorf("status = %v, want OK", stat)
	}
	if end.Headers["x-request-id"] != "req-42" {
		t.Errorf("x-request-id not echoed: %v", end.Headers)
	}
}

func TestUnimplementedMethod(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.Start()

	dc.simulateMessage(encodeTestOpen(t, "call-1", "/no.Such/Method", nil, []byte("x")))

	if len(dc.sentMessages) != 1 {
		t.Fatalf("sent %d messages, want end only", len(dc.sentMessages))
	}
	_, stat := decodeTestEnd(t, dc.sentMessages[0])
	if stat.Code != codes.Unimplemented {
		t.Errorf("status = %v, want Unimplemented", stat)
	}
}

func TestHandlerStatusError(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.RegisterHandler("/test.Service/Fail", func(ctx context.Context, call *Call) (*Reply, error) {
		return nil, status.New(codes.FailedPrecondition, "not ready")
	})
	tr.Start()

	dc.simulateMessage(encodeTestOpen(t, "call-1", "/test.Service/Fail", nil, []byte("x")))

	if len(dc.sentMessages) != 1 {
		t.Fatalf("sent %d messages, want end only", len(dc.sentMessages))
	}
	_, stat := decodeTestEnd(t, dc.sentMessages[0])
	if stat.Code != codes.FailedPrecondition || stat.Message != "not ready" {
		t.Errorf("status = %v", stat)
	}
}

func TestHandlerPlainError(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.RegisterHandler("/test.Service/Fail", func(ctx context.Context, call *Call) (*Reply, error) {
		return nil, fmt.Errorf("boom")
	})
	tr.Start()

	dc.simulateMessage(encodeTestOpen(t, "call-1", "/test.Service/Fail", nil, []byte("x")))

	_, stat := decodeTestEnd(t, dc.sentMessages[len(dc.sentMessages)-1])
	if stat.Code != codes.Internal {
		t.Errorf("status = %v, want Internal", stat)
	}
}

func TestStreamingCall(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.RegisterStreamingHandler("/test.Service/Count", func(ctx context.Context, call *Call, ss ServerStream) error {
		for i := 0; i < 3; i++ {
			if err := ss.Send([]byte(fmt.Sprintf("msg-%d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	tr.Start()

	dc.simulateMessage(encodeTestOpen(t, "call-1", "/test.Service/Count", nil, []byte("start")))

	// One data envelope per Send plus the final end envelope.
	if len(dc.sentMessages) != 4 {
		t.Fatalf("sent %d messages, want 4", len(dc.sentMessages))
	}
	for i := 0; i < 3; i++ {
		d, err := DecodeData(dc.sentMessages[i])
		if err != nil {
			t.Fatalf("DecodeData(%d): %v", i, err)
		}
		payloads := parseFrames(t, d.Frames)
		if len(payloads) != 1 || string(payloads[0]) != fmt.Sprintf("msg-%d", i) {
			t.Errorf("envelope %d payloads = %q", i, payloads)
		}
	}
	_, stat := decodeTestEnd(t, dc.sentMessages[3])
	if stat.Code != codes.OK {
		t.Errorf("status = %v, want OK", stat)
	}
}

func TestStreamingHandlerError(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.RegisterStreamingHandler("/test.Service/Fail", func(ctx context.Context, call *Call, ss ServerStream) error {
		return status.New(codes.Aborted, "gave up")
	})
	tr.Start()

	dc.simulateMessage(encodeTestOpen(t, "call-1", "/test.Service/Fail", nil, []byte("x")))

	_, stat := decodeTestEnd(t, dc.sentMessages[len(dc.sentMessages)-1])
	if stat.Code != codes.Aborted {
		t.Errorf("status = %v, want Aborted", stat)
	}
}

func TestOpenWithoutMessage(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.Start()

	open, err := EncodeOpen(Open{CallID: "call-1", Path: "/p", Frames: nil})
	if err != nil {
		t.Fatalf("EncodeOpen: %v", err)
	}
	dc.simulateMessage(open)

	if len(dc.sentMessages) != 1 {
		t.Fatalf("sent %d messages, want end only", len(dc.sentMessages))
	}
	_, stat := decodeTestEnd(t, dc.sentMessages[0])
	if stat.Code != codes.InvalidArgument {
		t.Errorf("status = %v, want InvalidArgument", stat)
	}
}

func TestMalformedEnvelopeIgnored(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.Start()

	dc.simulateMessage(nil)
	dc.simulateMessage([]byte{0x7f, 1, 2})
	dc.simulateMessage(EncodeData(Data{CallID: "c"}))

	if len(dc.sentMessages) != 0 {
		t.Errorf("sent %d messages, want none", len(dc.sentMessages))
	}
}

func TestSendAfterClose(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.Start()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !dc.closed {
		t.Error("channel not closed")
	}
	if err := tr.send([]byte{1}); err == nil {
		t.Error("send after close should fail")
	}
	// Close is idempotent.
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOnCloseCallback(t *testing.T) {
	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	called := false
	tr.OnClose(func() { called = true })
	tr.Start()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !called {
		t.Error("OnClose callback not invoked")
	}
}

func TestMakeHandler(t *testing.T) {
	type testRequest struct {
		Value string `json:"value"`
	}
	type testResponse struct {
		Result string `json:"result"`
	}

	handler := MakeHandler(protocodec.JSON{},
		func(ctx context.Context, req *testRequest) (*testResponse, error) {
			return &testResponse{Result: "got " + req.Value}, nil
		})

	reply, err := handler(context.Background(), &Call{
		Path:    "/t/t",
		Message: []byte(`{"value":"v1"}`),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(reply.Message) != `{"result":"got v1"}` {
		t.Errorf("reply = %s", reply.Message)
	}

	_, err = handler(context.Background(), &Call{Message: []byte("not json")})
	stat := status.FromError(err)
	if stat.Code != codes.InvalidArgument {
		t.Errorf("status = %v, want InvalidArgument", stat)
	}
}

func TestMakeStreamingHandler(t *testing.T) {
	type testRequest struct {
		Count int `json:"count"`
	}
	type testResponse struct {
		N int `json:"n"`
	}

	dc := newMockDataChannel()
	tr := NewChannelTransport(dc, testOptions())
	tr.RegisterStreamingHandler("/test.Service/Count", MakeStreamingHandler(protocodec.JSON{},
		func(ctx context.Context, req *testRequest, stream *TypedServerStream[testResponse]) error {
			for i := 0; i < req.Count; i++ {
				if err := stream.Send(&testResponse{N: i}); err != nil {
					return err
				}
			}
			return nil
		}))
	tr.Start()

	dc.simulateMessage(encodeTestOpen(t, "call-1", "/test.Service/Count", nil, []byte(`{"count":2}`)))

	if len(dc.sentMessages) != 3 {
		t.Fatalf("sent %d messages, want 3", len(dc.sentMessages))
	}
	d, err := DecodeData(dc.sentMessages[1])
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	payloads := parseFrames(t, d.Frames)
	if len(payloads) != 1 || string(payloads[0]) != `{"n":1}` {
		t.Errorf("payloads = %q", payloads)
	}
}
