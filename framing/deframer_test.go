package framing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/awhitecutchiken/grpc-sub001/grpccomp"
)

type captureListener struct {
	messages  [][]byte
	bytesRead int
	stalls    int
	eos       bool

	// requestOnMessage re-enters Request from the MessageRead callback.
	requestOnMessage int
	deframer         *Deframer
}

func (l *captureListener) BytesRead(n int) { l.bytesRead += n }

func (l *captureListener) MessageRead(data []byte) {
	l.messages = append(l.messages, data)
	if l.requestOnMessage > 0 && l.deframer != nil {
		n := l.requestOnMessage
		l.requestOnMessage = 0
		l.deframer.Request(n)
	}
}

func (l *captureListener) DeliveryStalled() { l.stalls++ }
func (l *captureListener) EndOfStream()     { l.eos = true }

func newTestDeframer(t *testing.T, c grpccomp.Compressor) (*Deframer, *captureListener) {
	t.Helper()
	l := &captureListener{}
	d := NewDeframer(l, c, nil)
	l.deframer = d
	return d, l
}

// frame builds an uncompressed wire frame around payload.
func frame(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	putHeader(out, false, len(payload))
	copy(out[HeaderSize:], payload)
	return out
}

func TestDeframeSingleMessage(t *testing.T) {
	d, l := newTestDeframer(t, nil)

	require.NoError(t, d.Request(1))
	require.NoError(t, d.Deframe(frame([]byte("hello")), false))

	require.Equal(t, [][]byte{[]byte("hello")}, l.messages)
	require.Equal(t, HeaderSize+5, l.bytesRead)
}

func TestDeframeChunkedArrival(t *testing.T) {
	d, l := newTestDeframer(t, nil)
	wire := frame([]byte{10, 20, 30, 40})

	require.NoError(t, d.Request(1))
	for _, b := range wire[:len(wire)-1] {
		require.NoError(t, d.Deframe([]byte{b}, false))
		require.Empty(t, l.messages)
	}
	require.NoError(t, d.Deframe(wire[len(wire)-1:], false))
	require.Equal(t, [][]byte{{10, 20, 30, 40}}, l.messages)
}

func TestCreditWithholdsDelivery(t *testing.T) {
	d, l := newTestDeframer(t, nil)

	wire := append(frame([]byte{1}), frame([]byte{2})...)
	require.NoError(t, d.Deframe(wire, false))
	require.Empty(t, l.messages, "no credit, no delivery")

	require.NoError(t, d.Request(1))
	require.Len(t, l.messages, 1)

	require.NoError(t, d.Request(1))
	require.Len(t, l.messages, 2)
	require.Equal(t, [][]byte{{1}, {2}}, l.messages)
}

func TestDeliveryStalledOncePerStall(t *testing.T) {
	d, l := newTestDeframer(t, nil)

	// Stall on missing bytes.
	require.NoError(t, d.Request(1))
	require.Equal(t, 1, l.stalls)
	require.NoError(t, d.Request(1))
	require.Equal(t, 2, l.stalls, "new credit re-arms the notification")

	// Bytes arrive, message delivered, then stalled again on empty buffer.
	require.NoError(t, d.Deframe(frame([]byte{9}), false))
	require.Len(t, l.messages, 1)
	require.Equal(t, 3, l.stalls)
}

func TestEndOfStreamCleanBoundary(t *testing.T) {
	d, l := newTestDeframer(t, nil)

	require.NoError(t, d.Request(1))
	require.NoError(t, d.Deframe(frame([]byte("bye")), true))

	require.Len(t, l.messages, 1)
	require.True(t, l.eos)
	require.True(t, d.Closed())
}

func TestEndOfStreamWithPartialFrame(t *testing.T) {
	d, l := newTestDeframer(t, nil)

	require.NoError(t, d.Request(1))
	err := d.Deframe([]byte{0, 0, 0}, true)
	require.Error(t, err)
	require.True(t, IsProtocolError(err))
	require.False(t, l.eos)

	// Terminal: nothing further delivered, no error repeated.
	require.NoError(t, d.Deframe(frame([]byte{1}), false))
	require.Empty(t, l.messages)
}

func TestEndOfStreamHeldUntilCreditDrains(t *testing.T) {
	d, l := newTestDeframer(t, nil)

	require.NoError(t, d.Deframe(frame([]byte{5}), true))
	require.False(t, l.eos, "complete frame still undelivered")

	require.NoError(t, d.Request(1))
	require.Len(t, l.messages, 1)
	require.True(t, l.eos)
}

func TestInvalidFrameFlag(t *testing.T) {
	d, _ := newTestDeframer(t, nil)

	require.NoError(t, d.Request(1))
	err := d.Deframe([]byte{0x42, 0, 0, 0, 0}, false)
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Contains(t, pe.Msg, "invalid frame flag")
}

func TestMaxInboundSize(t *testing.T) {
	d, _ := newTestDeframer(t, nil)
	d.SetMaxInboundSize(2)

	require.NoError(t, d.Request(1))
	err := d.Deframe(frame([]byte{1, 2, 3}), false)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, codes.ResourceExhausted, pe.Code)
}

func TestCompressedFrameWithoutDecompressor(t *testing.T) {
	d, _ := newTestDeframer(t, nil)

	wire := []byte{1, 0, 0, 0, 1, 0xff}
	require.NoError(t, d.Request(1))
	err := d.Deframe(wire, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no decompressor")
}

func TestDecompressionFailure(t *testing.T) {
	d, _ := newTestDeframer(t, grpccomp.Gzip{})

	body := []byte{0xde, 0xad, 0xbe, 0xef}
	wire := make([]byte, HeaderSize+len(body))
	putHeader(wire, true, len(body))
	copy(wire[HeaderSize:], body)

	require.NoError(t, d.Request(1))
	err := d.Deframe(wire, false)
	require.Error(t, err)
	require.True(t, IsProtocolError(err))
}

func TestReentrantRequestFromListener(t *testing.T) {
	d, l := newTestDeframer(t, nil)
	l.requestOnMessage = 1

	wire := append(frame([]byte{1}), frame([]byte{2})...)
	require.NoError(t, d.Deframe(wire, false))
	require.NoError(t, d.Request(1))

	// The reentrant Request(1) issued from inside MessageRead must be
	// honored by the outer delivery loop.
	require.Equal(t, [][]byte{{1}, {2}}, l.messages)
}

func TestDeframerStats(t *testing.T) {
	l := &captureListener{}
	stats := &recordingStats{}
	d := NewDeframer(l, nil, stats)

	require.NoError(t, d.Request(2))
	require.NoError(t, d.Deframe(append(frame([]byte{1, 2}), frame([]byte{3})...), false))

	require.Equal(t, 2, stats.inMsgs)
	require.Equal(t, 3, stats.inUncompressed)
	require.Equal(t, 2*HeaderSize+3, stats.inWire)
}

func TestCloseStopsDelivery(t *testing.T) {
	d, l := newTestDeframer(t, nil)

	require.NoError(t, d.Deframe(frame([]byte{1}), false))
	d.Close()
	require.NoError(t, d.Request(1))
	require.Empty(t, l.messages)
}

// Close is documented as safe from any goroutine while the transport
// goroutine is mid-Deframe; the race detector flags any unsynchronized
// field access between the two.
func TestCloseDuringDeframe(t *testing.T) {
	d, _ := newTestDeframer(t, nil)
	require.NoError(t, d.Request(100))

	done := make(chan struct{})
	go func() {
		defer close(done)
		wire := frame(bytes.Repeat([]byte{42}, 64))
		for i := 0; i < 1000; i++ {
			if d.Deframe(wire, false) != nil || d.Closed() {
				return
			}
		}
	}()

	d.Close()
	<-done
	require.True(t, d.Closed())
}

// Round-trips through a real Framer into the Deframer.
func TestFramerDeframerRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: []byte{}},
		{name: "small", payload: []byte("round trip")},
		{name: "larger than one buffer", payload: bytes.Repeat([]byte{0xab, 0xcd}, 4096)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, l := newTestDeframer(t, nil)
			require.NoError(t, d.Request(1))

			sink := &deframeSink{d: d}
			f := NewFramer(sink, newSmallAllocator(), nil)
			require.NoError(t, f.WritePayload(bytes.NewReader(tt.payload)))
			f.Close()

			require.Len(t, l.messages, 1)
			require.Equal(t, tt.payload, l.messages[0])
			require.True(t, l.eos)
		})
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	for _, name := range []string{"gzip", "snappy"} {
		t.Run(name, func(t *testing.T) {
			c, ok := grpccomp.Lookup(name)
			require.True(t, ok)

			d, l := newTestDeframer(t, c)
			require.NoError(t, d.Request(1))

			sink := &deframeSink{d: d}
			f := NewFramer(sink, newSmallAllocator(), nil)
			f.SetCompressor(c)
			f.SetCompression(true)

			payload := bytes.Repeat([]byte("squeeze me "), 200)
			require.NoError(t, f.WritePayload(bytes.NewReader(payload)))
			f.Close()

			require.Len(t, l.messages, 1)
			require.Equal(t, payload, l.messages[0])
		})
	}
}
