package stream

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/awhitecutchiken/grpc-sub001/bufmem"
	"github.com/awhitecutchiken/grpc-sub001/framing"
	"github.com/awhitecutchiken/grpc-sub001/grpccomp"
)

// TransportHooks is the transport-specific behavior a Stream drives. One
// implementation exists per transport.
//
// InternalSendFrame runs on the goroutine that wrote or closed the stream;
// the remaining hooks run on the transport I/O goroutine, synchronously from
// Deframe or Request.
type TransportHooks interface {
	// InternalSendFrame writes a completed frame buffer to the wire. buf is
	// nil only for a terminal delivery with nothing buffered.
	InternalSendFrame(buf *bufmem.Buffer, endOfStream, flush bool)

	// ReceiveMessage delivers one reassembled inbound message.
	ReceiveMessage(data []byte)

	// InboundDeliveryPaused signals that no further inbound message can be
	// delivered until new bytes or new credit arrive.
	InboundDeliveryPaused()

	// RemoteEndClosed signals a clean inbound end-of-stream.
	RemoteEndClosed()

	// ReturnProcessedBytes reports consumed wire bytes for flow-control
	// credit accounting.
	ReturnProcessedBytes(n int)

	// DeframeFailed reports a wire-level fault on the inbound path. It is
	// invoked at most once per stream; the transport should terminate the
	// stream with an appropriate status.
	DeframeFailed(err error)
}

// Options configures a Stream.
type Options struct {
	// Allocator provides outbound buffers. Defaults to a SimpleAllocator
	// with the package defaults.
	Allocator bufmem.Allocator

	// Compressor, when set, is available for outbound compression and is
	// used to decompress inbound frames with the compressed flag.
	Compressor grpccomp.Compressor

	// CompressOutbound enables outbound compression from the start. It can
	// be toggled later with SetCompression.
	CompressOutbound bool

	// MaxInboundSize and MaxOutboundSize cap message payload sizes.
	// Zero means unlimited.
	MaxInboundSize  int
	MaxOutboundSize int

	// Stats receives per-message size totals. Defaults to a fresh
	// accumulator.
	Stats *Stats
}

// Stream is the per-stream phase engine. It owns one Framer and one
// Deframer for exactly the stream's lifetime and enforces monotonic
// lifecycle transitions independently per direction.
//
// Exactly two goroutines touch a Stream: the application goroutine calls
// WriteMessage, Flush, CloseSend; the transport I/O goroutine calls Request
// and Deframe. Dispose may be called from either.
type Stream struct {
	hooks    TransportHooks
	framer   *framing.Framer
	deframer *framing.Deframer
	stats    *Stats

	outbound phaseTrack // owned by the application goroutine
	inbound  phaseTrack // owned by the transport I/O goroutine

	disposed atomic.Bool
}

// New creates a Stream bound to hooks.
func New(hooks TransportHooks, opts Options) *Stream {
	if opts.Allocator == nil {
		opts.Allocator = bufmem.NewSimpleAllocator(bufmem.DefaultMinBufferSize, bufmem.DefaultMaxBufferSize)
	}
	if opts.Stats == nil {
		opts.Stats = NewStats()
	}

	s := &Stream{
		hooks: hooks,
		stats: opts.Stats,
	}
	s.framer = framing.NewFramer(framerSink{s}, opts.Allocator, opts.Stats)
	s.framer.SetCompressor(opts.Compressor)
	s.framer.SetCompression(opts.CompressOutbound)
	s.framer.SetMaxOutboundSize(opts.MaxOutboundSize)

	s.deframer = framing.NewDeframer(deframerListener{s}, opts.Compressor, opts.Stats)
	s.deframer.SetMaxInboundSize(opts.MaxInboundSize)
	return s
}

// Stats returns the stream's accumulator.
func (s *Stream) Stats() *Stats { return s.stats }

// SetCompression toggles outbound compression for subsequent messages.
func (s *Stream) SetCompression(enabled bool) {
	s.framer.SetCompression(enabled)
}

// WriteMessage stages one outbound message. It moves the outbound track to
// MESSAGE, frames data (a no-op when the framer is already closed, e.g.
// after Dispose), and then invokes onAccepted if non-nil.
//
// onAccepted fires when the message has been staged toward the transport,
// not when it reached the wire; it must not be treated as backpressure.
// Calling WriteMessage after CloseSend is a programming error and panics.
func (s *Stream) WriteMessage(data []byte, onAccepted func()) error {
	s.outbound.advance(PhaseMessage)
	if !s.framer.Closed() {
		if err := s.framer.WritePayload(bytes.NewReader(data)); err != nil {
			return err
		}
	}
	if onAccepted != nil {
		onAccepted()
	}
	return nil
}

// Flush pushes any coalesced outbound bytes to the transport. A no-op once
// the framer is closed.
func (s *Stream) Flush() {
	s.framer.Flush()
}

// CloseSend ends the outbound direction: the outbound track moves to STATUS
// and the framer emits its terminal delivery. Idempotent.
func (s *Stream) CloseSend() {
	s.outbound.advance(PhaseStatus)
	s.framer.Close()
}

// Request grants credit for n more inbound message deliveries.
func (s *Stream) Request(n int) {
	if err := s.deframer.Request(n); err != nil {
		s.deframeFailed(err)
	}
}

// Deframe feeds raw inbound wire bytes to the decoder. Wire-level faults are
// wrapped and routed to the DeframeFailed hook exactly once.
func (s *Stream) Deframe(data []byte, endOfStream bool) {
	if err := s.deframer.Deframe(data, endOfStream); err != nil {
		s.deframeFailed(err)
	}
}

func (s *Stream) deframeFailed(err error) {
	s.inbound.advance(PhaseStatus)
	s.hooks.DeframeFailed(fmt.Errorf("stream: inbound deframe: %w", err))
}

// Dispose shuts down the encoder and decoder without terminal deliveries.
// Callable from either goroutine; idempotent. Pending buffers are released
// by the owning goroutine or abandoned to the collector.
func (s *Stream) Dispose() {
	if s.disposed.Swap(true) {
		return
	}
	s.framer.Dispose()
	s.deframer.Close()
}

// CanSend reports whether the outbound track has not reached STATUS.
func (s *Stream) CanSend() bool { return s.outbound.load() < PhaseStatus }

// CanReceive reports whether the inbound track has not reached STATUS.
func (s *Stream) CanReceive() bool { return s.inbound.load() < PhaseStatus }

// IsClosed reports whether both tracks have reached STATUS. The two loads
// are not synchronized with each other or with the owning goroutines;
// treat the result as advisory only.
func (s *Stream) IsClosed() bool {
	return !s.CanSend() && !s.CanReceive()
}

// OutboundPhase returns the outbound track's phase (advisory from the
// transport goroutine).
func (s *Stream) OutboundPhase() Phase { return s.outbound.load() }

// InboundPhase returns the inbound track's phase (advisory from the
// application goroutine).
func (s *Stream) InboundPhase() Phase { return s.inbound.load() }

// framerSink adapts completed encoder frames to the transport hook.
type framerSink struct {
	s *Stream
}

func (fs framerSink) DeliverFrame(buf *bufmem.Buffer, endOfStream, flush bool) {
	fs.s.hooks.InternalSendFrame(buf, endOfStream, flush)
}

// deframerListener adapts decoder events to the transport hooks and the
// inbound phase track.
type deframerListener struct {
	s *Stream
}

func (dl deframerListener) BytesRead(n int) {
	dl.s.hooks.ReturnProcessedBytes(n)
}

func (dl deframerListener) MessageRead(data []byte) {
	dl.s.inbound.advance(PhaseMessage)
	dl.s.hooks.ReceiveMessage(data)
}

func (dl deframerListener) DeliveryStalled() {
	dl.s.hooks.InboundDeliveryPaused()
}

func (dl deframerListener) EndOfStream() {
	dl.s.inbound.advance(PhaseStatus)
	dl.s.hooks.RemoteEndClosed()
}
