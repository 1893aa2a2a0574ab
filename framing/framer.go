package framing

import (
	"fmt"
	"io"
	"sync/atomic"

	"google.golang.org/grpc/codes"

	"github.com/awhitecutchiken/grpc-sub001/bufmem"
	"github.com/awhitecutchiken/grpc-sub001/grpccomp"
)

// Sink consumes the buffers a Framer produces. DeliverFrame is invoked
// synchronously on the goroutine that called the Framer; buf is nil only for
// a Close with nothing buffered. endOfStream marks the terminal delivery of
// the stream; flush indicates the transport should push what it has buffered
// to the wire.
type Sink interface {
	DeliverFrame(buf *bufmem.Buffer, endOfStream, flush bool)
}

// StatsHandler receives per-message size totals from the framing layer.
// Implementations must tolerate calls from both stream goroutines.
type StatsHandler interface {
	OutboundMessage(wireSize, uncompressedSize int)
	InboundMessage(wireSize, uncompressedSize int)
}

// knownLength is implemented by readers that can report their remaining
// length up front (bytes.Reader, bytes.Buffer, strings.Reader).
type knownLength interface {
	Len() int
}

// Framer serializes outgoing messages into wire frames.
//
// Consecutive small writes are coalesced into one buffer up to the
// allocator's max capacity; a write that overflows the buffer commits it to
// the sink and continues in a fresh one, so a single logical frame may span
// several deliveries. All methods must be called from the stream's writing
// goroutine; the Framer performs no locking and no internal queuing.
type Framer struct {
	sink  Sink
	alloc bufmem.Allocator
	stats StatsHandler

	compressor         grpccomp.Compressor
	compressionEnabled bool
	maxOutboundSize    int

	buf           *bufmem.Buffer
	headerScratch [HeaderSize]byte
	copyScratch   []byte

	// closed is the only field written outside the writing goroutine
	// (via Dispose), so teardown never races an in-flight write.
	closed  atomic.Bool
	closing bool
}

// NewFramer returns a Framer delivering to sink with buffers from alloc.
// stats may be nil.
func NewFramer(sink Sink, alloc bufmem.Allocator, stats StatsHandler) *Framer {
	return &Framer{
		sink:  sink,
		alloc: alloc,
		stats: stats,
	}
}

// SetCompressor installs the compressor used for writes that request
// compression. Passing nil disables compression entirely.
func (f *Framer) SetCompressor(c grpccomp.Compressor) {
	f.compressor = c
}

// SetCompression toggles per-message compression. It has no effect unless a
// compressor is installed.
func (f *Framer) SetCompression(enabled bool) {
	f.compressionEnabled = enabled
}

// SetMaxOutboundSize caps the payload size of a single message. Zero means
// unlimited.
func (f *Framer) SetMaxOutboundSize(n int) {
	f.maxOutboundSize = n
}

// WritePayload frames one message and stages it toward the sink.
//
// If r implements Len() (a known-length payload) the header and payload are
// written as one logical frame; it may still reach the sink in several
// deliveries when it overflows the allocator's max buffer size. Otherwise
// the payload is buffered as it is read and the 5-byte header goes to the
// sink as its own delivery strictly before any payload delivery.
//
// Compression applies when a compressor is installed and enabled, except to
// zero-length payloads, which are always written uncompressed.
//
// Calling WritePayload after Close is a programming error and panics.
func (f *Framer) WritePayload(r io.Reader) error {
	f.verifyNotClosed("WritePayload")

	if f.compressor != nil && f.compressionEnabled {
		return f.writeCompressed(r)
	}
	if kl, ok := r.(knownLength); ok {
		return f.writeKnownLengthUncompressed(r, kl.Len())
	}
	return f.writeUnknownLengthUncompressed(r)
}

// Flush commits any buffered bytes to the sink. A second consecutive Flush
// with no intervening write is a no-op, as is a Flush after Close or
// Dispose.
func (f *Framer) Flush() {
	if f.closed.Load() {
		return
	}
	if f.buf != nil && f.buf.Len() > 0 {
		f.commit(false, false)
	}
}

// Close flushes remaining bytes and issues the terminal delivery with
// endOfStream=true. With nothing buffered the terminal delivery carries a
// nil buffer. Close is idempotent, and safe against reentrant invocation
// from within the sink callback: the nested call returns without a second
// terminal delivery.
func (f *Framer) Close() {
	if f.closed.Load() || f.closing {
		return
	}
	f.closing = true
	if f.buf != nil && f.buf.Len() > 0 {
		f.commit(true, true)
	} else {
		f.releaseBuffer()
		f.sink.DeliverFrame(nil, true, true)
	}
	f.closing = false
	f.closed.Store(true)
}

// Dispose marks the Framer closed without delivering the pending buffer.
// Idempotent and safe from any goroutine: only the closed flag is written
// here, so a concurrent write on the writing goroutine is not raced. The
// pending buffer, if any, is abandoned to the collector.
func (f *Framer) Dispose() {
	f.closed.Store(true)
}

// Closed reports whether Close or Dispose has completed.
func (f *Framer) Closed() bool { return f.closed.Load() }

func (f *Framer) verifyNotClosed(op string) {
	if f.closed.Load() {
		panic("framing: " + op + " on closed Framer")
	}
}

func (f *Framer) writeKnownLengthUncompressed(r io.Reader, length int) error {
	if err := f.checkOutboundSize(length); err != nil {
		return err
	}
	putHeader(f.headerScratch[:], false, length)
	f.writeRaw(f.headerScratch[:])

	written, err := f.drainTo(r, (*Framer).writeRaw)
	if err != nil {
		return wrapProtocolError("reading outbound message", err)
	}
	if written != length {
		return newProtocolErrorf("message length mismatch: reader produced %d bytes, expected %d", written, length)
	}
	f.statsOutbound(HeaderSize+length, length)
	return nil
}

func (f *Framer) writeUnknownLengthUncompressed(r io.Reader) error {
	chain := newBufferChain(f.alloc)
	written, err := f.drainTo(r, func(fr *Framer, p []byte) { chain.write(p) })
	if err != nil {
		chain.release()
		return wrapProtocolError("reading outbound message", err)
	}
	return f.writeBufferChain(chain, false, written)
}

func (f *Framer) writeCompressed(r io.Reader) error {
	// A zero-length payload is never compressed; peek one byte to find out.
	first := make([]byte, 1)
	n, err := io.ReadFull(r, first)
	if err == io.EOF {
		return f.writeKnownLengthUncompressed(emptyReader{}, 0)
	}
	if err != nil {
		return wrapProtocolError("reading outbound message", err)
	}

	chain := newBufferChain(f.alloc)
	cw, err := f.compressor.Compress(chain)
	if err != nil {
		chain.release()
		return wrapProtocolError("starting compressor", err)
	}
	if _, err := cw.Write(first[:n]); err != nil {
		chain.release()
		return wrapProtocolError("compressing outbound message", err)
	}
	rest, err := io.Copy(cw, r)
	if err != nil {
		chain.release()
		return wrapProtocolError("compressing outbound message", err)
	}
	if err := cw.Close(); err != nil {
		chain.release()
		return wrapProtocolError("finishing compressor", err)
	}
	return f.writeBufferChain(chain, true, n+int(rest))
}

// writeBufferChain emits a fully buffered payload: the header as its own
// delivery, then every chain buffer except the last, which stays as the
// current coalescing buffer until the next flush or close.
func (f *Framer) writeBufferChain(chain *bufferChain, compressed bool, uncompressedLen int) error {
	messageLen := chain.len
	if err := f.checkOutboundSize(messageLen); err != nil {
		chain.release()
		return err
	}

	// Anything still coalescing from earlier writes must go out first so
	// wire order matches write order.
	if f.buf != nil && f.buf.Len() > 0 {
		f.commit(false, false)
	}
	f.releaseBuffer()

	header := f.alloc.Allocate(HeaderSize)
	putHeader(f.headerScratch[:], compressed, messageLen)
	header.Write(f.headerScratch[:])

	if messageLen == 0 {
		// Header is the whole frame; let it coalesce with later writes.
		chain.release()
		f.buf = header
		f.statsOutbound(HeaderSize, uncompressedLen)
		return nil
	}

	f.sink.DeliverFrame(header, false, false)
	for i := 0; i < len(chain.bufs)-1; i++ {
		f.sink.DeliverFrame(chain.bufs[i], false, false)
	}
	f.buf = chain.bufs[len(chain.bufs)-1]
	f.statsOutbound(HeaderSize+messageLen, uncompressedLen)
	return nil
}

// writeRaw copies b into the current buffer, committing full buffers to the
// sink as it goes.
func (f *Framer) writeRaw(b []byte) {
	for len(b) > 0 {
		if f.buf != nil && f.buf.Writable() == 0 {
			f.commit(false, false)
		}
		if f.buf == nil {
			f.buf = f.alloc.Allocate(len(b))
		}
		n := f.buf.Write(b)
		b = b[n:]
	}
}

// drainTo reads r to EOF in chunks, passing each chunk to write, and returns
// the total byte count.
func (f *Framer) drainTo(r io.Reader, write func(*Framer, []byte)) (int, error) {
	if f.copyScratch == nil {
		f.copyScratch = make([]byte, 4096)
	}
	total := 0
	for {
		n, err := r.Read(f.copyScratch)
		if n > 0 {
			write(f, f.copyScratch[:n])
			total += n
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (f *Framer) commit(endOfStream, flush bool) {
	buf := f.buf
	f.buf = nil
	f.sink.DeliverFrame(buf, endOfStream, flush)
}

func (f *Framer) releaseBuffer() {
	if f.buf != nil {
		f.buf.Free()
		f.buf = nil
	}
}

func (f *Framer) checkOutboundSize(length int) error {
	if f.maxOutboundSize > 0 && length > f.maxOutboundSize {
		return &ProtocolError{
			Code: codes.ResourceExhausted,
			Msg:  fmt.Sprintf("outbound message larger than max (%d vs. %d)", length, f.maxOutboundSize),
		}
	}
	return nil
}

func (f *Framer) statsOutbound(wire, uncompressed int) {
	if f.stats != nil {
		f.stats.OutboundMessage(wire, uncompressed)
	}
}

// bufferChain accumulates a payload of unknown final size across several
// allocator buffers. It implements io.Writer so a compressor can write
// straight into it.
type bufferChain struct {
	alloc bufmem.Allocator
	bufs  []*bufmem.Buffer
	len   int
}

func newBufferChain(alloc bufmem.Allocator) *bufferChain {
	return &bufferChain{alloc: alloc}
}

func (c *bufferChain) Write(p []byte) (int, error) {
	c.write(p)
	return len(p), nil
}

func (c *bufferChain) write(p []byte) {
	c.len += len(p)
	for len(p) > 0 {
		if len(c.bufs) == 0 || c.bufs[len(c.bufs)-1].Writable() == 0 {
			c.bufs = append(c.bufs, c.alloc.Allocate(len(p)))
		}
		n := c.bufs[len(c.bufs)-1].Write(p)
		p = p[n:]
	}
}

func (c *bufferChain) release() {
	for _, b := range c.bufs {
		b.Free()
	}
	c.bufs = nil
}

// emptyReader is an io.Reader with a known zero length.
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyReader) Len() int                 { return 0 }
