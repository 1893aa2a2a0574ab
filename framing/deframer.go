package framing

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	"google.golang.org/grpc/codes"

	"github.com/awhitecutchiken/grpc-sub001/grpccomp"
)

// Listener receives the Deframer's output. All callbacks run synchronously
// on the goroutine that called Deframe or Request.
type Listener interface {
	// BytesRead reports wire bytes the deframer has consumed, so the caller
	// can return flow-control credit upstream.
	BytesRead(n int)

	// MessageRead delivers one reassembled, decompressed message. The slice
	// is owned by the listener.
	MessageRead(data []byte)

	// DeliveryStalled fires once when no further complete message can be
	// delivered, whether for lack of bytes or lack of credit. It stays
	// suppressed until new bytes or new credit arrive.
	DeliveryStalled()

	// EndOfStream fires once when end-of-stream was observed with no
	// pending partial message.
	EndOfStream()
}

type deframeState int

const (
	stateHeader deframeState = iota
	stateBody
)

// Deframer reassembles inbound byte chunks into messages under delivery
// credit.
//
// Chunks arrive via Deframe; credit arrives via Request. The Deframer never
// delivers more messages than outstanding credit allows, even when complete
// frames sit fully reassembled in its buffer. Deframe and Request must be
// called from the stream's transport goroutine; Close may be called from any
// goroutine. The delivery loop is reentrancy guarded: a listener callback
// may call Request or Deframe without recursing.
type Deframer struct {
	listener       Listener
	compressor     grpccomp.Compressor
	maxInboundSize int
	stats          StatsHandler

	state      deframeState
	required   int
	compressed bool

	unprocessed bytes.Buffer
	pending     int

	inDelivery    bool
	stallNotified bool
	eosSeen       bool
	eosDelivered  bool

	// closed is the only field written outside the transport goroutine, so
	// teardown never races an in-flight Deframe or Request.
	closed atomic.Bool
}

// NewDeframer returns a Deframer delivering to listener. compressor handles
// frames with the compressed flag set and may be nil when the peer never
// compresses; stats may be nil.
func NewDeframer(listener Listener, compressor grpccomp.Compressor, stats StatsHandler) *Deframer {
	return &Deframer{
		listener:   listener,
		compressor: compressor,
		stats:      stats,
		state:      stateHeader,
		required:   HeaderSize,
	}
}

// SetMaxInboundSize caps the payload size (compressed and decompressed) of a
// single inbound message. Zero means unlimited.
func (d *Deframer) SetMaxInboundSize(n int) {
	d.maxInboundSize = n
}

// Request grants credit for n more message deliveries and drains whatever
// the new credit unlocks.
func (d *Deframer) Request(n int) error {
	if d.closed.Load() {
		return nil
	}
	d.pending += n
	d.stallNotified = false
	return d.deliver()
}

// Deframe appends raw wire bytes and delivers any messages they complete,
// subject to outstanding credit. endOfStream marks the final chunk; a
// partial frame left at end-of-stream is a protocol fault.
//
// A returned error is terminal for this Deframer: it is reported exactly
// once and the Deframer delivers nothing further.
func (d *Deframer) Deframe(data []byte, endOfStream bool) error {
	if d.closed.Load() {
		return nil
	}
	if len(data) > 0 {
		d.unprocessed.Write(data)
		d.stallNotified = false
	}
	if endOfStream {
		d.eosSeen = true
	}
	return d.deliver()
}

// Close stops delivery permanently. Idempotent and safe from any goroutine:
// only the closed flag is written here. The reassembly buffer is released on
// the transport goroutine's next call, or with the Deframer itself.
func (d *Deframer) Close() {
	d.closed.Store(true)
}

// terminate ends delivery from within the transport goroutine, where the
// reassembly buffer can be released immediately.
func (d *Deframer) terminate() {
	d.closed.Store(true)
	d.unprocessed.Reset()
}

// Closed reports whether the deframer has been closed.
func (d *Deframer) Closed() bool { return d.closed.Load() }

// deliver drains complete frames while credit lasts. The inDelivery guard
// makes reentrant Request/Deframe calls from listener callbacks safe: they
// only mutate counters and buffers, and the outer loop picks the changes up
// on its next iteration.
func (d *Deframer) deliver() error {
	if d.inDelivery {
		return nil
	}
	d.inDelivery = true
	defer func() { d.inDelivery = false }()

	for !d.closed.Load() && d.pending > 0 && d.unprocessed.Len() >= d.required {
		var err error
		switch d.state {
		case stateHeader:
			err = d.processHeader()
		case stateBody:
			err = d.processBody()
		}
		if err != nil {
			d.terminate()
			return err
		}
	}
	if d.closed.Load() {
		d.unprocessed.Reset()
		return nil
	}

	if d.eosSeen && !d.eosDelivered {
		if d.state == stateHeader && d.unprocessed.Len() == 0 {
			d.eosDelivered = true
			d.terminate()
			d.listener.EndOfStream()
			return nil
		}
		if d.unprocessed.Len() < d.required {
			err := newProtocolErrorf("stream ended with %d bytes of a partial frame", d.unprocessed.Len())
			d.terminate()
			return err
		}
		// Complete frames remain but credit is exhausted; end-of-stream is
		// reported once they drain.
	}

	if !d.stallNotified {
		d.stallNotified = true
		d.listener.DeliveryStalled()
	}
	return nil
}

func (d *Deframer) processHeader() error {
	var scratch [HeaderSize]byte
	d.unprocessed.Read(scratch[:])
	d.listener.BytesRead(HeaderSize)

	hdr, err := parseHeader(scratch[:])
	if err != nil {
		return err
	}
	if d.maxInboundSize > 0 && hdr.length > d.maxInboundSize {
		return &ProtocolError{
			Code: codes.ResourceExhausted,
			Msg:  fmt.Sprintf("inbound message larger than max (%d vs. %d)", hdr.length, d.maxInboundSize),
		}
	}
	d.compressed = hdr.compressed
	d.state = stateBody
	d.required = hdr.length
	return nil
}

func (d *Deframer) processBody() error {
	body := make([]byte, d.required)
	d.unprocessed.Read(body)
	d.listener.BytesRead(len(body))

	wireSize := HeaderSize + len(body)
	if d.compressed {
		var err error
		body, err = d.decompress(body)
		if err != nil {
			return err
		}
	}

	d.pending--
	d.state = stateHeader
	d.required = HeaderSize
	if d.stats != nil {
		d.stats.InboundMessage(wireSize, len(body))
	}
	d.listener.MessageRead(body)
	return nil
}

func (d *Deframer) decompress(body []byte) ([]byte, error) {
	if d.compressor == nil {
		return nil, newProtocolErrorf("compressed frame received but no decompressor configured")
	}
	r, err := d.compressor.Decompress(bytes.NewReader(body))
	if err != nil {
		return nil, wrapProtocolError("decompressing inbound message", err)
	}
	var out []byte
	if d.maxInboundSize > 0 {
		limited := io.LimitReader(r, int64(d.maxInboundSize)+1)
		out, err = io.ReadAll(limited)
		if err == nil && len(out) > d.maxInboundSize {
			return nil, &ProtocolError{
				Code: codes.ResourceExhausted,
				Msg:  fmt.Sprintf("decompressed message larger than max %d", d.maxInboundSize),
			}
		}
	} else {
		out, err = io.ReadAll(r)
	}
	if err != nil {
		return nil, wrapProtocolError("decompressing inbound message", err)
	}
	return out, nil
}
