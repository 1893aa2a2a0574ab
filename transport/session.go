package transport

import (
	"github.com/awhitecutchiken/grpc-sub001/bufmem"
	"github.com/awhitecutchiken/grpc-sub001/stream"
)

// callSession implements stream.TransportHooks for one call on a datagram
// channel. Outbound frames accumulate until the framing layer signals a
// flush boundary or end of stream, then go out as one data envelope.
// Inbound messages re-grant one delivery credit each, so the decoder always
// runs exactly one message ahead of the consumer.
type callSession struct {
	callID string
	send   func(frames []byte) error

	st *stream.Stream

	pending    []byte
	received   [][]byte
	processed  int
	remoteDone bool
	deframeErr error
	sendErr    error
}

func (cs *callSession) InternalSendFrame(buf *bufmem.Buffer, endOfStream, flush bool) {
	if buf != nil {
		cs.pending = append(cs.pending, buf.Bytes()...)
		buf.Free()
	}
	if flush || endOfStream {
		cs.flushPending()
	}
}

// flushPending pushes accumulated frame bytes out as one data envelope.
// Called from InternalSendFrame on terminal deliveries and explicitly by
// the transport after each message-boundary flush.
func (cs *callSession) flushPending() {
	if len(cs.pending) == 0 {
		return
	}
	if err := cs.send(cs.pending); err != nil && cs.sendErr == nil {
		cs.sendErr = err
	}
	cs.pending = nil
}

func (cs *callSession) ReceiveMessage(data []byte) {
	cs.received = append(cs.received, data)
	if cs.st != nil {
		cs.st.Request(1)
	}
}

// InboundDeliveryPaused is a no-op: datagram channels deliver whole
// envelopes, so there is no partially read transport buffer to resume.
func (cs *callSession) InboundDeliveryPaused() {}

func (cs *callSession) RemoteEndClosed() { cs.remoteDone = true }

// ReturnProcessedBytes only keeps a tally; datagram channels have no
// byte-level flow-control window to refill.
func (cs *callSession) ReturnProcessedBytes(n int) { cs.processed += n }

func (cs *callSession) DeframeFailed(err error) {
	if cs.deframeErr == nil {
		cs.deframeErr = err
	}
}
