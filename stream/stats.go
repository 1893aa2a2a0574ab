package stream

import (
	"sync/atomic"

	gometrics "github.com/armon/go-metrics"
)

// Stats accumulates running wire-size and uncompressed-size totals for one
// stream, updated once per completed outbound or inbound message. Both
// stream goroutines feed it, so all fields are atomics.
//
// When a metrics sink is attached, every update is mirrored to counters
// under the configured prefix (e.g. "grpcwire.outbound.wire_bytes").
type Stats struct {
	outMessages          atomic.Int64
	outWireBytes         atomic.Int64
	outUncompressedBytes atomic.Int64
	inMessages           atomic.Int64
	inWireBytes          atomic.Int64
	inUncompressedBytes  atomic.Int64

	sink   *gometrics.Metrics
	prefix string
}

// NewStats returns an accumulator with no metrics sink.
func NewStats() *Stats {
	return &Stats{}
}

// WithMetrics attaches a go-metrics sink. Counter names are
// prefix.{outbound,inbound}.{messages,wire_bytes,uncompressed_bytes}.
func (s *Stats) WithMetrics(m *gometrics.Metrics, prefix string) *Stats {
	s.sink = m
	s.prefix = prefix
	return s
}

// OutboundMessage records one completed outbound message.
func (s *Stats) OutboundMessage(wireSize, uncompressedSize int) {
	s.outMessages.Add(1)
	s.outWireBytes.Add(int64(wireSize))
	s.outUncompressedBytes.Add(int64(uncompressedSize))
	s.emit("outbound", wireSize, uncompressedSize)
}

// InboundMessage records one completed inbound message.
func (s *Stats) InboundMessage(wireSize, uncompressedSize int) {
	s.inMessages.Add(1)
	s.inWireBytes.Add(int64(wireSize))
	s.inUncompressedBytes.Add(int64(uncompressedSize))
	s.emit("inbound", wireSize, uncompressedSize)
}

func (s *Stats) emit(direction string, wireSize, uncompressedSize int) {
	if s.sink == nil {
		return
	}
	s.sink.IncrCounter([]string{s.prefix, direction, "messages"}, 1)
	s.sink.IncrCounter([]string{s.prefix, direction, "wire_bytes"}, float32(wireSize))
	s.sink.IncrCounter([]string{s.prefix, direction, "uncompressed_bytes"}, float32(uncompressedSize))
}

// Snapshot is a point-in-time copy of the totals.
type Snapshot struct {
	OutMessages          int64
	OutWireBytes         int64
	OutUncompressedBytes int64
	InMessages           int64
	InWireBytes          int64
	InUncompressedBytes  int64
}

// Snapshot returns the current totals. The six loads are independent; the
// snapshot is not a consistent cut under concurrent updates.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		OutMessages:          s.outMessages.Load(),
		OutWireBytes:         s.outWireBytes.Load(),
		OutUncompressedBytes: s.outUncompressedBytes.Load(),
		InMessages:           s.inMessages.Load(),
		InWireBytes:          s.inWireBytes.Load(),
		InUncompressedBytes:  s.inUncompressedBytes.Load(),
	}
}
