package framing

import "github.com/awhitecutchiken/grpc-sub001/bufmem"

// deframeSink pipes framer output straight into a deframer, acting as a
// loopback transport for round-trip tests.
type deframeSink struct {
	d *Deframer
}

func (s *deframeSink) DeliverFrame(buf *bufmem.Buffer, eos, flush bool) {
	var data []byte
	if buf != nil {
		data = append([]byte(nil), buf.Bytes()...)
		buf.Free()
	}
	// Loopback: errors surface through the deframer tests directly.
	_ = s.d.Deframe(data, eos)
}

func newSmallAllocator() bufmem.Allocator {
	return bufmem.NewSimpleAllocator(64, 256)
}
