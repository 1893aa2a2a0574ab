// Package framing converts messages to and from length-prefixed wire frames.
//
// Frame format:
//   - 1 byte: compression flag (0 = identity, 1 = compressed)
//   - 4 bytes: big-endian payload length
//   - N bytes: payload (compressed iff flag = 1)
//
// The Framer turns outgoing messages into frames and hands them to a Sink in
// allocator-sized buffers; the Deframer reassembles inbound byte chunks back
// into messages and hands them to a Listener, but only as fast as the
// listener has requested them. The two sides are independent; the stream
// package composes one of each per stream.
package framing

import "encoding/binary"

const (
	// HeaderSize is the size of the frame header: 1 flag byte plus a 4 byte
	// big-endian payload length.
	HeaderSize = 5

	flagUncompressed byte = 0x00
	flagCompressed   byte = 0x01
)

// frameHeader is a decoded frame header.
type frameHeader struct {
	compressed bool
	length     int
}

// putHeader encodes a frame header into dst, which must be HeaderSize bytes.
func putHeader(dst []byte, compressed bool, length int) {
	if compressed {
		dst[0] = flagCompressed
	} else {
		dst[0] = flagUncompressed
	}
	binary.BigEndian.PutUint32(dst[1:HeaderSize], uint32(length))
}

// parseHeader decodes a frame header from src, which must hold at least
// HeaderSize bytes. Flag bytes other than 0 and 1 are a protocol fault.
func parseHeader(src []byte) (frameHeader, error) {
	flag := src[0]
	if flag != flagUncompressed && flag != flagCompressed {
		return frameHeader{}, newProtocolErrorf("invalid frame flag 0x%02x", flag)
	}
	return frameHeader{
		compressed: flag == flagCompressed,
		length:     int(binary.BigEndian.Uint32(src[1:HeaderSize])),
	}, nil
}
