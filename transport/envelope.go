// Package transport carries framed streams over datagram-style channels.
//
// Two transports are provided: a server-side WebRTC DataChannel transport
// and a client-side WebSocket transport. Both speak the same envelope
// protocol and both drive the stream package for all framing; the transport
// layer itself never parses wire frames.
//
// Envelope formats (all lengths big-endian uint32):
//
//	open:  [0x01][callID_len][callID][path_len][path][headers_len][headers_json][wire frames...]
//	data:  [0x02][callID_len][callID][wire frames...]
//	end:   [0x03][callID_len][callID][headers_len][headers_json][trailer text...]
//
// An open message carries a complete request: the call routing info followed
// by the request message's wire frames. Responses flow back as data
// envelopes (one per transport flush) terminated by an end envelope whose
// trailer text carries grpc-status / grpc-message.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	msgOpen byte = 0x01
	msgData byte = 0x02
	msgEnd  byte = 0x03
)

// Open is the first envelope of a call.
type Open struct {
	CallID  string
	Path    string            // full method path, e.g. "/package.Service/Method"
	Headers map[string]string // request metadata
	Frames  []byte            // request message wire frames
}

// Data carries response (or request) wire frames for an in-flight call.
type Data struct {
	CallID string
	Frames []byte
}

// End terminates a call: response headers plus trailer text.
type End struct {
	CallID   string
	Headers  map[string]string
	Trailers []byte // HTTP/1.1 header text, see the status package
}

// EnvelopeType returns the envelope type byte of a raw channel message.
func EnvelopeType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, errors.New("transport: empty envelope")
	}
	t := data[0]
	if t != msgOpen && t != msgData && t != msgEnd {
		return 0, fmt.Errorf("transport: unknown envelope type 0x%02x", t)
	}
	return t, nil
}

// EncodeOpen encodes an open envelope.
func EncodeOpen(o Open) ([]byte, error) {
	headersJSON, err := json.Marshal(o.Headers)
	if err != nil {
		return nil, fmt.Errorf("transport: marshaling headers: %w", err)
	}

	buf := make([]byte, 0, 1+12+len(o.CallID)+len(o.Path)+len(headersJSON)+len(o.Frames))
	buf = append(buf, msgOpen)
	buf = appendLengthPrefixed(buf, []byte(o.CallID))
	buf = appendLengthPrefixed(buf, []byte(o.Path))
	buf = appendLengthPrefixed(buf, headersJSON)
	return append(buf, o.Frames...), nil
}

// DecodeOpen decodes an open envelope.
func DecodeOpen(data []byte) (*Open, error) {
	if err := expectType(data, msgOpen); err != nil {
		return nil, err
	}
	rest := data[1:]

	callID, rest, err := readLengthPrefixed(rest, "call id")
	if err != nil {
		return nil, err
	}
	path, rest, err := readLengthPrefixed(rest, "path")
	if err != nil {
		return nil, err
	}
	headersJSON, rest, err := readLengthPrefixed(rest, "headers")
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if err := json.Unmarshal(headersJSON, &headers); err != nil {
		return nil, fmt.Errorf("transport: unmarshaling headers: %w", err)
	}

	return &Open{
		CallID:  string(callID),
		Path:    string(path),
		Headers: headers,
		Frames:  rest,
	}, nil
}

// EncodeData encodes a data envelope.
func EncodeData(d Data) []byte {
	buf := make([]byte, 0, 1+4+len(d.CallID)+len(d.Frames))
	buf = append(buf, msgData)
	buf = appendLengthPrefixed(buf, []byte(d.CallID))
	return append(buf, d.Frames...)
}

// DecodeData decodes a data envelope.
func DecodeData(data []byte) (*Data, error) {
	if err := expectType(data, msgData); err != nil {
		return nil, err
	}
	callID, rest, err := readLengthPrefixed(data[1:], "call id")
	if err != nil {
		return nil, err
	}
	return &Data{CallID: string(callID), Frames: rest}, nil
}

// EncodeEnd encodes an end envelope.
func EncodeEnd(e End) ([]byte, error) {
	headersJSON, err := json.Marshal(e.Headers)
	if err != nil {
		return nil, fmt.Errorf("transport: marshaling headers: %w", err)
	}
	buf := make([]byte, 0, 1+8+len(e.CallID)+len(headersJSON)+len(e.Trailers))
	buf = append(buf, msgEnd)
	buf = appendLengthPrefixed(buf, []byte(e.CallID))
	buf = appendLengthPrefixed(buf, headersJSON)
	return append(buf, e.Trailers...), nil
}

// DecodeEnd decodes an end envelope.
func DecodeEnd(data []byte) (*End, error) {
	if err := expectType(data, msgEnd); err != nil {
		return nil, err
	}
	callID, rest, err := readLengthPrefixed(data[1:], "call id")
	if err != nil {
		return nil, err
	}
	headersJSON, rest, err := readLengthPrefixed(rest, "headers")
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if err := json.Unmarshal(headersJSON, &headers); err != nil {
		return nil, fmt.Errorf("transport: unmarshaling headers: %w", err)
	}
	return &End{CallID: string(callID), Headers: headers, Trailers: rest}, nil
}

func expectType(data []byte, want byte) error {
	t, err := EnvelopeType(data)
	if err != nil {
		return err
	}
	if t != want {
		return fmt.Errorf("transport: envelope type 0x%02x, want 0x%02x", t, want)
	}
	return nil
}

func appendLengthPrefixed(buf, field []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(field)))
	buf = append(buf, l[:]...)
	return append(buf, field...)
}

func readLengthPrefixed(data []byte, what string) (field, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("transport: envelope truncated before %s length", what)
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	data = data[4:]
	if len(data) < n {
		return nil, nil, fmt.Errorf("transport: envelope truncated inside %s", what)
	}
	return data[:n], data[n:], nil
}
