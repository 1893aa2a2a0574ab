// Package status carries RPC termination state between the stream core and
// transports.
//
// Codes are the standard gRPC codes (google.golang.org/grpc/codes). Trailers
// travel on the wire as a trailer frame whose payload is HTTP/1.1 header
// text: "grpc-status: 0\r\ngrpc-message: ok\r\n".
package status

import (
	"fmt"
	"strconv"

	"google.golang.org/grpc/codes"
)

// Trailer keys defined by the gRPC-Web protocol.
const (
	TrailerStatus  = "grpc-status"
	TrailerMessage = "grpc-message"
)

// Status is an RPC status: a code plus a human-readable message.
type Status struct {
	Code    codes.Code
	Message string
}

// New returns a Status with the given code and message.
func New(c codes.Code, msg string) *Status {
	return &Status{Code: c, Message: msg}
}

// Newf returns a Status with a formatted message.
func Newf(c codes.Code, format string, args ...any) *Status {
	return New(c, fmt.Sprintf(format, args...))
}

// FromError maps err to a Status. A *Status passes through unchanged; nil
// maps to OK; anything else becomes Internal.
func FromError(err error) *Status {
	if err == nil {
		return New(codes.OK, "")
	}
	if s, ok := err.(*Status); ok {
		return s
	}
	return New(codes.Internal, err.Error())
}

// Err returns the status as an error, or nil for OK.
func (s *Status) Err() error {
	if s == nil || s.Code == codes.OK {
		return nil
	}
	return s
}

// Error implements the error interface.
func (s *Status) Error() string {
	return fmt.Sprintf("rpc error %d (%s): %s", int(s.Code), s.Code, s.Message)
}

// Trailers returns the status encoded as trailer metadata.
func (s *Status) Trailers() map[string]string {
	trailers := map[string]string{
		TrailerStatus: strconv.Itoa(int(s.Code)),
	}
	if s.Message != "" {
		trailers[TrailerMessage] = s.Message
	}
	return trailers
}

// FromTrailers extracts the status from trailer metadata. Missing or
// unparsable grpc-status maps to Unknown.
func FromTrailers(trailers map[string]string) *Status {
	raw, ok := trailers[TrailerStatus]
	if !ok {
		return New(codes.Unknown, "missing grpc-status trailer")
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return New(codes.Unknown, fmt.Sprintf("bad grpc-status %q", raw))
	}
	return New(codes.Code(code), trailers[TrailerMessage])
}
