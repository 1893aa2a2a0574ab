package framing

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// ProtocolError is a wire-level fault: a malformed header, a frame exceeding
// the configured size limit, a truncated stream, or a failed decompression.
// It terminates the stream it occurred on but is never fatal to the process.
type ProtocolError struct {
	Code codes.Code
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing: %s: %v", e.Msg, e.Err)
	}
	return "framing: " + e.Msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func newProtocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: codes.Internal, Msg: fmt.Sprintf(format, args...)}
}

func wrapProtocolError(msg string, err error) *ProtocolError {
	return &ProtocolError{Code: codes.Internal, Msg: msg, Err: err}
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
