// Package protocodec converts application messages to and from the byte
// payloads the framing layer carries.
//
// The framing and stream layers never interpret payload bytes; a Codec is
// how a transport or handler gives them meaning. Proto is the codec used by
// generated service bindings; JSON exists for ad-hoc tooling and tests.
package protocodec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec marshals and unmarshals message payloads.
type Codec interface {
	// Name identifies the codec for content-type negotiation.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Proto marshals proto.Message values with google.golang.org/protobuf.
type Proto struct{}

func (Proto) Name() string { return "proto" }

func (Proto) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protocodec: %T does not implement proto.Message", v)
	}
	return proto.Marshal(msg)
}

func (Proto) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protocodec: %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}

// JSON marshals values with encoding/json.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Binary passes []byte payloads through unchanged, for callers that have
// already encoded their messages.
type Binary struct{}

func (Binary) Name() string { return "binary" }

func (Binary) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("protocodec: binary codec needs []byte, got %T", v)
}

func (Binary) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("protocodec: binary codec needs *[]byte, got %T", v)
	}
	*b = data
	return nil
}
