package protocodec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestProtoRoundTrip(t *testing.T) {
	c := Proto{}
	require.Equal(t, "proto", c.Name())

	data, err := c.Marshal(wrapperspb.String("hello"))
	require.NoError(t, err)

	out := &wrapperspb.StringValue{}
	require.NoError(t, c.Unmarshal(data, out))
	require.Equal(t, "hello", out.GetValue())
}

func TestProtoRejectsNonMessage(t *testing.T) {
	c := Proto{}
	_, err := c.Marshal("not a proto")
	require.Error(t, err)
	require.Error(t, c.Unmarshal(nil, "not a proto"))
}

func TestJSONRoundTrip(t *testing.T) {
	c := JSON{}
	data, err := c.Marshal(map[string]int{"n": 3})
	require.NoError(t, err)

	var out map[string]int
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, 3, out["n"])
}

func TestBinaryPassthrough(t *testing.T) {
	c := Binary{}
	payload := []byte{1, 2, 3}

	data, err := c.Marshal(payload)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	var out []byte
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, payload, out)

	_, err = c.Marshal(42)
	require.Error(t, err)
}
