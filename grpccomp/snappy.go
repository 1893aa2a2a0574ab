package grpccomp

import (
	"io"

	"github.com/golang/snappy"
)

// Snappy compresses payloads with the snappy streaming framing format.
type Snappy struct{}

func (Snappy) Name() string { return "snappy" }

func (Snappy) Compress(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (Snappy) Decompress(r io.Reader) (io.Reader, error) {
	return snappy.NewReader(r), nil
}
