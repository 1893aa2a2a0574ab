package grpccomp

import "io"

// Identity passes bytes through unchanged. It exists so negotiation code can
// treat "no compression" as just another encoding name.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Compress(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (Identity) Decompress(r io.Reader) (io.Reader, error) {
	return r, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
