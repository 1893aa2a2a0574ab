// Package grpccomp defines the payload compression strategy used by the
// framing layer.
//
// A Compressor wraps a payload stream on the way out and unwraps it on the
// way in. The framing layer only ever invokes a compressor that was injected
// at construction; whether a given message is compressed at all is decided
// per write, and the wire frame's flag byte records the outcome.
//
// Compressors are registered by name so transports can negotiate the
// encoding with the peer:
//
//	grpccomp.Register(grpccomp.Gzip{})
//	c, ok := grpccomp.Lookup("gzip")
package grpccomp

import (
	"io"
	"sync"
)

// Compressor compresses and decompresses payload byte streams.
type Compressor interface {
	// Name identifies the encoding, e.g. "gzip". Used for negotiation.
	Name() string

	// Compress returns a WriteCloser that compresses into w. Close must be
	// called to flush trailing compressor state.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress returns a Reader yielding the uncompressed bytes of r.
	Decompress(r io.Reader) (io.Reader, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Compressor)
)

// Register makes a compressor available for Lookup by name. Registering the
// same name twice replaces the earlier entry.
func Register(c Compressor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name()] = c
}

// Lookup returns the compressor registered under name.
func Lookup(name string) (Compressor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	return c, ok
}

// Names returns the registered encoding names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

func init() {
	Register(Identity{})
	Register(Gzip{})
	Register(Snappy{})
}
