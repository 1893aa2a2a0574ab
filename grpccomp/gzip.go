package grpccomp

import (
	"compress/gzip"
	"io"
	"sync"
)

// Gzip compresses payloads with the stdlib gzip format at the default
// compression level.
type Gzip struct{}

var gzipWriterPool = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

func (Gzip) Name() string { return "gzip" }

func (Gzip) Compress(w io.Writer) (io.WriteCloser, error) {
	gz := gzipWriterPool.Get().(*gzip.Writer)
	gz.Reset(w)
	return &pooledGzipWriter{Writer: gz}, nil
}

func (Gzip) Decompress(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

// pooledGzipWriter returns the underlying gzip.Writer to the pool on Close.
type pooledGzipWriter struct {
	*gzip.Writer
}

func (p *pooledGzipWriter) Close() error {
	if p.Writer == nil {
		return nil
	}
	err := p.Writer.Close()
	gzipWriterPool.Put(p.Writer)
	p.Writer = nil
	return err
}
