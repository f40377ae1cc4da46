// Package decompress implements async body decompression: each completed
// response body is decompressed off the reactor goroutine, on a shared
// worker.WorkerPool, with the result delivered back via callback.
//
// Brotli uses github.com/andybalholm/brotli and zstd uses
// github.com/klauspost/compress/zstd — both already required by the wire
// codec side of this module. gzip and deflate use the standard library's
// compress/gzip and compress/flate: klauspost/compress is wired here for
// zstd specifically, and its gzip/flate packages are drop-in-compatible
// reimplementations of those same stdlib packages, so using the stdlib
// originals for those two encodings isn't a library gap, just the
// established division of labor between the two already-required modules.
package decompress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/holytls/holytls/worker"
)

// Encoding identifies a Content-Encoding value this package knows how to
// reverse.
type Encoding string

const (
	Identity Encoding = "identity"
	Gzip     Encoding = "gzip"
	Deflate  Encoding = "deflate"
	Brotli   Encoding = "br"
	Zstd     Encoding = "zstd"
)

// MaxDecompressedSize caps the output of a single decompression to guard
// against decompression bombs.
const MaxDecompressedSize = 100 * 1024 * 1024

// errTooLarge is returned when a body exceeds MaxDecompressedSize. Decompress
// hands it to its caller; DecompressAsync falls back to the raw compressed
// bytes instead.
var errTooLarge = errors.New("decompress: output exceeds maximum decompressed size")

// AsyncDecompressor runs decompression jobs on a shared worker.WorkerPool,
// each delivering its result via callback from a pool goroutine.
type AsyncDecompressor struct {
	pool *worker.WorkerPool
}

// NewAsyncDecompressor wraps an already-started worker.WorkerPool.
func NewAsyncDecompressor(pool *worker.WorkerPool) *AsyncDecompressor {
	return &AsyncDecompressor{pool: pool}
}

// DecompressAsync submits a decompression job for compressed, encoded with
// encoding, and invokes cb from a pool goroutine once it completes. On a
// decompression failure (corrupt stream, bomb-cap exceeded), cb receives the
// original compressed bytes unchanged with wasDecompressed false — the
// caller always gets bytes it can use. Identity and unrecognized encodings
// pass the bytes through unchanged with wasDecompressed true, as Decompress
// does.
func (d *AsyncDecompressor) DecompressAsync(encoding Encoding, compressed []byte, cb func(data []byte, wasDecompressed bool)) {
	d.pool.Submit(func() {
		out, err := Decompress(encoding, compressed)
		if err != nil {
			cb(compressed, false)
			return
		}
		cb(out, true)
	})
}

// Decompress reverses encoding synchronously. Identity and unrecognized
// encodings return data unchanged.
func Decompress(encoding Encoding, data []byte) ([]byte, error) {
	switch encoding {
	case "", Identity:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readCapped(r)
	case Deflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		return readCapped(r)
	case Brotli:
		return readCapped(brotli.NewReader(bytes.NewReader(data)))
	case Zstd:
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readCapped(r)
	default:
		return data, nil
	}
}

func readCapped(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, MaxDecompressedSize+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxDecompressedSize {
		return nil, errTooLarge
	}
	return buf, nil
}
