package zipindex

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"github.com/fruitsalade/zipview/pkg/models"
)

// Decompressor wraps the compressed data of e read from r.
// Closing the returned reader must not close r.
type Decompressor func(r io.Reader, e *models.Entry) (io.ReadCloser, error)

var (
	decompressors   = make(map[models.Method]Decompressor)
	decompressorsMu sync.RWMutex
)

func init() {
	RegisterDecompressor(models.Store, func(r io.Reader, _ *models.Entry) (io.ReadCloser, error) {
		return io.NopCloser(r), nil
	})
	RegisterDecompressor(models.Deflate, func(r io.Reader, _ *models.Entry) (io.ReadCloser, error) {
		return flate.NewReader(r), nil
	})
	RegisterDecompressor(models.BZIP2, func(r io.Reader, _ *models.Entry) (io.ReadCloser, error) {
		return io.NopCloser(bzip2.NewReader(r)), nil
	})
	RegisterDecompressor(models.LZMA, newLZMAReader)
	RegisterDecompressor(models.Zstd, func(r io.Reader, _ *models.Entry) (io.ReadCloser, error) {
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd init: %w", err)
		}
		return d.IOReadCloser(), nil
	})
	RegisterDecompressor(models.XZ, func(r io.Reader, _ *models.Entry) (io.ReadCloser, error) {
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("xz header: %w", err)
		}
		return io.NopCloser(xr), nil
	})
}

// RegisterDecompressor installs a decompressor for a method, replacing any existing one.
func RegisterDecompressor(method models.Method, d Decompressor) {
	decompressorsMu.Lock()
	defer decompressorsMu.Unlock()
	decompressors[method] = d
}

// Supported reports whether members stored with method can be decoded.
func Supported(method models.Method) bool {
	decompressorsMu.RLock()
	defer decompressorsMu.RUnlock()
	_, ok := decompressors[method]
	return ok
}

func decompressor(method models.Method) (Decompressor, bool) {
	decompressorsMu.RLock()
	defer decompressorsMu.RUnlock()
	d, ok := decompressors[method]
	return d, ok
}

// flagLZMAEOS marks LZMA members terminated by an end-of-stream marker.
const flagLZMAEOS = 0x2

// newLZMAReader converts the ZIP LZMA framing (version, properties size,
// properties) into the classic .lzma header understood by the lzma package.
func newLZMAReader(r io.Reader, e *models.Entry) (io.ReadCloser, error) {
	var pre [4]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, fmt.Errorf("lzma header: %w", err)
	}
	propsLen := int(binary.LittleEndian.Uint16(pre[2:]))
	if propsLen != 5 {
		return nil, fmt.Errorf("lzma header: unexpected properties size %d", propsLen)
	}

	header := make([]byte, 13)
	if _, err := io.ReadFull(r, header[:5]); err != nil {
		return nil, fmt.Errorf("lzma properties: %w", err)
	}
	size := e.UncompressedSize
	if e.Flags&flagLZMAEOS != 0 {
		size = ^uint64(0)
	}
	binary.LittleEndian.PutUint64(header[5:], size)

	lr, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header), r))
	if err != nil {
		return nil, fmt.Errorf("lzma init: %w", err)
	}
	return io.NopCloser(lr), nil
}
