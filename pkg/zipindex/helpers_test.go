package zipindex

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// memReader is an in-memory RangeReader that records how it is used.
type memReader struct {
	data []byte

	mu    sync.Mutex
	reads int
	read  int64
	open  int
}

func newMemReader(data []byte) *memReader {
	return &memReader{data: data}
}

func (m *memReader) Size() int64 { return int64(len(m.data)) }

func (m *memReader) Close() error { return nil }

func (m *memReader) ReadRange(ctx context.Context, off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > int64(len(m.data)) {
		return nil, fmt.Errorf("range [%d, %d) out of bounds", off, off+n)
	}
	m.mu.Lock()
	m.reads++
	m.read += n
	m.mu.Unlock()
	return bytes.Clone(m.data[off : off+n]), nil
}

func (m *memReader) OpenRange(ctx context.Context, off, n int64) (io.ReadCloser, error) {
	if off < 0 || n < 0 || off+n > int64(len(m.data)) {
		return nil, fmt.Errorf("range [%d, %d) out of bounds", off, off+n)
	}
	m.mu.Lock()
	m.reads++
	m.open++
	m.mu.Unlock()
	return &memBody{Reader: bytes.NewReader(m.data[off : off+n]), m: m}, nil
}

func (m *memReader) stats() (reads int, read int64, open int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads, m.read, m.open
}

type memBody struct {
	*bytes.Reader
	m    *memReader
	once sync.Once
}

func (b *memBody) Close() error {
	b.once.Do(func() {
		b.m.mu.Lock()
		b.m.open--
		b.m.mu.Unlock()
	})
	return nil
}

type testFile struct {
	name   string
	data   []byte
	method uint16
	extra  []byte
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func textBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = "abcdefghij\n"[i%11]
	}
	return b
}

// buildZip writes files with archive/zip, including the zstd and xz methods.
func buildZip(t *testing.T, comment string, files ...testFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	w.RegisterCompressor(93, func(out io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(out)
	})
	w.RegisterCompressor(95, func(out io.Writer) (io.WriteCloser, error) {
		return xz.NewWriter(out)
	})

	for _, f := range files {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: f.name, Method: f.method, Extra: f.extra})
		if err != nil {
			t.Fatalf("create %s: %v", f.name, err)
		}
		if _, err := fw.Write(f.data); err != nil {
			t.Fatalf("write %s: %v", f.name, err)
		}
	}
	if comment != "" {
		if err := w.SetComment(comment); err != nil {
			t.Fatalf("set comment: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// buildRawZip writes a single member with caller-provided compressed bytes.
func buildRawZip(t *testing.T, fh *zip.FileHeader, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.CreateRaw(fh)
	if err != nil {
		t.Fatalf("create raw %s: %v", fh.Name, err)
	}
	if _, err := fw.Write(raw); err != nil {
		t.Fatalf("write raw %s: %v", fh.Name, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// zipLZMA compresses data into the ZIP flavour of LZMA with an end marker.
func zipLZMA(t *testing.T, data []byte) []byte {
	t.Helper()
	var classic bytes.Buffer
	lw, err := lzma.NewWriter(&classic)
	if err != nil {
		t.Fatalf("lzma writer: %v", err)
	}
	if _, err := lw.Write(data); err != nil {
		t.Fatalf("lzma write: %v", err)
	}
	if err := lw.Close(); err != nil {
		t.Fatalf("lzma close: %v", err)
	}

	// Classic header: 5 property bytes and an 8 byte size.
	c := classic.Bytes()
	out := []byte{9, 20, 5, 0}
	out = append(out, c[:5]...)
	return append(out, c[13:]...)
}

// toZip64 rewrites the end of an archive without comment so that it is
// described by a ZIP64 end record and locator, with saturated EOCD fields.
func toZip64(t *testing.T, data []byte) []byte {
	t.Helper()
	eocd := len(data) - eocdLen
	if binary.LittleEndian.Uint32(data[eocd:]) != eocdSig {
		t.Fatal("fixture must end with an EOCD without comment")
	}
	entries := uint64(binary.LittleEndian.Uint16(data[eocd+10:]))
	cdSize := uint64(binary.LittleEndian.Uint32(data[eocd+12:]))
	cdOffset := uint64(binary.LittleEndian.Uint32(data[eocd+16:]))

	out := bytes.Clone(data[:eocd])
	recOff := uint64(len(out))

	rec := make([]byte, zip64EOCDLen)
	binary.LittleEndian.PutUint32(rec, zip64EOCDSig)
	binary.LittleEndian.PutUint64(rec[4:], zip64EOCDLen-12)
	binary.LittleEndian.PutUint16(rec[12:], 45)
	binary.LittleEndian.PutUint16(rec[14:], 45)
	binary.LittleEndian.PutUint64(rec[24:], entries)
	binary.LittleEndian.PutUint64(rec[32:], entries)
	binary.LittleEndian.PutUint64(rec[40:], cdSize)
	binary.LittleEndian.PutUint64(rec[48:], cdOffset)
	out = append(out, rec...)

	loc := make([]byte, zip64LocatorLen)
	binary.LittleEndian.PutUint32(loc, zip64LocatorSig)
	binary.LittleEndian.PutUint64(loc[8:], recOff)
	binary.LittleEndian.PutUint32(loc[16:], 1)
	out = append(out, loc...)

	end := make([]byte, eocdLen)
	binary.LittleEndian.PutUint32(end, eocdSig)
	binary.LittleEndian.PutUint16(end[8:], 0xffff)
	binary.LittleEndian.PutUint16(end[10:], 0xffff)
	binary.LittleEndian.PutUint32(end[12:], 0xffffffff)
	binary.LittleEndian.PutUint32(end[16:], 0xffffffff)
	return append(out, end...)
}

func checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
