package zipindex

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"iter"
	"sync"

	"github.com/fruitsalade/zipview/pkg/models"
	"github.com/fruitsalade/zipview/pkg/remote"
)

const (
	localHeaderSig = 0x04034b50
	localHeaderLen = 30

	// ChunkSize is the size of the slices yielded by Member.Chunks.
	ChunkSize = 64 << 10
)

var errMemberClosed = errors.New("zipindex: read from closed member")

// OpenOptions controls which part of a member is delivered.
type OpenOptions struct {
	// Offset skips this many decompressed bytes.
	Offset int64
	// Limit caps the number of bytes delivered; zero means no cap.
	Limit int64
}

// Member is a read session over one archive member. It holds a single
// range request open until it reaches the end or is closed.
type Member struct {
	Entry models.Entry

	body io.ReadCloser
	dec  io.ReadCloser

	pos       uint64 // decompressed position within the member
	remaining int64  // bytes left under the limit, -1 when unlimited
	crc       hash.Hash32

	mu       sync.Mutex
	closed   bool
	closeErr error
}

// OpenMember starts streaming e from r. The local file header is read first
// to find where the compressed data really begins.
func OpenMember(ctx context.Context, r remote.RangeReader, e *models.Entry, opts OpenOptions) (*Member, error) {
	if e.Encrypted() {
		return nil, &MethodError{Path: e.Path, Method: e.Method, Encrypted: true}
	}
	newDecompressor, ok := decompressor(e.Method)
	if !ok {
		return nil, &MethodError{Path: e.Path, Method: e.Method}
	}
	if e.Method == models.Store && e.CompressedSize != e.UncompressedSize {
		return nil, corrupt(int64(e.LocalHeaderOffset), "stored member %q has compressed size %d but size %d",
			e.Path, e.CompressedSize, e.UncompressedSize)
	}
	if opts.Offset < 0 || opts.Limit < 0 {
		return nil, fmt.Errorf("zipindex: negative offset or limit (%d, %d)", opts.Offset, opts.Limit)
	}

	dataStart, err := dataOffset(ctx, r, e)
	if err != nil {
		return nil, err
	}

	m := &Member{Entry: *e, remaining: -1}
	limit := func() {
		if opts.Limit > 0 {
			m.remaining = opts.Limit
		}
	}

	offset := uint64(opts.Offset)
	if offset >= e.UncompressedSize {
		// Nothing to deliver past the end.
		m.pos = e.UncompressedSize
		m.remaining = 0
		m.body = io.NopCloser(eofReader{})
		m.dec = m.body
		return m, nil
	}

	if e.Method == models.Store && offset > 0 {
		// Stored data can be addressed directly.
		m.body, err = r.OpenRange(ctx, dataStart+int64(offset), int64(e.CompressedSize-offset))
		if err != nil {
			return nil, err
		}
		m.dec = m.body
		m.pos = offset
		limit()
		return m, nil
	}

	m.body, err = r.OpenRange(ctx, dataStart, int64(e.CompressedSize))
	if err != nil {
		return nil, err
	}
	m.dec, err = newDecompressor(m.body, e)
	if err != nil {
		m.body.Close()
		return nil, m.wrap(err)
	}

	if offset == 0 {
		m.crc = crc32.NewIEEE()
		limit()
		return m, nil
	}
	if _, err := io.CopyN(io.Discard, m, int64(offset)); err != nil {
		m.Close()
		if errors.Is(err, io.EOF) {
			return nil, corrupt(int64(e.LocalHeaderOffset), "member %q ends before offset %d", e.Path, offset)
		}
		return nil, err
	}
	// The skipped bytes do not count against the limit.
	limit()
	return m, nil
}

// dataOffset reads the local file header of e and returns the absolute
// offset of its compressed data.
func dataOffset(ctx context.Context, r remote.RangeReader, e *models.Entry) (int64, error) {
	off := int64(e.LocalHeaderOffset)
	if off+localHeaderLen > r.Size() {
		return 0, corrupt(off, "local header of %q lies outside the archive", e.Path)
	}
	hdr, err := r.ReadRange(ctx, off, localHeaderLen)
	if err != nil {
		return 0, fmt.Errorf("reading local header of %q: %w", e.Path, err)
	}
	if le.Uint32(hdr) != localHeaderSig {
		return 0, corrupt(off, "bad local header signature for %q", e.Path)
	}
	nameLen := int64(le.Uint16(hdr[26:]))
	extraLen := int64(le.Uint16(hdr[28:]))

	start := off + localHeaderLen + nameLen + extraLen
	if uint64(start)+e.CompressedSize > uint64(r.Size()) {
		return 0, corrupt(off, "data of %q extends past the end of the archive", e.Path)
	}
	return start, nil
}

// Read implements io.Reader. When the member is read from its first byte
// to the end, the CRC-32 and size are checked against the directory.
func (m *Member) Read(p []byte) (int, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, errMemberClosed
	}

	if m.remaining == 0 {
		return 0, io.EOF
	}
	if m.remaining > 0 && int64(len(p)) > m.remaining {
		p = p[:m.remaining]
	}

	n, err := m.dec.Read(p)
	m.pos += uint64(n)
	if m.remaining > 0 {
		m.remaining -= int64(n)
	}
	if m.crc != nil {
		m.crc.Write(p[:n])
	}

	if m.pos > m.Entry.UncompressedSize {
		return n, corrupt(int64(m.Entry.LocalHeaderOffset), "member %q is larger than its declared %d bytes", m.Entry.Path, m.Entry.UncompressedSize)
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if verr := m.verify(); verr != nil {
			return n, verr
		}
		return n, io.EOF
	default:
		return n, m.wrap(err)
	}
}

func (m *Member) verify() error {
	if m.pos != m.Entry.UncompressedSize {
		return corrupt(int64(m.Entry.LocalHeaderOffset), "member %q ended after %d of %d bytes", m.Entry.Path, m.pos, m.Entry.UncompressedSize)
	}
	if m.crc != nil && m.crc.Sum32() != m.Entry.CRC32 {
		return corrupt(int64(m.Entry.LocalHeaderOffset), "checksum mismatch for %q", m.Entry.Path)
	}
	return nil
}

// wrap classifies a decoding failure. Transport errors pass through; anything
// the decompressor rejects means the compressed data is damaged.
func (m *Member) wrap(err error) error {
	if errors.Is(err, remote.ErrTransport) || errors.Is(err, ErrCorruptArchive) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrCorruptArchive, m.Entry.Path, err)
}

// Close releases the decompressor and the range connection. It is safe to
// call more than once.
func (m *Member) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.closeErr
	}
	m.closed = true

	if m.dec != nil && m.dec != m.body {
		m.dec.Close()
	}
	if m.body != nil {
		m.closeErr = m.body.Close()
	}
	return m.closeErr
}

// Chunks returns the remaining content as a sequence of slices of at most
// ChunkSize bytes. The member is closed when iteration ends for any reason,
// including an early break. A yielded slice is only valid until the next one.
func (m *Member) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer m.Close()

		buf := make([]byte, ChunkSize)
		for {
			n, err := io.ReadFull(m, buf)
			if n > 0 && !yield(buf[:n], nil) {
				return
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
