// Package zipindex reads ZIP central directories and member data through a
// remote.RangeReader, fetching only the byte spans it needs.
package zipindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/fruitsalade/zipview/pkg/models"
	"github.com/fruitsalade/zipview/pkg/remote"
)

const (
	eocdSig         = 0x06054b50
	eocdLen         = 22
	maxCommentLen   = 0xffff
	zip64LocatorSig = 0x07064b50
	zip64LocatorLen = 20
	zip64EOCDSig    = 0x06064b50
	zip64EOCDLen    = 56
	cdHeaderSig     = 0x02014b50
	cdHeaderLen     = 46

	zip64ExtraID       = 0x0001
	extTimeExtraID     = 0x5455
	unicodePathExtraID = 0x7075

	flagUTF8 = 0x800

	// maxDirectorySize bounds the central directory held in memory.
	maxDirectorySize = 1 << 30
)

var le = binary.LittleEndian

// Index is the parsed central directory of one archive.
type Index struct {
	// Entries in central directory order.
	Entries []models.Entry
	Comment string

	// Zip64 reports whether the ZIP64 end of directory record was used.
	Zip64 bool

	// Base is the number of bytes preceding the archive proper
	// (for example a self-extractor stub). Offsets in Entries include it.
	Base int64

	byPath map[string]int
}

// Lookup returns the file entry stored under path.
// Directory entries and absent paths yield ErrMemberNotFound.
func (ix *Index) Lookup(path string) (*models.Entry, error) {
	i, ok := ix.byPath[path]
	if !ok {
		return nil, &NotFoundError{Path: path}
	}
	return &ix.Entries[i], nil
}

// Files returns the number of non-directory entries.
func (ix *Index) Files() int {
	return len(ix.byPath)
}

// directoryEnd holds the fields of the (ZIP64) end of central directory record.
type directoryEnd struct {
	offset      int64 // where the directory ends: EOCD, or the ZIP64 record if present
	disk        uint32
	cdDisk      uint32
	entriesDisk uint64
	entries     uint64
	cdSize      uint64
	cdOffset    uint64
	comment     string
	zip64       bool
}

// ReadDirectory locates and parses the central directory of the archive behind r.
// It reads the trailing EOCD window and the directory span; member data is never touched.
func ReadDirectory(ctx context.Context, r remote.RangeReader) (*Index, error) {
	size := r.Size()
	if size < eocdLen {
		return nil, corrupt(-1, "resource of %d bytes is too small to be a zip archive", size)
	}

	end, err := readDirectoryEnd(ctx, r, size)
	if err != nil {
		return nil, err
	}

	if end.disk != 0 || end.cdDisk != 0 || end.entriesDisk != end.entries {
		return nil, corrupt(end.offset, "multi-disk archives are not supported")
	}
	if end.cdSize > uint64(end.offset) || end.cdOffset > uint64(end.offset)-end.cdSize {
		return nil, corrupt(end.offset, "central directory (offset %d, size %d) lies outside the archive", end.cdOffset, end.cdSize)
	}
	if end.cdSize > maxDirectorySize {
		return nil, corrupt(end.offset, "central directory of %d bytes is too large", end.cdSize)
	}
	if end.entries > end.cdSize/cdHeaderLen {
		return nil, corrupt(end.offset, "%d entries cannot fit in a %d byte central directory", end.entries, end.cdSize)
	}

	base := end.offset - int64(end.cdSize) - int64(end.cdOffset)
	cdStart := base + int64(end.cdOffset)

	cd, err := r.ReadRange(ctx, cdStart, int64(end.cdSize))
	if err != nil {
		return nil, fmt.Errorf("reading central directory: %w", err)
	}

	ix := &Index{
		Entries: make([]models.Entry, 0, end.entries),
		Comment: end.comment,
		Zip64:   end.zip64,
		Base:    base,
		byPath:  make(map[string]int, end.entries),
	}

	p := 0
	for n := uint64(0); n < end.entries; n++ {
		e, used, err := parseCentralHeader(cd[p:], cdStart+int64(p))
		if err != nil {
			return nil, err
		}
		e.LocalHeaderOffset += uint64(base)
		if e.LocalHeaderOffset >= uint64(size) || e.CompressedSize > uint64(size)-e.LocalHeaderOffset {
			return nil, corrupt(cdStart+int64(p), "entry %q points outside the archive", e.Path)
		}
		ix.add(e)
		p += used
	}
	return ix, nil
}

func (ix *Index) add(e models.Entry) {
	ix.Entries = append(ix.Entries, e)
	if e.IsDir {
		return
	}
	// Duplicate names: the entry written last wins, as extractors overwrite.
	if prev, ok := ix.byPath[e.Path]; ok && ix.Entries[prev].LocalHeaderOffset > e.LocalHeaderOffset {
		return
	}
	ix.byPath[e.Path] = len(ix.Entries) - 1
}

func readDirectoryEnd(ctx context.Context, r remote.RangeReader, size int64) (*directoryEnd, error) {
	window := min(size, eocdLen+maxCommentLen)
	start := size - window

	buf, err := r.ReadRange(ctx, start, window)
	if err != nil {
		return nil, fmt.Errorf("reading directory end: %w", err)
	}

	i := findDirectoryEnd(buf)
	if i < 0 {
		return nil, corrupt(-1, "end of central directory signature not found")
	}
	b := buf[i:]
	commentLen := int(le.Uint16(b[20:]))

	end := &directoryEnd{
		offset:      start + int64(i),
		disk:        uint32(le.Uint16(b[4:])),
		cdDisk:      uint32(le.Uint16(b[6:])),
		entriesDisk: uint64(le.Uint16(b[8:])),
		entries:     uint64(le.Uint16(b[10:])),
		cdSize:      uint64(le.Uint32(b[12:])),
		cdOffset:    uint64(le.Uint32(b[16:])),
		comment:     string(b[eocdLen : eocdLen+commentLen]),
	}

	if end.entries == 0xffff || end.entriesDisk == 0xffff || end.cdSize == 0xffffffff || end.cdOffset == 0xffffffff || end.disk == 0xffff {
		var loc []byte
		if i >= zip64LocatorLen {
			loc = buf[i-zip64LocatorLen : i]
		}
		if err := readDirectory64End(ctx, r, end, loc); err != nil {
			return nil, err
		}
	}
	return end, nil
}

// findDirectoryEnd scans backward for the EOCD signature, accepting only
// candidates whose comment fits inside the buffer.
func findDirectoryEnd(buf []byte) int {
	for i := len(buf) - eocdLen; i >= 0; i-- {
		if le.Uint32(buf[i:]) != eocdSig {
			continue
		}
		n := int(le.Uint16(buf[i+20:]))
		if i+eocdLen+n <= len(buf) {
			return i
		}
	}
	return -1
}

// readDirectory64End replaces the saturated EOCD fields with the ZIP64 record.
// loc holds the locator bytes when they were already fetched.
func readDirectory64End(ctx context.Context, r remote.RangeReader, end *directoryEnd, loc []byte) error {
	locOff := end.offset - zip64LocatorLen
	if locOff < 0 {
		return corrupt(end.offset, "zip64 locator missing")
	}
	if loc == nil {
		var err error
		if loc, err = r.ReadRange(ctx, locOff, zip64LocatorLen); err != nil {
			return fmt.Errorf("reading zip64 locator: %w", err)
		}
	}
	if le.Uint32(loc) != zip64LocatorSig {
		// Saturated fields without a locator: an ordinary archive with e.g. 65535 entries.
		return nil
	}
	if disks := le.Uint32(loc[16:]); disks > 1 {
		return corrupt(locOff, "multi-disk archives are not supported (%d disks)", disks)
	}

	// The declared offset is relative to the archive start; with prefix data
	// the record sits immediately before the locator instead.
	candidates := []int64{int64(le.Uint64(loc[8:])), locOff - zip64EOCDLen}
	for i, off := range candidates {
		if off < 0 || off > locOff-zip64EOCDLen || (i > 0 && off == candidates[0]) {
			continue
		}
		rec, err := r.ReadRange(ctx, off, zip64EOCDLen)
		if err != nil {
			return fmt.Errorf("reading zip64 directory end: %w", err)
		}
		if le.Uint32(rec) != zip64EOCDSig {
			continue
		}
		end.offset = off
		end.disk = le.Uint32(rec[16:])
		end.cdDisk = le.Uint32(rec[20:])
		end.entriesDisk = le.Uint64(rec[24:])
		end.entries = le.Uint64(rec[32:])
		end.cdSize = le.Uint64(rec[40:])
		end.cdOffset = le.Uint64(rec[48:])
		end.zip64 = true
		return nil
	}
	return corrupt(locOff, "zip64 end of central directory record not found")
}

// parseCentralHeader decodes one central directory record at the start of b.
// off is the absolute offset of b, used for error reporting.
func parseCentralHeader(b []byte, off int64) (models.Entry, int, error) {
	var e models.Entry
	if len(b) < cdHeaderLen {
		return e, 0, corrupt(off, "truncated central directory")
	}
	if le.Uint32(b) != cdHeaderSig {
		return e, 0, corrupt(off, "bad central directory header signature")
	}

	e.Flags = le.Uint16(b[8:])
	e.Method = models.Method(le.Uint16(b[10:]))
	dosTime := le.Uint16(b[12:])
	dosDate := le.Uint16(b[14:])
	e.CRC32 = le.Uint32(b[16:])
	csize := uint64(le.Uint32(b[20:]))
	usize := uint64(le.Uint32(b[24:]))
	nameLen := int(le.Uint16(b[28:]))
	extraLen := int(le.Uint16(b[30:]))
	commentLen := int(le.Uint16(b[32:]))
	lho := uint64(le.Uint32(b[42:]))

	total := cdHeaderLen + nameLen + extraLen + commentLen
	if len(b) < total {
		return e, 0, corrupt(off, "truncated central directory entry")
	}
	rawName := b[cdHeaderLen : cdHeaderLen+nameLen]
	extra := b[cdHeaderLen+nameLen : cdHeaderLen+nameLen+extraLen]

	e.Path = decodeName(rawName, e.Flags)
	e.Modified = msDosTime(dosDate, dosTime)

	needUSize := usize == 0xffffffff
	needCSize := csize == 0xffffffff
	needOffset := lho == 0xffffffff

	for len(extra) >= 4 {
		tag := le.Uint16(extra)
		n := int(le.Uint16(extra[2:]))
		if len(extra) < 4+n {
			break
		}
		field := extra[4 : 4+n]
		extra = extra[4+n:]

		switch tag {
		case zip64ExtraID:
			// Values appear only for the fields that overflowed, in this order.
			if needUSize && len(field) >= 8 {
				usize, field, needUSize = le.Uint64(field), field[8:], false
			}
			if needCSize && len(field) >= 8 {
				csize, field, needCSize = le.Uint64(field), field[8:], false
			}
			if needOffset && len(field) >= 8 {
				lho, needOffset = le.Uint64(field), false
			}
		case unicodePathExtraID:
			if len(field) >= 5 && field[0] == 1 && le.Uint32(field[1:]) == crc32.ChecksumIEEE(rawName) {
				e.Path = strings.ToValidUTF8(string(field[5:]), "\uFFFD")
			}
		case extTimeExtraID:
			if len(field) >= 5 && field[0]&1 != 0 {
				e.Modified = time.Unix(int64(int32(le.Uint32(field[1:]))), 0).UTC()
			}
		}
	}
	if needUSize || needCSize || needOffset {
		return e, 0, corrupt(off, "entry %q is missing its zip64 extended information", e.Path)
	}

	e.CompressedSize = csize
	e.UncompressedSize = usize
	e.LocalHeaderOffset = lho
	e.IsDir = strings.HasSuffix(e.Path, "/")
	return e, total, nil
}

// decodeName decodes a member name per the UTF-8 flag. Names without the
// flag are IBM code page 437 unless they are plain ASCII.
func decodeName(raw []byte, flags uint16) string {
	if flags&flagUTF8 != 0 {
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	if isASCII(raw) {
		return string(raw)
	}
	name, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil || !utf8.Valid(name) {
		return strings.ToValidUTF8(string(raw), "\uFFFD")
	}
	return string(name)
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func msDosTime(dosDate, dosTime uint16) time.Time {
	if dosDate == 0 && dosTime == 0 {
		return time.Time{}
	}
	return time.Date(
		int(dosDate>>9)+1980,
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f)*2,
		0,
		time.UTC,
	)
}
