package zipindex

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/fruitsalade/zipview/pkg/models"
)

func sampleArchive(t *testing.T) []byte {
	return buildZip(t, "",
		testFile{name: "a/", method: zip.Store},
		testFile{name: "a/b/c.txt", data: textBytes(50), method: zip.Deflate},
		testFile{name: "readme.md", data: textBytes(10), method: zip.Store},
		testFile{name: "data.bin", data: randomBytes(4096, 1), method: zip.Deflate},
	)
}

func TestReadDirectory_Entries(t *testing.T) {
	data := sampleArchive(t)

	ix, err := ReadDirectory(context.Background(), newMemReader(data))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	if len(ix.Entries) != len(zr.File) {
		t.Fatalf("got %d entries, want %d", len(ix.Entries), len(zr.File))
	}

	for i, f := range zr.File {
		e := ix.Entries[i]
		if e.Path != f.Name {
			t.Errorf("entry %d: path %q, want %q", i, e.Path, f.Name)
		}
		if e.CompressedSize != f.CompressedSize64 || e.UncompressedSize != f.UncompressedSize64 {
			t.Errorf("%s: sizes %d/%d, want %d/%d", e.Path,
				e.CompressedSize, e.UncompressedSize, f.CompressedSize64, f.UncompressedSize64)
		}
		if e.CRC32 != f.CRC32 {
			t.Errorf("%s: crc %08x, want %08x", e.Path, e.CRC32, f.CRC32)
		}
		if e.Method != models.Method(f.Method) {
			t.Errorf("%s: method %v, want %d", e.Path, e.Method, f.Method)
		}
		if e.IsDir != strings.HasSuffix(f.Name, "/") {
			t.Errorf("%s: IsDir = %v", e.Path, e.IsDir)
		}
	}

	if ix.Files() != 3 {
		t.Errorf("Files() = %d, want 3", ix.Files())
	}
	if ix.Base != 0 || ix.Zip64 {
		t.Errorf("Base = %d, Zip64 = %v, want 0, false", ix.Base, ix.Zip64)
	}
}

func TestReadDirectory_ReadsOnlyMetadata(t *testing.T) {
	big := randomBytes(1<<20, 2)
	data := buildZip(t, "",
		testFile{name: "big.bin", data: big, method: zip.Store},
		testFile{name: "small.txt", data: textBytes(20), method: zip.Store},
	)

	r := newMemReader(data)
	if _, err := ReadDirectory(context.Background(), r); err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}

	reads, read, _ := r.stats()
	if reads != 2 {
		t.Errorf("made %d range reads, want 2 (tail window and directory)", reads)
	}
	if read > eocdLen+maxCommentLen+1024 {
		t.Errorf("read %d bytes of a %d byte archive", read, len(data))
	}
}

func TestReadDirectory_Comment(t *testing.T) {
	comment := strings.Repeat("archive comment ", 300)
	data := buildZip(t, comment, testFile{name: "x.txt", data: textBytes(5), method: zip.Store})

	ix, err := ReadDirectory(context.Background(), newMemReader(data))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	if ix.Comment != comment {
		t.Errorf("comment not preserved")
	}
	if len(ix.Entries) != 1 || ix.Entries[0].Path != "x.txt" {
		t.Errorf("unexpected entries %+v", ix.Entries)
	}
}

func TestReadDirectory_PrefixData(t *testing.T) {
	archive := sampleArchive(t)
	prefix := bytes.Repeat([]byte("MZ stub "), 128)
	data := append(bytes.Clone(prefix), archive...)

	r := newMemReader(data)
	ix, err := ReadDirectory(context.Background(), r)
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	if ix.Base != int64(len(prefix)) {
		t.Errorf("Base = %d, want %d", ix.Base, len(prefix))
	}

	e, err := ix.Lookup("readme.md")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	got := readMember(t, r, e, OpenOptions{})
	if !bytes.Equal(got, textBytes(10)) {
		t.Errorf("member read through prefix offset mismatch")
	}
}

func TestReadDirectory_Zip64(t *testing.T) {
	archive := toZip64(t, sampleArchive(t))

	for _, prefixLen := range []int{0, 333} {
		data := append(bytes.Repeat([]byte{0}, prefixLen), archive...)
		r := newMemReader(data)

		ix, err := ReadDirectory(context.Background(), r)
		if err != nil {
			t.Fatalf("prefix %d: ReadDirectory: %v", prefixLen, err)
		}
		if !ix.Zip64 {
			t.Errorf("prefix %d: Zip64 = false", prefixLen)
		}
		if ix.Base != int64(prefixLen) {
			t.Errorf("prefix %d: Base = %d", prefixLen, ix.Base)
		}
		if len(ix.Entries) != 4 {
			t.Fatalf("prefix %d: got %d entries, want 4", prefixLen, len(ix.Entries))
		}

		e, err := ix.Lookup("a/b/c.txt")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if got := readMember(t, r, e, OpenOptions{}); !bytes.Equal(got, textBytes(50)) {
			t.Errorf("prefix %d: member content mismatch", prefixLen)
		}
	}
}

func TestReadDirectory_MultiDisk(t *testing.T) {
	data := sampleArchive(t)
	eocd := len(data) - eocdLen
	binary.LittleEndian.PutUint16(data[eocd+4:], 1)

	_, err := ReadDirectory(context.Background(), newMemReader(data))
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("expected ErrCorruptArchive, got %v", err)
	}
}

func TestReadDirectory_Corrupt(t *testing.T) {
	valid := sampleArchive(t)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"tiny", []byte("PK")},
		{"not a zip", randomBytes(100000, 3)},
		{"head cut off", valid[200:]},
		{"tail cut off", valid[:len(valid)-10]},
		{"bad directory signature", func() []byte {
			d := bytes.Clone(valid)
			eocd := len(d) - eocdLen
			cdOff := binary.LittleEndian.Uint32(d[eocd+16:])
			d[cdOff] = 'X'
			return d
		}()},
		{"entry count too large", func() []byte {
			d := bytes.Clone(valid)
			eocd := len(d) - eocdLen
			binary.LittleEndian.PutUint16(d[eocd+8:], 5)
			binary.LittleEndian.PutUint16(d[eocd+10:], 5)
			return d
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadDirectory(context.Background(), newMemReader(tt.data))
			if !errors.Is(err, ErrCorruptArchive) {
				t.Fatalf("expected ErrCorruptArchive, got %v", err)
			}
		})
	}
}

func TestReadDirectory_Empty(t *testing.T) {
	data := buildZip(t, "")
	ix, err := ReadDirectory(context.Background(), newMemReader(data))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	if len(ix.Entries) != 0 {
		t.Errorf("got %d entries, want 0", len(ix.Entries))
	}
}

func TestLookup(t *testing.T) {
	ix, err := ReadDirectory(context.Background(), newMemReader(sampleArchive(t)))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}

	if _, err := ix.Lookup("a/b/c.txt"); err != nil {
		t.Errorf("Lookup existing: %v", err)
	}
	for _, p := range []string{"missing.txt", "a/", "a", "A/B/C.TXT"} {
		if _, err := ix.Lookup(p); !errors.Is(err, ErrMemberNotFound) {
			t.Errorf("Lookup(%q) = %v, want ErrMemberNotFound", p, err)
		}
	}
}

func TestDecodeName(t *testing.T) {
	tests := []struct {
		name  string
		raw   []byte
		flags uint16
		want  string
	}{
		{"ascii", []byte("dir/file.txt"), 0, "dir/file.txt"},
		{"cp437", []byte{'c', 'a', 'f', 0x82}, 0, "café"},
		{"cp437 box drawing", []byte{0xc9, 0xcd, 0xbb}, 0, "╔═╗"},
		{"utf8 flag", []byte("café"), flagUTF8, "café"},
		{"utf8 flag invalid", []byte{'a', 0xff, 'b'}, flagUTF8, "a\uFFFDb"},
	}
	for _, tt := range tests {
		if got := decodeName(tt.raw, tt.flags); got != tt.want {
			t.Errorf("%s: decodeName = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestReadDirectory_UTF8Names(t *testing.T) {
	// archive/zip sets the UTF-8 flag for non-ASCII names.
	data := buildZip(t, "", testFile{name: "über/日本.txt", data: textBytes(3), method: zip.Store})
	ix, err := ReadDirectory(context.Background(), newMemReader(data))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	if _, err := ix.Lookup("über/日本.txt"); err != nil {
		t.Errorf("Lookup UTF-8 name: %v", err)
	}
}

func TestReadDirectory_UnicodePathExtra(t *testing.T) {
	raw := []byte{'n', 0x82, '.', 't', 'x', 't'}
	unicode := "nö.txt"

	extra := make([]byte, 4+5+len(unicode))
	binary.LittleEndian.PutUint16(extra, unicodePathExtraID)
	binary.LittleEndian.PutUint16(extra[2:], uint16(5+len(unicode)))
	extra[4] = 1
	binary.LittleEndian.PutUint32(extra[5:], checksum(raw))
	copy(extra[9:], unicode)

	fh := &zip.FileHeader{
		Name:    string(raw),
		Method:  zip.Store,
		CRC32:   checksum(nil),
		NonUTF8: true,
		Extra:   extra,
	}
	data := buildRawZip(t, fh, nil)

	ix, err := ReadDirectory(context.Background(), newMemReader(data))
	if err != nil {
		t.Fatalf("ReadDirectory: %v", err)
	}
	if got := ix.Entries[0].Path; got != unicode {
		t.Errorf("Path = %q, want %q from the unicode path field", got, unicode)
	}
}

func TestMsDosTime(t *testing.T) {
	// 2024-03-15 13:45:30
	date := uint16((2024-1980)<<9 | 3<<5 | 15)
	tm := uint16(13<<11 | 45<<5 | 30/2)
	got := msDosTime(date, tm)
	if got.Year() != 2024 || got.Month() != 3 || got.Day() != 15 ||
		got.Hour() != 13 || got.Minute() != 45 || got.Second() != 30 {
		t.Errorf("msDosTime = %v", got)
	}
	if !msDosTime(0, 0).IsZero() {
		t.Error("zero DOS time should map to the zero time")
	}
}
