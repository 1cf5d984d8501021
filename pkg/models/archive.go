// Package models contains the data types shared by the listing and retrieval packages.
package models

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Credentials holds optional basic-auth credentials for a remote archive.
// The zero value means "no credentials".
type Credentials struct {
	Username string
	Password string
}

// IsZero reports whether no credentials are set.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// Location identifies one remote archive plus its connection policy.
// It is comparable and used directly as a cache key.
type Location struct {
	URL         string
	VerifyTLS   bool
	Credentials Credentials
}

// NewLocation returns a Location with TLS verification enabled.
func NewLocation(rawURL string) Location {
	return Location{URL: rawURL, VerifyTLS: true}
}

// WithCredentials returns a copy of l carrying the given credentials.
func (l Location) WithCredentials(username, password string) Location {
	l.Credentials = Credentials{Username: username, Password: password}
	return l
}

// Scheme returns the lower-cased URL scheme, or "" if the URL does not parse.
func (l Location) Scheme() string {
	u, err := url.Parse(l.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// String renders the location for logs. The password is never included.
func (l Location) String() string {
	var b strings.Builder
	b.WriteString(l.URL)
	if !l.VerifyTLS {
		b.WriteString(" (tls-verify=off)")
	}
	if l.Credentials.Username != "" {
		b.WriteString(" (user=")
		b.WriteString(l.Credentials.Username)
		b.WriteString(")")
	}
	return b.String()
}

// Method is a ZIP compression method identifier.
type Method uint16

// Compression methods understood by the member stream.
const (
	Store   Method = 0
	Deflate Method = 8
	BZIP2   Method = 12
	LZMA    Method = 14
	Zstd    Method = 93
	XZ      Method = 95
)

// String returns a short name for the method.
func (m Method) String() string {
	switch m {
	case Store:
		return "store"
	case Deflate:
		return "deflate"
	case BZIP2:
		return "bzip2"
	case LZMA:
		return "lzma"
	case Zstd:
		return "zstd"
	case XZ:
		return "xz"
	default:
		return "method-" + strconv.FormatUint(uint64(m), 10)
	}
}

// Entry is one central directory record.
type Entry struct {
	Path              string    `json:"path"`
	CompressedSize    uint64    `json:"compressed_size"`
	UncompressedSize  uint64    `json:"uncompressed_size"`
	Method            Method    `json:"method"`
	LocalHeaderOffset uint64    `json:"local_header_offset"`
	CRC32             uint32    `json:"crc32"`
	Flags             uint16    `json:"flags"`
	Modified          time.Time `json:"modified"`
	IsDir             bool      `json:"is_dir"`
}

// Encrypted reports whether the entry's data is encrypted.
func (e *Entry) Encrypted() bool {
	return e.Flags&0x1 != 0
}
