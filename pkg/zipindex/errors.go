package zipindex

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/zipview/pkg/models"
)

var (
	ErrCorruptArchive         = errors.New("corrupt archive")
	ErrUnsupportedCompression = errors.New("unsupported compression")
	ErrMemberNotFound         = errors.New("member not found")
)

// FormatError describes a structural problem found while parsing an archive.
type FormatError struct {
	Offset int64
	Reason string
}

func (e *FormatError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("corrupt archive at offset %d: %s", e.Offset, e.Reason)
	}
	return "corrupt archive: " + e.Reason
}

func (e *FormatError) Unwrap() error {
	return ErrCorruptArchive
}

func corrupt(off int64, format string, args ...any) error {
	return &FormatError{Offset: off, Reason: fmt.Sprintf(format, args...)}
}

// MethodError reports a member that cannot be decoded.
type MethodError struct {
	Path      string
	Method    models.Method
	Encrypted bool
}

func (e *MethodError) Error() string {
	if e.Encrypted {
		return fmt.Sprintf("%s: encrypted members are not supported", e.Path)
	}
	return fmt.Sprintf("%s: unsupported compression method %s", e.Path, e.Method)
}

func (e *MethodError) Unwrap() error {
	return ErrUnsupportedCompression
}

// NotFoundError reports a member path absent from the directory.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("member %q not found in archive", e.Path)
}

func (e *NotFoundError) Unwrap() error {
	return ErrMemberNotFound
}
