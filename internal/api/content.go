package api

import (
	"mime"
	"net/http"
	"path"
	"strconv"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/fruitsalade/zipview/internal/metrics"
	"github.com/fruitsalade/zipview/pkg/archive"
	"github.com/fruitsalade/zipview/pkg/protocol"
)

// handleContent streams a member as an attachment.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	s.serveMember(w, r, "content", func(h http.Header, name string) {
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(name)}))
	})
}

// handleImage streams a member inline with a MIME type guessed from its name.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	s.serveMember(w, r, "image", func(h http.Header, name string) {
		ctype := mime.TypeByExtension(path.Ext(name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		h.Set("Content-Type", ctype)
		h.Set("X-Content-Type-Options", "nosniff")
	})
}

// serveMember opens the member before writing anything, so lookup and
// header errors still get a proper status. Failures after the first byte
// cut the response short.
func (s *Server) serveMember(w http.ResponseWriter, r *http.Request, endpoint string, setHeaders func(http.Header, string)) {
	loc, err := location(r)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	name, err := memberParam(r)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var opts archive.OpenOptions
	if opts.Offset, err = int64Param(r, protocol.ParamOffset); err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Limit, err = int64Param(r, protocol.ParamLimit); err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	m, err := s.svc.Open(r.Context(), loc, name, opts)
	if err != nil {
		metrics.RecordContentDownload(endpoint, 0, false)
		s.sendArchiveError(w, r, err)
		return
	}

	setHeaders(w.Header(), name)
	w.Header().Set("Content-Length", strconv.FormatUint(streamLength(m.Entry.UncompressedSize, opts), 10))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	var written int64
	for chunk, err := range m.Chunks() {
		if err != nil {
			requestLogger(r).Warn("member stream failed",
				zap.String("member", name),
				zap.Int64("written", written),
				zap.Error(err))
			metrics.RecordContentDownload(endpoint, written, false)
			return
		}
		n, werr := w.Write(chunk)
		written += int64(n)
		if werr != nil {
			// Client went away; ranging out of Chunks releases the member.
			metrics.RecordContentDownload(endpoint, written, false)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	metrics.RecordContentDownload(endpoint, written, true)
}

// streamLength is the number of bytes a member stream yields for opts.
func streamLength(size uint64, opts archive.OpenOptions) uint64 {
	off := uint64(opts.Offset)
	if off >= size {
		return 0
	}
	n := size - off
	if opts.Limit > 0 && uint64(opts.Limit) < n {
		n = uint64(opts.Limit)
	}
	return n
}

// handlePreview returns the beginning of a member as text.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	loc, err := location(r)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	name, err := memberParam(r)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := int64Param(r, protocol.ParamLimit)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.svc.Preview(r.Context(), loc, name, limit)
	if err != nil {
		s.sendArchiveError(w, r, err)
		return
	}

	text, encoding := decodeText(p.Data, p.Truncated)
	writeJSON(w, http.StatusOK, protocol.PreviewResponse{
		Name:      name,
		Content:   text,
		Encoding:  encoding,
		Size:      p.Size,
		Truncated: p.Truncated,
	})
}

// decodeText decodes data as UTF-8, falling back to ISO-8859-1. A truncated
// preview may end inside a multi-byte sequence; that tail is dropped first.
func decodeText(data []byte, truncated bool) (string, string) {
	if truncated {
		data = trimPartialRune(data)
	}
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}
	// ISO-8859-1 maps every byte, so decoding cannot fail.
	decoded, _ := charmap.ISO8859_1.NewDecoder().Bytes(data)
	return string(decoded), "iso-8859-1"
}

func trimPartialRune(b []byte) []byte {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return b
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i]
			}
			return b
		}
	}
	return b
}
