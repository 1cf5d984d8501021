// Package remote provides random access to remote resources through HTTP range requests.
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/zipview/pkg/models"
)

// RangeReader gives random access to a remote byte stream of known size.
type RangeReader interface {
	// Size returns the total size of the resource in bytes.
	Size() int64

	// ReadRange fetches exactly n bytes starting at off.
	ReadRange(ctx context.Context, off, n int64) ([]byte, error)

	// OpenRange streams n bytes starting at off. The caller must close the
	// returned reader; closing releases the underlying connection.
	OpenRange(ctx context.Context, off, n int64) (io.ReadCloser, error)

	// Close releases resources held by the reader.
	Close() error
}

// Opener opens a RangeReader for a Location.
type Opener interface {
	Open(ctx context.Context, loc models.Location) (RangeReader, error)
}

// Config holds client configuration.
type Config struct {
	// Timeout bounds the wait for response headers and the idle time
	// between body reads of every remote request.
	Timeout   time.Duration
	UserAgent string

	// WrapTransport, if set, decorates the HTTP transport (metrics, tracing).
	WrapTransport func(http.RoundTripper) http.RoundTripper
}

// Client issues range requests over HTTP(S).
type Client struct {
	timeout   time.Duration
	userAgent string
	secure    *http.Client
	insecure  *http.Client
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "zipview/1.0"
	}
	return &Client{
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		secure:    newHTTPClient(cfg, false),
		insecure:  newHTTPClient(cfg, true),
	}
}

func newHTTPClient(cfg Config, skipVerify bool) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		// Byte offsets must refer to the stored representation.
		DisableCompression: true,
	}
	if skipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit caller opt-in
	}

	var rt http.RoundTripper = transport
	if cfg.WrapTransport != nil {
		rt = cfg.WrapTransport(rt)
	}
	return &http.Client{Transport: rt}
}

// Open probes the resource with a one-byte range request and returns a reader
// for it. The probe establishes the total size and that partial content is honoured.
func (c *Client) Open(ctx context.Context, loc models.Location) (RangeReader, error) {
	r := &Reader{
		client: c,
		http:   c.secure,
		loc:    loc,
	}
	if !loc.VerifyTLS {
		r.http = c.insecure
	}

	size, err := r.probe(ctx)
	if err != nil {
		return nil, err
	}
	r.size = size
	return r, nil
}

// Reader is a RangeReader over one HTTP resource.
type Reader struct {
	client *Client
	http   *http.Client
	loc    models.Location
	size   int64
}

// Size returns the total size of the resource.
func (r *Reader) Size() int64 {
	return r.size
}

// Close is a no-op; connections are scoped to individual ranges.
func (r *Reader) Close() error {
	return nil
}

// ReadRange fetches exactly n bytes starting at off.
func (r *Reader) ReadRange(ctx context.Context, off, n int64) ([]byte, error) {
	body, err := r.OpenRange(ctx, off, n)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	buf := make([]byte, n)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// OpenRange streams n bytes starting at off.
func (r *Reader) OpenRange(ctx context.Context, off, n int64) (io.ReadCloser, error) {
	if off < 0 || n < 0 || off+n > r.size {
		return nil, fmt.Errorf("remote: range [%d, %d) outside resource of %d bytes", off, off+n, r.size)
	}
	if n == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	resp, err := r.send(ctx, off, off+n-1)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	if err := r.checkPartial(resp, off, off+n-1); err != nil {
		resp.Body.Close()
		cancel(nil)
		return nil, err
	}

	return &rangeBody{
		ctx:       ctx,
		cancel:    cancel,
		body:      resp.Body,
		remaining: n,
		timeout:   r.client.timeout,
		url:       r.loc.URL,
	}, nil
}

func (r *Reader) probe(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := r.send(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// An empty resource cannot satisfy any range.
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		if _, _, total, err := parseContentRange(resp.Header.Get("Content-Range")); err == nil && total == 0 {
			return 0, nil
		}
		return 0, &StatusError{URL: r.loc.URL, StatusCode: resp.StatusCode, Kind: ErrRangeUnsupported}
	}

	if err := r.checkPartial(resp, 0, 0); err != nil {
		return 0, err
	}

	_, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil || total < 0 {
		return 0, &StatusError{URL: r.loc.URL, StatusCode: resp.StatusCode, Kind: ErrRangeUnsupported}
	}
	return total, nil
}

func (r *Reader) send(ctx context.Context, start, end int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.loc.URL, nil)
	if err != nil {
		return nil, &TransportError{Op: "request", URL: r.loc.URL, Err: err}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", r.client.userAgent)
	if !r.loc.Credentials.IsZero() {
		req.SetBasicAuth(r.loc.Credentials.Username, r.loc.Credentials.Password)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: r.loc.URL, Err: err, Timeout: isTimeout(ctx, err)}
	}
	return resp, nil
}

// checkPartial verifies that resp is a 206 for exactly [start, end].
// Servers that answer 200 to a ranged request ignore the Range header.
func (r *Reader) checkPartial(resp *http.Response, start, end int64) error {
	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		return &StatusError{URL: r.loc.URL, StatusCode: resp.StatusCode, Kind: ErrRangeUnsupported}
	default:
		return &StatusError{URL: r.loc.URL, StatusCode: resp.StatusCode, Kind: statusKind(resp.StatusCode)}
	}

	gotStart, gotEnd, _, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil || gotStart != start || gotEnd != end {
		return &StatusError{URL: r.loc.URL, StatusCode: resp.StatusCode, Kind: ErrRangeUnsupported}
	}
	return nil
}

// parseContentRange parses "bytes start-end/total" and "bytes */total".
// An unknown total ("*") is returned as -1.
func parseContentRange(header string) (start, end, total int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	rng, totalStr, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}

	total = -1
	if totalStr != "*" {
		if total, err = strconv.ParseInt(totalStr, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("malformed Content-Range total %q", header)
		}
	}

	if rng == "*" {
		return -1, -1, total, nil
	}
	startStr, endStr, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	if start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range start %q", header)
	}
	if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range end %q", header)
	}
	return start, end, total, nil
}

var errIdleTimeout = errors.New("no data received within timeout")

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(context.Cause(ctx), errIdleTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// rangeBody enforces the per-read idle timeout and reports short bodies.
type rangeBody struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	body      io.ReadCloser
	remaining int64
	timeout   time.Duration
	url       string
}

func (b *rangeBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}

	timer := time.AfterFunc(b.timeout, func() { b.cancel(errIdleTimeout) })
	n, err := b.body.Read(p)
	timer.Stop()

	b.remaining -= int64(n)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if b.remaining > 0 {
			return n, &TransportError{Op: "read", URL: b.url, Err: io.ErrUnexpectedEOF}
		}
		return n, io.EOF
	default:
		return n, &TransportError{Op: "read", URL: b.url, Err: err, Timeout: isTimeout(b.ctx, err)}
	}
}

func (b *rangeBody) Close() error {
	err := b.body.Close()
	b.cancel(nil)
	return err
}
