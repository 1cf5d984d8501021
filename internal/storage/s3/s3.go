// Package s3 opens archives stored in S3-compatible object stores as range readers.
//
// Locations use s3://bucket/key URLs. The size comes from HeadObject and
// every range is a GetObject with a Range header.
package s3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fruitsalade/zipview/internal/logging"
	"github.com/fruitsalade/zipview/internal/metrics"
	"github.com/fruitsalade/zipview/pkg/models"
	"github.com/fruitsalade/zipview/pkg/remote"
)

// Scheme is the URL scheme served by Opener.
const Scheme = "s3"

// Config holds S3 connection settings.
type Config struct {
	// Endpoint overrides the AWS endpoint, e.g. a MinIO URL. Empty uses AWS.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool

	// Timeout bounds the wait for response headers and for each body read.
	Timeout time.Duration
}

// Opener is a remote.Opener for s3:// locations.
type Opener struct {
	cfg    Config
	awsCfg aws.Config

	mu       sync.Mutex
	secure   *s3.Client
	insecure *s3.Client
	http     map[bool]*awshttp.BuildableClient
}

// New loads the AWS configuration. Static keys in cfg take precedence over
// the default credential chain.
func New(ctx context.Context, cfg Config) (*Opener, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Opener{cfg: cfg, awsCfg: awsCfg, http: make(map[bool]*awshttp.BuildableClient)}, nil
}

// client returns an S3 client for loc. Locations with credentials get a
// dedicated client signing with those keys; it shares the HTTP transport
// of its TLS mode.
func (o *Opener) client(loc models.Location) *s3.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !loc.Credentials.IsZero() {
		return o.newClient(loc.VerifyTLS, &loc.Credentials)
	}
	if loc.VerifyTLS {
		if o.secure == nil {
			o.secure = o.newClient(true, nil)
		}
		return o.secure
	}
	if o.insecure == nil {
		o.insecure = o.newClient(false, nil)
	}
	return o.insecure
}

// httpClient returns the transport for one TLS mode. Callers hold o.mu.
func (o *Opener) httpClient(verifyTLS bool) *awshttp.BuildableClient {
	if c, ok := o.http[verifyTLS]; ok {
		return c
	}
	c := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tr.ResponseHeaderTimeout = o.cfg.Timeout
		tr.DisableCompression = true
		if !verifyTLS {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit caller opt-in
		}
	})
	o.http[verifyTLS] = c
	return c
}

// newClient builds an S3 client with SDK retries disabled; retrying is
// left to the caller. Callers hold o.mu.
func (o *Opener) newClient(verifyTLS bool, creds *models.Credentials) *s3.Client {
	httpClient := o.httpClient(verifyTLS)

	return s3.NewFromConfig(o.awsCfg, func(opts *s3.Options) {
		opts.UsePathStyle = o.cfg.PathStyle
		opts.HTTPClient = httpClient
		opts.Retryer = aws.NopRetryer{}
		if o.cfg.Endpoint != "" {
			opts.BaseEndpoint = aws.String(o.cfg.Endpoint)
		}
		if creds != nil {
			opts.Credentials = credentials.NewStaticCredentialsProvider(creds.Username, creds.Password, "")
		}
	})
}

// Open resolves the object's size and returns a reader for it.
func (o *Opener) Open(ctx context.Context, loc models.Location) (remote.RangeReader, error) {
	bucket, key, err := parseLocation(loc.URL)
	if err != nil {
		return nil, &remote.TransportError{Op: "open", URL: loc.URL, Err: err}
	}

	r := &Reader{
		client: o.client(loc),
		bucket: bucket,
		key:     key,
		url:     loc.URL,
		timeout: o.cfg.Timeout,
	}

	start := time.Now()
	head, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("head_object", time.Since(start), err == nil)
	if err != nil {
		return nil, classify("HEAD", loc.URL, err)
	}
	if head.ContentLength == nil {
		return nil, &remote.StatusError{URL: loc.URL, StatusCode: http.StatusOK, Kind: remote.ErrRangeUnsupported}
	}
	r.size = *head.ContentLength

	logging.WithContext(ctx).Debug("s3 object opened",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int64("size", r.size))
	return r, nil
}

// parseLocation splits s3://bucket/key.
func parseLocation(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return "", "", fmt.Errorf("not an s3 URL: %q", u.Scheme)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 URL needs a bucket and a key")
	}
	return bucket, key, nil
}

// Reader is a remote.RangeReader over one S3 object.
type Reader struct {
	client *s3.Client
	bucket string
	key    string
	url     string
	size    int64
	timeout time.Duration
}

// Size returns the object size.
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
		return nil, fmt.Errorf("s3: range [%d, %d) outside object of %d bytes", off, off+n, r.size)
	}
	if n == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}

	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+n-1)),
	})
	metrics.RecordS3Operation("get_object", time.Since(start), err == nil)
	if err != nil {
		cancel(nil)
		return nil, classify("GET", r.url, err)
	}

	if out.ContentLength != nil && *out.ContentLength != n {
		out.Body.Close()
		cancel(nil)
		return nil, &remote.StatusError{URL: r.url, StatusCode: http.StatusOK, Kind: remote.ErrRangeUnsupported}
	}

	return &objectBody{
		ctx:       ctx,
		cancel:    cancel,
		body:      out.Body,
		remaining: n,
		timeout:   r.timeout,
		url:       r.url,
	}, nil
}

// classify maps SDK errors onto the remote error kinds.
func classify(op, rawURL string, err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		switch code {
		case http.StatusNotFound:
			return &remote.StatusError{URL: rawURL, StatusCode: code, Kind: remote.ErrNotFound}
		case http.StatusUnauthorized, http.StatusForbidden:
			return &remote.StatusError{URL: rawURL, StatusCode: code, Kind: remote.ErrAuthRequired}
		case http.StatusRequestedRangeNotSatisfiable:
			return &remote.StatusError{URL: rawURL, StatusCode: code, Kind: remote.ErrRangeUnsupported}
		}
	}
	return &remote.TransportError{Op: op, URL: rawURL, Err: err, Timeout: errors.Is(err, context.DeadlineExceeded)}
}

var errIdleTimeout = errors.New("no data received within timeout")

// objectBody enforces the per-read idle timeout and reports short bodies
// and read failures as transport errors.
type objectBody struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	body      io.ReadCloser
	remaining int64
	timeout   time.Duration
	url       string
}

func (b *objectBody) Read(p []byte) (int, error) {
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
	case b.timedOut(err):
		return n, &remote.TransportError{Op: "read", URL: b.url, Err: err, Timeout: true}
	case errors.Is(err, io.EOF):
		if b.remaining > 0 {
			return n, &remote.TransportError{Op: "read", URL: b.url, Err: io.ErrUnexpectedEOF}
		}
		return n, io.EOF
	default:
		return n, &remote.TransportError{Op: "read", URL: b.url, Err: err}
	}
}

// timedOut reports whether the read ended because the idle timer fired or
// the caller's deadline passed. A cancelled body may surface as EOF.
func (b *objectBody) timedOut(err error) bool {
	return errors.Is(context.Cause(b.ctx), errIdleTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func (b *objectBody) Close() error {
	err := b.body.Close()
	b.cancel(nil)
	return err
}
