// Package archive lists and streams members of remote ZIP archives.
//
// List goes through the listing cache; Open always reads the directory fresh
// and streams a single member over one range request.
package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/zipview/pkg/cache"
	"github.com/fruitsalade/zipview/pkg/models"
	"github.com/fruitsalade/zipview/pkg/remote"
	"github.com/fruitsalade/zipview/pkg/tree"
	"github.com/fruitsalade/zipview/pkg/zipindex"
)

// Error kinds returned by Service. Match them with errors.Is.
var (
	ErrNotFound               = remote.ErrNotFound
	ErrRangeUnsupported       = remote.ErrRangeUnsupported
	ErrTransport              = remote.ErrTransport
	ErrTimeout                = remote.ErrTimeout
	ErrAuthRequired           = remote.ErrAuthRequired
	ErrCorruptArchive         = zipindex.ErrCorruptArchive
	ErrUnsupportedCompression = zipindex.ErrUnsupportedCompression
	ErrMemberNotFound         = zipindex.ErrMemberNotFound
)

// DefaultPreviewLimit is the number of bytes returned by Preview when no limit is given.
const DefaultPreviewLimit = 100 << 10

// OpenOptions selects part of a member; see zipindex.OpenOptions.
type OpenOptions = zipindex.OpenOptions

// Member is an open member stream. Close it, or range over Chunks, to
// release the connection.
type Member = zipindex.Member

// ListingObserver is told about every directory fetch made on a cache miss.
type ListingObserver func(loc models.Location, files int, d time.Duration, err error)

// Service composes the range reader, directory parser, tree builder and cache.
type Service struct {
	cache        *cache.Cache
	opener       remote.Opener
	log          *zap.Logger
	previewLimit int64
	observe      ListingObserver
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithPreviewLimit changes the default Preview size.
func WithPreviewLimit(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.previewLimit = n
		}
	}
}

// WithListingObserver installs a hook called after each listing fetch.
func WithListingObserver(fn ListingObserver) Option {
	return func(s *Service) {
		s.observe = fn
	}
}

// New creates a Service that stores listings in c and opens archives with opener.
func New(c *cache.Cache, opener remote.Opener, opts ...Option) *Service {
	s := &Service{
		cache:        c,
		opener:       opener,
		log:          zap.NewNop(),
		previewLimit: DefaultPreviewLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns the directory tree of the archive at loc.
func (s *Service) List(ctx context.Context, loc models.Location) (*models.Node, error) {
	return s.cache.GetOrFetch(ctx, loc, s.fetchListing)
}

func (s *Service) fetchListing(ctx context.Context, loc models.Location) (*models.Node, error) {
	start := time.Now()
	ix, err := s.readIndex(ctx, loc)
	if err != nil {
		s.log.Warn("listing failed", zap.Stringer("location", loc), zap.Error(err))
		s.notify(loc, 0, time.Since(start), err)
		return nil, err
	}

	root := tree.Build(ix.Entries)
	s.log.Debug("listing fetched",
		zap.Stringer("location", loc),
		zap.Int("entries", len(ix.Entries)),
		zap.Int("files", ix.Files()),
		zap.Bool("zip64", ix.Zip64),
		zap.Int64("prefix", ix.Base),
		zap.Duration("duration", time.Since(start)),
	)
	s.notify(loc, ix.Files(), time.Since(start), nil)
	return root, nil
}

func (s *Service) notify(loc models.Location, files int, d time.Duration, err error) {
	if s.observe != nil {
		s.observe(loc, files, d, err)
	}
}

func (s *Service) readIndex(ctx context.Context, loc models.Location) (*zipindex.Index, error) {
	r, err := s.opener.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return zipindex.ReadDirectory(ctx, r)
}

// Open streams member from the archive at loc. The listing cache is not
// consulted. The returned Member must be closed.
func (s *Service) Open(ctx context.Context, loc models.Location, member string, opts OpenOptions) (*Member, error) {
	r, err := s.opener.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	// Open ranges outlive the reader.
	defer r.Close()

	ix, err := zipindex.ReadDirectory(ctx, r)
	if err != nil {
		return nil, err
	}
	e, err := ix.Lookup(member)
	if err != nil {
		return nil, err
	}

	m, err := zipindex.OpenMember(ctx, r, e, opts)
	if err != nil {
		return nil, err
	}
	s.log.Debug("member opened",
		zap.Stringer("location", loc),
		zap.String("member", member),
		zap.Stringer("method", e.Method),
		zap.Uint64("size", e.UncompressedSize),
		zap.Int64("offset", opts.Offset),
	)
	return m, nil
}

// Preview is the beginning of a member.
type Preview struct {
	Data []byte
	// Size is the full uncompressed size of the member.
	Size      uint64
	Truncated bool
}

// Preview reads at most limit bytes of member; limit <= 0 uses the default.
func (s *Service) Preview(ctx context.Context, loc models.Location, member string, limit int64) (*Preview, error) {
	if limit <= 0 {
		limit = s.previewLimit
	}
	m, err := s.Open(ctx, loc, member, OpenOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	defer m.Close()

	data, err := io.ReadAll(m)
	if err != nil {
		return nil, fmt.Errorf("preview %s: %w", member, err)
	}
	return &Preview{
		Data:      data,
		Size:      m.Entry.UncompressedSize,
		Truncated: uint64(len(data)) < m.Entry.UncompressedSize,
	}, nil
}

// Invalidate drops the cached listing for loc so the next List fetches it again.
func (s *Service) Invalidate(loc models.Location) {
	s.cache.Invalidate(loc)
}

// CacheStats exposes the listing cache counters.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}
