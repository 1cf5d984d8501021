// zipcat lists remote ZIP archives and prints single members without
// downloading the whole archive.
//
//	zipcat [flags] URL            list the archive
//	zipcat [flags] URL MEMBER     write MEMBER to stdout
//
// s3:// URLs use the S3_* environment variables understood by the server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/zipview/internal/config"
	"github.com/fruitsalade/zipview/internal/logging"
	s3storage "github.com/fruitsalade/zipview/internal/storage/s3"
	"github.com/fruitsalade/zipview/pkg/archive"
	"github.com/fruitsalade/zipview/pkg/cache"
	"github.com/fruitsalade/zipview/pkg/models"
	"github.com/fruitsalade/zipview/pkg/protocol"
	"github.com/fruitsalade/zipview/pkg/remote"
	"github.com/fruitsalade/zipview/pkg/retry"
	"github.com/fruitsalade/zipview/pkg/tree"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "zipcat: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// options holds the parsed command line.
type options struct {
	list     bool
	tree     bool
	json     bool
	insecure bool
	user     string
	password string
	timeout  time.Duration
	retries  int
	offset   int64
	limit    int64
	output   string
	logLevel string
}

func parseFlags(args []string, stderr io.Writer) (*options, []string, error) {
	var o options
	fs := pflag.NewFlagSet("zipcat", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVarP(&o.list, "list", "l", false, "list members in a table (default without MEMBER)")
	fs.BoolVarP(&o.tree, "tree", "t", false, "print the directory tree")
	fs.BoolVar(&o.json, "json", false, "print the listing as JSON")
	fs.BoolVarP(&o.insecure, "insecure", "k", false, "skip TLS certificate verification")
	fs.StringVarP(&o.user, "user", "u", "", "basic auth username for the archive server")
	fs.StringVar(&o.password, "password", os.Getenv("ZIPCAT_PASSWORD"), "basic auth password (default $ZIPCAT_PASSWORD)")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "wait limit for response headers and between body reads")
	fs.IntVar(&o.retries, "retries", 3, "attempts for transport failures before giving up")
	fs.Int64Var(&o.offset, "offset", 0, "skip this many bytes of MEMBER")
	fs.Int64Var(&o.limit, "limit", 0, "write at most this many bytes of MEMBER (0 = all)")
	fs.StringVarP(&o.output, "output", "o", "", "write MEMBER to this file instead of stdout")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: zipcat [flags] URL [MEMBER]\n\nFlags:\n%s", fs.FlagUsages())
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		fs.Usage()
		return nil, nil, fmt.Errorf("expected URL and optional MEMBER, got %d arguments", len(rest))
	}
	modes := 0
	for _, set := range []bool{o.list, o.tree, o.json} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return nil, nil, fmt.Errorf("--list, --tree and --json are mutually exclusive")
	}
	if modes == 1 && len(rest) == 2 {
		return nil, nil, fmt.Errorf("listing flags cannot be combined with MEMBER %q", rest[1])
	}
	if o.offset < 0 || o.limit < 0 {
		return nil, nil, fmt.Errorf("--offset and --limit must not be negative")
	}
	if o.retries < 1 {
		o.retries = 1
	}
	return &o, rest, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, rest, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	logger, _, err := logging.New(logging.Config{Level: o.logLevel, Format: "console", OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer logger.Sync()

	loc := models.NewLocation(rest[0])
	loc.VerifyTLS = !o.insecure
	if o.user != "" {
		loc = loc.WithCredentials(o.user, o.password)
	}

	svc, err := newService(ctx, loc, o, logger)
	if err != nil {
		return err
	}

	policy := retry.DefaultConfig()
	policy.MaxAttempts = o.retries
	policy.ShouldRetry = remote.IsTransient
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		logger.Warn("retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}

	if len(rest) == 2 {
		return catMember(ctx, svc, policy, loc, rest[1], o, stdout)
	}

	root, err := retry.DoWithResult(ctx, policy, func() (*models.Node, error) {
		return svc.List(ctx, loc)
	})
	if err != nil {
		return err
	}

	switch {
	case o.json:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(protocol.TreeResponse{URL: loc.URL, Root: root, Files: tree.CountFiles(root)})
	case o.tree:
		return printTree(stdout, root)
	default:
		return printList(stdout, root)
	}
}

func newService(ctx context.Context, loc models.Location, o *options, logger *zap.Logger) (*archive.Service, error) {
	router := remote.NewRouter(remote.New(remote.Config{Timeout: o.timeout, UserAgent: "zipcat/1.0"}))
	if loc.Scheme() == s3storage.Scheme {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		opener, err := s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			Timeout:   o.timeout,
		})
		if err != nil {
			return nil, err
		}
		router.Register(s3storage.Scheme, opener)
	}

	// One listing per run; the cache only provides single-flight.
	c, err := cache.New(1, 0)
	if err != nil {
		return nil, err
	}
	return archive.New(c, router, archive.WithLogger(logger)), nil
}

// catMember retries opening the member. Once bytes have been written a
// failure is final, since they cannot be taken back.
func catMember(ctx context.Context, svc *archive.Service, policy retry.Config, loc models.Location, name string, o *options, stdout io.Writer) error {
	m, err := retry.DoWithResult(ctx, policy, func() (*archive.Member, error) {
		return svc.Open(ctx, loc, name, archive.OpenOptions{Offset: o.offset, Limit: o.limit})
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if o.output == "" {
		return copyChunks(stdout, m)
	}
	f, err := os.Create(o.output)
	if err != nil {
		return err
	}
	if err := copyChunks(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyChunks(w io.Writer, m *archive.Member) error {
	for chunk, err := range m.Chunks() {
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

func printList(w io.Writer, root *models.Node) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIZE\tCOMPRESSED\tMETHOD\tMODIFIED\tNAME")
	fmt.Fprintln(tw, "----\t----------\t------\t--------\t----")

	var files int
	var total uint64
	err := tree.Walk(root, func(p string, n *models.Node) error {
		if n.IsDir() {
			return nil
		}
		files++
		total += n.Info.Size
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			formatSize(n.Info.Size),
			formatSize(n.Info.CompressedSize),
			n.Info.Method,
			formatTime(n.Info.Modified),
			p)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(tw, "%s\t\t\t\t%d files\n", formatSize(total), files)
	return tw.Flush()
}

func printTree(w io.Writer, root *models.Node) error {
	return tree.Walk(root, func(p string, n *models.Node) error {
		depth := strings.Count(p, "/")
		name := path.Base(p)
		if n.IsDir() {
			name += "/"
		}
		_, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), name)
		return err
	})
}

func formatSize(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

// exitCode distinguishes "not there" from other failures for scripts.
func exitCode(err error) int {
	switch {
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, archive.ErrMemberNotFound):
		return 3
	case errors.Is(err, archive.ErrAuthRequired):
		return 4
	default:
		return 1
	}
}
