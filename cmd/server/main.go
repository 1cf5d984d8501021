// zipview server
//
// Browses remote ZIP archives without downloading them:
// - directory trees read from the central directory over HTTP range requests
// - single-member streaming, previews and inline images
// - s3:// archives through the S3 API (optional)
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fruitsalade/zipview/internal/api"
	"github.com/fruitsalade/zipview/internal/auth"
	"github.com/fruitsalade/zipview/internal/config"
	"github.com/fruitsalade/zipview/internal/logging"
	"github.com/fruitsalade/zipview/internal/metrics"
	s3storage "github.com/fruitsalade/zipview/internal/storage/s3"
	"github.com/fruitsalade/zipview/pkg/archive"
	"github.com/fruitsalade/zipview/pkg/cache"
	"github.com/fruitsalade/zipview/pkg/remote"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("zipview server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Range sources
	client := remote.New(remote.Config{
		Timeout:       cfg.RemoteTimeout,
		WrapTransport: metrics.InstrumentTransport,
	})
	router := remote.NewRouter(client)

	if cfg.S3Enabled {
		opener, err := s3storage.New(ctx, s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			Timeout:   cfg.RemoteTimeout,
		})
		if err != nil {
			logging.Fatal("S3 init failed", zap.Error(err))
		}
		router.Register(s3storage.Scheme, opener)
		logging.Info("S3 range source enabled",
			zap.String("endpoint", cfg.S3Endpoint),
			zap.String("region", cfg.S3Region))
	}
	logging.Info("range sources", zap.Strings("schemes", router.Schemes()))

	// Listing cache
	listings, err := cache.New(cfg.CacheMaxEntries, cfg.CacheTTL)
	if err != nil {
		logging.Fatal("cache init failed", zap.Error(err))
	}
	if err := metrics.RegisterCache(prometheus.DefaultRegisterer, listings.Stats); err != nil {
		logging.Fatal("cache metrics registration failed", zap.Error(err))
	}
	logging.Info("listing cache initialized",
		zap.Int("max_entries", cfg.CacheMaxEntries),
		zap.Duration("ttl", cfg.CacheTTL))

	svc := archive.New(listings, router,
		archive.WithLogger(logging.L().Named("archive")),
		archive.WithPreviewLimit(cfg.PreviewLimit),
		archive.WithListingObserver(metrics.ObserveListing),
	)

	srv := api.NewServer(svc)
	if cfg.JWTSecret != "" {
		srv.SetAuth(auth.New(cfg.JWTSecret))
		logging.Info("bearer token authentication enabled")
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSEnabled()
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown; in-flight member streams get a grace period.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("forcing server close", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	// Periodic cache report
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := listings.Stats()
				logging.Debug("listing cache",
					zap.Int("entries", st.Entries),
					zap.Uint64("hits", st.Hits),
					zap.Uint64("misses", st.Misses),
					zap.Uint64("evictions", st.Evictions),
					zap.Uint64("expirations", st.Expirations))
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
	<-stopped
	logging.Info("server stopped")
}
