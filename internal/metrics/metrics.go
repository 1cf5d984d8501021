// Package metrics provides Prometheus metrics for the zipview server.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fruitsalade/zipview/pkg/cache"
	"github.com/fruitsalade/zipview/pkg/models"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipview_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zipview_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Remote range requests
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipview_remote_requests_total",
			Help: "Total range requests sent to remote archive servers",
		},
		[]string{"code", "method"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zipview_remote_request_duration_seconds",
			Help:    "Time until response headers from remote archive servers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "method"},
	)

	remoteInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zipview_remote_requests_in_flight",
			Help: "Range requests currently waiting for response headers",
		},
	)

	// Listing metrics
	listingFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zipview_listing_fetch_duration_seconds",
			Help:    "Time to read and parse a central directory",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	listingFiles = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zipview_listing_files",
			Help:    "Number of file members per fetched listing",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// Content metrics
	contentBytesStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "zipview_content_bytes_streamed_total",
			Help: "Total member bytes streamed to clients",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipview_content_downloads_total",
			Help: "Total member downloads",
		},
		[]string{"endpoint", "status"},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zipview_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zipview_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// InstrumentTransport wraps rt so every remote range request is counted and timed.
// It fits remote.Config.WrapTransport.
func InstrumentTransport(rt http.RoundTripper) http.RoundTripper {
	return promhttp.InstrumentRoundTripperInFlight(remoteInFlight,
		promhttp.InstrumentRoundTripperCounter(remoteRequestsTotal,
			promhttp.InstrumentRoundTripperDuration(remoteRequestDuration, rt),
		),
	)
}

// ObserveListing records one central directory fetch. Its signature matches
// archive.ListingObserver.
func ObserveListing(_ models.Location, files int, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	listingFetchDuration.WithLabelValues(status).Observe(d.Seconds())
	if err == nil {
		listingFiles.Observe(float64(files))
	}
}

// RecordContentDownload records a streamed member.
func RecordContentDownload(endpoint string, bytes int64, success bool) {
	contentBytesStreamed.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	contentDownloadsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RegisterCache exports the listing cache counters read from stats.
func RegisterCache(reg prometheus.Registerer, stats func() cache.Stats) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "zipview_cache_entries",
			Help: "Listings currently held in the cache",
		}, func() float64 { return float64(stats().Entries) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zipview_cache_hits_total",
			Help: "Listing cache hits",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zipview_cache_misses_total",
			Help: "Listing cache misses",
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zipview_cache_evictions_total",
			Help: "Listings evicted to make room",
		}, func() float64 { return float64(stats().Evictions) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zipview_cache_expirations_total",
			Help: "Listings dropped after their TTL",
		}, func() float64 { return float64(stats().Expirations) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "zipview_cache_fetch_failures_total",
			Help: "Listing fetches that returned an error",
		}, func() float64 { return float64(stats().Failures) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
