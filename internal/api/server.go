// Package api provides the HTTP server and handlers for browsing remote archives.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fruitsalade/zipview/internal/auth"
	"github.com/fruitsalade/zipview/internal/logging"
	"github.com/fruitsalade/zipview/internal/metrics"
	"github.com/fruitsalade/zipview/pkg/archive"
	"github.com/fruitsalade/zipview/pkg/models"
	"github.com/fruitsalade/zipview/pkg/protocol"
	"github.com/fruitsalade/zipview/pkg/tree"
)

// Server is the zipview HTTP server.
type Server struct {
	svc  *archive.Service
	auth *auth.Auth // nil disables bearer auth
}

// NewServer creates a new server over svc.
func NewServer(svc *archive.Service) *Server {
	return &Server{svc: svc}
}

// SetAuth requires a valid bearer token on every /api/ route.
func (s *Server) SetAuth(a *auth.Auth) {
	s.auth = a
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/tree", s.handleTree)
	api.HandleFunc("GET /api/v1/content", s.handleContent)
	api.HandleFunc("GET /api/v1/image", s.handleImage)
	api.HandleFunc("GET /api/v1/preview", s.handlePreview)

	var apiHandler http.Handler = api
	if s.auth != nil {
		apiHandler = s.auth.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/api/", apiHandler)

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:       "ok",
		CacheEntries: s.svc.CacheStats().Entries,
	})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	loc, err := location(r)
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if flagSet(r.URL.Query().Get(protocol.ParamRefresh)) {
		s.svc.Invalidate(loc)
	}

	root, err := s.svc.List(r.Context(), loc)
	if err != nil {
		s.sendArchiveError(w, r, err)
		return
	}

	resp := protocol.TreeResponse{URL: loc.URL, Root: root}
	if p := strings.Trim(r.URL.Query().Get(protocol.ParamPath), "/"); p != "" {
		node := tree.FindByPath(root, p)
		if node == nil {
			s.sendError(w, r, http.StatusNotFound, "path not found: "+p)
			return
		}
		resp.Path = p
		resp.Root = node
	}
	resp.Files = tree.CountFiles(resp.Root)

	// Use gzip if client accepts it
	if acceptsGzip(r) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gw := gzip.NewWriter(w)
		defer gw.Close()
		json.NewEncoder(gw).Encode(resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// acceptsGzip returns true if the client accepts gzip encoding.
func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// location builds the archive Location from the query and credential headers.
func location(r *http.Request) (models.Location, error) {
	q := r.URL.Query()
	raw := q.Get(protocol.ParamURL)
	if raw == "" {
		return models.Location{}, fmt.Errorf("missing %q parameter", protocol.ParamURL)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return models.Location{}, fmt.Errorf("invalid archive URL")
	}

	loc := models.NewLocation(raw)
	loc.VerifyTLS = !flagSet(q.Get(protocol.ParamNoVerify))
	if user := r.Header.Get(protocol.HeaderArchiveUsername); user != "" {
		loc = loc.WithCredentials(user, r.Header.Get(protocol.HeaderArchivePassword))
	}
	return loc, nil
}

// flagSet accepts HTML checkbox values as well as booleans.
func flagSet(v string) bool {
	switch strings.ToLower(v) {
	case "on", "yes":
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// memberParam returns the required member name.
func memberParam(r *http.Request) (string, error) {
	name := r.URL.Query().Get(protocol.ParamName)
	if name == "" {
		return "", fmt.Errorf("missing %q parameter", protocol.ParamName)
	}
	return name, nil
}

// int64Param parses an optional non-negative integer parameter.
func int64Param(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %q parameter", key)
	}
	return n, nil
}

// errorStatus maps an archive error to an HTTP status and a machine-readable kind.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, archive.ErrMemberNotFound):
		return http.StatusNotFound, "member_not_found"
	case errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, archive.ErrAuthRequired):
		return http.StatusUnauthorized, "auth_required"
	case errors.Is(err, archive.ErrRangeUnsupported):
		return http.StatusUnprocessableEntity, "range_unsupported"
	case errors.Is(err, archive.ErrCorruptArchive):
		return http.StatusUnprocessableEntity, "corrupt_archive"
	case errors.Is(err, archive.ErrUnsupportedCompression):
		return http.StatusUnsupportedMediaType, "unsupported_compression"
	case errors.Is(err, archive.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, archive.ErrTransport):
		return http.StatusBadGateway, "transport"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) sendArchiveError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := errorStatus(err)
	logger := requestLogger(r)
	if code >= http.StatusInternalServerError {
		logger.Warn("archive request failed", zap.String("kind", kind), zap.Error(err))
	} else {
		logger.Debug("archive request rejected", zap.String("kind", kind), zap.Error(err))
	}
	writeJSON(w, code, protocol.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Kind:    kind,
		Details: err.Error(),
	})
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	kind := "bad_request"
	if code == http.StatusNotFound {
		kind = "path_not_found"
	}
	requestLogger(r).Debug("request rejected", zap.Int("status", code), zap.String("error", message))
	writeJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
		Kind:  kind,
	})
}

// requestLogger tags the request logger with the token subject, if any.
func requestLogger(r *http.Request) *zap.Logger {
	logger := logging.WithContext(r.Context())
	if claims := auth.GetClaims(r.Context()); claims != nil {
		logger = logger.With(zap.String("subject", claims.Subject))
	}
	return logger
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
