// Package protocol defines the API request/response types.
package protocol

import (
	"github.com/fruitsalade/zipview/pkg/models"
)

// TreeResponse is returned by GET /api/v1/tree
type TreeResponse struct {
	URL   string       `json:"url"`
	Path  string       `json:"path,omitempty"`
	Root  *models.Node `json:"root"`
	Files int          `json:"files"`
}

// PreviewResponse is returned by GET /api/v1/preview
type PreviewResponse struct {
	Name      string `json:"name"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding"` // "utf-8" or "iso-8859-1"
	Size      uint64 `json:"size"`
	Truncated bool   `json:"truncated"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status       string `json:"status"`
	CacheEntries int    `json:"cache_entries"`
}

// Query parameters shared by the archive endpoints.
const (
	ParamURL      = "url"
	ParamName     = "name"
	ParamPath     = "path"
	ParamNoVerify = "no_verify"
	ParamRefresh  = "refresh"
	ParamOffset   = "offset"
	ParamLimit    = "limit"
)

// Request headers carrying credentials for the remote archive.
const (
	HeaderArchiveUsername = "X-Archive-Username"
	HeaderArchivePassword = "X-Archive-Password"
)
