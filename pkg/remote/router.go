package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/fruitsalade/zipview/pkg/models"
)

// Router dispatches Open calls to the Opener registered for the URL scheme.
type Router struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRouter creates a router serving http and https through c.
func NewRouter(c *Client) *Router {
	r := &Router{openers: make(map[string]Opener)}
	if c != nil {
		r.Register("http", c)
		r.Register("https", c)
	}
	return r
}

// Register installs o for scheme, replacing any previous opener.
func (r *Router) Register(scheme string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[scheme] = o
}

// Schemes returns the registered schemes.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.openers))
	for s := range r.openers {
		schemes = append(schemes, s)
	}
	return schemes
}

// Open opens loc with the opener registered for its scheme.
func (r *Router) Open(ctx context.Context, loc models.Location) (RangeReader, error) {
	scheme := loc.Scheme()

	r.mu.RLock()
	o, ok := r.openers[scheme]
	r.mu.RUnlock()

	if !ok {
		return nil, &TransportError{
			Op:  "open",
			URL: loc.URL,
			Err: fmt.Errorf("unsupported URL scheme %q", scheme),
		}
	}
	return o.Open(ctx, loc)
}
