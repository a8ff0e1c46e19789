package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Opener opens the bytes behind an image reference.
type Opener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Router dispatches image references by scheme. References without a scheme are treated as
// object paths in the default bucket.
type Router struct {
	objects Opener
	web     Opener
}

// NewRouter constructs a Router. Either opener may be nil when that scheme is not served.
func NewRouter(objects, web Opener) *Router {
	return &Router{objects: objects, web: web}
}

// Open implements Opener.
func (r *Router) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	uri = strings.TrimSpace(uri)
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		if r.web != nil {
			return r.web.Open(ctx, uri)
		}
	case strings.HasPrefix(lower, "gs://"), uri != "" && !strings.Contains(uri, "://"):
		if r.objects != nil {
			return r.objects.Open(ctx, uri)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedURI, uri)
}
