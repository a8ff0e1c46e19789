package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 20 * time.Second

// HTTPSource fetches images referenced by http(s) URLs.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource constructs an HTTPSource. A nil client gets a bounded default.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPSource{client: client}
}

// Open issues a GET and returns the body on 2xx responses.
func (s *HTTPSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("storage http: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage http: get %s: %w", uri, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, uri)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("storage http: get %s: status %d", uri, resp.StatusCode)
	}
	return resp.Body, nil
}
