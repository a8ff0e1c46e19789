package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	gcs "cloud.google.com/go/storage"
)

const gcsScheme = "gs"

var (
	// ErrUnsupportedURI is returned for image references no source can serve.
	ErrUnsupportedURI = errors.New("storage: unsupported image uri")
	// ErrObjectNotFound is returned when the referenced object does not exist.
	ErrObjectNotFound = errors.New("storage: object not found")
	errInvalidBucket  = errors.New("storage: bucket name is required")
	errInvalidObject  = errors.New("storage: object name is required")
)

// ObjectRef addresses a Cloud Storage object.
type ObjectRef struct {
	Bucket string
	Object string
}

// ParseObjectURI parses gs://bucket/object references. Bare object paths resolve against
// defaultBucket.
func ParseObjectURI(raw, defaultBucket string) (ObjectRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ObjectRef{}, errInvalidObject
	}
	if !strings.Contains(raw, "://") {
		bucket := strings.TrimSpace(defaultBucket)
		if bucket == "" {
			return ObjectRef{}, errInvalidBucket
		}
		return ObjectRef{Bucket: bucket, Object: strings.TrimLeft(raw, "/")}, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("storage: parse %q: %w", raw, err)
	}
	if parsed.Scheme != gcsScheme {
		return ObjectRef{}, fmt.Errorf("%w: %s", ErrUnsupportedURI, parsed.Scheme)
	}
	ref := ObjectRef{Bucket: parsed.Host, Object: strings.TrimLeft(parsed.Path, "/")}
	if ref.Bucket == "" {
		return ObjectRef{}, errInvalidBucket
	}
	if ref.Object == "" {
		return ObjectRef{}, errInvalidObject
	}
	return ref, nil
}

// ObjectReader opens background images stored in Cloud Storage.
type ObjectReader struct {
	client        *gcs.Client
	defaultBucket string
}

// NewObjectReader constructs an ObjectReader backed by the provided Cloud Storage client.
func NewObjectReader(client *gcs.Client, defaultBucket string) (*ObjectReader, error) {
	if client == nil {
		return nil, errors.New("storage reader: client is required")
	}
	return &ObjectReader{client: client, defaultBucket: strings.TrimSpace(defaultBucket)}, nil
}

// Open streams the object addressed by uri. The caller closes the reader.
func (r *ObjectReader) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("storage reader: client is not initialised")
	}
	ref, err := ParseObjectURI(uri, r.defaultBucket)
	if err != nil {
		return nil, err
	}
	reader, err := r.client.Bucket(ref.Bucket).Object(ref.Object).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, ref.Bucket, ref.Object)
	}
	if err != nil {
		return nil, fmt.Errorf("storage reader: open gs://%s/%s: %w", ref.Bucket, ref.Object, err)
	}
	return reader, nil
}
