// Package blob provides a high-level interface and a GCS implementation for
// working with blobs on object storage, sized for the needs of staging
// compressed load files.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Exists when the bucket does not exist. It is
// deliberately distinct from authorization and transport failures: callers
// that create missing buckets must only do so on a true not-found, never on
// an ambiguous error.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err indicates a missing bucket or object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Bucket is a common interface for working with blob storage. Conceptually, a
// Bucket is aligned with a GCS bucket or an S3 bucket.
type Bucket interface {
	// NewWriter returns a WriteCloser to write an object to the bucket. The
	// object is visible and durable only after Close returns, and Close does
	// not return until the object is fully written.
	NewWriter(ctx context.Context, key string) io.WriteCloser

	// NewReader returns a stream of bytes for reading from the given key. The
	// caller is responsible for closing the returned ReadCloser.
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)

	// URI creates a fully-qualified identifier from an object key, for example
	// "gs://bucket/key".
	URI(key string) string

	// Delete deletes the objects per the list of URIs. Missing objects are not
	// an error.
	Delete(ctx context.Context, uris []string) error

	// Exists checks that the bucket itself exists and is accessible. It
	// returns ErrNotFound if and only if the bucket does not exist; any other
	// failure (authorization, network) is returned as-is.
	Exists(ctx context.Context) error

	// Create creates the bucket.
	Create(ctx context.Context) error
}
