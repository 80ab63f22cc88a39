package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

var _ Bucket = (*GCSBucket)(nil)

// GCSBucket is a Bucket backed by a Google Cloud Storage bucket.
type GCSBucket struct {
	client  *storage.Client
	bucket  string
	project string
	region  string
}

// NewGCSBucket creates a GCS object storage bucket handle. The project and
// region are used only if the bucket has to be created.
func NewGCSBucket(ctx context.Context, bucket, project, region string, opts ...option.ClientOption) (*GCSBucket, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating cloud storage client: %w", err)
	}

	return &GCSBucket{
		client:  client,
		bucket:  bucket,
		project: project,
		region:  region,
	}, nil
}

func (b *GCSBucket) NewWriter(ctx context.Context, key string) io.WriteCloser {
	return b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
}

func (b *GCSBucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func (b *GCSBucket) URI(key string) string {
	return "gs://" + path.Join(b.bucket, key)
}

func (b *GCSBucket) Delete(ctx context.Context, uris []string) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(5)

	for _, uri := range uris {
		trimmed := strings.TrimPrefix(uri, "gs://")
		bucket, key, ok := strings.Cut(trimmed, "/")
		if !ok {
			return fmt.Errorf("invalid uri %q", uri)
		}
		group.Go(func() error {
			if err := b.client.Bucket(bucket).Object(key).Delete(groupCtx); err != nil {
				var gErr *googleapi.Error
				if errors.As(err, &gErr) && gErr.Code == http.StatusNotFound {
					return nil
				}

				return fmt.Errorf("deleting blob %q: %w", uri, err)
			}
			return nil
		})
	}

	return group.Wait()
}

// Exists inspects the bucket metadata. A 404 from the API, or the storage
// client's own bucket-not-exist error, is reported as ErrNotFound so callers
// can distinguish a genuinely missing bucket from a permission or transport
// failure.
func (b *GCSBucket) Exists(ctx context.Context) error {
	_, err := b.client.Bucket(b.bucket).Attrs(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("bucket %q: %w", b.bucket, ErrNotFound)
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code == http.StatusNotFound {
		return fmt.Errorf("bucket %q: %w", b.bucket, ErrNotFound)
	}

	return fmt.Errorf("reading metadata of bucket %q: %w", b.bucket, err)
}

func (b *GCSBucket) Create(ctx context.Context) error {
	attrs := &storage.BucketAttrs{Location: b.region}
	if err := b.client.Bucket(b.bucket).Create(ctx, b.project, attrs); err != nil {
		return fmt.Errorf("creating bucket %q: %w", b.bucket, err)
	}

	return nil
}

// Close closes the underlying storage client.
func (b *GCSBucket) Close() error {
	return b.client.Close()
}
