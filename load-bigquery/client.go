package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/chunkflow/loaders/go/blob"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
)

// Client bundles the BigQuery client and the staging bucket for one run.
type Client struct {
	bq     *bigquery.Client
	bucket blob.Bucket
	cfg    Config
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := cfg.ClientOptions()

	bq, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}

	bucket, err := blob.NewGCSBucket(ctx, cfg.Bucket, cfg.ProjectID, cfg.Region, opts...)
	if err != nil {
		bq.Close()
		return nil, err
	}

	return &Client{
		bq:     bq,
		bucket: bucket,
		cfg:    cfg,
	}, nil
}

func (c *Client) Close() {
	c.bq.Close()
	if closer, ok := c.bucket.(interface{ Close() error }); ok {
		closer.Close()
	}
}

// isNotFound reports whether err is a 404 from the google APIs. Permission
// and transport failures do not count: callers that create missing resources
// must surface those instead of papering over them.
func isNotFound(err error) bool {
	var gErr *googleapi.Error
	return errors.As(err, &gErr) && gErr.Code == http.StatusNotFound
}

// EnsureBucket checks that the staging bucket exists, creating it only when
// the check reports a true not-found.
func (c *Client) EnsureBucket(ctx context.Context) error {
	err := c.bucket.Exists(ctx)
	if err == nil {
		return nil
	} else if !blob.IsNotFound(err) {
		return fmt.Errorf("checking bucket: %w", err)
	}

	log.WithField("bucket", c.cfg.Bucket).Info("creating staging bucket")

	return c.bucket.Create(ctx)
}

// EnsureDataset checks that the destination dataset exists, creating it in
// the configured region on a true not-found.
func (c *Client) EnsureDataset(ctx context.Context) error {
	ds := c.bq.Dataset(c.cfg.Dataset)

	if meta, err := ds.Metadata(ctx); err == nil {
		if meta.Location != c.cfg.Region {
			return fmt.Errorf("dataset %q is in region %q, not the configured region %q", c.cfg.Dataset, meta.Location, c.cfg.Region)
		}
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("reading metadata of dataset %q: %w", c.cfg.Dataset, err)
	}

	log.WithFields(log.Fields{
		"dataset": c.cfg.Dataset,
		"region":  c.cfg.Region,
	}).Info("creating dataset")

	if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: c.cfg.Region}); err != nil {
		return fmt.Errorf("creating dataset %q: %w", c.cfg.Dataset, err)
	}

	return nil
}

// EnsureTable checks that the destination table exists, creating it with the
// inferred schema on a true not-found. An existing table keeps its schema.
func (c *Client) EnsureTable(ctx context.Context, table string, schema bigquery.Schema) error {
	tbl := c.bq.Dataset(c.cfg.Dataset).Table(table)

	if _, err := tbl.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("reading metadata of table %q: %w", table, err)
	}

	log.WithFields(log.Fields{
		"table":   table,
		"columns": len(schema),
	}).Info("creating table")

	if err := tbl.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
		return fmt.Errorf("creating table %q: %w", table, err)
	}

	return nil
}

// LoadTable runs one load job appending the staged objects to the table, in
// segment order, and blocks until the job completes.
func (c *Client) LoadTable(ctx context.Context, table string, uris []string) error {
	// Staged segments carry no header row, so every line of every object
	// is data.
	gcsRef := bigquery.NewGCSReference(uris...)
	gcsRef.SourceFormat = bigquery.CSV

	load := c.bq.Dataset(c.cfg.Dataset).Table(table).LoaderFrom(gcsRef)
	load.WriteDisposition = bigquery.WriteAppend
	load.Location = c.cfg.Region

	log.WithFields(log.Fields{
		"table":   table,
		"objects": strings.Join(uris, ","),
	}).Info("starting load job")

	job, err := load.Run(ctx)
	if err != nil {
		return fmt.Errorf("starting load job for table %q: %w", table, err)
	}

	status, err := job.Wait(ctx)
	if status == nil {
		status = job.LastStatus()
	}
	if err == nil && status != nil {
		err = status.Err()
	}
	if err != nil {
		return fmt.Errorf("load job for table %q: %w", table, err)
	}

	log.WithFields(log.Fields{
		"table": table,
		"job":   job.ID(),
	}).Info("load job complete")

	return nil
}
