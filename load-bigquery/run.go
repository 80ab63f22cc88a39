package loader

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"

	"cloud.google.com/go/bigquery"
	"github.com/chunkflow/loaders/go/blob"
	"github.com/chunkflow/loaders/go/csvschema"
	"github.com/chunkflow/loaders/go/splitter"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Run executes one load run: discover source files, ensure the staging
// bucket, dataset and tables exist, then for each file stream its segments
// to the bucket and load them into its table. Files are processed one at a
// time; any failure aborts the run.
func Run(ctx context.Context, cfg Config, patterns []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	sources, err := DiscoverSources(patterns)
	if err != nil {
		return err
	}

	client, err := NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.EnsureBucket(ctx); err != nil {
		return err
	}
	if err := client.EnsureDataset(ctx); err != nil {
		return err
	}

	// Segments of this run are grouped under a unique staging prefix so
	// concurrent runs against the same bucket cannot collide.
	runID := uuid.NewString()

	for _, src := range sources {
		if err := loadSource(ctx, client, cfg, runID, src); err != nil {
			return fmt.Errorf("loading %q into table %q: %w", src.Path, src.Table, err)
		}
	}

	return nil
}

func loadSource(ctx context.Context, client *Client, cfg Config, runID string, src Source) error {
	schema, err := inferSchema(cfg, src.Path)
	if err != nil {
		return err
	}

	if err := client.EnsureTable(ctx, src.Table, schema); err != nil {
		return err
	}

	uris, err := stageSource(ctx, client.bucket, cfg, runID, src)
	if err != nil {
		return err
	}

	if len(uris) == 0 {
		log.WithField("file", src.Path).Info("source file has no data rows; nothing to load")
		return nil
	}

	if err := client.LoadTable(ctx, src.Table, uris); err != nil {
		return err
	}

	if !cfg.KeepStaged {
		if err := client.bucket.Delete(ctx, uris); err != nil {
			return fmt.Errorf("cleaning up staged objects: %w", err)
		}
	}

	return nil
}

// stageSource streams one source file through a splitter into the staging
// bucket and returns the produced object URIs in segment order.
func stageSource(ctx context.Context, bucket blob.Bucket, cfg Config, runID string, src Source) ([]string, error) {
	base, err := stagingBase(src.Table, src.Path)
	if err != nil {
		return nil, err
	}
	base = path.Join(cfg.BucketPath, runID, base)

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	// The header row is stripped here and every hand-off to the splitter
	// ends on a row boundary, so each staged object is a standalone CSV
	// fragment: no segment repeats the header and none starts or ends
	// mid-row.
	br := bufio.NewReader(f)
	if _, err := stripHeaderRow(br); err != nil {
		return nil, err
	}

	s, err := splitter.New(bucket, base, cfg.SplitterConfig())
	if err != nil {
		return nil, err
	}

	uris, err := s.Run(ctx, &rowAlignedReader{r: br})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"file":     src.Path,
		"segments": len(uris),
	}).Info("staged source file")

	return uris, nil
}

func inferSchema(cfg Config, path string) (bigquery.Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	schema, err := csvschema.Infer(f, cfg.sampleRows())
	if err != nil {
		return nil, fmt.Errorf("inferring schema of %q: %w", path, err)
	}

	return schema, nil
}
