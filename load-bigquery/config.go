package loader

import (
	"fmt"
	"strings"

	"github.com/chunkflow/loaders/go/csvschema"
	"github.com/chunkflow/loaders/go/splitter"
	"google.golang.org/api/option"
)

// Config describes one load run: where the staged segments go, which dataset
// receives the tables, and the size parameters of the splitter.
type Config struct {
	ProjectID  string `json:"project_id"`
	Dataset    string `json:"dataset"`
	Region     string `json:"region"`
	Bucket     string `json:"bucket"`
	BucketPath string `json:"bucket_path,omitempty"`

	// CredentialsFile is a path to service account JSON credentials. When
	// empty, application default credentials are used.
	CredentialsFile string `json:"credentials_file,omitempty"`

	// ChunkSize bounds per-read and per-hand-off memory. Defaults to 8 MiB.
	ChunkSize int `json:"chunk_size,omitempty"`

	// MaxSegmentSize bounds the uncompressed size of each staged object.
	// Defaults to 4 GiB.
	MaxSegmentSize int64 `json:"max_segment_size,omitempty"`

	// SampleRows is how many rows are examined for schema inference.
	SampleRows int `json:"sample_rows,omitempty"`

	// KeepStaged leaves the staged objects in place after a successful load
	// instead of deleting them.
	KeepStaged bool `json:"keep_staged,omitempty"`
}

func (c Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("expected project_id")
	}
	if c.Dataset == "" {
		return fmt.Errorf("expected dataset")
	}
	if c.Region == "" {
		return fmt.Errorf("expected region")
	}
	if c.Bucket == "" {
		return fmt.Errorf("expected bucket")
	}
	if len(c.BucketPath) > 0 && (strings.HasPrefix(c.BucketPath, "/") || strings.HasSuffix(c.BucketPath, "/")) {
		return fmt.Errorf("bucket_path cannot start or end with a slash (/), you can use a multi-level path using slash, ie. 'multi/level/bucket/path'")
	}

	return c.SplitterConfig().Validate()
}

// SplitterConfig returns the size parameters for the splitter, zero values
// meaning its defaults.
func (c Config) SplitterConfig() splitter.Config {
	return splitter.Config{
		ChunkSize:      c.ChunkSize,
		MaxSegmentSize: c.MaxSegmentSize,
	}
}

func (c Config) sampleRows() int {
	if c.SampleRows > 0 {
		return c.SampleRows
	}
	return csvschema.DefaultSampleRows
}

// ClientOptions returns the google API client options shared by the BigQuery
// and Cloud Storage clients.
func (c Config) ClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}

	return opts
}
