package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	loader "github.com/chunkflow/loaders/load-bigquery"
	"github.com/sirupsen/logrus"
)

func main() {
	var cfg loader.Config
	var debug bool

	flag.StringVar(&cfg.ProjectID, "project", "", "Google Cloud project ID that owns the dataset")
	flag.StringVar(&cfg.Dataset, "dataset", "", "BigQuery dataset receiving the tables")
	flag.StringVar(&cfg.Region, "region", "", "region of both the dataset and the staging bucket")
	flag.StringVar(&cfg.Bucket, "bucket", "", "Cloud Storage bucket for staged segments")
	flag.StringVar(&cfg.BucketPath, "bucket-path", "", "optional prefix for staged objects")
	flag.StringVar(&cfg.CredentialsFile, "credentials", "", "path to service account JSON credentials (default: application default credentials)")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", 0, "read chunk size in bytes (default 8 MiB)")
	flag.Int64Var(&cfg.MaxSegmentSize, "max-segment-size", 0, "maximum uncompressed segment size in bytes (default 4 GiB)")
	flag.IntVar(&cfg.SampleRows, "sample-rows", 0, "rows sampled for schema inference (default 100)")
	flag.BoolVar(&cfg.KeepStaged, "keep-staged", false, "keep staged objects after a successful load")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file-pattern...\n\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Loads local CSV files into BigQuery by splitting each file into\ngzip'd segments staged on Cloud Storage.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.InfoLevel)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if err := loader.Run(context.Background(), cfg, flag.Args()); err != nil {
		logrus.WithField("error", err).Fatal("load run failed")
	}
}
