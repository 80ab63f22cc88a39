package splitter

import (
	"compress/flate"
	"context"
	"fmt"

	"github.com/chunkflow/loaders/go/blob"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"
)

// Gzip'd text compresses well at minimum compression levels, and higher
// levels cost a lot more CPU for little space saving.
const compressionLevel = flate.BestSpeed

// The gzip writer compresses blocks concurrently and buffers up to
// blockSize*blocks bytes internally. Keeping this fixed keeps the pipeline's
// peak memory a small constant regardless of how many cores the host has.
const (
	gzipBlockSize = 1 << 20
	gzipBlocks    = 2
)

// pipeline is the live compression stage + upload stage pair bound to exactly
// one open segment. The two stages run as independently scheduled workers
// connected by capacity-1 channels, so a producer calling send blocks
// whenever the consumer side has not yet drained the previous chunk. That
// backpressure, not any explicit accounting, is what bounds memory use.
type pipeline struct {
	key      string
	in       chan []byte
	group    *errgroup.Group
	groupCtx context.Context
	closed   bool
	err      error
}

func newPipeline(ctx context.Context, bucket blob.Bucket, key string) *pipeline {
	in := make(chan []byte, 1)
	compressed := make(chan []byte, 1)

	group, groupCtx := errgroup.WithContext(ctx)
	p := &pipeline{
		key:      key,
		in:       in,
		group:    group,
		groupCtx: groupCtx,
	}

	// Compression stage: consumes raw chunks in arrival order and produces
	// the gzip stream. Closing the input channel flushes a complete gzip
	// trailer before the output channel is closed.
	group.Go(func() error {
		defer close(compressed)

		gz, err := pgzip.NewWriterLevel(&chanWriter{ch: compressed, ctx: groupCtx}, compressionLevel)
		if err != nil {
			// Only possible if compressionLevel is not valid.
			panic("invalid compression level for gzip.NewWriterLevel")
		}
		if err := gz.SetConcurrency(gzipBlockSize, gzipBlocks); err != nil {
			panic("invalid concurrency for gzip.SetConcurrency")
		}

		for {
			select {
			case <-groupCtx.Done():
				// The upload stage has failed. Close the gzip writer to stop
				// its workers before the output channel is torn down.
				_ = gz.Close()
				return groupCtx.Err()
			case chunk, ok := <-in:
				if !ok {
					if err := gz.Close(); err != nil {
						return fmt.Errorf("flushing compressed stream: %w", err)
					}
					return nil
				}
				if _, err := gz.Write(chunk); err != nil {
					return fmt.Errorf("compressing chunk: %w", err)
				}
			}
		}
	})

	// Upload stage: drains the gzip stream into a single named object. The
	// object becomes visible only after the stream is fully drained and the
	// writer is closed.
	group.Go(func() error {
		w := bucket.NewWriter(groupCtx, key)
		for data := range compressed {
			if _, err := w.Write(data); err != nil {
				return fmt.Errorf("writing object %q: %w", key, err)
			}
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("closing object %q: %w", key, err)
		}

		return nil
	})

	return p
}

// send hands one chunk to the compression stage, blocking until the stage has
// capacity for it. If either stage has already failed, send reaps the workers
// and returns their error instead of deadlocking.
func (p *pipeline) send(ctx context.Context, chunk []byte) error {
	// The chunk is copied because the caller is free to reuse its buffer as
	// soon as send returns, while the compression stage consumes the copy
	// asynchronously.
	buf := append([]byte(nil), chunk...)

	select {
	case p.in <- buf:
		return nil
	case <-p.groupCtx.Done():
		return p.close()
	}
}

// close closes the input channel, which flushes the compressed trailer and
// drains the upload stage, then blocks until the upload has confirmed the
// object is fully written. It is safe to call more than once.
func (p *pipeline) close() error {
	if p.closed {
		return p.err
	}
	p.closed = true

	close(p.in)
	p.err = p.group.Wait()

	return p.err
}

// chanWriter adapts a bounded []byte channel into the io.Writer consumed by
// the gzip writer. Writes abort once ctx is done so a dead consumer can never
// wedge the compression stage.
type chanWriter struct {
	ch  chan<- []byte
	ctx context.Context
}

func (w *chanWriter) Write(p []byte) (int, error) {
	// The gzip writer reuses its output buffers, so the bytes must be copied
	// before crossing the channel.
	buf := append([]byte(nil), p...)

	select {
	case w.ch <- buf:
		return len(p), nil
	case <-w.ctx.Done():
		return 0, fmt.Errorf("chunk hand-off aborted: %w", w.ctx.Err())
	}
}
