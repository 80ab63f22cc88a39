// Package splitter divides a byte stream of unknown length into size-bounded
// segments, compressing and uploading each segment to object storage as it
// streams through. Segments are uploaded strictly sequentially and the whole
// pipeline holds only a small constant multiple of the chunk size in memory,
// so arbitrarily large sources can be processed.
package splitter

import (
	"context"
	"fmt"
	"io"

	"github.com/chunkflow/loaders/go/blob"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultChunkSize bounds per-read and per-hand-off memory.
	DefaultChunkSize = 8 * 1024 * 1024

	// DefaultMaxSegmentSize bounds the uncompressed size of a single staged
	// object. BigQuery requires gzip'd load files to be at most 4 GiB of
	// compressed data, so bounding the uncompressed size well below typical
	// compression ratios keeps objects loadable.
	DefaultMaxSegmentSize = 4 * 1024 * 1024 * 1024
)

// Config holds the size parameters of a Splitter.
type Config struct {
	// ChunkSize is the maximum number of bytes read from the source and
	// handed to the open segment's pipeline at a time.
	ChunkSize int

	// MaxSegmentSize is the maximum uncompressed size of a segment. A single
	// chunk is always admitted whole, so a segment may exceed this bound by
	// up to one chunk.
	MaxSegmentSize int64
}

func (c Config) Validate() error {
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size cannot be negative: %d", c.ChunkSize)
	} else if c.MaxSegmentSize < 0 {
		return fmt.Errorf("max segment size cannot be negative: %d", c.MaxSegmentSize)
	}

	return nil
}

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxSegmentSize == 0 {
		c.MaxSegmentSize = DefaultMaxSegmentSize
	}

	return c
}

type state int

const (
	stateIdle state = iota
	stateSegmentOpen
	stateDone
)

// Splitter accumulates segments as Data is invoked and tears down after
// Finish. It must not be used from multiple goroutines concurrently, and no
// state survives for reuse: create one Splitter per source stream.
type Splitter struct {
	bucket blob.Bucket
	base   string
	cfg    Config

	state        state
	segmentIndex int
	currentSize  int64
	pipe         *pipeline
	objects      []string
	err          error
	done         chan struct{}
}

// New creates a Splitter writing segments named "{base}_chunk{index:09d}.gz"
// to bucket.
func New(bucket blob.Bucket, base string, cfg Config) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Splitter{
		bucket: bucket,
		base:   base,
		cfg:    cfg.withDefaults(),
		done:   make(chan struct{}),
	}, nil
}

// Data submits one chunk of source bytes. It may block until the open
// segment's pipeline has drained the previous chunk; this backpressure is
// what bounds the memory used by the whole run. A zero-length chunk is a
// valid chunk and does not signal end of stream: use Finish for that.
//
// Any error is fatal to the Splitter and is returned again by every
// subsequent call.
func (s *Splitter) Data(ctx context.Context, chunk []byte) error {
	if s.state == stateDone {
		panic("splitter: Data called after Finish")
	}
	if s.err != nil {
		return s.err
	}

	// Close the open segment if admitting this chunk would exceed the size
	// bound. A chunk larger than the bound itself is still admitted whole
	// into the next (empty) segment.
	if s.state == stateSegmentOpen && s.currentSize+int64(len(chunk)) > s.cfg.MaxSegmentSize {
		if err := s.finalizeSegment(); err != nil {
			return err
		}
	}

	if s.state == stateIdle {
		s.pipe = newPipeline(ctx, s.bucket, s.segmentKey())
		s.state = stateSegmentOpen
	}

	if err := s.pipe.send(ctx, chunk); err != nil {
		return s.fail(fmt.Errorf("segment %d: %w", s.segmentIndex, err))
	}
	s.currentSize += int64(len(chunk))

	return nil
}

// Finish signals end of stream: the open segment (if any) is finalized,
// blocking until its object is fully written, and the completion channel is
// signalled. Finish must be called exactly once; a second call panics.
func (s *Splitter) Finish(ctx context.Context) error {
	if s.state == stateDone {
		panic("splitter: Finish called twice")
	}

	if s.err == nil && s.state == stateSegmentOpen {
		if err := s.finalizeSegment(); err != nil {
			s.markDone()
			return err
		}
	}

	s.markDone()
	return s.err
}

// Done returns a channel that is closed once Finish has completed all
// finalize work for the stream. It is the consumer side of the one-shot
// completion handshake.
func (s *Splitter) Done() <-chan struct{} {
	return s.done
}

// Objects returns the keys of all closed segments, in segment index order.
func (s *Splitter) Objects() []string {
	return append([]string(nil), s.objects...)
}

// URIs returns the fully-qualified URIs of all closed segments, in segment
// index order.
func (s *Splitter) URIs() []string {
	uris := make([]string, 0, len(s.objects))
	for _, obj := range s.objects {
		uris = append(uris, s.bucket.URI(obj))
	}

	return uris
}

// Run drives the Splitter from r until exhaustion: it reads chunks of up to
// ChunkSize bytes strictly sequentially, submits each as it arrives, and
// finishes the stream at EOF. Short non-empty reads are forwarded as-is. It
// returns the URIs of all produced objects.
func (s *Splitter) Run(ctx context.Context, r io.Reader) ([]string, error) {
	buf := make([]byte, s.cfg.ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := s.Data(ctx, buf[:n]); err != nil {
				return nil, s.abort(err)
			}
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, s.abort(fmt.Errorf("reading source: %w", err))
		}
	}

	if err := s.Finish(ctx); err != nil {
		return nil, err
	}

	return s.URIs(), nil
}

func (s *Splitter) segmentKey() string {
	return fmt.Sprintf("%s_chunk%09d.gz", s.base, s.segmentIndex)
}

// finalizeSegment closes the open segment's pipeline, blocking until its
// upload has confirmed the object is fully written, and records the produced
// object.
func (s *Splitter) finalizeSegment() error {
	pipe := s.pipe
	s.pipe = nil

	if err := pipe.close(); err != nil {
		return s.fail(fmt.Errorf("finalizing segment %d: %w", s.segmentIndex, err))
	}

	log.WithFields(log.Fields{
		"object":  pipe.key,
		"segment": s.segmentIndex,
		"bytes":   s.currentSize,
	}).Debug("segment uploaded")

	s.objects = append(s.objects, pipe.key)
	s.segmentIndex++
	s.currentSize = 0
	s.state = stateIdle

	return nil
}

// fail records the first fatal error. The pipeline of the open segment, if
// any, has already terminated by the time fail is reached.
func (s *Splitter) fail(err error) error {
	if s.err == nil {
		s.err = err
	}
	s.state = stateIdle
	s.pipe = nil

	return s.err
}

// abort tears down the open segment's pipeline, records err, and completes
// the stream. Closing the pipeline still blocks until its workers settle.
// Used when the source itself fails mid-read.
func (s *Splitter) abort(err error) error {
	if s.pipe != nil {
		// The pipeline's own error, if it has one, is secondary to the
		// source failure.
		_ = s.pipe.close()
		s.pipe = nil
	}
	s.fail(err)
	s.markDone()

	return s.err
}

func (s *Splitter) markDone() {
	s.state = stateDone
	close(s.done)
}
