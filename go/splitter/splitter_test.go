package splitter

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/chunkflow/loaders/go/blob"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ChunkSize:      1024,
		MaxSegmentSize: 4096,
	}
}

func makeTestData(t *testing.T, n int) []byte {
	t.Helper()

	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	_, err := rng.Read(data)
	require.NoError(t, err)

	return data
}

// gunzip decompresses one stored segment object.
func gunzip(t *testing.T, bucket *blob.MemoryBucket, key string) []byte {
	t.Helper()

	data, ok := bucket.Object(key)
	require.True(t, ok, "object %q not found", key)

	r, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	return out
}

func TestSplitterRoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket := blob.NewMemoryBucket("stage")
	data := makeTestData(t, 10_000)

	s, err := New(bucket, "table_abc123_input_csv", testConfig())
	require.NoError(t, err)

	uris, err := s.Run(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	objects := s.Objects()
	require.Len(t, uris, len(objects))

	// Indices are contiguous from zero and names are 9-digit zero-padded.
	for i, obj := range objects {
		require.Equal(t, fmt.Sprintf("table_abc123_input_csv_chunk%09d.gz", i), obj)
		require.Equal(t, "gs://stage/"+obj, uris[i])
	}

	// Decompressing every segment in index order reproduces the source
	// exactly, and every segment honors the size bound (with the one-chunk
	// allowance).
	var rebuilt []byte
	cfg := testConfig()
	for _, obj := range objects {
		segment := gunzip(t, bucket, obj)
		require.LessOrEqual(t, int64(len(segment)), cfg.MaxSegmentSize+int64(cfg.ChunkSize))
		rebuilt = append(rebuilt, segment...)
	}
	require.Equal(t, data, rebuilt)
	require.Greater(t, len(objects), 1)

	// The completion notification has been posted.
	select {
	case <-s.Done():
	default:
		t.Fatal("expected completion after Run")
	}
}

func TestSplitterShortReads(t *testing.T) {
	ctx := context.Background()
	bucket := blob.NewMemoryBucket("stage")
	data := makeTestData(t, 3000)

	s, err := New(bucket, "base", testConfig())
	require.NoError(t, err)

	// A reader that never fills the chunk buffer still streams correctly: a
	// short non-empty read is a valid chunk, not end-of-stream.
	_, err = s.Run(ctx, iotest.OneByteReader(bytes.NewReader(data)))
	require.NoError(t, err)

	var rebuilt []byte
	for _, obj := range s.Objects() {
		rebuilt = append(rebuilt, gunzip(t, bucket, obj)...)
	}
	require.Equal(t, data, rebuilt)
}

func TestSplitterEmptySource(t *testing.T) {
	ctx := context.Background()
	bucket := blob.NewMemoryBucket("stage")

	s, err := New(bucket, "base", testConfig())
	require.NoError(t, err)

	uris, err := s.Run(ctx, bytes.NewReader(nil))
	require.NoError(t, err)
	require.Empty(t, uris)
	require.Empty(t, s.Objects())
	require.Empty(t, bucket.Keys())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected immediate completion for empty source")
	}
}

func TestSplitterExactBoundary(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	// Exactly MaxSegmentSize bytes, chunk-aligned: one segment.
	bucket := blob.NewMemoryBucket("stage")
	s, err := New(bucket, "base", cfg)
	require.NoError(t, err)
	data := makeTestData(t, int(cfg.MaxSegmentSize))
	_, err = s.Run(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, s.Objects(), 1)
	require.Equal(t, data, gunzip(t, bucket, s.Objects()[0]))

	// One byte more: exactly two segments, the first within the bound.
	bucket = blob.NewMemoryBucket("stage")
	s, err = New(bucket, "base", cfg)
	require.NoError(t, err)
	data = makeTestData(t, int(cfg.MaxSegmentSize)+1)
	_, err = s.Run(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, s.Objects(), 2)

	first := gunzip(t, bucket, s.Objects()[0])
	second := gunzip(t, bucket, s.Objects()[1])
	require.LessOrEqual(t, int64(len(first)), cfg.MaxSegmentSize)
	require.Equal(t, data, append(first, second...))
}

func TestSplitterOversizedChunkAdmittedWhole(t *testing.T) {
	ctx := context.Background()
	bucket := blob.NewMemoryBucket("stage")
	cfg := testConfig()

	s, err := New(bucket, "base", cfg)
	require.NoError(t, err)

	// A single chunk larger than the segment bound is not split: it lands
	// whole in its own segment.
	big := makeTestData(t, int(cfg.MaxSegmentSize)*3)
	require.NoError(t, s.Data(ctx, big))
	require.NoError(t, s.Data(ctx, []byte("tail")))
	require.NoError(t, s.Finish(ctx))

	require.Len(t, s.Objects(), 2)
	require.Equal(t, big, gunzip(t, bucket, s.Objects()[0]))
	require.Equal(t, []byte("tail"), gunzip(t, bucket, s.Objects()[1]))
}

func TestSplitterEmptyChunkIsNotEndOfStream(t *testing.T) {
	ctx := context.Background()
	bucket := blob.NewMemoryBucket("stage")

	s, err := New(bucket, "base", testConfig())
	require.NoError(t, err)

	require.NoError(t, s.Data(ctx, []byte("before")))
	require.NoError(t, s.Data(ctx, nil))
	require.NoError(t, s.Data(ctx, []byte("after")))

	// Still streaming: completion must not have been signalled.
	select {
	case <-s.Done():
		t.Fatal("empty chunk must not complete the stream")
	default:
	}

	require.NoError(t, s.Finish(ctx))
	require.Len(t, s.Objects(), 1)
	require.Equal(t, []byte("beforeafter"), gunzip(t, bucket, s.Objects()[0]))
}

func TestSplitterFinishTwicePanics(t *testing.T) {
	ctx := context.Background()
	bucket := blob.NewMemoryBucket("stage")

	s, err := New(bucket, "base", testConfig())
	require.NoError(t, err)

	require.NoError(t, s.Data(ctx, []byte("x")))
	require.NoError(t, s.Finish(ctx))

	require.Panics(t, func() { _ = s.Finish(ctx) })
	require.Panics(t, func() { _ = s.Data(ctx, []byte("y")) })
}

// stallBucket wraps a bucket so object writes block until released, to prove
// that a stalled upload stage propagates backpressure all the way to the
// producer instead of buffering without bound.
type stallBucket struct {
	*blob.MemoryBucket
	release chan struct{}
	once    sync.Once
}

func (b *stallBucket) NewWriter(ctx context.Context, key string) io.WriteCloser {
	return &stallWriter{inner: b.MemoryBucket.NewWriter(ctx, key), release: b.release}
}

type stallWriter struct {
	inner   io.WriteCloser
	release <-chan struct{}
}

func (w *stallWriter) Write(p []byte) (int, error) {
	<-w.release
	return w.inner.Write(p)
}

func (w *stallWriter) Close() error {
	<-w.release
	return w.inner.Close()
}

func TestSplitterBackpressure(t *testing.T) {
	ctx := context.Background()
	bucket := &stallBucket{
		MemoryBucket: blob.NewMemoryBucket("stage"),
		release:      make(chan struct{}),
	}

	const chunkSize = 256 * 1024
	s, err := New(bucket, "base", Config{
		ChunkSize:      chunkSize,
		MaxSegmentSize: 1 << 30,
	})
	require.NoError(t, err)

	// Submit far more data than the pipeline's bounded hand-off channels and
	// the gzip writer's fixed internal buffers can hold. With the upload
	// stalled, the producer must block well before draining its input.
	const chunks = 64
	data := makeTestData(t, chunkSize)
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for i := 0; i < chunks; i++ {
			if err := s.Data(ctx, data); err != nil {
				return
			}
		}
	}()

	select {
	case <-submitted:
		t.Fatal("producer ran ahead of a stalled upload stage")
	case <-time.After(500 * time.Millisecond):
	}

	// Releasing the upload lets everything drain and finish cleanly.
	bucket.once.Do(func() { close(bucket.release) })
	<-submitted
	require.NoError(t, s.Finish(ctx))
	require.Len(t, s.Objects(), 1)

	want := bytes.Repeat(data, chunks)
	require.Equal(t, want, gunzip(t, bucket.MemoryBucket, s.Objects()[0]))
}

// failBucket returns writers that fail after a fixed number of bytes.
type failBucket struct {
	*blob.MemoryBucket
	failAfter int
}

func (b *failBucket) NewWriter(ctx context.Context, key string) io.WriteCloser {
	return &failWriter{remaining: b.failAfter}
}

type failWriter struct {
	remaining int
}

func (w *failWriter) Write(p []byte) (int, error) {
	w.remaining -= len(p)
	if w.remaining <= 0 {
		return 0, errors.New("upload failed")
	}
	return len(p), nil
}

func (w *failWriter) Close() error {
	return errors.New("upload failed")
}

func TestSplitterUploadFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	bucket := &failBucket{
		MemoryBucket: blob.NewMemoryBucket("stage"),
		failAfter:    1,
	}

	s, err := New(bucket, "base", testConfig())
	require.NoError(t, err)

	// The failure propagates up through the blocked finalize call at the
	// latest, and the splitter reports no completed objects.
	var got error
	for i := 0; i < 64 && got == nil; i++ {
		got = s.Data(ctx, makeTestData(t, 512))
	}
	if got == nil {
		got = s.Finish(ctx)
	} else {
		require.ErrorContains(t, s.Finish(ctx), "upload failed")
	}
	require.ErrorContains(t, got, "upload failed")
	require.Empty(t, s.Objects())
}

// errReader fails partway through the stream.
type errReader struct {
	data []byte
	err  error
	off  int
}

func (r *errReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, r.err
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

func TestSplitterSourceReadFailure(t *testing.T) {
	ctx := context.Background()
	bucket := blob.NewMemoryBucket("stage")

	s, err := New(bucket, "base", testConfig())
	require.NoError(t, err)

	_, err = s.Run(ctx, &errReader{data: makeTestData(t, 2000), err: errors.New("disk error")})
	require.ErrorContains(t, err, "disk error")

	// The run is torn down: completion is signalled so waiters unblock, even
	// though the stream failed.
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected completion signal after source failure")
	}
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{ChunkSize: -1}.Validate())
	require.Error(t, Config{MaxSegmentSize: -1}.Validate())
	require.NoError(t, Config{}.Validate())

	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultChunkSize, cfg.ChunkSize)
	require.Equal(t, int64(DefaultMaxSegmentSize), cfg.MaxSegmentSize)
}
