package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

var _ Bucket = (*MemoryBucket)(nil)

// MemoryBucket is an in-memory Bucket used by tests. Objects become visible
// only when their writer is closed, mirroring the durability contract of the
// real stores.
type MemoryBucket struct {
	name string

	mu      sync.Mutex
	objects map[string][]byte
	missing bool
}

func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{
		name:    name,
		objects: make(map[string][]byte),
	}
}

// SetMissing makes Exists report ErrNotFound until Create is called.
func (b *MemoryBucket) SetMissing() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.missing = true
}

func (b *MemoryBucket) NewWriter(ctx context.Context, key string) io.WriteCloser {
	return &memoryWriter{bucket: b, key: key}
}

func (b *MemoryBucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, ErrNotFound)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *MemoryBucket) URI(key string) string {
	return "gs://" + path.Join(b.name, key)
}

func (b *MemoryBucket) Delete(ctx context.Context, uris []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := "gs://" + b.name + "/"
	for _, uri := range uris {
		key, ok := strings.CutPrefix(uri, prefix)
		if !ok {
			return fmt.Errorf("invalid uri %q", uri)
		}
		delete(b.objects, key)
	}

	return nil
}

func (b *MemoryBucket) Exists(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.missing {
		return fmt.Errorf("bucket %q: %w", b.name, ErrNotFound)
	}
	return nil
}

func (b *MemoryBucket) Create(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.missing = false
	return nil
}

// Object returns the contents of a stored object and whether it exists.
func (b *MemoryBucket) Object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, ok := b.objects[key]
	return data, ok
}

// Keys returns the keys of all stored objects in lexical order.
func (b *MemoryBucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

type memoryWriter struct {
	bucket *MemoryBucket
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed object %q", w.key)
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.bucket.mu.Lock()
	defer w.bucket.mu.Unlock()
	w.bucket.objects[w.key] = w.buf.Bytes()

	return nil
}
