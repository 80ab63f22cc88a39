package loader

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// How much of the source file participates in the content hash. Hashing a
// bounded prefix keeps naming cheap for multi-gigabyte sources while still
// changing the name whenever the file's leading data changes.
const hashSampleSize = 1 << 20

// sanitizeIdentifier strips all characters outside [A-Za-z0-9_].
func sanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}

	return b.String()
}

// tableForFile derives a destination table name from a source file name:
// the base name without its extension, sanitized.
func tableForFile(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	return sanitizeIdentifier(base)
}

// contentHash hashes up to hashSampleSize leading bytes of the file.
func contentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %q for hashing: %w", path, err)
	}
	defer f.Close()

	digest := xxhash.New()
	if _, err := io.CopyN(digest, f, hashSampleSize); err != nil && err != io.EOF {
		return "", fmt.Errorf("hashing %q: %w", path, err)
	}

	return fmt.Sprintf("%016x", digest.Sum64()), nil
}

// stagingBase returns the object name prefix of one source file's segments:
// "{sanitized_table}_{content_hash}_{sanitized_filename}". The splitter
// appends "_chunk{index:09d}.gz" per segment.
func stagingBase(table, path string) (string, error) {
	hash, err := contentHash(path)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s_%s_%s", sanitizeIdentifier(table), hash, sanitizeIdentifier(filepath.Base(path))), nil
}
