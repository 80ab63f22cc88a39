package loader

import (
	"fmt"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
)

// Source is one local file to load and the table it loads into.
type Source struct {
	Path  string
	Table string
}

// DiscoverSources expands the given glob patterns into the ordered list of
// source files. Files matched by more than one pattern appear once. It is an
// error for a pattern to match nothing.
func DiscoverSources(patterns []string) ([]Source, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no source file patterns given")
	}

	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		} else if len(matches) == 0 {
			return nil, fmt.Errorf("pattern %q matched no files", pattern)
		}

		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	sources := make([]Source, 0, len(paths))
	for _, p := range paths {
		table := tableForFile(p)
		if table == "" {
			return nil, fmt.Errorf("cannot derive a table name from %q", p)
		}
		sources = append(sources, Source{Path: p, Table: table})
	}

	log.WithField("files", len(sources)).Info("discovered source files")

	return sources, nil
}
