// Package csvschema infers a BigQuery table schema from the header row and a
// sample of data rows of a CSV stream.
package csvschema

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	log "github.com/sirupsen/logrus"
)

// DefaultSampleRows is how many data rows are examined for type inference
// when the caller does not say otherwise.
const DefaultSampleRows = 100

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

const dateLayout = "2006-01-02"

// Infer reads the header row plus up to sampleRows data rows from r and
// returns a schema with one nullable field per CSV column. Column types start
// at the narrowest interpretation their sampled values admit and widen toward
// STRING as conflicting values appear; a column whose sampled values are all
// empty is typed STRING.
func Infer(r io.Reader, sampleRows int) (bigquery.Schema, error) {
	if sampleRows <= 0 {
		sampleRows = DefaultSampleRows
	}

	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("missing header row")
	} else if err != nil {
		return nil, fmt.Errorf("reading header row: %w", err)
	}

	names := columnNames(header)
	types := make([]bigquery.FieldType, len(names))

	var sampled int
	for sampled < sampleRows {
		row, err := cr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", sampled+1, err)
		}

		for i := range names {
			if i >= len(row) {
				break
			}
			cell := strings.TrimSpace(row[i])
			if cell == "" {
				continue
			}
			types[i] = widen(types[i], cellType(cell))
		}
		sampled++
	}

	schema := make(bigquery.Schema, 0, len(names))
	for i, name := range names {
		typ := types[i]
		if typ == "" {
			typ = bigquery.StringFieldType
		}
		schema = append(schema, &bigquery.FieldSchema{
			Name: name,
			Type: typ,
		})
	}

	log.WithFields(log.Fields{
		"columns": len(schema),
		"sampled": sampled,
	}).Debug("inferred schema")

	return schema, nil
}

// columnNames sanitizes header cells to valid BigQuery column names and
// disambiguates duplicates.
func columnNames(header []string) []string {
	seen := make(map[string]int, len(header))
	names := make([]string, 0, len(header))

	for i, cell := range header {
		name := sanitizeColumn(cell)
		if name == "" {
			name = fmt.Sprintf("field_%d", i)
		}
		if n, ok := seen[name]; ok {
			// A renamed column may itself collide with a later header
			// cell, so keep counting until the candidate is unseen.
			base := name
			for {
				n++
				name = fmt.Sprintf("%s_%d", base, n)
				if _, taken := seen[name]; !taken {
					break
				}
			}
			seen[base] = n
		}
		seen[name] = 1
		names = append(names, name)
	}

	return names
}

// sanitizeColumn keeps letters, digits and underscores, and prefixes an
// underscore when the name would otherwise start with a digit.
func sanitizeColumn(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if b.Len() == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		}
	}

	return b.String()
}

func cellType(cell string) bigquery.FieldType {
	switch strings.ToLower(cell) {
	case "true", "false":
		return bigquery.BooleanFieldType
	}

	if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return bigquery.IntegerFieldType
	}
	if _, err := strconv.ParseFloat(cell, 64); err == nil {
		return bigquery.FloatFieldType
	}
	if _, err := time.Parse(dateLayout, cell); err == nil {
		return bigquery.DateFieldType
	}
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, cell); err == nil {
			return bigquery.TimestampFieldType
		}
	}

	return bigquery.StringFieldType
}

// widen merges the type seen so far with the type of one more cell, relaxing
// monotonically toward STRING.
func widen(have, next bigquery.FieldType) bigquery.FieldType {
	if have == "" || have == next {
		return next
	}

	isNumeric := func(t bigquery.FieldType) bool {
		return t == bigquery.IntegerFieldType || t == bigquery.FloatFieldType
	}
	if isNumeric(have) && isNumeric(next) {
		return bigquery.FloatFieldType
	}

	isTime := func(t bigquery.FieldType) bool {
		return t == bigquery.DateFieldType || t == bigquery.TimestampFieldType
	}
	if isTime(have) && isTime(next) {
		return bigquery.TimestampFieldType
	}

	return bigquery.StringFieldType
}
