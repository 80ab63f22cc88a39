package loader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// stripHeaderRow consumes the header row from r, including its line
// terminator, and returns it. The header travels with the inferred schema,
// not with the staged data.
func stripHeaderRow(r *bufio.Reader) (string, error) {
	header, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading header row: %w", err)
	}
	if header == "" {
		return "", errors.New("missing header row")
	}

	return header, nil
}

// rowAlignedReader wraps a CSV body stream so that every Read ends on a row
// boundary. Segments cut between reads are then each a well-formed run of
// complete rows that a load job can consume independently. A single row
// longer than the read buffer is passed through unaligned.
type rowAlignedReader struct {
	r     io.Reader
	carry []byte
	eof   bool
}

func (r *rowAlignedReader) Read(p []byte) (int, error) {
	n := copy(p, r.carry)
	rest := r.carry[n:]

	for n < len(p) && len(rest) == 0 && !r.eof {
		m, err := r.r.Read(p[n:])
		n += m
		if err == io.EOF {
			r.eof = true
		} else if err != nil {
			r.carry = rest
			return n, err
		}
	}

	// Once the source is drained the tail goes out as-is, newline or not.
	if r.eof && len(rest) == 0 {
		r.carry = nil
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}

	i := bytes.LastIndexByte(p[:n], '\n')
	if i < 0 {
		// The row overflows the buffer; realign at its eventual newline.
		r.carry = rest
		return n, nil
	}

	r.carry = append(append([]byte(nil), p[i+1:n]...), rest...)
	return i + 1, nil
}
