package splitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed marks content that cannot be parsed as a JSON array of
// records. It is terminal per file: retrying will not fix a malformed file.
var ErrMalformed = errors.New("malformed records file")

// readRecords streams a top-level JSON array from r and calls fn for each
// element, without ever materializing the whole file. It returns the number
// of records passed to fn. Parse failures, including truncated input, are
// wrapped in ErrMalformed; errors returned by fn are passed through as-is.
func readRecords(r io.Reader, fn func(rec map[string]any) error) (int64, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, fmt.Errorf("%w: expected top-level array, got %v", ErrMalformed, tok)
	}

	var total int64
	for dec.More() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return total, fmt.Errorf("%w: record %d: %v", ErrMalformed, total, err)
		}
		if err := fn(rec); err != nil {
			return total, err
		}
		total++
	}

	if _, err := dec.Token(); err != nil {
		return total, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return total, nil
}
