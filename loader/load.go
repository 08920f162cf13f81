package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/petal-labs/petalprint/core"
)

// ErrEmpty is returned for a document with no content.
var ErrEmpty = errors.New("print spec document is empty")

// ParseError reports a document that could not be decoded into a PrintSpec.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parsing print spec: %v", e.Err)
	}
	return fmt.Sprintf("parsing print spec %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LoadFile reads and decodes a print spec. A missing file yields an error
// matching os.ErrNotExist; malformed content yields a *ParseError. The spec
// is not validated.
func LoadFile(path string) (*core.PrintSpec, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path) // #nosec G304 -- path from caller
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Load(data, path)
}

// Load decodes a print spec document. path is only used to detect the
// format and to label errors.
func Load(data []byte, path string) (*core.PrintSpec, error) {
	return Decode(data, DetectFormat(path, data), path)
}

// Decode decodes a document of a known format. Unknown fields are rejected
// so that misspelled keys do not silently fall back to defaults.
func Decode(data []byte, format Format, path string) (*core.PrintSpec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Path: path, Err: ErrEmpty}
	}
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	var spec core.PrintSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if dec.More() {
		return nil, &ParseError{Path: path, Err: errors.New("trailing data after document")}
	}
	return &spec, nil
}
