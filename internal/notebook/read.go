package notebook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ErrNotFound is returned when the notebook file does not exist. Errors
// carrying it also match fs.ErrNotExist.
var ErrNotFound = errors.New("notebook not found")

// ParseError reports a document that is not a valid v4 notebook.
type ParseError struct {
	Path string // empty when parsed from a reader
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return "parsing notebook: " + e.Err.Error()
	}
	return fmt.Sprintf("parsing notebook %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ReadFile reads and validates the notebook at path.
func ReadFile(path string) (*Notebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("reading notebook: %w", err)
	}
	nb, err := Parse(data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return nil, err
	}
	return nb, nil
}

// Read reads and validates a notebook from r.
func Read(r io.Reader) (*Notebook, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading notebook: %w", err)
	}
	return Parse(data)
}

// Parse decodes a notebook document. Documents in nbformat 1 to 3 are
// upgraded to v4 first; newer major versions are rejected before schema
// validation so they get a clear message.
func Parse(data []byte) (*Notebook, error) {
	var head struct {
		NBFormat *int `json:"nbformat"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &ParseError{Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if head.NBFormat == nil {
		return nil, &ParseError{Err: errors.New("missing nbformat version")}
	}
	switch v := *head.NBFormat; {
	case v >= 1 && v < FormatMajor:
		up, err := upgrade(data, v)
		if err != nil {
			return nil, &ParseError{Err: fmt.Errorf("upgrading from nbformat %d: %w", v, err)}
		}
		data = up
	case v != FormatMajor:
		return nil, &ParseError{Err: fmt.Errorf("unsupported nbformat version %d (want at most %d)", v, FormatMajor)}
	}

	if err := validate(data); err != nil {
		return nil, &ParseError{Err: err}
	}

	var nb Notebook
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&nb); err != nil {
		return nil, &ParseError{Err: err}
	}
	if nb.Metadata == nil {
		nb.Metadata = map[string]any{}
	}
	if nb.Cells == nil {
		nb.Cells = []*Cell{}
	}
	return &nb, nil
}
