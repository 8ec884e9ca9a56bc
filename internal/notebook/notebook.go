// Package notebook reads, validates and writes Jupyter notebook documents
// in the nbformat v4 interchange format.
package notebook

import (
	"fmt"
	"slices"
)

// Supported format version. Older major versions are upgraded on read,
// newer ones rejected; every v4 minor version is accepted as-is.
const (
	FormatMajor = 4
	FormatMinor = 5
)

// CellType identifies the kind of a cell.
type CellType string

const (
	Code     CellType = "code"
	Markdown CellType = "markdown"
	Raw      CellType = "raw"
)

// OutputType identifies the kind of a code cell output.
type OutputType string

const (
	Stream        OutputType = "stream"
	DisplayData   OutputType = "display_data"
	ExecuteResult OutputType = "execute_result"
	Error         OutputType = "error"
)

// Cell tags understood by the executor.
const (
	TagSkipExecution   = "skip-execution"
	TagRaisesException = "raises-exception"
)

// Notebook is an in-memory notebook document. Field order matches the
// sorted key order nbformat writes.
type Notebook struct {
	Cells         []*Cell        `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// KernelName returns metadata.kernelspec.name, or "" when the notebook
// does not name a kernel.
func (nb *Notebook) KernelName() string {
	ks, ok := nb.Metadata["kernelspec"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := ks["name"].(string)
	return name
}

// CodeCells returns the number of code cells.
func (nb *Notebook) CodeCells() int {
	n := 0
	for _, c := range nb.Cells {
		if c.Type == Code {
			n++
		}
	}
	return n
}

// Cell is a single notebook cell. Outputs and ExecutionCount are only
// meaningful for code cells; Attachments only for markdown and raw cells.
type Cell struct {
	ID             string
	Type           CellType
	Metadata       map[string]any
	Source         MultilineString
	Attachments    map[string]MimeBundle
	Outputs        []*Output
	ExecutionCount *int
}

// Tags returns metadata.tags.
func (c *Cell) Tags() []string {
	raw, ok := c.Metadata["tags"].([]any)
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

// HasTag reports whether the cell carries tag.
func (c *Cell) HasTag(tag string) bool {
	return slices.Contains(c.Tags(), tag)
}

// ClearOutputs resets the execution state of a code cell.
func (c *Cell) ClearOutputs() {
	c.Outputs = []*Output{}
	c.ExecutionCount = nil
}

type cellJSON struct {
	ID             string                `json:"id,omitempty"`
	Type           CellType              `json:"cell_type"`
	Metadata       map[string]any        `json:"metadata"`
	Source         MultilineString       `json:"source"`
	Attachments    map[string]MimeBundle `json:"attachments,omitempty"`
	Outputs        []*Output             `json:"outputs"`
	ExecutionCount *int                  `json:"execution_count"`
}

func (c *Cell) UnmarshalJSON(data []byte) error {
	var aux cellJSON
	if err := unmarshalNumbers(data, &aux); err != nil {
		return err
	}
	*c = Cell{
		ID:             aux.ID,
		Type:           aux.Type,
		Metadata:       aux.Metadata,
		Source:         aux.Source,
		Attachments:    aux.Attachments,
		Outputs:        aux.Outputs,
		ExecutionCount: aux.ExecutionCount,
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.Type == Code && c.Outputs == nil {
		c.Outputs = []*Output{}
	}
	return nil
}

// MarshalJSON emits only the keys nbformat allows for the cell's type.
// Code cells always carry outputs and execution_count (possibly null).
func (c *Cell) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"cell_type": c.Type,
		"metadata":  orEmpty(c.Metadata),
		"source":    c.Source,
	}
	if c.ID != "" {
		m["id"] = c.ID
	}
	switch c.Type {
	case Code:
		outputs := c.Outputs
		if outputs == nil {
			outputs = []*Output{}
		}
		m["outputs"] = outputs
		m["execution_count"] = c.ExecutionCount
	case Markdown, Raw:
		if len(c.Attachments) > 0 {
			m["attachments"] = c.Attachments
		}
	default:
		return nil, fmt.Errorf("unknown cell type %q", c.Type)
	}
	return marshal(m)
}

// Output is one entry of a code cell's outputs list.
type Output struct {
	Type OutputType

	// stream
	Name string
	Text MultilineString

	// display_data, execute_result
	Data           MimeBundle
	Metadata       map[string]any
	ExecutionCount *int

	// error
	EName     string
	EValue    string
	Traceback []string

	// DisplayID comes from the transient message field and is never
	// written to disk.
	DisplayID string
}

type outputJSON struct {
	Type           OutputType      `json:"output_type"`
	Name           string          `json:"name,omitempty"`
	Text           MultilineString `json:"text,omitempty"`
	Data           MimeBundle      `json:"data,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	ExecutionCount *int            `json:"execution_count,omitempty"`
	EName          string          `json:"ename,omitempty"`
	EValue         string          `json:"evalue,omitempty"`
	Traceback      []string        `json:"traceback,omitempty"`
}

func (o *Output) UnmarshalJSON(data []byte) error {
	var aux outputJSON
	if err := unmarshalNumbers(data, &aux); err != nil {
		return err
	}
	*o = Output{
		Type:           aux.Type,
		Name:           aux.Name,
		Text:           aux.Text,
		Data:           aux.Data,
		Metadata:       aux.Metadata,
		ExecutionCount: aux.ExecutionCount,
		EName:          aux.EName,
		EValue:         aux.EValue,
		Traceback:      aux.Traceback,
	}
	return nil
}

func (o *Output) MarshalJSON() ([]byte, error) {
	m := map[string]any{"output_type": o.Type}
	switch o.Type {
	case Stream:
		m["name"] = o.Name
		m["text"] = o.Text
	case DisplayData:
		m["data"] = orEmptyBundle(o.Data)
		m["metadata"] = orEmpty(o.Metadata)
	case ExecuteResult:
		m["data"] = orEmptyBundle(o.Data)
		m["metadata"] = orEmpty(o.Metadata)
		m["execution_count"] = o.ExecutionCount
	case Error:
		tb := o.Traceback
		if tb == nil {
			tb = []string{}
		}
		m["ename"] = o.EName
		m["evalue"] = o.EValue
		m["traceback"] = tb
	default:
		return nil, fmt.Errorf("unknown output type %q", o.Type)
	}
	return marshal(m)
}

// PlainText returns the plain-text rendering of the output: stream text,
// text/plain data, or the error name and value.
func (o *Output) PlainText() string {
	switch o.Type {
	case Stream:
		return string(o.Text)
	case DisplayData, ExecuteResult:
		s, _ := o.Data["text/plain"].(string)
		return s
	case Error:
		return o.EName + ": " + o.EValue
	}
	return ""
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyBundle(b MimeBundle) MimeBundle {
	if b == nil {
		return MimeBundle{}
	}
	return b
}
