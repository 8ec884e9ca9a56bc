package notebook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestReadFile_NotFound(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.ipynb"))
	if err == nil {
		t.Fatal("expected error for missing notebook")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error = %v, want fs.ErrNotExist", err)
	}
}

func TestReadFile_Simple(t *testing.T) {
	nb, err := ReadFile(filepath.Join("testdata", "simple.ipynb"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(nb.Cells) != 4 {
		t.Fatalf("len(Cells) = %d, want 4", len(nb.Cells))
	}
	if nb.CodeCells() != 3 {
		t.Errorf("CodeCells() = %d, want 3", nb.CodeCells())
	}

	setup := nb.Cells[1]
	if setup.Source != "a = 1\nb = 2" {
		t.Errorf("Source = %q, want joined lines", setup.Source)
	}
	if setup.ExecutionCount == nil || *setup.ExecutionCount != 7 {
		t.Errorf("ExecutionCount = %v, want 7", setup.ExecutionCount)
	}
	if !setup.HasTag("setup") {
		t.Errorf("Tags() = %v, want setup", setup.Tags())
	}

	out := nb.Cells[3].Outputs[0]
	if out.Type != ExecuteResult {
		t.Fatalf("output type = %q, want execute_result", out.Type)
	}
	if got := out.Data["text/html"]; got != "<p>\nhi</p>" {
		t.Errorf("text/html = %q, want joined lines", got)
	}
	if _, ok := out.Data["application/json"].(map[string]any); !ok {
		t.Errorf("application/json = %T, want decoded object", out.Data["application/json"])
	}
	if out.PlainText() != "hi" {
		t.Errorf("PlainText() = %q, want hi", out.PlainText())
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"v5.ipynb", "unsupported nbformat version 5"},
		{"badcell.ipynb", "schema validation"},
		{"truncated.ipynb", "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join("testdata", tt.file)
			_, err := ReadFile(path)
			if err == nil {
				t.Fatal("expected parse error")
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %T (%v), want *ParseError", err, err)
			}
			if pe.Path != path {
				t.Errorf("Path = %q, want %q", pe.Path, path)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err, tt.want)
			}
		})
	}
}

func TestReadFile_UpgradesV3(t *testing.T) {
	nb, err := ReadFile(filepath.Join("testdata", "v3.ipynb"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if nb.NBFormat != FormatMajor || nb.NBFormatMinor != FormatMinor {
		t.Errorf("version = %d.%d, want %d.%d", nb.NBFormat, nb.NBFormatMinor, FormatMajor, FormatMinor)
	}
	if got := fmt.Sprint(nb.Metadata["orig_nbformat"]); got != "3" {
		t.Errorf("orig_nbformat = %s, want 3", got)
	}
	if _, ok := nb.Metadata["name"]; ok {
		t.Error("v3 metadata.name kept")
	}
	if len(nb.Cells) != 3 {
		t.Fatalf("len(Cells) = %d, want 3", len(nb.Cells))
	}

	heading := nb.Cells[0]
	if heading.Type != Markdown || heading.Source != "## Weekly weather" {
		t.Errorf("heading = %s %q, want markdown %q", heading.Type, heading.Source, "## Weekly weather")
	}

	c := nb.Cells[1]
	if c.Type != Code || c.Source != "temps = [12, 15]\ntemps" {
		t.Errorf("code cell = %s %q", c.Type, c.Source)
	}
	if c.ExecutionCount == nil || *c.ExecutionCount != 3 {
		t.Errorf("ExecutionCount = %v, want 3", c.ExecutionCount)
	}
	if c.Metadata["collapsed"] != false {
		t.Errorf("metadata = %v, want collapsed moved into metadata", c.Metadata)
	}
	if c.ID == "" {
		t.Error("upgraded cell has no id")
	}
	if len(c.Outputs) != 3 {
		t.Fatalf("len(Outputs) = %d, want 3", len(c.Outputs))
	}
	if o := c.Outputs[0]; o.Type != Stream || o.Name != "stdout" || o.Text != "loading\n" {
		t.Errorf("stream = %+v", o)
	}
	res := c.Outputs[1]
	if res.Type != ExecuteResult || res.PlainText() != "[12, 15]" || res.Data["text/html"] != "<b>12</b>" {
		t.Errorf("pyout = %+v", res)
	}
	if e := c.Outputs[2]; e.Type != Error || e.EName != "KeyError" {
		t.Errorf("pyerr = %+v", e)
	}

	if nb.Cells[2].Type != Markdown || nb.Cells[2].Source != "Done." {
		t.Errorf("markdown = %+v", nb.Cells[2])
	}
}

func TestParse_UpgradesV1(t *testing.T) {
	nb, err := Parse([]byte(`{"nbformat": 1, "cells": [
		{"cell_type": "text", "text": "Intro"},
		{"cell_type": "code", "code": "1 + 1", "prompt_number": 1}
	]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(nb.Cells) != 2 || nb.Cells[0].Type != Markdown || nb.Cells[1].Source != "1 + 1" {
		t.Errorf("cells = %+v", nb.Cells)
	}
}

func TestParse_MissingVersion(t *testing.T) {
	_, err := Parse([]byte(`{"cells": [], "metadata": {}}`))
	if err == nil || !strings.Contains(err.Error(), "missing nbformat") {
		t.Errorf("error = %v, want missing nbformat", err)
	}
}

func TestWrite_NarrativeRoundTrip(t *testing.T) {
	path := filepath.Join("testdata", "narrative.ipynb")
	want, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	nb, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, err := Marshal(nb)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("round trip mismatch\n got:\n%s\nwant:\n%s", got, want)
	}
}

func TestWrite_CodeCellShape(t *testing.T) {
	count := 2
	nb := &Notebook{
		Metadata:      map[string]any{},
		NBFormat:      FormatMajor,
		NBFormatMinor: FormatMinor,
		Cells: []*Cell{
			{
				Type:           Code,
				Source:         "print('<hi>')\n",
				ExecutionCount: &count,
				Outputs: []*Output{
					{Type: Stream, Name: "stdout", Text: "<hi>\n", DisplayID: "ignored"},
					{Type: DisplayData, Data: MimeBundle{"text/plain": "a\nb"}, DisplayID: "d1"},
				},
			},
			{Type: Code, Source: ""},
		},
	}

	data, err := Marshal(nb)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`"execution_count": 2`,
		`"execution_count": null`,
		`"outputs": []`,
		`"source": []`,
		`"<hi>\n"`,
		`"a\n",`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("serialized notebook missing %s:\n%s", want, text)
		}
	}
	if strings.Contains(text, "ignored") || strings.Contains(text, "display_id") {
		t.Errorf("transient display id leaked into output:\n%s", text)
	}
	if !strings.HasSuffix(text, "}\n") {
		t.Error("missing trailing newline")
	}

	// The written document must itself be valid.
	if _, err := Parse(data); err != nil {
		t.Errorf("Parse(written): %v", err)
	}
}

func TestWriteFile_ReplacesTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.ipynb")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	nb := &Notebook{Metadata: map[string]any{}, NBFormat: 4, NBFormatMinor: 5, Cells: []*Cell{}}
	if err := WriteFile(path, nb); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got.Cells) != 0 {
		t.Errorf("len(Cells) = %d, want 0", len(got.Cells))
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1 (temp file left behind?)", len(entries))
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"a", []string{"a"}},
		{"a\n", []string{"a\n"}},
		{"a\nb", []string{"a\n", "b"}},
		{"a\r\nb\rc\n\n", []string{"a\r\n", "b\r", "c\n", "\n"}},
	}
	for _, tt := range tests {
		if got := SplitLines(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitLines(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMimeBundle_JSONTypes(t *testing.T) {
	var b MimeBundle
	err := json.Unmarshal([]byte(`{
		"application/vnd.plotly.v1+json": {"data": []},
		"text/x+json": ["{\n", "}"]
	}`), &b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := b["application/vnd.plotly.v1+json"].(map[string]any); !ok {
		t.Errorf("application/*+json = %T, want decoded object", b["application/vnd.plotly.v1+json"])
	}
	if got := b["text/x+json"]; got != "{\n}" {
		t.Errorf("text/x+json = %#v, want joined text", got)
	}
}

func TestKernelName(t *testing.T) {
	nb, err := ReadFile(filepath.Join("testdata", "narrative.ipynb"))
	if err != nil {
		t.Fatal(err)
	}
	if got := nb.KernelName(); got != "python3" {
		t.Errorf("KernelName() = %q, want python3", got)
	}
	empty := &Notebook{Metadata: map[string]any{}}
	if got := empty.KernelName(); got != "" {
		t.Errorf("KernelName() = %q, want empty", got)
	}
}
