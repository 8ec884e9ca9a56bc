package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// v3MimeKeys maps the short output keys of nbformat 3 to MIME types.
var v3MimeKeys = map[string]string{
	"text":       "text/plain",
	"html":       "text/html",
	"svg":        "image/svg+xml",
	"png":        "image/png",
	"jpeg":       "image/jpeg",
	"latex":      "text/latex",
	"json":       "application/json",
	"javascript": "application/javascript",
}

// upgrade converts an nbformat 1, 2 or 3 document to v4: worksheets are
// flattened, heading cells become markdown, prompt numbers become
// execution counts and pyout/pyerr outputs become execute_result/error.
// The source version is kept in metadata.orig_nbformat.
func upgrade(data []byte, major int) ([]byte, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var old []any
	if major == 1 {
		old = v1Cells(doc)
	} else {
		worksheets, _ := doc["worksheets"].([]any)
		for _, ws := range worksheets {
			ws, _ := ws.(map[string]any)
			cells, _ := ws["cells"].([]any)
			old = append(old, cells...)
		}
	}

	cells := make([]any, 0, len(old))
	for i, c := range old {
		c, ok := c.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("nbformat %d cell %d is not an object", major, i)
		}
		cell, err := upgradeCell(c)
		if err != nil {
			return nil, fmt.Errorf("nbformat %d cell %d: %w", major, i, err)
		}
		cells = append(cells, cell)
	}

	meta, _ := doc["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	delete(meta, "name")
	delete(meta, "signature")
	if _, ok := meta["orig_nbformat"]; !ok {
		meta["orig_nbformat"] = major
	}

	return json.Marshal(map[string]any{
		"cells":          cells,
		"metadata":       meta,
		"nbformat":       FormatMajor,
		"nbformat_minor": FormatMinor,
	})
}

// v1Cells rewrites v1 code and text cells into the v3 shape.
func v1Cells(doc map[string]any) []any {
	raw, _ := doc["cells"].([]any)
	cells := make([]any, 0, len(raw))
	for _, c := range raw {
		c, ok := c.(map[string]any)
		if !ok {
			cells = append(cells, c)
			continue
		}
		switch c["cell_type"] {
		case "code":
			cells = append(cells, map[string]any{
				"cell_type":     "code",
				"input":         c["code"],
				"prompt_number": c["prompt_number"],
			})
		case "text":
			cells = append(cells, map[string]any{"cell_type": "markdown", "source": c["text"]})
		default:
			cells = append(cells, c)
		}
	}
	return cells
}

func upgradeCell(c map[string]any) (map[string]any, error) {
	meta, _ := c["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	cell := map[string]any{
		"id":       uuid.New().String()[:8],
		"metadata": meta,
	}

	switch typ, _ := c["cell_type"].(string); typ {
	case "code":
		if collapsed, ok := c["collapsed"]; ok {
			meta["collapsed"] = collapsed
		}
		outputs, _ := c["outputs"].([]any)
		upgraded := make([]any, 0, len(outputs))
		for i, o := range outputs {
			o, ok := o.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("output %d is not an object", i)
			}
			out, err := upgradeOutput(o)
			if err != nil {
				return nil, fmt.Errorf("output %d: %w", i, err)
			}
			upgraded = append(upgraded, out)
		}
		cell["cell_type"] = "code"
		cell["source"] = orString(c["input"])
		cell["outputs"] = upgraded
		cell["execution_count"] = c["prompt_number"]
	case "heading":
		level := 1
		if n, ok := c["level"].(json.Number); ok {
			if v, err := n.Int64(); err == nil && v > 0 {
				level = min(int(v), 6)
			}
		}
		text, err := joinLines(mustJSON(orString(c["source"])))
		if err != nil {
			return nil, err
		}
		cell["cell_type"] = "markdown"
		cell["source"] = strings.Repeat("#", level) + " " + strings.Join(strings.Fields(text), " ")
	case "markdown", "raw":
		cell["cell_type"] = typ
		cell["source"] = orString(c["source"])
	case "html":
		cell["cell_type"] = "markdown"
		cell["source"] = orString(c["source"])
	default:
		return nil, fmt.Errorf("unknown cell type %q", typ)
	}
	return cell, nil
}

func upgradeOutput(o map[string]any) (map[string]any, error) {
	meta, _ := o["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	switch typ, _ := o["output_type"].(string); typ {
	case "pyout", "execute_result":
		data, err := v3Data(o)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"output_type":     "execute_result",
			"data":            data,
			"metadata":        meta,
			"execution_count": o["prompt_number"],
		}, nil
	case "display_data":
		data, err := v3Data(o)
		if err != nil {
			return nil, err
		}
		return map[string]any{"output_type": "display_data", "data": data, "metadata": meta}, nil
	case "pyerr", "error":
		tb, _ := o["traceback"].([]any)
		if tb == nil {
			tb = []any{}
		}
		return map[string]any{
			"output_type": "error",
			"ename":       orString(o["ename"]),
			"evalue":      orString(o["evalue"]),
			"traceback":   tb,
		}, nil
	case "stream":
		name, _ := o["stream"].(string)
		if name == "" {
			name = "stdout"
		}
		return map[string]any{"output_type": "stream", "name": name, "text": orString(o["text"])}, nil
	default:
		return nil, fmt.Errorf("unknown output type %q", typ)
	}
}

// v3Data collects the short-keyed payloads of a v3 output into a MIME
// bundle. A JSON payload stored as a string is decoded.
func v3Data(o map[string]any) (map[string]any, error) {
	data := map[string]any{}
	for key, mime := range v3MimeKeys {
		v, ok := o[key]
		if !ok {
			continue
		}
		if mime == "application/json" {
			if s, ok := v.(string); ok {
				var decoded any
				if err := json.Unmarshal([]byte(s), &decoded); err != nil {
					return nil, fmt.Errorf("json payload: %w", err)
				}
				v = decoded
			}
		}
		data[mime] = v
	}
	return data, nil
}

func orString(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`""`)
	}
	return b
}
