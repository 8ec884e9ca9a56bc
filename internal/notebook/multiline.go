package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MultilineString is a string that nbformat stores either as a single JSON
// string or as a list of lines. It is always held joined in memory and
// written back as a list of lines, each keeping its line terminator.
type MultilineString string

func (s *MultilineString) UnmarshalJSON(data []byte) error {
	joined, err := joinLines(data)
	if err != nil {
		return err
	}
	*s = MultilineString(joined)
	return nil
}

func (s MultilineString) MarshalJSON() ([]byte, error) {
	return marshal(SplitLines(string(s)))
}

// MimeBundle maps MIME types to payloads. Text payloads are joined in
// memory; JSON payloads (application/json, application/*+json) are kept
// as decoded values.
type MimeBundle map[string]any

func (b *MimeBundle) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(MimeBundle, len(raw))
	for mime, v := range raw {
		if isJSONMime(mime) {
			var val any
			if err := unmarshalNumbers(v, &val); err != nil {
				return fmt.Errorf("mime bundle %s: %w", mime, err)
			}
			out[mime] = val
			continue
		}
		s, err := joinLines(v)
		if err != nil {
			return fmt.Errorf("mime bundle %s: %w", mime, err)
		}
		out[mime] = s
	}
	*b = out
	return nil
}

// MarshalJSON splits text/*, application/javascript and image/svg+xml
// payloads into line lists, as nbformat does on write.
func (b MimeBundle) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b))
	for mime, v := range b {
		if s, ok := v.(string); ok && splitsOnWrite(mime) {
			out[mime] = SplitLines(s)
			continue
		}
		out[mime] = v
	}
	return marshal(out)
}

func isJSONMime(mime string) bool {
	return mime == "application/json" ||
		strings.HasPrefix(mime, "application/") && strings.HasSuffix(mime, "+json")
}

func splitsOnWrite(mime string) bool {
	return strings.HasPrefix(mime, "text/") ||
		mime == "application/javascript" ||
		mime == "image/svg+xml"
}

// SplitLines splits s after every line terminator (\n, \r\n or \r),
// keeping the terminators. The empty string yields an empty list.
func SplitLines(s string) []string {
	lines := []string{}
	for len(s) > 0 {
		i := strings.IndexAny(s, "\r\n")
		if i < 0 {
			lines = append(lines, s)
			break
		}
		end := i + 1
		if s[i] == '\r' && end < len(s) && s[end] == '\n' {
			end++
		}
		lines = append(lines, s[:end])
		s = s[end:]
	}
	return lines
}

func joinLines(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var lines []string
		if err := json.Unmarshal(data, &lines); err != nil {
			return "", err
		}
		return strings.Join(lines, ""), nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", err
	}
	return s, nil
}

// unmarshalNumbers decodes data keeping numbers as json.Number so that
// opaque metadata round-trips without float conversion.
func unmarshalNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// marshal encodes v without HTML escaping; nbformat writes <, > and &
// literally.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
