package kernel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the Jupyter messaging protocol version spoken by the
// client.
const ProtocolVersion = "5.3"

// delimiter separates routing identities from the signed message parts.
const delimiter = "<IDS|MSG>"

// Header is a message header (also used as the parent header).
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is a decoded Jupyter protocol message.
type Message struct {
	Identities   [][]byte
	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      json.RawMessage
	Buffers      [][]byte
}

// Type returns the message type.
func (m *Message) Type() string { return m.Header.MsgType }

// ParentID returns the msg_id of the request this message answers.
func (m *Message) ParentID() string { return m.ParentHeader.MsgID }

// Decode unmarshals the message content into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decoding %s content: %w", m.Header.MsgType, err)
	}
	return nil
}

// NewMessage builds a request of msgType in session.
func NewMessage(session, username, msgType string, content any) (*Message, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", msgType, err)
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.New().String(),
			Session:  session,
			Username: username,
			Date:     time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  body,
	}, nil
}

// ErrBadSignature is returned for messages whose HMAC does not verify.
var ErrBadSignature = errors.New("invalid message signature")

// signer signs and verifies message frames with HMAC-SHA256. An empty key
// disables signing, as the protocol allows.
type signer struct {
	key []byte
}

func (s signer) sign(parts ...[]byte) []byte {
	if len(s.key) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// encode renders m as wire frames:
// identities, delimiter, signature, header, parent, metadata, content, buffers.
func (s signer) encode(m *Message) ([][]byte, error) {
	header, err := json.Marshal(m.Header)
	if err != nil {
		return nil, err
	}
	parent := []byte("{}")
	if m.ParentHeader.MsgID != "" {
		if parent, err = json.Marshal(m.ParentHeader); err != nil {
			return nil, err
		}
	}
	meta := []byte("{}")
	if len(m.Metadata) > 0 {
		if meta, err = json.Marshal(m.Metadata); err != nil {
			return nil, err
		}
	}
	content := []byte(m.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}

	frames := make([][]byte, 0, len(m.Identities)+6+len(m.Buffers))
	frames = append(frames, m.Identities...)
	frames = append(frames,
		[]byte(delimiter),
		s.sign(header, parent, meta, content),
		header, parent, meta, content,
	)
	frames = append(frames, m.Buffers...)
	return frames, nil
}

// decode parses wire frames and verifies their signature.
func (s signer) decode(frames [][]byte) (*Message, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, []byte(delimiter)) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errors.New("message delimiter not found")
	}
	parts := frames[idx+1:]
	if len(parts) < 5 {
		return nil, fmt.Errorf("message has %d parts after delimiter, want at least 5", len(parts))
	}
	sig, header, parent, meta, content := parts[0], parts[1], parts[2], parts[3], parts[4]

	if len(s.key) > 0 && !hmac.Equal(sig, s.sign(header, parent, meta, content)) {
		return nil, ErrBadSignature
	}

	m := &Message{
		Identities: frames[:idx],
		Content:    json.RawMessage(bytes.Clone(content)),
		Buffers:    parts[5:],
	}
	if err := json.Unmarshal(header, &m.Header); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if err := json.Unmarshal(parent, &m.ParentHeader); err != nil {
		return nil, fmt.Errorf("decoding parent header: %w", err)
	}
	if err := json.Unmarshal(meta, &m.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}
