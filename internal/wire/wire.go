// Package wire implements the Jupyter wire protocol: multi-frame message
// framing, HMAC-SHA256 signing/verification, and typed header/content
// (de)serialization.
//
// Reference: https://jupyter-client.readthedocs.io/en/latest/messaging.html
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ProtocolVersion is the Jupyter messaging protocol version implemented.
const ProtocolVersion = "5.3"

// delimiter is the literal frame separating routing identities from the
// signed part of a message.
const delimiter = "<IDS|MSG>"

// Header is the per-message header, present on every request, reply and
// broadcast.
type Header struct {
	MsgID           string `json:"msg_id"`
	Session         string `json:"session"`
	Username        string `json:"username"`
	Date            string `json:"date"`
	MsgType         string `json:"msg_type"`
	ProtocolVersion string `json:"version"`
}

// NewHeader creates a fresh header for msgType, owned by session sessionID
// (acting as user username).
func NewHeader(msgType, sessionID, username string) (Header, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Header{}, errors.WithMessage(err, "wire.NewHeader: generating msg_id")
	}
	return Header{
		MsgID:           id.String(),
		Session:         sessionID,
		Username:        username,
		Date:            time.Now().UTC().Format(time.RFC3339),
		MsgType:         msgType,
		ProtocolVersion: ProtocolVersion,
	}, nil
}

// Message is the decoded, in-memory representation of a wire message: the
// four signed JSON frames plus any routing identities and raw buffers.
type Message struct {
	Identities   [][]byte
	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      json.RawMessage
	Buffers      [][]byte
}

// Reply builds a new Message replying to m: its ParentHeader is m's Header,
// and Session/Username are inherited so the reply is attributed to the same
// session.
func (m *Message) Reply(msgType string, content any) (*Message, error) {
	header, err := NewHeader(msgType, m.Header.Session, m.Header.Username)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "wire.Message.Reply(%q): marshaling content", msgType)
	}
	return &Message{
		Identities:   m.Identities,
		Header:       header,
		ParentHeader: m.Header,
		Metadata:     map[string]any{},
		Content:      raw,
	}, nil
}

// MarshalContent marshals a typed content value (or nil) into the
// json.RawMessage form Message.Content expects.
func MarshalContent(content any) (json.RawMessage, error) {
	if content == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, errors.WithMessage(err, "wire: marshaling content")
	}
	return raw, nil
}

// ContentAs unmarshals m.Content into v.
func (m *Message) ContentAs(v any) error {
	if len(m.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return &ContentDecodeError{MsgType: m.Header.MsgType, Cause: err}
	}
	return nil
}

// --- Error kinds (§4.1, §7) ---

// InsufficientFramesError is returned when a zmq message doesn't carry
// enough frames to hold a full Jupyter message.
type InsufficientFramesError struct{ Got int }

func (e *InsufficientFramesError) Error() string {
	return "wire: insufficient frames in message"
}

// MissingDelimiterError is returned when the "<IDS|MSG>" delimiter frame is
// not present.
type MissingDelimiterError struct{}

func (e *MissingDelimiterError) Error() string { return "wire: missing <IDS|MSG> delimiter frame" }

// SignatureMismatchError is returned when the HMAC recomputed over the four
// JSON frames does not match the signature frame.
type SignatureMismatchError struct{}

func (e *SignatureMismatchError) Error() string { return "wire: signature mismatch" }

// HeaderDecodeError wraps a failure decoding the header or parent-header
// frame.
type HeaderDecodeError struct{ Cause error }

func (e *HeaderDecodeError) Error() string { return "wire: failed to decode header: " + e.Cause.Error() }
func (e *HeaderDecodeError) Unwrap() error { return e.Cause }

// ContentDecodeError wraps a failure decoding a message's typed content,
// named by the message's msg_type.
type ContentDecodeError struct {
	MsgType string
	Cause   error
}

func (e *ContentDecodeError) Error() string {
	return "wire: failed to decode content of " + e.MsgType + ": " + e.Cause.Error()
}
func (e *ContentDecodeError) Unwrap() error { return e.Cause }

// Codec encodes and decodes Jupyter wire messages, signing/verifying with
// the session's HMAC key (empty key disables signing, per spec).
type Codec struct {
	Key []byte
}

// NewCodec returns a Codec using the given signing key.
func NewCodec(key []byte) *Codec {
	return &Codec{Key: key}
}

// sign computes the lowercase-hex HMAC-SHA256 over header||parentHeader||
// metadata||content, in that order.
func (c *Codec) sign(header, parentHeader, metadata, content []byte) []byte {
	if len(c.Key) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, c.Key)
	mac.Write(header)
	mac.Write(parentHeader)
	mac.Write(metadata)
	mac.Write(content)
	sum := mac.Sum(nil)
	sig := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(sig, sum)
	return sig
}

// Encode serializes a Message into the ordered list of frames that follow
// the routing identities: signature, header, parent header, metadata,
// content, buffers. It does not prepend identities or the delimiter; the
// socket layer does that (it alone knows whether it is a ROUTER socket).
func (c *Codec) Encode(m *Message) ([][]byte, error) {
	header, err := json.Marshal(m.Header)
	if err != nil {
		return nil, errors.WithMessage(err, "wire.Codec.Encode: marshaling header")
	}
	parentHeader, err := json.Marshal(m.ParentHeader)
	if err != nil {
		return nil, errors.WithMessage(err, "wire.Codec.Encode: marshaling parent header")
	}
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.WithMessage(err, "wire.Codec.Encode: marshaling metadata")
	}
	content := m.Content
	if content == nil {
		content = json.RawMessage("{}")
	}

	sig := c.sign(header, parentHeader, metadataBytes, content)
	frames := make([][]byte, 0, 5+len(m.Buffers))
	frames = append(frames, sig, header, parentHeader, metadataBytes, content)
	frames = append(frames, m.Buffers...)
	return frames, nil
}

// Decode parses a raw multi-part zmq message (identities, delimiter,
// signature, header, parent header, metadata, content, buffers...) into a
// Message, verifying the signature.
//
// Signature verification is total: any malformed frame sequence or
// mismatched signature returns a typed error and no partial Message should
// be trusted.
func (c *Codec) Decode(parts [][]byte) (*Message, error) {
	i := 0
	for i < len(parts) && string(parts[i]) != delimiter {
		i++
	}
	if i == len(parts) {
		return nil, &MissingDelimiterError{}
	}
	identities := parts[:i]
	rest := parts[i+1:]
	if len(rest) < 5 {
		return nil, &InsufficientFramesError{Got: len(rest)}
	}

	sigFrame := rest[0]
	headerFrame := rest[1]
	parentFrame := rest[2]
	metadataFrame := rest[3]
	contentFrame := rest[4]
	buffers := rest[5:]

	if len(c.Key) != 0 {
		// Both sides are the lowercase-hex form sign() produces; compare
		// those directly rather than hex-decoding one side only.
		gotSig := c.sign(headerFrame, parentFrame, metadataFrame, contentFrame)
		if !hmac.Equal(gotSig, sigFrame) {
			return nil, &SignatureMismatchError{}
		}
	}

	m := &Message{Identities: identities, Buffers: buffers, Content: json.RawMessage(contentFrame)}
	if err := json.Unmarshal(headerFrame, &m.Header); err != nil {
		return nil, &HeaderDecodeError{Cause: err}
	}
	if len(parentFrame) > 0 && string(parentFrame) != "null" {
		if err := json.Unmarshal(parentFrame, &m.ParentHeader); err != nil {
			return nil, &HeaderDecodeError{Cause: err}
		}
	}
	if len(metadataFrame) > 0 && string(metadataFrame) != "null" {
		if err := json.Unmarshal(metadataFrame, &m.Metadata); err != nil {
			return nil, errors.WithMessage(err, "wire: failed to decode metadata")
		}
	}
	return m, nil
}
