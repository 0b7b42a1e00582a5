// Package wire implements the length-prefixed JSON framing codec shared by
// the YDL broker and client. Every frame on the wire carries exactly one
// Message: a 4-byte big-endian length prefix followed by that many bytes of
// UTF-8 JSON, the JSON value always a non-empty array whose first element is
// a channel name string.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// SubscribeChannel is the reserved channel name used for the subscription
// declaration frame a client sends immediately after connecting. Users must
// never publish on it.
const SubscribeChannel = "__subscribe__"

// LengthPrefixSize is the size, in bytes, of the frame length prefix.
const LengthPrefixSize = 4

// MaxFrameSize caps the payload a single frame may declare, guarding against
// memory exhaustion from a hostile or buggy publisher.
const MaxFrameSize = 16 * 1024 * 1024

// EncodeError reports that a message could not be turned into a frame: the
// payload was not JSON-serializable, or the first element was not a
// non-empty channel name string.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string { return "ydl: encode: " + e.Reason }

// FrameError reports a malformed frame on the wire: bad JSON, a non-array
// root, or a declared length outside the permitted range.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return "ydl: frame: " + e.Reason }

// ErrFrameTooLarge describes a frame whose declared length exceeds
// MaxFrameSize. DecodeStream and ReadFrame report that case as a *FrameError,
// which does not wrap this value.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Message is an ordered heterogeneous tuple whose first element is a channel
// name and whose remaining elements are arbitrary JSON-serializable values.
// After a round trip through the wire, non-string/bool/nil elements surface
// as float64, []interface{}, or map[string]interface{}, mirroring
// encoding/json's default dynamic decoding — the payload shape is carried,
// not statically typed.
type Message []interface{}

// Channel returns the message's target channel, or the empty string if the
// message is malformed (empty, or a non-string first element).
func (m Message) Channel() string {
	if len(m) == 0 {
		return ""
	}
	ch, _ := m[0].(string)
	return ch
}

// Args returns the message's payload elements (everything after the
// channel).
func (m Message) Args() []interface{} {
	if len(m) <= 1 {
		return nil
	}
	return m[1:]
}

// New builds a Message from a channel name and payload elements.
func New(channel string, payload ...interface{}) Message {
	m := make(Message, 0, len(payload)+1)
	m = append(m, channel)
	m = append(m, payload...)
	return m
}

// validate checks the structural constraints every message must satisfy:
// non-empty, first element a non-empty string channel name.
func validate(m Message) error {
	if len(m) == 0 {
		return &EncodeError{Reason: "message has no channel element"}
	}
	ch, ok := m[0].(string)
	if !ok {
		return &EncodeError{Reason: "first element is not a string channel name"}
	}
	if ch == "" {
		return &EncodeError{Reason: "channel name must not be empty"}
	}
	return nil
}

// Encode serializes a message into a self-delimiting frame: a 4-byte
// big-endian length prefix followed by the JSON array encoding.
func Encode(m Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	body, err := json.Marshal([]interface{}(m))
	if err != nil {
		return nil, &EncodeError{Reason: err.Error()}
	}
	if len(body) > MaxFrameSize {
		return nil, &EncodeError{Reason: "encoded message exceeds maximum frame size"}
	}
	buf := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[LengthPrefixSize:], body)
	return buf, nil
}

// decodeBody parses one frame's JSON body into a Message, enforcing the
// array-with-non-empty-string-channel shape.
func decodeBody(body []byte) (Message, error) {
	var raw []interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &FrameError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if len(raw) == 0 {
		return nil, &FrameError{Reason: "message array is empty"}
	}
	ch, ok := raw[0].(string)
	if !ok || ch == "" {
		return nil, &FrameError{Reason: "first element is not a non-empty channel name"}
	}
	return Message(raw), nil
}

// DecodeStream reads as many complete frames as possible out of buf,
// returning the decoded messages and the unconsumed trailing bytes. It fails
// with a *FrameError on malformed JSON, a non-array root, or a declared
// length exceeding MaxFrameSize — in all failure cases the caller should
// treat the originating connection as unrecoverable, matching ReadFrame's
// contract.
func DecodeStream(buf []byte) (messages []Message, leftover []byte, err error) {
	for {
		if len(buf) < LengthPrefixSize {
			return messages, buf, nil
		}
		length := binary.BigEndian.Uint32(buf)
		if length > MaxFrameSize {
			return messages, buf, &FrameError{Reason: "declared frame length exceeds maximum"}
		}
		total := LengthPrefixSize + int(length)
		if len(buf) < total {
			return messages, buf, nil
		}
		msg, err := decodeBody(buf[LengthPrefixSize:total])
		if err != nil {
			return messages, buf, err
		}
		messages = append(messages, msg)
		buf = buf[total:]
	}
}

// WriteFrame encodes and writes a single message to w.
func WriteFrame(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads exactly one length-prefixed frame from r and decodes it.
// It returns io.EOF unmodified when the stream ends before the first byte of
// a frame, and io.ErrUnexpectedEOF when it ends partway through one, so
// callers can distinguish a clean peer close from a mid-frame transport
// failure.
func ReadFrame(r io.Reader) (Message, error) {
	lenBuf := make([]byte, LengthPrefixSize)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxFrameSize {
		return nil, &FrameError{Reason: "declared frame length exceeds maximum"}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return decodeBody(body)
}
