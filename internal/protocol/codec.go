// internal/protocol/codec.go

// Package protocol implements the lobby wire format: a 4-byte big-endian
// length prefix followed by a JSON envelope {type, id, payload}.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jason-s-yu/gamelobby/internal/apperr"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 1 << 20

const headerSize = 4

// Envelope is the outer JSON object of every frame.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an outbound frame before encoding.
type Message struct {
	Type    Type
	ID      uint64
	Payload any
}

// Inbound is a decoded client request.
type Inbound struct {
	ID      uint64
	Request Request
}

func malformed(format string, args ...any) error {
	return apperr.Newf(apperr.KindProtocol, apperr.CodeMalformedFrame, format, args...)
}

// ReadFrame reads one length-prefixed frame body from r. A clean EOF before
// the header is returned as io.EOF; anything truncated after that is a
// malformed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, apperr.Wrap(err, apperr.KindProtocol, apperr.CodeMalformedFrame, "truncated frame header")
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, malformed("empty frame")
	}
	if n > MaxFrameSize {
		return nil, malformed("frame of %d bytes exceeds limit of %d", n, MaxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, apperr.Wrap(err, apperr.KindProtocol, apperr.CodeMalformedFrame, "truncated frame body")
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body with its length prefix in a single Write call so
// concurrent writers on a shared conn cannot interleave halves of a frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(body), MaxFrameSize)
	}
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)
	_, err := w.Write(buf)
	return err
}

// Marshal encodes a message into a frame body (without length prefix).
func Marshal(msg Message) ([]byte, error) {
	env := Envelope{Type: msg.Type, ID: msg.ID}
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msg.Type, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope parses the outer envelope without interpreting the payload.
func UnmarshalEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, apperr.Wrap(err, apperr.KindProtocol, apperr.CodeMalformedFrame, "invalid json")
	}
	if env.Type == "" {
		return Envelope{}, malformed("missing type tag")
	}
	return env, nil
}

// DecodeRequest turns a frame body into a typed request. Unknown tags,
// unknown payload fields and missing required fields are all malformed.
func DecodeRequest(body []byte) (Inbound, error) {
	env, err := UnmarshalEnvelope(body)
	if err != nil {
		return Inbound{}, err
	}

	factory, ok := requestFactories[env.Type]
	if !ok {
		return Inbound{}, malformed("unknown message type %q", env.Type)
	}
	req := factory()

	payload := env.Payload
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return Inbound{}, apperr.Wrap(err, apperr.KindProtocol, apperr.CodeMalformedFrame,
			fmt.Sprintf("payload does not match %s", env.Type))
	}
	if err := req.Validate(); err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return Inbound{}, apperr.Wrap(err, apperr.KindProtocol, apperr.CodeMalformedFrame, appErr.Message)
		}
		return Inbound{}, apperr.Wrap(err, apperr.KindProtocol, apperr.CodeMalformedFrame, "invalid payload")
	}
	return Inbound{ID: env.ID, Request: req}, nil
}

// NewRequest builds the outbound form of a client request.
func NewRequest(id uint64, req Request) Message {
	return Message{Type: req.Type(), ID: id, Payload: req}
}

// NewResponse builds a success response for request id.
func NewResponse(id uint64, data any) Message {
	return Message{Type: TypeResponse, ID: id, Payload: ResponseBody{OK: true, Data: data}}
}

// NewErrorResponse builds a failure response for request id.
func NewErrorResponse(id uint64, err error) Message {
	appErr := apperr.From(err)
	return Message{Type: TypeResponse, ID: id, Payload: ResponseBody{
		OK: false,
		Error: &ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		},
	}}
}

// NewNotification builds an unsolicited server push.
func NewNotification(t Type, payload any) Message {
	return Message{Type: t, Payload: payload}
}
