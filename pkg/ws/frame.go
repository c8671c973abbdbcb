// Package ws defines the framed JSON protocol spoken on the kernel's
// bidirectional transport. Every frame is a single JSON object with a
// required "type" field. Command frames carry a client-chosen "id";
// responses echo it; event frames never have one.
package ws

import (
	"encoding/json"
	"errors"
)

// Frame types reserved by the protocol itself. Every other type value is
// either a command name (client to server) or an event topic (server to
// client).
const (
	TypeResponseOK  = "response.ok"
	TypeResponseErr = "response.err"
	TypeSub         = "sub"
	TypeUnsub       = "unsub"
)

// Frame is a parsed incoming frame. Payload fields live at the top level
// of the JSON object next to "type" and "id"; DecodePayload unmarshals
// them into a command-specific struct.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	raw json.RawMessage
}

// ParseFrame decodes a raw message into a Frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	f.raw = append(json.RawMessage(nil), data...)
	return &f, nil
}

// DecodePayload unmarshals the frame's top-level fields into v.
func (f *Frame) DecodePayload(v interface{}) error {
	if f.raw == nil {
		return nil
	}
	return json.Unmarshal(f.raw, v)
}

// ErrorBody is the error object carried by response.err frames.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type okFrame struct {
	Type string      `json:"type"`
	ID   string      `json:"id"`
	Data interface{} `json:"data,omitempty"`
}

type errFrame struct {
	Type  string    `json:"type"`
	ID    string    `json:"id,omitempty"`
	Error ErrorBody `json:"error"`
}

// OK encodes a response.ok frame for the given command id.
func OK(id string, data interface{}) ([]byte, error) {
	return json.Marshal(okFrame{Type: TypeResponseOK, ID: id, Data: data})
}

// Err encodes a response.err frame for the given command id.
func Err(id, code, message string) ([]byte, error) {
	return json.Marshal(errFrame{Type: TypeResponseErr, ID: id, Error: ErrorBody{Code: code, Message: message}})
}

// EventFrame encodes a server-to-client event frame: the topic becomes the
// "type" field and the payload's fields are spliced in beside it.
func EventFrame(topic string, payload interface{}) ([]byte, error) {
	body := map[string]json.RawMessage{}
	if payload != nil {
		enc, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		// Payloads are always structs or maps; non-object payloads are a
		// programming error surfaced here.
		if err := json.Unmarshal(enc, &body); err != nil {
			return nil, err
		}
	}
	t, err := json.Marshal(topic)
	if err != nil {
		return nil, err
	}
	body["type"] = t
	return json.Marshal(body)
}

// SubPayload is the payload of sub and unsub frames.
type SubPayload struct {
	Topic string `json:"topic"`
}
