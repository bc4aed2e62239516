// Package wire defines the JSON frame format used on the control socket
// between the Chronicle host and the agent bridge.
//
// A frame is one complete JSON object per WebSocket message and is one of
// three shapes, discriminated by the "type" field:
//
//	Request:  {"type":"request","id":"req-1","method":"getCurrentFile","params":{...}}
//	Response: {"type":"response","id":"req-1","result":{...}}
//	Push:     {"type":"push","event":"processingComplete","data":{...}}
//
// Decode is the only place untrusted bytes from the socket are
// deserialized. It validates structure strictly: a frame that does not
// match one of the three canonical shapes is rejected whole, never
// partially processed.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FrameType discriminates the three frame shapes.
type FrameType string

const (
	TypeRequest  FrameType = "request"
	TypeResponse FrameType = "response"
	TypePush     FrameType = "push"
)

// Frame is the tagged union carried on the socket. Which fields are
// meaningful depends on Type:
//
//   - request:  ID, Method, optional Params
//   - response: ID, exactly one of Result or Error
//   - push:     Event, optional Data
type Frame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// DecodeError reports a frame that failed structural validation.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "invalid frame: " + e.Reason
}

// rawFrame mirrors Frame but keeps every field raw so field types can be
// checked before anything is interpreted.
type rawFrame struct {
	Type   *string         `json:"type"`
	ID     *string         `json:"id"`
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
	Event  *string         `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Decode parses raw bytes into a validated Frame.
func Decode(raw []byte) (*Frame, error) {
	var rf rawFrame
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&rf); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if rf.Type == nil {
		return nil, &DecodeError{Reason: "missing type field"}
	}

	f := &Frame{Type: FrameType(*rf.Type)}
	switch f.Type {
	case TypeRequest:
		if rf.ID == nil || *rf.ID == "" {
			return nil, &DecodeError{Reason: "request missing id"}
		}
		if rf.Method == nil || *rf.Method == "" {
			return nil, &DecodeError{Reason: "request missing method"}
		}
		if len(rf.Params) > 0 && !isJSONObject(rf.Params) {
			return nil, &DecodeError{Reason: "request params must be an object"}
		}
		f.ID, f.Method, f.Params = *rf.ID, *rf.Method, rf.Params

	case TypeResponse:
		if rf.ID == nil || *rf.ID == "" {
			return nil, &DecodeError{Reason: "response missing id"}
		}
		hasResult := len(rf.Result) > 0 && !isJSONNull(rf.Result)
		hasError := rf.Error != nil && *rf.Error != ""
		if hasResult == hasError {
			return nil, &DecodeError{Reason: "response must set exactly one of result or error"}
		}
		f.ID = *rf.ID
		if hasResult {
			f.Result = rf.Result
		} else {
			f.Error = *rf.Error
		}

	case TypePush:
		if rf.Event == nil || *rf.Event == "" {
			return nil, &DecodeError{Reason: "push missing event"}
		}
		f.Event, f.Data = *rf.Event, rf.Data

	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown type %q", *rf.Type)}
	}
	return f, nil
}

// Encode serializes a frame for transmission.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// NewRequest builds a request frame. params may be nil; any other value
// is marshaled into the params object.
func NewRequest(id, method string, params any) (*Frame, error) {
	f := &Frame{Type: TypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		f.Params = raw
	}
	return f, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id string, result any) (*Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Frame{Type: TypeResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id, msg string) *Frame {
	return &Frame{Type: TypeResponse, ID: id, Error: msg}
}

// NewPush builds a push frame. data may be nil.
func NewPush(event string, data any) (*Frame, error) {
	f := &Frame{Type: TypePush, Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data: %w", err)
		}
		f.Data = raw
	}
	return f, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
