package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	f, err := Decode([]byte(`{"type":"request","id":"req-1","method":"getCurrentFile","params":{"style":"standard"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Type != TypeRequest {
		t.Errorf("Expected request type, got %s", f.Type)
	}
	if f.ID != "req-1" || f.Method != "getCurrentFile" {
		t.Errorf("Unexpected id/method: %s %s", f.ID, f.Method)
	}

	var params map[string]string
	if err := json.Unmarshal(f.Params, &params); err != nil {
		t.Fatalf("params not an object: %v", err)
	}
	if params["style"] != "standard" {
		t.Errorf("Expected style=standard, got %q", params["style"])
	}
}

func TestDecodeRequestWithoutParams(t *testing.T) {
	f, err := Decode([]byte(`{"type":"request","id":"req-2","method":"getWorkspacePath"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Params != nil {
		t.Errorf("Expected nil params, got %s", f.Params)
	}
}

func TestDecodeResponse(t *testing.T) {
	f, err := Decode([]byte(`{"type":"response","id":"req-1","result":{"path":"/ws/note.md"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.ID != "req-1" || len(f.Result) == 0 || f.Error != "" {
		t.Errorf("Unexpected response frame: %+v", f)
	}
}

func TestDecodeErrorResponse(t *testing.T) {
	f, err := Decode([]byte(`{"type":"response","id":"req-1","error":"no file open"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Error != "no file open" {
		t.Errorf("Expected error message, got %q", f.Error)
	}
}

func TestDecodePush(t *testing.T) {
	f, err := Decode([]byte(`{"type":"push","event":"processingComplete","data":{"path":"a.md"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Event != "processingComplete" {
		t.Errorf("Expected event name, got %q", f.Event)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `not json at all`},
		{"missing type", `{"id":"req-1","method":"x"}`},
		{"unknown type", `{"type":"notify","event":"x"}`},
		{"request without id", `{"type":"request","method":"x"}`},
		{"request without method", `{"type":"request","id":"req-1"}`},
		{"request id wrong type", `{"type":"request","id":7,"method":"x"}`},
		{"request params not object", `{"type":"request","id":"req-1","method":"x","params":[1]}`},
		{"response without id", `{"type":"response","result":{}}`},
		{"response with neither result nor error", `{"type":"response","id":"req-1"}`},
		{"response with both result and error", `{"type":"response","id":"req-1","result":{},"error":"x"}`},
		{"push without event", `{"type":"push","data":{}}`},
		{"type wrong kind", `{"type":42}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			if err == nil {
				t.Fatalf("Expected decode error for %s", tc.raw)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("Expected *DecodeError, got %T", err)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req, err := NewRequest("req-9", "triggerProcessing", map[string]string{"style": "brief"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	raw, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	back, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if back.ID != "req-9" || back.Method != "triggerProcessing" {
		t.Errorf("Round trip lost fields: %+v", back)
	}
}

func TestNewErrorResponseDecodes(t *testing.T) {
	raw, err := Encode(NewErrorResponse("req-3", "boom"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Error != "boom" {
		t.Errorf("Expected error to survive, got %q", f.Error)
	}
}
