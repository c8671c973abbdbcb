package ws

import (
	"encoding/json"
	"testing"
)

func TestParseFrame(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"type":"process.spawn","id":"7","goal":"tidy up"}`))
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if frame.Type != "process.spawn" || frame.ID != "7" {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	var payload struct {
		Goal string `json:"goal"`
	}
	if err := frame.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.Goal != "tidy up" {
		t.Fatalf("payload fields should decode from the top level, got %q", payload.Goal)
	}
}

func TestParseFrameRejectsMissingType(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"id":"1"}`)); err == nil {
		t.Fatal("expected an error for a frame without a type")
	}
	if _, err := ParseFrame([]byte(`{broken`)); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestResponseEncoding(t *testing.T) {
	data, err := OK("9", map[string]int{"pid": 3})
	if err != nil {
		t.Fatalf("OK failed: %v", err)
	}
	var ok struct {
		Type string         `json:"type"`
		ID   string         `json:"id"`
		Data map[string]int `json:"data"`
	}
	if err := json.Unmarshal(data, &ok); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if ok.Type != TypeResponseOK || ok.ID != "9" || ok.Data["pid"] != 3 {
		t.Fatalf("unexpected ok frame: %+v", ok)
	}

	data, err = Err("9", "FORBIDDEN", "no")
	if err != nil {
		t.Fatalf("Err failed: %v", err)
	}
	var bad struct {
		Type  string    `json:"type"`
		Error ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &bad); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if bad.Type != TypeResponseErr || bad.Error.Code != "FORBIDDEN" || bad.Error.Message != "no" {
		t.Fatalf("unexpected err frame: %+v", bad)
	}
}

func TestEventFrameSplicesPayload(t *testing.T) {
	data, err := EventFrame("process.exit", map[string]interface{}{"pid": 4, "exitCode": 0})
	if err != nil {
		t.Fatalf("EventFrame failed: %v", err)
	}
	var ev map[string]interface{}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if ev["type"] != "process.exit" {
		t.Fatalf("topic should become the type field, got %v", ev["type"])
	}
	if ev["pid"] != float64(4) {
		t.Fatalf("payload fields should sit beside type, got %v", ev["pid"])
	}
}
