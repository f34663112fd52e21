package task

import (
	"encoding/json"
	"testing"
)

func TestTaskToWireRoundTrip(t *testing.T) {
	tsk := &Task{ID: "t-1", Type: "DATA_TRANSFORM", Priority: 2, MaxRetries: 3}
	wire := tsk.toWire()

	if wire.SchemaVersion != payloadSchemaVersion {
		t.Fatalf("SchemaVersion = %d, want %d", wire.SchemaVersion, payloadSchemaVersion)
	}
	if wire.ContentType != payloadContentType {
		t.Fatalf("ContentType = %q, want %q", wire.ContentType, payloadContentType)
	}
	if wire.ID != tsk.ID || wire.Type != tsk.Type {
		t.Fatalf("toWire() did not carry ID/Type through: %+v", wire)
	}
}

func TestDecodePayloadRejectsUnknownSchemaVersion(t *testing.T) {
	data := []byte(`{"schema_version":99,"content_type":"application/json","id":"t-1","type":"echo"}`)
	if _, err := DecodePayload(data); err == nil {
		t.Fatal("DecodePayload() with an unsupported schema_version should error")
	}
}

func TestDecodePayloadAcceptsCurrentSchemaVersion(t *testing.T) {
	tsk := &Task{ID: "t-1", Type: "echo"}
	data, err := json.Marshal(tsk.toWire())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	p, err := DecodePayload(data)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if p.ID != "t-1" || p.Type != "echo" {
		t.Fatalf("decoded payload mismatch: %+v", p)
	}
}
