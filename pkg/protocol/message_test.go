package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"commonroom/pkg/protocol"
)

func TestPayloadKinds(t *testing.T) {
	t.Parallel()

	kinds := []protocol.PayloadKind{
		protocol.KindRequest,
		protocol.KindResponse,
		protocol.KindError,
		protocol.KindReport,
		protocol.KindUnrecognized,
	}
	expected := []string{"gemini_request", "gemini_response", "error", "report", "unrecognized"}

	for i, k := range kinds {
		if string(k) != expected[i] {
			t.Errorf("expected %q, got %q", expected[i], k)
		}
	}
}

// TestPayloadDecode covers the payload shapes found in real inboxes.
func TestPayloadDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantKind protocol.PayloadKind
		wantType string
		wantText string
	}{
		{
			name:     "request",
			raw:      `{"type":"gemini_request","query":"hi","conversation_id":"c1","reset_conversation":true,"return_address":"ui"}`,
			wantKind: protocol.KindRequest,
			wantType: "gemini_request",
			wantText: "hi",
		},
		{
			name:     "response",
			raw:      `{"type":"gemini_response","content":"hello","conversation_id":"c1"}`,
			wantKind: protocol.KindResponse,
			wantType: "gemini_response",
			wantText: "hello",
		},
		{
			name:     "error",
			raw:      `{"type":"error","content":"Failed to get response from Gemini."}`,
			wantKind: protocol.KindError,
			wantType: "error",
			wantText: "Failed to get response from Gemini.",
		},
		{
			name:     "report",
			raw:      `{"type":"report","content":"all good"}`,
			wantKind: protocol.KindReport,
			wantType: "report",
			wantText: "all good",
		},
		{
			name:     "unknown type",
			raw:      `{"type":"ping"}`,
			wantKind: protocol.KindUnrecognized,
			wantType: "ping",
			wantText: `{"type":"ping"}`,
		},
		{
			name:     "plain string from send utility",
			raw:      `"just some text"`,
			wantKind: protocol.KindUnrecognized,
			wantType: "unrecognized",
			wantText: "just some text",
		},
		{
			name:     "object without type",
			raw:      `{"note":1}`,
			wantKind: protocol.KindUnrecognized,
			wantType: "unrecognized",
			wantText: `{"note":1}`,
		},
		{
			name:     "non-string type",
			raw:      `{"type":7}`,
			wantKind: protocol.KindUnrecognized,
			wantType: "unrecognized",
			wantText: `{"type":7}`,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var p protocol.Payload
			if err := json.Unmarshal([]byte(tt.raw), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if p.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", p.Kind, tt.wantKind)
			}
			if p.Type() != tt.wantType {
				t.Errorf("Type() = %q, want %q", p.Type(), tt.wantType)
			}
			if p.Text() != tt.wantText {
				t.Errorf("Text() = %q, want %q", p.Text(), tt.wantText)
			}
		})
	}
}

func TestPayloadDecode_BadFieldTypeIsError(t *testing.T) {
	t.Parallel()
	var p protocol.Payload
	err := json.Unmarshal([]byte(`{"type":"gemini_request","query":42}`), &p)
	if err == nil {
		t.Fatal("expected error for request with numeric query")
	}
}

func TestPayloadEncode_FlattensWithType(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(protocol.NewResponse("hey", "c9"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if flat["type"] != "gemini_response" || flat["content"] != "hey" || flat["conversation_id"] != "c9" {
		t.Errorf("unexpected wire shape: %s", data)
	}
}

func TestPayloadEncode_MissingBody(t *testing.T) {
	t.Parallel()
	_, err := json.Marshal(protocol.Payload{Kind: protocol.KindRequest})
	if err == nil {
		t.Fatal("expected error for request kind without body")
	}
}

func TestMessageEnvelope_WireNames(t *testing.T) {
	t.Parallel()

	msg := protocol.Message{
		ID:        "id-1",
		Sender:    "alice",
		Recipient: "bob",
		Payload:   protocol.NewText("hi"),
		Timestamp: time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"id":"id-1"`, `"sender":"alice"`, `"recipient":"bob"`, `"message":"hi"`, `"timestamp":"2026-05-04T03:02:01Z"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("encoded message missing %s: %s", key, data)
		}
	}
}

// TestMessage_LegacyFileWithoutTimestamp decodes files written by older
// senders, which carried a millisecond id and no timestamp.
func TestMessage_LegacyFileWithoutTimestamp(t *testing.T) {
	t.Parallel()
	raw := `{"id":"1717000000000","sender":"the_mediator","recipient":"the_gemini_connector","message":"hello"}`

	var msg protocol.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !msg.Timestamp.IsZero() {
		t.Errorf("expected zero timestamp, got %v", msg.Timestamp)
	}
	if msg.Payload.Text() != "hello" {
		t.Errorf("Text() = %q, want hello", msg.Payload.Text())
	}
}
