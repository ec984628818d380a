package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid subscribe message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Subscribe(t *testing.T) {
	input := []byte(`{"a":"s","c":"rec_tbl_ABC","d":"rowXYZ"}`)

	action, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionSubscribe {
		t.Fatalf("expected action %q, got %q", ActionSubscribe, action)
	}

	sm, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("expected SubscribeMsg, got %T", msg)
	}
	if sm.Collection != "rec_tbl_ABC" {
		t.Errorf("expected collection %q, got %q", "rec_tbl_ABC", sm.Collection)
	}
	if sm.DocID != "rowXYZ" {
		t.Errorf("expected doc id %q, got %q", "rowXYZ", sm.DocID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid op message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Op(t *testing.T) {
	input := []byte(`{"a":"op","c":"rec_tbl_ABC","d":"rowXYZ","v":3,"op":[{"p":["data","fld1"],"oi":"hello"}]}`)

	action, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionOp {
		t.Fatalf("expected action %q, got %q", ActionOp, action)
	}

	om, ok := msg.(OpMsg)
	if !ok {
		t.Fatalf("expected OpMsg, got %T", msg)
	}
	if om.Version != 3 {
		t.Errorf("expected version 3, got %d", om.Version)
	}
	if len(om.Op) == 0 {
		t.Fatal("expected non-empty op payload")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a snapshot reply server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_SnapshotReply(t *testing.T) {
	payload := SnapshotReplyMsg{
		Collection: "rec_tbl_ABC",
		DocID:      "rowXYZ",
		Data:       map[string]interface{}{"data": map[string]interface{}{"fld1": "hi"}},
		Version:    5,
	}

	data, err := NewServerMessage(ActionSubscribe, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["a"] != ActionSubscribe {
		t.Errorf("expected action %q, got %v", ActionSubscribe, result["a"])
	}
	if result["d"] != "rowXYZ" {
		t.Errorf("expected doc id %q, got %v", "rowXYZ", result["d"])
	}

	version, ok := result["v"].(float64)
	if !ok {
		t.Fatalf("expected v to be a number, got %T", result["v"])
	}
	if int(version) != 5 {
		t.Errorf("expected version 5, got %v", version)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown action returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownAction(t *testing.T) {
	input := []byte(`{"a":"bogus","data":"something"}`)

	action, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown action, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown action, got %v", msg)
	}
	if action != "bogus" {
		t.Errorf("expected returned action %q, got %q", "bogus", action)
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_Subscribe(t *testing.T) {
	original := SubscribeMsg{
		Action:     ActionSubscribe,
		Collection: "rec_tbl_ABC",
		DocID:      "rowXYZ",
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	action, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionSubscribe {
		t.Fatalf("expected action %q, got %q", ActionSubscribe, action)
	}

	decoded, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("expected SubscribeMsg, got %T", msg)
	}
	if decoded.Collection != original.Collection {
		t.Errorf("collection mismatch: expected %q, got %q", original.Collection, decoded.Collection)
	}
	if decoded.DocID != original.DocID {
		t.Errorf("doc id mismatch: expected %q, got %q", original.DocID, decoded.DocID)
	}
}

func TestRoundTrip_ServerMessage(t *testing.T) {
	original := SnapshotReplyMsg{
		Collection: "rec_tbl_ABC",
		DocID:      "rowXYZ",
		Data:       map[string]interface{}{"data": map[string]interface{}{}},
		Version:    2,
	}

	data, err := NewServerMessage(ActionSubscribe, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	var decoded SnapshotReplyMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Action != ActionSubscribe {
		t.Errorf("action mismatch: expected %q, got %q", ActionSubscribe, decoded.Action)
	}
	if decoded.DocID != original.DocID {
		t.Errorf("doc id mismatch: expected %q, got %q", original.DocID, decoded.DocID)
	}
	if decoded.Version != original.Version {
		t.Errorf("version mismatch: expected %d, got %d", original.Version, decoded.Version)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingAction(t *testing.T) {
	input := []byte(`{"data":"no action field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing action field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client actions succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllActions(t *testing.T) {
	cases := []struct {
		name       string
		input      string
		wantAction string
	}{
		{"handshake", `{"a":"hs"}`, ActionHandshake},
		{"fetch", `{"a":"f","c":"rec_tbl_ABC","d":"row1"}`, ActionFetch},
		{"subscribe", `{"a":"s","c":"rec_tbl_ABC","d":"row1"}`, ActionSubscribe},
		{"unsubscribe", `{"a":"us","c":"rec_tbl_ABC","d":"row1"}`, ActionUnsubscribe},
		{"op", `{"a":"op","c":"rec_tbl_ABC","d":"row1","v":1,"del":true}`, ActionOp},
		{"presence", `{"a":"p","c":"rec_tbl_ABC","d":"row1","presence":{"cursor":5}}`, ActionPresence},
		{"presence_ping", `{"a":"pp","c":"rec_tbl_ABC","d":"row1"}`, ActionPresencePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if action != tc.wantAction {
				t.Errorf("expected action %q, got %q", tc.wantAction, action)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
